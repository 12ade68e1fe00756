package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Kind names an entity table participating in sync.
type Kind string

const (
	KindSymbol Kind = "symbol"
	KindBoard  Kind = "board"
)

// SyncState is the reconciliation state of one entity.
type SyncState string

const (
	StateClean       SyncState = "clean"
	StatePendingPush SyncState = "pending_push"
	StateConflict    SyncState = "conflict"
)

// SyncRecord tracks divergence between the local and remote copy of an entity.
// Rows only exist while an entity diverges; a missing row means Clean.
type SyncRecord struct {
	Kind          Kind
	EntityID      string
	LocalVersion  int64
	RemoteVersion int64
	State         SyncState
	UpdatedAt     time.Time
}

// Origin tells which side of a conflict a superseded copy came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Superseded is a losing version retained after conflict resolution.
type Superseded struct {
	ID           int64
	Kind         Kind
	EntityID     string
	Version      int64
	Payload      []byte
	ModifiedAt   time.Time
	Origin       Origin
	SupersededAt time.Time
}

// MarkPending records a local mutation inside the caller's transaction. The
// first mutation after a clean state assumes the remote holds the previous
// version.
func MarkPending(ctx context.Context, tx *sql.Tx, kind Kind, id string, version int64, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sync_records(entity_kind, entity_id, local_version, remote_version, state, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_kind, entity_id) DO UPDATE SET local_version=excluded.local_version, updated_at=excluded.updated_at`,
		string(kind), id, version, version-1, string(StatePendingPush), Nanos(now))
	return err
}

// ClearRecord drops the record for an entity whose local copy now equals the remote.
func ClearRecord(ctx context.Context, tx *sql.Tx, kind Kind, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM sync_records WHERE entity_kind = ? AND entity_id = ?`, string(kind), id)
	return err
}

// Record returns the sync record for an entity, or ErrNotFound when it is clean.
func (s *Store) Record(ctx context.Context, kind Kind, id string) (SyncRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_kind, entity_id, local_version, remote_version, state, updated_at
		 FROM sync_records WHERE entity_kind = ? AND entity_id = ?`, string(kind), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncRecord{}, ErrNotFound
	}
	return rec, err
}

// PendingRecords lists every diverging entity, oldest mutation first.
func (s *Store) PendingRecords(ctx context.Context) ([]SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_kind, entity_id, local_version, remote_version, state, updated_at
		 FROM sync_records ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SyncRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountPending returns the number of diverging entities.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_records`).Scan(&n)
	return n, err
}

// CompletePush records a successful push of version pushed. If no newer local
// mutation happened meanwhile the record is removed.
func (s *Store) CompletePush(ctx context.Context, kind Kind, id string, pushed int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var local int64
		err := tx.QueryRowContext(ctx,
			`SELECT local_version FROM sync_records WHERE entity_kind = ? AND entity_id = ?`,
			string(kind), id).Scan(&local)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if local <= pushed {
			return ClearRecord(ctx, tx, kind, id)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sync_records SET remote_version = ?, state = ?, updated_at = ? WHERE entity_kind = ? AND entity_id = ?`,
			pushed, string(StatePendingPush), Nanos(s.Now()), string(kind), id)
		return err
	})
}

// MarkConflict moves a record into Conflict. remote_version keeps the last
// version this device saw, so a retried push conflicts again until resolved.
func (s *Store) MarkConflict(ctx context.Context, kind Kind, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_records SET state = ? WHERE entity_kind = ? AND entity_id = ?`,
		string(StateConflict), string(kind), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sync record %s/%s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// AddSuperseded retains a losing version for later review.
func (s *Store) AddSuperseded(ctx context.Context, sup Superseded) (int64, error) {
	if sup.SupersededAt.IsZero() {
		sup.SupersededAt = s.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO superseded(entity_kind, entity_id, version, payload, modified_at, origin, superseded_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		string(sup.Kind), sup.EntityID, sup.Version, sup.Payload, Nanos(sup.ModifiedAt), string(sup.Origin), Nanos(sup.SupersededAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListSuperseded returns retained copies for an entity, newest first.
func (s *Store) ListSuperseded(ctx context.Context, kind Kind, id string) ([]Superseded, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_kind, entity_id, version, payload, modified_at, origin, superseded_at
		 FROM superseded WHERE entity_kind = ? AND entity_id = ? ORDER BY superseded_at DESC, id DESC`,
		string(kind), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Superseded
	for rows.Next() {
		sup, err := scanSuperseded(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sup)
	}
	return out, rows.Err()
}

// GetSuperseded loads one retained copy by its row id.
func (s *Store) GetSuperseded(ctx context.Context, supID int64) (Superseded, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, entity_kind, entity_id, version, payload, modified_at, origin, superseded_at
		 FROM superseded WHERE id = ?`, supID)
	sup, err := scanSuperseded(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Superseded{}, ErrNotFound
	}
	return sup, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (SyncRecord, error) {
	var (
		rec       SyncRecord
		kind      string
		state     string
		updatedAt int64
	)
	if err := row.Scan(&kind, &rec.EntityID, &rec.LocalVersion, &rec.RemoteVersion, &state, &updatedAt); err != nil {
		return SyncRecord{}, err
	}
	rec.Kind = Kind(kind)
	rec.State = SyncState(state)
	rec.UpdatedAt = FromNanos(updatedAt)
	return rec, nil
}

func scanSuperseded(row scanner) (Superseded, error) {
	var (
		sup          Superseded
		kind, origin string
		modified     int64
		superseded   int64
	)
	if err := row.Scan(&sup.ID, &kind, &sup.EntityID, &sup.Version, &sup.Payload, &modified, &origin, &superseded); err != nil {
		return Superseded{}, err
	}
	sup.Kind = Kind(kind)
	sup.Origin = Origin(origin)
	sup.ModifiedAt = FromNanos(modified)
	sup.SupersededAt = FromNanos(superseded)
	return sup, nil
}
