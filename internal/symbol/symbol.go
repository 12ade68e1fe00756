// Package symbol persists pictogram symbols with versioned, tombstoning writes.
package symbol

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/svarah/svarah-core/internal/store"
)

const listPageSize = 64

// Symbol is a single selectable pictogram/word unit.
type Symbol struct {
	ID           string    `json:"id"`
	Label        string    `json:"label"`
	PictogramRef string    `json:"pictogram_ref,omitempty"`
	Category     string    `json:"category,omitempty"`
	AudioClipRef string    `json:"audio_clip_ref,omitempty"`
	Tombstoned   bool      `json:"tombstoned,omitempty"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Missing is set on placeholders standing in for absent symbols.
	Missing bool `json:"-"`
}

// HasClip reports whether the symbol plays a recorded clip instead of synthesized speech.
func (s Symbol) HasClip() bool {
	return s.AudioClipRef != ""
}

// Placeholder returns the stand-in rendered for a dangling reference.
func Placeholder(id, label string) Symbol {
	return Symbol{ID: id, Label: label, Missing: true}
}

// Store is the Symbol Store. Reads observe every committed write immediately.
type Store struct {
	st  *store.Store
	log *slog.Logger
}

func NewStore(st *store.Store, log *slog.Logger) *Store {
	return &Store{st: st, log: log.With(slog.String("component", "symbol-store"))}
}

// Get returns the symbol, including tombstoned ones, or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Symbol, error) {
	return get(ctx, s.st.DB(), id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q queryer, id string) (Symbol, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, label, pictogram_ref, category, audio_clip_ref, tombstoned, version, updated_at
		 FROM symbols WHERE id = ?`, id)
	sym, err := scanSymbol(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Symbol{}, fmt.Errorf("symbol %q: %w", id, store.ErrNotFound)
	}
	return sym, err
}

// Upsert writes sym using sym.Version as the base version (0 creates). It
// returns the new version, always base+1, or store.ErrVersionConflict when
// the base is stale.
func (s *Store) Upsert(ctx context.Context, sym Symbol) (int64, error) {
	if sym.ID == "" {
		return 0, errors.New("symbol id must not be empty")
	}
	var next int64
	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := currentVersion(ctx, tx, sym.ID)
		if err != nil {
			return err
		}
		if current != sym.Version {
			return fmt.Errorf("symbol %q base %d, stored %d: %w", sym.ID, sym.Version, current, store.ErrVersionConflict)
		}
		next = current + 1
		now := s.st.Now()
		sym.Version = next
		sym.UpdatedAt = now
		if err := write(ctx, tx, sym); err != nil {
			return err
		}
		return store.MarkPending(ctx, tx, store.KindSymbol, sym.ID, next, now)
	})
	if err != nil {
		return 0, err
	}
	s.log.Debug("symbol written", slog.String("id", sym.ID), slog.Int64("version", next))
	return next, nil
}

// Tombstone marks a symbol removed without erasing it.
func (s *Store) Tombstone(ctx context.Context, id string, base int64) (int64, error) {
	sym, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if sym.Version != base {
		return 0, fmt.Errorf("symbol %q base %d, stored %d: %w", id, base, sym.Version, store.ErrVersionConflict)
	}
	sym.Tombstoned = true
	return s.Upsert(ctx, sym)
}

// List yields live symbols in the category ordered by id; an empty category
// lists everything. The sequence pages through the table, holds no cursor
// between pages and can be ranged over again from the start.
func (s *Store) List(ctx context.Context, category string) iter.Seq2[Symbol, error] {
	return func(yield func(Symbol, error) bool) {
		after := ""
		for {
			page, err := s.page(ctx, category, after)
			if err != nil {
				yield(Symbol{}, err)
				return
			}
			for _, sym := range page {
				if !yield(sym, nil) {
					return
				}
			}
			if len(page) < listPageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

func (s *Store) page(ctx context.Context, category, after string) ([]Symbol, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		`SELECT id, label, pictogram_ref, category, audio_clip_ref, tombstoned, version, updated_at
		 FROM symbols
		 WHERE tombstoned = 0 AND (? = '' OR category = ?) AND id > ?
		 ORDER BY id ASC LIMIT ?`, category, category, after, listPageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Symbol
	for rows.Next() {
		sym, err := scanSymbol(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

func currentVersion(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM symbols WHERE id = ?`, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func write(ctx context.Context, tx *sql.Tx, sym Symbol) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO symbols(id, label, pictogram_ref, category, audio_clip_ref, tombstoned, version, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET label=excluded.label, pictogram_ref=excluded.pictogram_ref,
		   category=excluded.category, audio_clip_ref=excluded.audio_clip_ref, tombstoned=excluded.tombstoned,
		   version=excluded.version, updated_at=excluded.updated_at`,
		sym.ID, sym.Label, sym.PictogramRef, sym.Category, sym.AudioClipRef, sym.Tombstoned, sym.Version, store.Nanos(sym.UpdatedAt))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSymbol(row rowScanner) (Symbol, error) {
	var (
		sym                  Symbol
		pictogram, cat, clip sql.NullString
		updatedAt            int64
	)
	if err := row.Scan(&sym.ID, &sym.Label, &pictogram, &cat, &clip, &sym.Tombstoned, &sym.Version, &updatedAt); err != nil {
		return Symbol{}, err
	}
	sym.PictogramRef = pictogram.String
	sym.Category = cat.String
	sym.AudioClipRef = clip.String
	sym.UpdatedAt = store.FromNanos(updatedAt)
	return sym, nil
}

// Kind identifies the symbols table to the reconcile engine.
func (s *Store) Kind() store.Kind { return store.KindSymbol }

// Export encodes the current local copy for pushing.
func (s *Store) Export(ctx context.Context, id string) (store.Envelope, error) {
	sym, err := s.Get(ctx, id)
	if err != nil {
		return store.Envelope{}, err
	}
	payload, err := json.Marshal(sym)
	if err != nil {
		return store.Envelope{}, err
	}
	return store.Envelope{
		Kind:       store.KindSymbol,
		ID:         sym.ID,
		Version:    sym.Version,
		ModifiedAt: sym.UpdatedAt,
		Payload:    payload,
	}, nil
}

// Import replaces the local copy with env in one transaction and clears the
// entity's sync record. expect is the local version the caller observed (0
// for absent); a different stored version means a local write raced the
// import and store.ErrVersionConflict is returned.
func (s *Store) Import(ctx context.Context, env store.Envelope, expect int64) error {
	var sym Symbol
	if err := json.Unmarshal(env.Payload, &sym); err != nil {
		return fmt.Errorf("decode symbol payload: %w", err)
	}
	sym.ID = env.ID
	sym.Version = env.Version
	sym.UpdatedAt = env.ModifiedAt.UTC()
	return s.st.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := currentVersion(ctx, tx, sym.ID)
		if err != nil {
			return err
		}
		if current != expect {
			return fmt.Errorf("symbol %q expected %d, stored %d: %w", sym.ID, expect, current, store.ErrVersionConflict)
		}
		if err := write(ctx, tx, sym); err != nil {
			return err
		}
		return store.ClearRecord(ctx, tx, store.KindSymbol, sym.ID)
	})
}

// Reapply writes a previously exported payload as a new local mutation on
// top of whatever version is stored now.
func (s *Store) Reapply(ctx context.Context, payload []byte) (int64, error) {
	var sym Symbol
	if err := json.Unmarshal(payload, &sym); err != nil {
		return 0, fmt.Errorf("decode symbol payload: %w", err)
	}
	current, err := s.Get(ctx, sym.ID)
	switch {
	case err == nil:
		sym.Version = current.Version
	case errors.Is(err, store.ErrNotFound):
		sym.Version = 0
	default:
		return 0, err
	}
	return s.Upsert(ctx, sym)
}
