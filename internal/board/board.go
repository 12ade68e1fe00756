// Package board stores the board hierarchy and tracks navigation through it.
package board

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/svarah/svarah-core/internal/store"
	"github.com/svarah/svarah-core/internal/symbol"
)

// ErrCycleDetected is returned when a board would reference one of its ancestors.
var ErrCycleDetected = errors.New("board cycle detected")

// Cell is one grid position. Exactly one of SymbolID and BoardID is set on a
// non-empty cell.
type Cell struct {
	Position int    `json:"position"`
	SymbolID string `json:"symbol_id,omitempty"`
	BoardID  string `json:"board_id,omitempty"`
}

// Board is a navigable grid of symbols and sub-boards.
type Board struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`
	Cells     []Cell    `json:"cells"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Children returns the ids of sub-boards referenced by the board's cells.
func (b Board) Children() []string {
	var out []string
	for _, c := range b.Cells {
		if c.BoardID != "" {
			out = append(out, c.BoardID)
		}
	}
	return out
}

func (b Board) cell(position int) (Cell, bool) {
	for _, c := range b.Cells {
		if c.Position == position {
			return c, true
		}
	}
	return Cell{}, false
}

func (b Board) validate() error {
	if b.ID == "" {
		return errors.New("board id must not be empty")
	}
	seen := make(map[int]struct{}, len(b.Cells))
	for _, c := range b.Cells {
		if c.Position < 0 {
			return fmt.Errorf("board %q: negative cell position %d", b.ID, c.Position)
		}
		if _, dup := seen[c.Position]; dup {
			return fmt.Errorf("board %q: duplicate cell position %d", b.ID, c.Position)
		}
		seen[c.Position] = struct{}{}
		if c.SymbolID != "" && c.BoardID != "" {
			return fmt.Errorf("board %q: cell %d references both a symbol and a board", b.ID, c.Position)
		}
		if c.BoardID == b.ID {
			return fmt.Errorf("board %q references itself: %w", b.ID, ErrCycleDetected)
		}
	}
	return nil
}

// CellKind tags what a grid position resolves to.
type CellKind int

const (
	CellEmpty CellKind = iota
	CellSymbol
	CellBoard
)

func (k CellKind) String() string {
	switch k {
	case CellEmpty:
		return "empty"
	case CellSymbol:
		return "symbol"
	case CellBoard:
		return "board"
	default:
		return "unknown"
	}
}

// Resolution is the result of resolving a cell. Missing marks a dangling
// reference; for symbols, Symbol then holds a placeholder.
type Resolution struct {
	Kind    CellKind
	Symbol  symbol.Symbol
	BoardID string
	Missing bool
}

// Repository persists boards and resolves their cells.
type Repository struct {
	st          *store.Store
	symbols     *symbol.Store
	placeholder string
	log         *slog.Logger
}

func NewRepository(st *store.Store, symbols *symbol.Store, placeholderLabel string, log *slog.Logger) *Repository {
	return &Repository{
		st:          st,
		symbols:     symbols,
		placeholder: placeholderLabel,
		log:         log.With(slog.String("component", "board-repository")),
	}
}

// Get returns a board or store.ErrNotFound.
func (r *Repository) Get(ctx context.Context, id string) (Board, error) {
	row := r.st.DB().QueryRowContext(ctx,
		`SELECT id, name, parent_id, cells, version, updated_at FROM boards WHERE id = ?`, id)
	b, err := scanBoard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Board{}, fmt.Errorf("board %q: %w", id, store.ErrNotFound)
	}
	return b, err
}

// Save writes b with b.Version as base version (0 creates) and returns the new
// version. Updates that would make any board reachable from itself are
// rejected with ErrCycleDetected.
func (r *Repository) Save(ctx context.Context, b Board) (int64, error) {
	if err := b.validate(); err != nil {
		return 0, err
	}
	var next int64
	err := r.st.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := currentVersion(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if current != b.Version {
			return fmt.Errorf("board %q base %d, stored %d: %w", b.ID, b.Version, current, store.ErrVersionConflict)
		}
		if err := checkAcyclic(ctx, tx, b); err != nil {
			return err
		}
		next = current + 1
		now := r.st.Now()
		b.Version = next
		b.UpdatedAt = now
		if err := write(ctx, tx, b); err != nil {
			return err
		}
		return store.MarkPending(ctx, tx, store.KindBoard, b.ID, next, now)
	})
	if err != nil {
		return 0, err
	}
	r.log.Debug("board written", slog.String("id", b.ID), slog.Int64("version", next))
	return next, nil
}

// ResolveCell reports what occupies position on b. Dangling symbol references
// resolve to a placeholder symbol rather than an error.
func (r *Repository) ResolveCell(ctx context.Context, b Board, position int) (Resolution, error) {
	c, ok := b.cell(position)
	if !ok || (c.SymbolID == "" && c.BoardID == "") {
		return Resolution{Kind: CellEmpty}, nil
	}
	if c.BoardID != "" {
		_, err := r.Get(ctx, c.BoardID)
		switch {
		case err == nil:
			return Resolution{Kind: CellBoard, BoardID: c.BoardID}, nil
		case errors.Is(err, store.ErrNotFound):
			return Resolution{Kind: CellBoard, BoardID: c.BoardID, Missing: true}, nil
		default:
			return Resolution{}, err
		}
	}
	sym, err := r.symbols.Get(ctx, c.SymbolID)
	switch {
	case err == nil && !sym.Tombstoned:
		return Resolution{Kind: CellSymbol, Symbol: sym}, nil
	case err == nil, errors.Is(err, store.ErrNotFound):
		return Resolution{Kind: CellSymbol, Symbol: symbol.Placeholder(c.SymbolID, r.placeholder), Missing: true}, nil
	default:
		return Resolution{}, err
	}
}

// checkAcyclic walks the stored graph with b's new cells substituted and
// fails if b can reach itself.
func checkAcyclic(ctx context.Context, tx *sql.Tx, b Board) error {
	edges, err := loadEdges(ctx, tx)
	if err != nil {
		return err
	}
	edges[b.ID] = b.Children()

	visited := make(map[string]bool)
	stack := append([]string(nil), edges[b.ID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == b.ID {
			return fmt.Errorf("board %q would reach itself: %w", b.ID, ErrCycleDetected)
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		stack = append(stack, edges[id]...)
	}
	return nil
}

func loadEdges(ctx context.Context, tx *sql.Tx) (map[string][]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, cells FROM boards`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	edges := make(map[string][]string)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var cells []Cell
		if err := json.Unmarshal([]byte(raw), &cells); err != nil {
			return nil, fmt.Errorf("decode cells of board %q: %w: %w", id, store.ErrCorrupt, err)
		}
		edges[id] = Board{Cells: cells}.Children()
	}
	return edges, rows.Err()
}

func currentVersion(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM boards WHERE id = ?`, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func write(ctx context.Context, tx *sql.Tx, b Board) error {
	cells := b.Cells
	if cells == nil {
		cells = []Cell{}
	}
	raw, err := json.Marshal(cells)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO boards(id, name, parent_id, cells, version, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, parent_id=excluded.parent_id, cells=excluded.cells,
		   version=excluded.version, updated_at=excluded.updated_at`,
		b.ID, b.Name, b.ParentID, string(raw), b.Version, store.Nanos(b.UpdatedAt))
	return err
}

func scanBoard(row interface{ Scan(...any) error }) (Board, error) {
	var (
		b            Board
		name, parent sql.NullString
		raw          string
		updatedAt    int64
	)
	if err := row.Scan(&b.ID, &name, &parent, &raw, &b.Version, &updatedAt); err != nil {
		return Board{}, err
	}
	if err := json.Unmarshal([]byte(raw), &b.Cells); err != nil {
		return Board{}, fmt.Errorf("decode cells of board %q: %w: %w", b.ID, store.ErrCorrupt, err)
	}
	b.Name = name.String
	b.ParentID = parent.String
	b.UpdatedAt = store.FromNanos(updatedAt)
	return b, nil
}

// Kind identifies the boards table to the reconcile engine.
func (r *Repository) Kind() store.Kind { return store.KindBoard }

// Export encodes the current local copy for pushing.
func (r *Repository) Export(ctx context.Context, id string) (store.Envelope, error) {
	b, err := r.Get(ctx, id)
	if err != nil {
		return store.Envelope{}, err
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return store.Envelope{}, err
	}
	return store.Envelope{
		Kind:       store.KindBoard,
		ID:         b.ID,
		Version:    b.Version,
		ModifiedAt: b.UpdatedAt,
		Payload:    payload,
	}, nil
}

// Import replaces the local copy with a remote version and clears its sync
// record. Remote boards that would close a cycle locally are refused with
// ErrCycleDetected.
func (r *Repository) Import(ctx context.Context, env store.Envelope, expect int64) error {
	var b Board
	if err := json.Unmarshal(env.Payload, &b); err != nil {
		return fmt.Errorf("decode board payload: %w", err)
	}
	b.ID = env.ID
	b.Version = env.Version
	b.UpdatedAt = env.ModifiedAt.UTC()
	if err := b.validate(); err != nil {
		return err
	}
	return r.st.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := currentVersion(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if current != expect {
			return fmt.Errorf("board %q expected %d, stored %d: %w", b.ID, expect, current, store.ErrVersionConflict)
		}
		if err := checkAcyclic(ctx, tx, b); err != nil {
			return err
		}
		if err := write(ctx, tx, b); err != nil {
			return err
		}
		return store.ClearRecord(ctx, tx, store.KindBoard, b.ID)
	})
}

// Reapply writes a previously exported payload as a new local mutation.
func (r *Repository) Reapply(ctx context.Context, payload []byte) (int64, error) {
	var b Board
	if err := json.Unmarshal(payload, &b); err != nil {
		return 0, fmt.Errorf("decode board payload: %w", err)
	}
	current, err := r.Get(ctx, b.ID)
	switch {
	case err == nil:
		b.Version = current.Version
	case errors.Is(err, store.ErrNotFound):
		b.Version = 0
	default:
		return 0, err
	}
	return r.Save(ctx, b)
}
