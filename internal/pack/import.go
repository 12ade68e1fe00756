package pack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/svarah/svarah-core/internal/board"
	"github.com/svarah/svarah-core/internal/store"
	"github.com/svarah/svarah-core/internal/symbol"
)

// SymbolWriter is satisfied by *symbol.Store.
type SymbolWriter interface {
	Get(ctx context.Context, id string) (symbol.Symbol, error)
	Upsert(ctx context.Context, sym symbol.Symbol) (int64, error)
}

// BoardWriter is satisfied by *board.Repository.
type BoardWriter interface {
	Get(ctx context.Context, id string) (board.Board, error)
	Save(ctx context.Context, b board.Board) (int64, error)
}

// Result counts what an import changed.
type Result struct {
	Created   int
	Updated   int
	Unchanged int
}

// Import validates p and upserts its symbols and boards. Entries identical to
// what is stored are left alone so they do not become pending pushes. Stored
// symbols that were tombstoned are revived.
func Import(ctx context.Context, p Pack, symbols SymbolWriter, boards BoardWriter, log *slog.Logger) (Result, error) {
	if err := Validate(p); err != nil {
		return Result{}, err
	}
	log = log.With(slog.String("component", "pack-import"), slog.String("pack", p.Metadata.Name))

	var res Result
	for _, decl := range p.Symbols {
		want := symbol.Symbol{
			ID:           decl.ID,
			Label:        decl.Label,
			PictogramRef: decl.Pictogram,
			Category:     decl.Category,
			AudioClipRef: decl.AudioClip,
		}
		current, err := symbols.Get(ctx, decl.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			res.Created++
		case err != nil:
			return res, fmt.Errorf("read symbol %q: %w", decl.ID, err)
		case sameSymbol(current, want):
			res.Unchanged++
			continue
		default:
			want.Version = current.Version
			res.Updated++
		}
		if _, err := symbols.Upsert(ctx, want); err != nil {
			return res, fmt.Errorf("write symbol %q: %w", decl.ID, err)
		}
	}

	ordered, err := boardOrder(p.Boards)
	if err != nil {
		return res, err
	}
	for _, decl := range ordered {
		want := board.Board{ID: decl.ID, Name: decl.Name, ParentID: decl.Parent}
		for _, c := range decl.Cells {
			want.Cells = append(want.Cells, board.Cell{Position: c.Position, SymbolID: c.Symbol, BoardID: c.Board})
		}
		current, err := boards.Get(ctx, decl.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			res.Created++
		case err != nil:
			return res, fmt.Errorf("read board %q: %w", decl.ID, err)
		case sameBoard(current, want):
			res.Unchanged++
			continue
		default:
			want.Version = current.Version
			res.Updated++
		}
		if _, err := boards.Save(ctx, want); err != nil {
			return res, fmt.Errorf("write board %q: %w", decl.ID, err)
		}
	}

	log.Info("pack imported",
		slog.Int("created", res.Created),
		slog.Int("updated", res.Updated),
		slog.Int("unchanged", res.Unchanged))
	return res, nil
}

func sameSymbol(a, b symbol.Symbol) bool {
	return !a.Tombstoned &&
		a.Label == b.Label &&
		a.PictogramRef == b.PictogramRef &&
		a.Category == b.Category &&
		a.AudioClipRef == b.AudioClipRef
}

func sameBoard(a, b board.Board) bool {
	if a.Name != b.Name || a.ParentID != b.ParentID {
		return false
	}
	cmp := func(x, y board.Cell) int { return x.Position - y.Position }
	ac := slices.SortedFunc(slices.Values(a.Cells), cmp)
	bc := slices.SortedFunc(slices.Values(b.Cells), cmp)
	return slices.Equal(ac, bc)
}
