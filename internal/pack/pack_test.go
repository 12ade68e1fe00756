package pack

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/svarah/svarah-core/internal/board"
	"github.com/svarah/svarah-core/internal/config"
	"github.com/svarah/svarah-core/internal/store"
	"github.com/svarah/svarah-core/internal/symbol"
)

const validYAML = `metadata:
  name: core-words
  version: 0.1.0
  description: Starter vocabulary
  author: Svarah
  language: en
symbols:
  - id: hello
    label: hello
    pictogram: pics/hello.png
    category: social
  - id: mom
    label: mom
    audio_clip: clips/mom
  - id: eat
    label: eat
    category: food
boards:
  - id: home
    name: Home
    cells:
      - {position: 0, symbol: hello}
      - {position: 1, board: food}
      - {position: 2, symbol: mom}
  - id: food
    name: Food
    parent: home
    cells:
      - {position: 0, symbol: eat}
`

func writePack(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pack.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateValidPack(t *testing.T) {
	p, err := Load(writePack(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(p); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(p.Symbols) != 3 || len(p.Boards) != 2 || p.Boards[0].Cells[1].Board != "food" {
		t.Fatalf("unexpected pack %+v", p)
	}
}

func TestValidateMissingFields(t *testing.T) {
	if err := Validate(Pack{}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateRejects(t *testing.T) {
	base := func() Pack {
		p, err := Load(writePack(t, validYAML))
		if err != nil {
			t.Fatal(err)
		}
		return p
	}
	cases := map[string]func(p *Pack){
		"duplicate symbol":  func(p *Pack) { p.Symbols = append(p.Symbols, SymbolSpec{ID: "hello", Label: "hi"}) },
		"bad id":            func(p *Pack) { p.Symbols[0].ID = "has space" },
		"empty label":       func(p *Pack) { p.Symbols[1].Label = "" },
		"unknown symbol":    func(p *Pack) { p.Boards[1].Cells[0].Symbol = "drink" },
		"unknown board":     func(p *Pack) { p.Boards[0].Cells[1].Board = "people" },
		"unknown parent":    func(p *Pack) { p.Boards[1].Parent = "people" },
		"duplicate cell":    func(p *Pack) { p.Boards[0].Cells[2].Position = 0 },
		"symbol and board":  func(p *Pack) { p.Boards[0].Cells[0].Board = "food" },
		"cycle":             func(p *Pack) { p.Boards[1].Cells = append(p.Boards[1].Cells, CellSpec{Position: 1, Board: "home"}) },
		"self reference":    func(p *Pack) { p.Boards[1].Cells[0] = CellSpec{Position: 0, Board: "food"} },
		"missing version":   func(p *Pack) { p.Metadata.Version = "" },
		"negative position": func(p *Pack) { p.Boards[1].Cells[0].Position = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := base()
			mutate(&p)
			if err := Validate(p); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCycleErrorNamesBoard(t *testing.T) {
	p, _ := Load(writePack(t, validYAML))
	p.Boards[1].Cells = append(p.Boards[1].Cells, CellSpec{Position: 1, Board: "home"})
	err := Validate(p)
	if err == nil || !strings.Contains(err.Error(), "reachable from itself") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(ctx, config.StoreConfig{Mode: "persistent", Path: filepath.Join(t.TempDir(), "pack.db")}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	symbols := symbol.NewStore(st, log)
	boards := board.NewRepository(st, symbols, "?", log)

	p, err := Load(writePack(t, validYAML))
	if err != nil {
		t.Fatal(err)
	}
	res, err := Import(ctx, p, symbols, boards, log)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Created != 5 || res.Updated != 0 || res.Unchanged != 0 {
		t.Fatalf("unexpected first import %+v", res)
	}
	home, err := boards.Get(ctx, "home")
	if err != nil || len(home.Cells) != 3 {
		t.Fatalf("home board: %+v (%v)", home, err)
	}
	mom, err := symbols.Get(ctx, "mom")
	if err != nil || !mom.HasClip() {
		t.Fatalf("mom symbol: %+v (%v)", mom, err)
	}

	res, err = Import(ctx, p, symbols, boards, log)
	if err != nil || res.Unchanged != 5 {
		t.Fatalf("reimport should change nothing, got %+v (%v)", res, err)
	}

	if _, err := symbols.Tombstone(ctx, "eat", 1); err != nil {
		t.Fatal(err)
	}
	p.Symbols[0].Label = "hi"
	res, err = Import(ctx, p, symbols, boards, log)
	if err != nil || res.Updated != 2 || res.Unchanged != 3 {
		t.Fatalf("expected label change and revived tombstone, got %+v (%v)", res, err)
	}
	hello, _ := symbols.Get(ctx, "hello")
	eat, _ := symbols.Get(ctx, "eat")
	if hello.Label != "hi" || hello.Version != 2 || eat.Tombstoned || eat.Version != 3 {
		t.Fatalf("unexpected symbols after update: %+v %+v", hello, eat)
	}
}
