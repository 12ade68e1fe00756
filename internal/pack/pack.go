// Package pack loads vocabulary packs: YAML files declaring symbols and the
// boards that arrange them.
package pack

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Pack describes a vocabulary pack.
type Pack struct {
	Metadata Metadata     `yaml:"metadata"`
	Symbols  []SymbolSpec `yaml:"symbols"`
	Boards   []BoardSpec  `yaml:"boards"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Language    string   `yaml:"language,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

type SymbolSpec struct {
	ID        string `yaml:"id"`
	Label     string `yaml:"label"`
	Pictogram string `yaml:"pictogram,omitempty"`
	Category  string `yaml:"category,omitempty"`
	AudioClip string `yaml:"audio_clip,omitempty"`
}

type BoardSpec struct {
	ID     string     `yaml:"id"`
	Name   string     `yaml:"name,omitempty"`
	Parent string     `yaml:"parent,omitempty"`
	Cells  []CellSpec `yaml:"cells,omitempty"`
}

// CellSpec places either a symbol or a sub-board at a grid position.
type CellSpec struct {
	Position int    `yaml:"position"`
	Symbol   string `yaml:"symbol,omitempty"`
	Board    string `yaml:"board,omitempty"`
}

// Load reads a pack from disk.
func Load(path string) (Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pack{}, err
	}
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Pack{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}

// Validate checks that ids are well formed and unique, that every cell
// references a symbol or board declared in the pack and that the board graph
// has no cycles.
func Validate(p Pack) error {
	if p.Metadata.Name == "" {
		return errors.New("metadata.name is required")
	}
	if p.Metadata.Version == "" {
		return errors.New("metadata.version is required")
	}
	if len(p.Symbols) == 0 && len(p.Boards) == 0 {
		return errors.New("pack must declare at least one symbol or board")
	}

	symbols := make(map[string]struct{}, len(p.Symbols))
	for i, s := range p.Symbols {
		if !idPattern.MatchString(s.ID) {
			return fmt.Errorf("symbols[%d]: invalid id %q", i, s.ID)
		}
		if _, dup := symbols[s.ID]; dup {
			return fmt.Errorf("symbols[%d]: duplicate id %q", i, s.ID)
		}
		if s.Label == "" {
			return fmt.Errorf("symbol %q: label is required", s.ID)
		}
		symbols[s.ID] = struct{}{}
	}

	boards := make(map[string]BoardSpec, len(p.Boards))
	for i, b := range p.Boards {
		if !idPattern.MatchString(b.ID) {
			return fmt.Errorf("boards[%d]: invalid id %q", i, b.ID)
		}
		if _, dup := boards[b.ID]; dup {
			return fmt.Errorf("boards[%d]: duplicate id %q", i, b.ID)
		}
		boards[b.ID] = b
	}
	for _, b := range p.Boards {
		if b.Parent != "" {
			if _, ok := boards[b.Parent]; !ok {
				return fmt.Errorf("board %q: unknown parent %q", b.ID, b.Parent)
			}
		}
		positions := make(map[int]struct{}, len(b.Cells))
		for _, c := range b.Cells {
			if c.Position < 0 {
				return fmt.Errorf("board %q: negative position %d", b.ID, c.Position)
			}
			if _, dup := positions[c.Position]; dup {
				return fmt.Errorf("board %q: duplicate position %d", b.ID, c.Position)
			}
			positions[c.Position] = struct{}{}
			switch {
			case c.Symbol != "" && c.Board != "":
				return fmt.Errorf("board %q: cell %d sets both symbol and board", b.ID, c.Position)
			case c.Symbol != "":
				if _, ok := symbols[c.Symbol]; !ok {
					return fmt.Errorf("board %q: cell %d references unknown symbol %q", b.ID, c.Position, c.Symbol)
				}
			case c.Board != "":
				if _, ok := boards[c.Board]; !ok {
					return fmt.Errorf("board %q: cell %d references unknown board %q", b.ID, c.Position, c.Board)
				}
			}
		}
	}
	if _, err := boardOrder(p.Boards); err != nil {
		return err
	}
	return nil
}

// boardOrder returns the boards with every sub-board before the boards that
// reference it, or an error naming a board on a cycle.
func boardOrder(specs []BoardSpec) ([]BoardSpec, error) {
	byID := make(map[string]BoardSpec, len(specs))
	for _, b := range specs {
		byID[b.ID] = b
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(specs))
	out := make([]BoardSpec, 0, len(specs))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("board %q is reachable from itself", id)
		case done:
			return nil
		}
		state[id] = visiting
		b, ok := byID[id]
		if ok {
			for _, c := range b.Cells {
				if c.Board == "" {
					continue
				}
				if err := visit(c.Board); err != nil {
					return err
				}
			}
		}
		state[id] = done
		if ok {
			out = append(out, b)
		}
		return nil
	}
	for _, b := range specs {
		if err := visit(b.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}
