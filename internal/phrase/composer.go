// Package phrase accumulates selected symbols and renders them to utterances.
package phrase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/svarah/svarah-core/internal/speech"
	"github.com/svarah/svarah-core/internal/store"
	"github.com/svarah/svarah-core/internal/symbol"
)

// SymbolSource resolves symbol ids. *symbol.Store satisfies it.
type SymbolSource interface {
	Get(ctx context.Context, id string) (symbol.Symbol, error)
}

// SymbolRef points at a symbol; the buffer never copies symbol data.
type SymbolRef struct {
	ID         string    `json:"id"`
	AppendedAt time.Time `json:"appended_at"`
}

// Buffer is a snapshot of the phrase under construction.
type Buffer struct {
	Segments  []SymbolRef `json:"segments"`
	CreatedAt time.Time   `json:"created_at"`
}

// Composer owns one phrase buffer. Each session gets its own Composer.
type Composer struct {
	symbols     SymbolSource
	voice       speech.VoiceParams
	placeholder string
	clock       func() time.Time
	log         *slog.Logger

	mu  sync.Mutex
	buf Buffer
}

func NewComposer(symbols SymbolSource, voice speech.VoiceParams, placeholderLabel string, log *slog.Logger) *Composer {
	c := &Composer{
		symbols:     symbols,
		voice:       voice,
		placeholder: placeholderLabel,
		clock:       time.Now,
		log:         log.With(slog.String("component", "phrase-composer")),
	}
	c.buf.CreatedAt = c.clock().UTC()
	return c
}

// Append resolves id and pushes a reference to it. Unknown and tombstoned
// symbols are rejected with store.ErrNotFound and the buffer is unchanged.
func (c *Composer) Append(ctx context.Context, id string) error {
	sym, err := c.symbols.Get(ctx, id)
	if err != nil {
		return err
	}
	if sym.Tombstoned {
		return fmt.Errorf("symbol %q is tombstoned: %w", id, store.ErrNotFound)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Segments = append(c.buf.Segments, SymbolRef{ID: id, AppendedAt: c.clock().UTC()})
	return nil
}

// RemoveLast drops the newest segment, reporting false if the buffer was empty.
func (c *Composer) RemoveLast() (SymbolRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.buf.Segments)
	if n == 0 {
		return SymbolRef{}, false
	}
	last := c.buf.Segments[n-1]
	c.buf.Segments = c.buf.Segments[:n-1]
	return last, true
}

// Clear empties the buffer and starts a new phrase.
func (c *Composer) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = Buffer{CreatedAt: c.clock().UTC()}
}

// Buffer returns a copy of the current buffer.
func (c *Composer) Buffer() Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Buffer{Segments: slices.Clone(c.buf.Segments), CreatedAt: c.buf.CreatedAt}
}

// Len returns the number of segments.
func (c *Composer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf.Segments)
}

// Render turns the buffer into utterances without modifying it. Runs of
// ordinary symbols become one Text utterance with labels joined by single
// spaces; a symbol with a recorded clip is emitted as its own AudioClip and
// ends the current run. Symbol data is read at render time, so edits made
// after Append are heard. Requests carry no ID; the queue assigns one.
func (c *Composer) Render(ctx context.Context) ([]speech.Request, error) {
	segments := c.Buffer().Segments

	var (
		out   []speech.Request
		words []string
		inRun bool
	)
	flush := func() {
		if !inRun {
			return
		}
		out = append(out, speech.Request{
			Source:   speech.Text{Text: strings.Join(words, " ")},
			Voice:    c.voice,
			Priority: speech.PriorityPhrase,
		})
		words = words[:0]
		inRun = false
	}

	for _, seg := range segments {
		sym, err := c.symbols.Get(ctx, seg.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.log.Debug("rendering placeholder for missing symbol", slog.String("id", seg.ID))
			sym = symbol.Placeholder(seg.ID, c.placeholder)
		case err != nil:
			return nil, err
		}
		if sym.HasClip() {
			flush()
			out = append(out, speech.Request{
				Source:   speech.AudioClip{Ref: sym.AudioClipRef},
				Voice:    c.voice,
				Priority: speech.PriorityPhrase,
			})
			continue
		}
		inRun = true
		if label := strings.TrimSpace(sym.Label); label != "" {
			words = append(words, label)
		}
	}
	flush()
	return out, nil
}
