package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/svarah/svarah-core/internal/clips"
	"github.com/svarah/svarah-core/internal/protocol"
	"github.com/svarah/svarah-core/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu     sync.Mutex
	chunks []SynthChunk
}

func (s *recordingSink) Write(_ context.Context, chunk SynthChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

type mapClips map[string]clips.Clip

func (m mapClips) Load(ref string) (clips.Clip, error) {
	c, ok := m[ref]
	if !ok {
		return clips.Clip{}, clips.ErrClipNotFound
	}
	return c, nil
}

func TestPlayTextStreamsChunks(t *testing.T) {
	sink := &recordingSink{}
	p := NewPlayer(NewMockSynth(16000, 1, time.Millisecond), nil, sink, 0, newLogger())

	err := p.Play(context.Background(), speech.Request{ID: "r1", Source: speech.Text{Text: "I want juice"}})
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if len(sink.chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(sink.chunks))
	}
	last := sink.chunks[len(sink.chunks)-1]
	if !last.Final || last.RequestID != "r1" || last.Sequence != 2 {
		t.Fatalf("unexpected final chunk %+v", last)
	}
}

func TestPlayClipSplitsIntoFrames(t *testing.T) {
	sink := &recordingSink{}
	source := mapClips{"clip42": {SampleRate: 1000, Channels: 1, PCM: make([]byte, 1000)}}
	p := NewPlayer(NewMockSynth(16000, 1, time.Millisecond), source, sink, 100*time.Millisecond, newLogger())

	if err := p.Play(context.Background(), speech.Request{ID: "r2", Source: speech.AudioClip{Ref: "clip42"}}); err != nil {
		t.Fatalf("play clip: %v", err)
	}
	// 1000 Hz mono 16-bit is 200 bytes per 100ms.
	if len(sink.chunks) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(sink.chunks))
	}
	if !sink.chunks[4].Final || sink.chunks[0].Final {
		t.Fatal("only the last frame should be final")
	}
}

func TestPlayMissingClipFails(t *testing.T) {
	p := NewPlayer(NewMockSynth(16000, 1, time.Millisecond), mapClips{}, &recordingSink{}, 0, newLogger())
	err := p.Play(context.Background(), speech.Request{Source: speech.AudioClip{Ref: "gone"}})
	if !errors.Is(err, clips.ErrClipNotFound) {
		t.Fatalf("expected ErrClipNotFound, got %v", err)
	}
}

func TestPlayDoesNotStartWhenCancelled(t *testing.T) {
	sink := &recordingSink{}
	p := NewPlayer(NewMockSynth(16000, 1, time.Millisecond), nil, sink, 0, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Play(ctx, speech.Request{Source: speech.Text{Text: "hello"}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(sink.chunks) != 0 {
		t.Fatal("audio started after cancellation")
	}
}

func TestPlayInterruptedMidUtterance(t *testing.T) {
	sink := &recordingSink{}
	p := NewPlayer(NewMockSynth(16000, 1, 50*time.Millisecond), nil, sink, 0, newLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 75*time.Millisecond)
	defer cancel()
	err := p.Play(ctx, speech.Request{Source: speech.Text{Text: "one two three four five"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if len(sink.chunks) >= 5 {
		t.Fatalf("utterance was not interrupted, %d chunks", len(sink.chunks))
	}
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestBusSinkPublishesAndPaces(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewBusSink(pub, "aac.speech.audio", true, newLogger())
	chunk := SynthChunk{RequestID: "r1", SampleRate: 1000, Channels: 1, PCM: make([]byte, 40), Final: true}

	start := time.Now()
	if err := sink.Write(context.Background(), chunk); err != nil {
		t.Fatalf("write: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("write did not wait for playback, took %s", elapsed)
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != "aac.speech.audio" {
		t.Fatalf("unexpected publishes %v", pub.subjects)
	}
	var packet protocol.AudioChunk
	if err := json.Unmarshal(pub.payloads[0], &packet); err != nil {
		t.Fatal(err)
	}
	if packet.RequestID != "r1" || !packet.Final {
		t.Fatalf("unexpected packet %+v", packet)
	}
}

func TestNewExecSynthRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("   ", 16000, 1); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := NewExecSynth(`piper --model "en_US voice.onnx"`, 16000, 1); err != nil {
		t.Fatalf("parse quoted command: %v", err)
	}
}
