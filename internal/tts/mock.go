package tts

import (
	"context"
	"strings"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	perWord    time.Duration
}

// NewMockSynth emits one silent chunk per word, each taking perWord to produce.
func NewMockSynth(sampleRate, channels int, perWord time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, perWord: perWord}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		words := strings.Fields(req.Text)
		if len(words) == 0 {
			words = []string{""}
		}
		frame := m.sampleRate * m.channels * 2 / 20
		for i := range words {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(m.perWord):
			}
			chunk := SynthChunk{
				RequestID:  req.RequestID,
				Sequence:   i,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        make([]byte, frame),
				Final:      i == len(words)-1,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
