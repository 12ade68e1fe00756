package tts

import "context"

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	RequestID string
	Text      string
	Voice     string
	Rate      float64
	Pitch     float64
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	RequestID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Sink receives audio for one utterance in order. Write blocks for as long
// as the device needs to play the chunk.
type Sink interface {
	Write(ctx context.Context, chunk SynthChunk) error
}
