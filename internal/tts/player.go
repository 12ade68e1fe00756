package tts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/svarah/svarah-core/internal/clips"
	"github.com/svarah/svarah-core/internal/speech"
)

// ClipSource loads recorded clips. *clips.Store satisfies it.
type ClipSource interface {
	Load(ref string) (clips.Clip, error)
}

// Player plays speech requests: Text through the synthesizer, AudioClip from
// the clip store. Both end up in the sink.
type Player struct {
	synth         Synthesizer
	clips         ClipSource
	sink          Sink
	chunkDuration time.Duration
	log           *slog.Logger
}

func NewPlayer(synth Synthesizer, clipSource ClipSource, sink Sink, chunkDuration time.Duration, log *slog.Logger) *Player {
	if chunkDuration <= 0 {
		chunkDuration = 200 * time.Millisecond
	}
	return &Player{
		synth:         synth,
		clips:         clipSource,
		sink:          sink,
		chunkDuration: chunkDuration,
		log:           log.With(slog.String("component", "speech-player")),
	}
}

// Play implements speech.Player.
func (p *Player) Play(ctx context.Context, req speech.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch src := req.Source.(type) {
	case speech.Text:
		return p.speak(ctx, req.ID, src.Text, req.Voice)
	case speech.AudioClip:
		return p.playClip(ctx, req.ID, src.Ref)
	default:
		return fmt.Errorf("unsupported utterance source %T", req.Source)
	}
}

func (p *Player) speak(ctx context.Context, requestID, text string, voice speech.VoiceParams) error {
	chunks, errs := p.synth.Synthesize(ctx, SynthRequest{
		RequestID: requestID,
		Text:      text,
		Voice:     voice.Voice,
		Rate:      voice.Rate,
		Pitch:     voice.Pitch,
	})
	sequence := 0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			chunk.RequestID = requestID
			chunk.Sequence = sequence
			sequence++
			if err := p.sink.Write(ctx, chunk); err != nil {
				return err
			}
		case err, ok := <-errs:
			if ok && err != nil {
				return fmt.Errorf("synthesize: %w", err)
			}
			errs = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Player) playClip(ctx context.Context, requestID, ref string) error {
	if p.clips == nil {
		return fmt.Errorf("clip %q: %w", ref, clips.ErrClipNotFound)
	}
	clip, err := p.clips.Load(ref)
	if err != nil {
		return err
	}
	frame := int(time.Duration(clip.SampleRate*clip.Channels*2) * p.chunkDuration / time.Second)
	if frame <= 0 {
		frame = len(clip.PCM)
	}
	sequence := 0
	for offset := 0; offset < len(clip.PCM) || sequence == 0; offset += frame {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(offset+frame, len(clip.PCM))
		chunk := SynthChunk{
			RequestID:  requestID,
			Sequence:   sequence,
			SampleRate: clip.SampleRate,
			Channels:   clip.Channels,
			PCM:        clip.PCM[offset:end],
			Final:      end == len(clip.PCM),
		}
		if err := p.sink.Write(ctx, chunk); err != nil {
			return err
		}
		sequence++
	}
	p.log.Debug("clip played", slog.String("ref", ref), slog.Int("chunks", sequence))
	return nil
}
