package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/svarah/svarah-core/internal/protocol"
)

// Publisher is the part of a bus connection the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// BusSink streams audio chunks to the device on the bus, holding each Write
// for the chunk's playback duration so the queue stays in step with the
// speaker.
type BusSink struct {
	pub     Publisher
	subject string
	pace    bool
	logger  *slog.Logger
}

func NewBusSink(pub Publisher, subject string, pace bool, log *slog.Logger) *BusSink {
	return &BusSink{
		pub:     pub,
		subject: subject,
		pace:    pace,
		logger:  log.With(slog.String("component", "speech-sink")),
	}
}

func (s *BusSink) Write(ctx context.Context, chunk SynthChunk) error {
	packet := protocol.AudioChunk{
		RequestID:  chunk.RequestID,
		Sequence:   chunk.Sequence,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	data, err := json.Marshal(packet)
	if err != nil {
		return err
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		s.logger.Warn("failed to publish audio chunk", slogError(err))
		return err
	}
	if !s.pace {
		return nil
	}
	timer := time.NewTimer(playbackDuration(chunk))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func playbackDuration(chunk SynthChunk) time.Duration {
	bytesPerSecond := chunk.SampleRate * chunk.Channels * 2
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(len(chunk.PCM)) * time.Second / time.Duration(bytesPerSecond)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
