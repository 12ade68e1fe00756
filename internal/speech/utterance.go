// Package speech serializes utterance playback through a single cancellable lane.
package speech

import (
	"errors"
	"fmt"
)

// Source is what an utterance plays: either Text or AudioClip.
type Source interface {
	sourceKind() string
}

// Text is synthesized speech.
type Text struct {
	Text string
}

// AudioClip is a recorded clip played verbatim.
type AudioClip struct {
	Ref string
}

func (Text) sourceKind() string      { return "text" }
func (AudioClip) sourceKind() string { return "clip" }

// SourceKind names the variant held by src ("text" or "clip").
func SourceKind(src Source) string {
	if src == nil {
		return ""
	}
	return src.sourceKind()
}

// NewSource rebuilds a Source from its wire form.
func NewSource(kind, value string) (Source, error) {
	switch kind {
	case "text":
		return Text{Text: value}, nil
	case "clip":
		if value == "" {
			return nil, errors.New("audio clip reference must not be empty")
		}
		return AudioClip{Ref: value}, nil
	default:
		return nil, fmt.Errorf("unknown utterance source %q", kind)
	}
}

// SourceValue returns the text or clip reference carried by src.
func SourceValue(src Source) string {
	switch s := src.(type) {
	case Text:
		return s.Text
	case AudioClip:
		return s.Ref
	default:
		return ""
	}
}

// VoiceParams configures synthesis for Text utterances.
type VoiceParams struct {
	Voice string  `json:"voice,omitempty"`
	Rate  float64 `json:"rate,omitempty"`
	Pitch float64 `json:"pitch,omitempty"`
}

// Request is one utterance. It is not modified once enqueued.
type Request struct {
	ID       string
	Source   Source
	Voice    VoiceParams
	Priority int
}

// Priorities used by callers. Higher values play first.
const (
	PriorityPhrase = 0
	PriorityAlert  = 10
)

// PlaybackError records a failed utterance. The queue logs it and moves on.
type PlaybackError struct {
	RequestID string
	Err       error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback of %s failed: %v", e.RequestID, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }
