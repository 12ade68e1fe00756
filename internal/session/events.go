package session

import (
	"log/slog"
	"time"

	"github.com/svarah/svarah-core/internal/protocol"
	"github.com/svarah/svarah-core/internal/speech"
)

// Publisher is the subset of the bus client used for outbound events.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Events forwards speech queue transitions and outcomes to the bus so the UI
// can show a speaking indicator.
type Events struct {
	pub     Publisher
	state   string
	outcome string
	logger  *slog.Logger
}

var _ speech.Observer = (*Events)(nil)

func NewEvents(pub Publisher, prefix string, logger *slog.Logger) *Events {
	return &Events{
		pub:     pub,
		state:   protocol.Subject(prefix, protocol.SubjectSpeechState),
		outcome: protocol.Subject(prefix, protocol.SubjectSpeechOutcome),
		logger:  logger.With(slog.String("component", "speech-events")),
	}
}

func (e *Events) OnTransition(t speech.Transition) {
	msg := protocol.SpeechState{
		From:      t.From.String(),
		To:        t.To.String(),
		Ticket:    t.Ticket,
		RequestID: t.RequestID,
		Timestamp: t.At.UTC(),
	}
	if err := e.pub.PublishJSON(e.state, msg); err != nil {
		e.logger.Warn("failed to publish speech state", slogError(err))
	}
}

func (e *Events) OnOutcome(o speech.Outcome) {
	msg := protocol.SpeechOutcome{
		Ticket:    o.Ticket,
		RequestID: o.RequestID,
		Status:    o.Status.String(),
		Timestamp: time.Now().UTC(),
	}
	if o.Err != nil {
		msg.Error = o.Err.Error()
	}
	if err := e.pub.PublishJSON(e.outcome, msg); err != nil {
		e.logger.Warn("failed to publish speech outcome", slogError(err))
	}
}
