package speech

import "time"

// State is the playback lane's state.
type State int

const (
	// StateIdle means nothing is playing.
	StateIdle State = iota
	// StatePlaying means an utterance is in flight.
	StatePlaying
	// StateCancelled means the in-flight utterance was interrupted and the
	// player has not returned yet.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var validTransitions = map[State][]State{
	StateIdle:      {StatePlaying},
	StatePlaying:   {StateIdle, StateCancelled},
	StateCancelled: {StateIdle},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is reported to observers on every state change.
type Transition struct {
	From      State
	To        State
	Ticket    string
	RequestID string
	At        time.Time
}

// Outcome reports how one utterance ended.
type Outcome struct {
	Ticket    string
	RequestID string
	Status    OutcomeStatus
	Err       error
}

// OutcomeStatus classifies an Outcome.
type OutcomeStatus int

const (
	OutcomePlayed OutcomeStatus = iota
	OutcomeFailed
	OutcomeCancelled
	// OutcomeDiscarded marks an utterance dropped before it started.
	OutcomeDiscarded
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomePlayed:
		return "played"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Observer receives queue events in order on a dedicated goroutine.
type Observer interface {
	OnTransition(Transition)
	OnOutcome(Outcome)
}
