package session

import "fmt"

// EventKind enumerates the transport events a session reacts to.
type EventKind int

const (
	EventFragment EventKind = iota + 1
	EventTurnComplete
	EventTurnFailed
	EventConnectionLost
)

func (k EventKind) String() string {
	switch k {
	case EventFragment:
		return "fragment"
	case EventTurnComplete:
		return "turn_complete"
	case EventTurnFailed:
		return "turn_failed"
	case EventConnectionLost:
		return "connection_lost"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one transport event, independent of how the transport delivered it.
type Event struct {
	Kind EventKind

	// Text is set for EventFragment.
	Text string
	// Err is set for EventTurnFailed.
	Err error
	// Code and Normal are set for EventConnectionLost.
	Code   int
	Normal bool
}

func FragmentEvent(text string) Event {
	return Event{Kind: EventFragment, Text: text}
}

func TurnCompleteEvent() Event {
	return Event{Kind: EventTurnComplete}
}

func TurnFailedEvent(err error) Event {
	return Event{Kind: EventTurnFailed, Err: err}
}

func ConnectionLostEvent(code int, normal bool) Event {
	return Event{Kind: EventConnectionLost, Code: code, Normal: normal}
}

// Apply dispatches ev to the matching transition. Unknown kinds are ignored.
func (s *Session) Apply(ev Event) {
	switch ev.Kind {
	case EventFragment:
		s.Fragment(ev.Text)
	case EventTurnComplete:
		s.TurnComplete()
	case EventTurnFailed:
		s.TurnFailed(ev.Err)
	case EventConnectionLost:
		s.ConnectionLost(ev.Code, ev.Normal)
	}
}
