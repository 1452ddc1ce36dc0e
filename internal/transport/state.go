package transport

// State is the lifecycle of a streaming connection.
// Closed and Errored are absorbing: a new attempt needs a new Conn.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

var transitions = map[State][]State{
	StateIdle:       {StateConnecting, StateClosed},
	StateConnecting: {StateOpen, StateErrored, StateClosed},
	StateOpen:       {StateClosing, StateClosed, StateErrored},
	StateClosing:    {StateClosed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
