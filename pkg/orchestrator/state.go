package orchestrator

// State is the turn state of a session. Exactly one turn may be active
// (any non-idle state) at a time.
type State int

const (
	StateIdle State = iota
	StateListening
	StateCapturing
	StateFinalizing
	StateResponding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateCapturing:
		return "CAPTURING"
	case StateFinalizing:
		return "FINALIZING"
	case StateResponding:
		return "RESPONDING"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether a turn is in flight.
func (s State) Active() bool { return s != StateIdle }

// capturing reports whether audio frames are accepted in this state.
func (s State) capturing() bool {
	return s == StateListening || s == StateCapturing
}

var validTransitions = map[State][]State{
	StateIdle:       {StateListening},
	StateListening:  {StateCapturing, StateFinalizing, StateIdle},
	StateCapturing:  {StateFinalizing, StateIdle},
	StateFinalizing: {StateResponding, StateIdle},
	StateResponding: {StateIdle},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
