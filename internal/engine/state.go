package engine

import "fmt"

// State is the lifecycle state of an Engine.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateBackfilling
	StateLive
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateBackfilling:
		return "backfilling"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TransitionTo validates a move from s to next and returns next.
func (s State) TransitionTo(next State) (State, error) {
	if next == StateIdle && s != StateIdle {
		return next, nil
	}

	switch s {
	case StateIdle:
		if next == StateDiscovering {
			return next, nil
		}
	case StateDiscovering:
		switch next {
		case StateBackfilling, StateDegraded:
			return next, nil
		}
	case StateBackfilling:
		switch next {
		case StateLive, StateDegraded:
			return next, nil
		}
	case StateLive:
		if next == StateDegraded {
			return next, nil
		}
	case StateDegraded:
		switch next {
		case StateLive, StateBackfilling:
			return next, nil
		}
	}

	return s, fmt.Errorf("invalid state transition from %v to %v", s, next)
}
