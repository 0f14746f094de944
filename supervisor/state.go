package supervisor

import "time"

// State is the lifecycle state of the supervised worker.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateWaitingForHandshake
	StateConnected
	StateRestarting
	StateStopped
	StateCrashed
	StateUnresponsive
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateWaitingForHandshake:
		return "waiting_for_handshake"
	case StateConnected:
		return "connected"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	case StateUnresponsive:
		return "unresponsive"
	default:
		return "unknown"
	}
}

// startable reports whether Start may be called in this state.
func (s State) startable() bool {
	switch s {
	case StateNotStarted, StateStopped, StateCrashed, StateUnresponsive:
		return true
	}
	return false
}

// StateChange describes one transition. Err is set for transitions caused by a failure.
type StateChange struct {
	From State
	To   State
	At   time.Time
	Err  error
}
