package syncer

import "fmt"

// State is the state of the synchronization state machine.
type State int

const (
	StateIdle State = iota
	StateRemoteToLocalSync
	StateSendingLocalChanges
	StatePausedPendingAuth
	StatePaused
	StateStopped
	StateFailed
	StateFinished
)

var stateNames = map[State]string{
	StateIdle:                "idle",
	StateRemoteToLocalSync:   "remote_to_local_sync",
	StateSendingLocalChanges: "sending_local_changes",
	StatePausedPendingAuth:   "paused_pending_auth",
	StatePaused:              "paused",
	StateStopped:             "stopped",
	StateFailed:              "failed",
	StateFinished:            "finished",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether a new Synchronize call may start from s.
func (s State) Terminal() bool {
	switch s {
	case StateIdle, StateStopped, StateFinished, StateFailed:
		return true
	}
	return false
}

// Running reports whether s is one of the two active phases.
func (s State) Running() bool {
	return s == StateRemoteToLocalSync || s == StateSendingLocalChanges
}

// IsPaused reports whether s is one of the paused states.
func (s State) IsPaused() bool {
	return s == StatePaused || s == StatePausedPendingAuth
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}
