package lifecycle

import "slices"

// State is a controller's position in the session lifecycle.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateError
	StateShuttingDown
	StateClosed
)

var stateNames = [...]string{
	StateCreated:      "created",
	StateStarting:     "starting",
	StateRunning:      "running",
	StateError:        "error",
	StateShuttingDown: "shutting_down",
	StateClosed:       "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// transitions lists the legal next states. Error always routes into
// ShuttingDown; a session that never started may shut down from Created.
var transitions = map[State][]State{
	StateCreated:      {StateStarting, StateShuttingDown},
	StateStarting:     {StateRunning, StateError, StateShuttingDown},
	StateRunning:      {StateError, StateShuttingDown},
	StateError:        {StateShuttingDown},
	StateShuttingDown: {StateClosed},
}

func (s State) canTransition(to State) bool {
	return slices.Contains(transitions[s], to)
}

// CleanupState guards teardown so its steps run at most once.
type CleanupState int

const (
	CleanupNotStarted CleanupState = iota
	CleanupInProgress
	CleanupDone
)

func (c CleanupState) String() string {
	switch c {
	case CleanupNotStarted:
		return "not_started"
	case CleanupInProgress:
		return "in_progress"
	case CleanupDone:
		return "done"
	}
	return "unknown"
}
