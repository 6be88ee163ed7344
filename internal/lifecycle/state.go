package lifecycle

import "github.com/forgeplatform/plugind/internal/store"

var allStatuses = []store.Status{
	store.StatusInstalling, store.StatusInstalled, store.StatusStarting,
	store.StatusRunning, store.StatusStopping, store.StatusStopped,
	store.StatusError, store.StatusUninstalling,
}

// transitions is the legal edge set. error is a resting state reachable from
// every non-terminal state; uninstalling is terminal on success and reverts
// to error on failure.
var transitions = map[store.Status]map[store.Status]bool{
	store.StatusInstalling: {
		store.StatusInstalled: true,
		store.StatusError:     true,
	},
	store.StatusInstalled: {
		store.StatusStarting:     true,
		store.StatusUninstalling: true,
		store.StatusError:        true,
	},
	store.StatusStarting: {
		store.StatusRunning:      true,
		store.StatusStopping:     true,
		store.StatusUninstalling: true,
		store.StatusError:        true,
	},
	store.StatusRunning: {
		store.StatusStopping:     true,
		store.StatusStopped:      true, // observed exit
		store.StatusUninstalling: true,
		store.StatusError:        true,
	},
	store.StatusStopping: {
		store.StatusStopped:      true,
		store.StatusUninstalling: true,
		store.StatusError:        true,
	},
	store.StatusStopped: {
		store.StatusStarting:     true,
		store.StatusUninstalling: true,
		store.StatusError:        true,
	},
	store.StatusError: {
		store.StatusStarting:     true,
		store.StatusUninstalling: true,
	},
	store.StatusUninstalling: {
		store.StatusError: true,
	},
}

func canTransition(from, to store.Status) bool {
	return transitions[from][to]
}

// inFlight reports whether a status is the middle of an operation. A row
// persisted in one of these with no container behind it was interrupted.
func inFlight(s store.Status) bool {
	switch s {
	case store.StatusInstalling, store.StatusStarting,
		store.StatusStopping, store.StatusUninstalling:
		return true
	}
	return false
}
