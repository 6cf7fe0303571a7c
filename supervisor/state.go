// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

// State is the supervisor's view of the codec host process. Exactly
// one State is current at a time; only the supervisor mutates it.
type State int

const (
	// StateStarting: the host process is spawned but has not yet
	// completed the Ping handshake and plugin loading.
	StateStarting State = iota

	// StateReady: the host answered the handshake and has no request
	// outstanding.
	StateReady

	// StateBusy: Ready with at least one request in flight. Derived
	// from the control channel's outstanding count, not stored.
	StateBusy

	// StateUnresponsive: a request timed out; the host is presumed
	// wedged and is being forcibly terminated.
	StateUnresponsive

	// StateCrashed: the host exited or the control connection broke
	// without a shutdown being requested.
	StateCrashed

	// StateRestarting: waiting out the backoff delay before the next
	// spawn attempt.
	StateRestarting

	// StateShuttingDown: an orderly shutdown was requested. Terminal.
	StateShuttingDown

	// StateFailed: consecutive start failures exhausted the retry
	// bound. Terminal; requests fail immediately.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateUnresponsive:
		return "unresponsive"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateShuttingDown:
		return "shutting-down"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// terminal reports whether the state admits no further transitions.
func (s State) terminal() bool {
	return s == StateShuttingDown || s == StateFailed
}
