package plugins

import "fmt"

// State is the host lifecycle phase. It only ever increases.
type State int

// Lifecycle phases in order.
const (
	StateBase State = iota
	StateDiscovered
	StateInitialized
	StateManagersBound
)

// String returns the phase name.
func (s State) String() string {
	switch s {
	case StateBase:
		return "Base"
	case StateDiscovered:
		return "Discovered"
	case StateInitialized:
		return "Initialized"
	case StateManagersBound:
		return "ManagersBound"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Lifecycle event ids fired by the host.
const (
	EventPreLoad       = "plugin.pre-load"
	EventPreEndpoints  = "plugin.loading.pre-endpoints"
	EventPostEndpoints = "plugin.loading.post-endpoints"
	EventPreSockets    = "plugin.loading.pre-sockets"
	EventPostSockets   = "plugin.loading.post-sockets"
	EventLoaded        = "plugin.loaded"
	EventServerOnLoad  = "server.on-load"
	EventServerStart   = "server.start"
	EventServerRequest = "server.request"
	EventServerEnd     = "server.end"
)

func exactState(op string, have, want State) error {
	if have != want {
		return fmt.Errorf("%w: %s requires %s, host is %s", ErrInvalidState, op, want, have)
	}

	return nil
}

func minState(op string, have, want State) error {
	if have < want {
		return fmt.Errorf("%w: %s requires %s, host is %s", ErrInvalidState, op, want, have)
	}

	return nil
}
