package engine

// State is the engine lifecycle state.
type State uint8

const (
	// StateIdle indicates the engine has not been started.
	StateIdle State = iota

	// StateConnecting indicates the initial connection is in progress.
	StateConnecting

	// StateConnected indicates the transport is up but the session is
	// not yet ready for callers.
	StateConnected

	// StateAuthenticating indicates the bootstrap sequence is running.
	StateAuthenticating

	// StateReady indicates the session is fully usable.
	StateReady

	// StateReconnecting indicates the transport lost its connection and
	// is redialing.
	StateReconnecting

	// StateDisconnected indicates the transport is down and not
	// retrying.
	StateDisconnected

	// StateEnded indicates the engine was closed.
	StateEnded
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateReady:
		return "READY"
	case StateReconnecting:
		return "RECONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Usable reports whether callers may issue requests in this state.
func (s State) Usable() bool {
	return s == StateReady
}
