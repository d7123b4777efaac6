package wsconn

import "time"

// State is the lifecycle phase of an upstream connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateReady:
		return "READY"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Reconnect schedule
const (
	baseReconnectDelay   = 5 * time.Second
	reconnectGrowth      = 1.5
	maxReconnectAttempts = 10
)

// Backoff returns the delay before reconnect attempt k (1-based). The
// schedule grows geometrically from the base delay.
func Backoff(attempt int) time.Duration {
	return backoffFrom(baseReconnectDelay, reconnectGrowth, attempt)
}

func backoffFrom(base time.Duration, growth float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * growth)
	}
	return d
}
