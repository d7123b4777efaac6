package wsconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSchedule(t *testing.T) {
	assert.Equal(t, 5*time.Second, Backoff(1))
	assert.Equal(t, 7500*time.Millisecond, Backoff(2))
	assert.Equal(t, 11250*time.Millisecond, Backoff(3))

	// The schedule is strictly increasing across the whole budget.
	for k := 2; k <= maxReconnectAttempts; k++ {
		assert.Greater(t, Backoff(k), Backoff(k-1), "attempt %d", k)
	}
	assert.InDelta(t, 192.2, Backoff(10).Seconds(), 0.1)

	// Out-of-range attempts clamp to the base delay.
	assert.Equal(t, Backoff(1), Backoff(0))
	assert.Equal(t, Backoff(1), Backoff(-3))
}

func TestBackoffCustomSchedule(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoffFrom(2*time.Second, 2, 1))
	assert.Equal(t, 4*time.Second, backoffFrom(2*time.Second, 2, 2))
	assert.Equal(t, 8*time.Second, backoffFrom(2*time.Second, 2, 3))
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected:   "DISCONNECTED",
		StateConnecting:     "CONNECTING",
		StateAuthenticating: "AUTHENTICATING",
		StateAuthenticated:  "AUTHENTICATED",
		StateReady:          "READY",
		StateReconnecting:   "RECONNECTING",
		State(99):           "UNKNOWN",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}
