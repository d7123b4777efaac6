// Package limiter enforces the vendor's streaming quotas: how many
// tokens a connection may carry, how many fit in one control frame, and
// how fast control frames may be sent.
package limiter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Vendor streaming limits
const (
	MaxTokensPerConnection = 1000 // subscriptions a single socket may carry
	MaxTokensPerRequest    = 100  // tokens in one subscribe/unsubscribe frame

	// Control frames are throttled to one per second with a small burst,
	// matching the vendor's published request cap.
	controlFramesPerSecond = 1
	controlFrameBurst      = 5
)

// Limiter tracks per-connection subscription counts and paces outbound
// control frames.
type Limiter struct {
	maxPerConn    int
	maxPerRequest int

	mu     sync.Mutex
	counts map[string]int

	pace *rate.Limiter
}

// New creates a limiter with the vendor default quotas.
func New() *Limiter {
	return NewWithLimits(MaxTokensPerConnection, MaxTokensPerRequest)
}

// NewWithLimits creates a limiter with custom quotas.
func NewWithLimits(maxPerConn, maxPerRequest int) *Limiter {
	return &Limiter{
		maxPerConn:    maxPerConn,
		maxPerRequest: maxPerRequest,
		counts:        make(map[string]int),
		pace:          rate.NewLimiter(controlFramesPerSecond, controlFrameBurst),
	}
}

// Reserve records count new subscriptions on a connection, failing if the
// connection quota would be exceeded.
func (l *Limiter) Reserve(conn string, count int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.counts[conn] + count
	if next > l.maxPerConn {
		return fmt.Errorf("connection %s would carry %d tokens, limit %d", conn, next, l.maxPerConn)
	}
	l.counts[conn] = next
	return nil
}

// Release removes count subscriptions from a connection.
func (l *Limiter) Release(conn string, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counts[conn] -= count
	if l.counts[conn] <= 0 {
		delete(l.counts, conn)
	}
}

// CheckRequest validates that a single control frame stays within the
// per-request token cap.
func (l *Limiter) CheckRequest(count int) error {
	if count > l.maxPerRequest {
		return fmt.Errorf("%d tokens in one request, limit %d", count, l.maxPerRequest)
	}
	return nil
}

// WaitControlFrame blocks until the pacing window allows another control
// frame, or until ctx is cancelled.
func (l *Limiter) WaitControlFrame(ctx context.Context) error {
	return l.pace.Wait(ctx)
}

// Count returns the subscription count recorded for a connection.
func (l *Limiter) Count(conn string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[conn]
}
