// Package smartfeed provides a real-time market-data fan-in/fan-out engine
// for the SmartStream vendor feed: two authenticated WebSocket connections
// (LTP and snap-quote), a binary packet decoder, a subscription registry
// driven by order plans, and a tick dispatcher feeding a Redis-backed
// latest-price store and pub/sub consumers.
package smartfeed

import "errors"

// Common errors
var (
	// ErrNotConnected is returned when attempting an operation on a disconnected stream
	ErrNotConnected = errors.New("stream not connected")

	// ErrAlreadyStarted is returned when starting a component twice
	ErrAlreadyStarted = errors.New("already started")

	// ErrReconnectExceeded is returned when the reconnect attempt cap is reached
	ErrReconnectExceeded = errors.New("reconnect attempts exceeded")

	// ErrAuthRejected is returned when the vendor rejects authentication repeatedly
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrShortFrame is returned by the decoder for frames below the mode's minimum size
	ErrShortFrame = errors.New("frame too short")

	// ErrUnknownMode is returned by the decoder for frames with an unrecognised mode byte
	ErrUnknownMode = errors.New("unknown packet mode")

	// ErrSendQueueFull is returned when the outbound send buffer is full
	ErrSendQueueFull = errors.New("send queue full")

	// ErrPlanNotFound is returned when an order plan referenced by the stream no longer exists
	ErrPlanNotFound = errors.New("order plan not found")

	// ErrTimeout is returned when an operation times out
	ErrTimeout = errors.New("operation timeout")
)
