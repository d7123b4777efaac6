// Package middleware provides a composable wrapper chain for inbound
// WebSocket frame handlers.
package middleware

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantbyte/smartfeed"
)

// FrameHandler processes one inbound WebSocket frame.
type FrameHandler func(ctx context.Context, frame []byte) error

// Middleware wraps a FrameHandler.
type Middleware func(FrameHandler) FrameHandler

// Collector receives per-frame observations from Metrics.
type Collector interface {
	FrameHandled(bytes int, latency time.Duration, err error)
}

// Chain composes middleware so the first argument is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(handler FrameHandler) FrameHandler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			handler = middlewares[i](handler)
		}
		return handler
	}
}

// Recovery converts handler panics into errors so one malformed frame
// cannot take down the read loop.
func Recovery(log zerolog.Logger) Middleware {
	return func(next FrameHandler) FrameHandler {
		return func(ctx context.Context, frame []byte) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Bytes("stack", debug.Stack()).
						Msg("recovered panic in frame handler")
					err = fmt.Errorf("panic in frame handler: %v", r)
				}
			}()
			return next(ctx, frame)
		}
	}
}

// Logging traces frame handling at debug level and logs failures.
func Logging(log zerolog.Logger) Middleware {
	return func(next FrameHandler) FrameHandler {
		return func(ctx context.Context, frame []byte) error {
			start := time.Now()
			err := next(ctx, frame)
			if err != nil {
				log.Warn().
					Err(err).
					Int("bytes", len(frame)).
					Dur("took", time.Since(start)).
					Msg("frame handling failed")
				return err
			}
			log.Trace().
				Int("bytes", len(frame)).
				Dur("took", time.Since(start)).
				Msg("frame handled")
			return nil
		}
	}
}

// Metrics reports every handled frame to the collector.
func Metrics(collector Collector) Middleware {
	if collector == nil {
		return func(next FrameHandler) FrameHandler { return next }
	}
	return func(next FrameHandler) FrameHandler {
		return func(ctx context.Context, frame []byte) error {
			start := time.Now()
			err := next(ctx, frame)
			collector.FrameHandled(len(frame), time.Since(start), err)
			return err
		}
	}
}

// Timeout bounds how long a single frame may take to handle.
func Timeout(d time.Duration) Middleware {
	return func(next FrameHandler) FrameHandler {
		return func(ctx context.Context, frame []byte) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- next(ctx, frame) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", smartfeed.ErrTimeout, ctx.Err())
			}
		}
	}
}
