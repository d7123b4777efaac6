// Package wsconn manages a single authenticated WebSocket connection:
// dialing, the auth handshake, keepalive timers, health checks and
// reconnection with geometric backoff. The vendor protocol itself lives
// in the caller's callbacks, so the package stays protocol-agnostic.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quantbyte/smartfeed"
	"github.com/quantbyte/smartfeed/metrics"
)

// Config describes one upstream connection. Name identifies it in logs
// and metrics; the callbacks supply the vendor protocol.
type Config struct {
	Name string
	URL  string

	// Headers returns the handshake headers for a fresh dial. Called on
	// every attempt so rotated credentials are picked up.
	Headers func(ctx context.Context) (http.Header, error)

	// AuthFrame returns the frame sent immediately after the socket opens.
	AuthFrame func(ctx context.Context) ([]byte, error)

	// AuthResponse inspects a text frame received while authenticating.
	// A non-nil error counts as a rejection.
	AuthResponse func(data []byte) error

	// DataRequestFrame returns the periodic keepalive request. ok=false
	// skips the interval, for example while nothing is subscribed.
	DataRequestFrame func() ([]byte, bool)

	// OnFrame receives every binary frame together with the epoch of the
	// socket that produced it.
	OnFrame func(epoch uint64, data []byte)

	// OnReady fires when the connection settles into the READY state.
	OnReady func(epoch uint64)

	// OnFatal fires once when the connection gives up permanently.
	OnFatal func(err error)

	HandshakeTimeout    time.Duration
	WriteTimeout        time.Duration
	PingInterval        time.Duration
	DataRequestInterval time.Duration
	HealthInterval      time.Duration
	ReadyDelay          time.Duration
	FrameStale          time.Duration
	PongStale           time.Duration
	ReconnectDelay      time.Duration
	ReconnectGrowth     float64
	MaxReconnects       int

	Logger zerolog.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.DataRequestInterval <= 0 {
		cfg.DataRequestInterval = 60 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 60 * time.Second
	}
	if cfg.ReadyDelay <= 0 {
		cfg.ReadyDelay = 5 * time.Second
	}
	if cfg.FrameStale <= 0 {
		cfg.FrameStale = 5 * time.Minute
	}
	if cfg.PongStale <= 0 {
		cfg.PongStale = 2 * time.Minute
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = baseReconnectDelay
	}
	if cfg.ReconnectGrowth <= 1 {
		cfg.ReconnectGrowth = reconnectGrowth
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = maxReconnectAttempts
	}
}

// Conn is a self-healing WebSocket connection. All writes go through a
// single goroutine; Send only enqueues.
type Conn struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	state   State
	epoch   uint64
	started bool

	sendCh chan []byte
	stopCh chan struct{}
	doneCh chan struct{}
}

// errStopped distinguishes an orderly Stop from a transport failure.
var errStopped = errors.New("connection stopped")

// New creates a connection. It does not dial until Start.
func New(cfg Config) *Conn {
	cfg.applyDefaults()
	return &Conn{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("conn", cfg.Name).Logger(),
		sendCh: make(chan []byte, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the connection lifecycle goroutine.
func (c *Conn) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return smartfeed.ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	go c.run()
	return nil
}

// Stop closes the connection and waits for the lifecycle goroutine.
func (c *Conn) Stop() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}

	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	<-c.doneCh
}

// Send enqueues a text frame for the writer goroutine. It fails when the
// connection is not usable or the queue is full.
func (c *Conn) Send(data []byte) error {
	switch c.State() {
	case StateAuthenticated, StateReady:
	default:
		return smartfeed.ErrNotConnected
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		return smartfeed.ErrSendQueueFull
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Epoch returns the current socket generation. It increments on every
// successful dial, letting callers discard frames from a dead socket.
func (c *Conn) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("connection state")
	}
}

func (c *Conn) run() {
	defer close(c.doneCh)
	defer metrics.ConnectionUp.WithLabelValues(c.cfg.Name).Set(0)

	attempt := 0
	authFailures := 0
	for {
		select {
		case <-c.stopCh:
			c.setState(StateDisconnected)
			return
		default:
		}

		ready, err := c.session()
		if err == nil || errors.Is(err, errStopped) {
			c.setState(StateDisconnected)
			return
		}
		if ready {
			attempt = 0
		}

		if errors.Is(err, smartfeed.ErrAuthRejected) {
			authFailures++
			if authFailures >= 3 {
				c.log.Error().Err(err).Msg("authentication rejected repeatedly, giving up")
				c.setState(StateDisconnected)
				if c.cfg.OnFatal != nil {
					c.cfg.OnFatal(fmt.Errorf("%w after %d attempts", smartfeed.ErrAuthRejected, authFailures))
				}
				return
			}
		} else {
			authFailures = 0
		}

		attempt++
		if attempt > c.cfg.MaxReconnects {
			c.log.Error().Err(err).Int("attempts", attempt-1).Msg("reconnect budget exhausted")
			c.setState(StateDisconnected)
			if c.cfg.OnFatal != nil {
				c.cfg.OnFatal(fmt.Errorf("%w: last error: %v", smartfeed.ErrReconnectExceeded, err))
			}
			return
		}

		c.setState(StateReconnecting)
		metrics.Reconnects.WithLabelValues(c.cfg.Name).Inc()
		delay := backoffFrom(c.cfg.ReconnectDelay, c.cfg.ReconnectGrowth, attempt)
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("connection lost, reconnecting")

		select {
		case <-c.stopCh:
			c.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}
	}
}

type inbound struct {
	kind int
	data []byte
	err  error
}

// session runs one dial-to-close lifetime. It reports whether the
// connection reached READY and the error that ended it.
func (c *Conn) session() (ready bool, err error) {
	c.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	headers, err := c.cfg.Headers(ctx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("handshake headers: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	ws, resp, err := dialer.Dial(c.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial %s: %w (http %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer ws.Close()
	defer metrics.ConnectionUp.WithLabelValues(c.cfg.Name).Set(0)

	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	// Frames queued against the previous socket are stale.
	for {
		select {
		case <-c.sendCh:
			continue
		default:
		}
		break
	}

	ctx, cancel = context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	auth, err := c.cfg.AuthFrame(ctx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("auth frame: %w", err)
	}
	if err := c.write(ws, websocket.TextMessage, auth); err != nil {
		return false, fmt.Errorf("send auth: %w", err)
	}
	c.setState(StateAuthenticating)

	// Seeded at session start so a socket that never pongs still trips
	// the staleness check.
	var pongMu sync.Mutex
	lastPong := time.Now()
	ws.SetPongHandler(func(string) error {
		pongMu.Lock()
		lastPong = time.Now()
		pongMu.Unlock()
		return nil
	})

	sessDone := make(chan struct{})
	defer close(sessDone)

	frames := make(chan inbound, 256)
	go func() {
		for {
			kind, data, err := ws.ReadMessage()
			msg := inbound{kind: kind, data: data, err: err}
			select {
			case frames <- msg:
			case <-sessDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	pingT := time.NewTicker(c.cfg.PingInterval)
	defer pingT.Stop()
	dataT := time.NewTicker(c.cfg.DataRequestInterval)
	defer dataT.Stop()
	healthT := time.NewTicker(c.cfg.HealthInterval)
	defer healthT.Stop()
	readyT := time.NewTimer(c.cfg.ReadyDelay)
	defer readyT.Stop()

	lastFrame := time.Now()

	for {
		select {
		case <-c.stopCh:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return ready, errStopped

		case <-readyT.C:
			// No rejection inside the settle window means the vendor
			// accepted the auth frame.
			switch c.State() {
			case StateAuthenticating, StateAuthenticated:
				c.setState(StateReady)
				ready = true
				metrics.ConnectionUp.WithLabelValues(c.cfg.Name).Set(1)
				if c.cfg.OnReady != nil {
					c.cfg.OnReady(epoch)
				}
			}

		case <-pingT.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return ready, fmt.Errorf("ping: %w", err)
			}

		case <-dataT.C:
			if !ready || c.cfg.DataRequestFrame == nil {
				continue
			}
			frame, ok := c.cfg.DataRequestFrame()
			if !ok {
				continue
			}
			if err := c.write(ws, websocket.TextMessage, frame); err != nil {
				return ready, fmt.Errorf("data request: %w", err)
			}

		case <-healthT.C:
			if since := time.Since(lastFrame); since > c.cfg.FrameStale {
				return ready, fmt.Errorf("no frames for %s", since.Truncate(time.Second))
			}
			pongMu.Lock()
			pong := lastPong
			pongMu.Unlock()
			if since := time.Since(pong); since > c.cfg.PongStale {
				return ready, fmt.Errorf("no pong for %s", since.Truncate(time.Second))
			}

		case data := <-c.sendCh:
			if err := c.write(ws, websocket.TextMessage, data); err != nil {
				return ready, fmt.Errorf("send: %w", err)
			}

		case msg := <-frames:
			if msg.err != nil {
				return ready, fmt.Errorf("read: %w", msg.err)
			}
			lastFrame = time.Now()

			switch msg.kind {
			case websocket.BinaryMessage:
				if c.cfg.OnFrame != nil {
					c.cfg.OnFrame(epoch, msg.data)
				}
			case websocket.TextMessage:
				if c.State() == StateAuthenticating && c.cfg.AuthResponse != nil {
					if err := c.cfg.AuthResponse(msg.data); err != nil {
						return ready, fmt.Errorf("%w: %v", smartfeed.ErrAuthRejected, err)
					}
					c.setState(StateAuthenticated)
					continue
				}
				c.log.Debug().Str("frame", string(msg.data)).Msg("text frame")
			}
		}
	}
}

func (c *Conn) write(ws *websocket.Conn, kind int, data []byte) error {
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return ws.WriteMessage(kind, data)
}
