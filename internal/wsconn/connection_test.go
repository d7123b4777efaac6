package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbyte/smartfeed"
)

var upgrader = websocket.Upgrader{}

// feedServer is a minimal vendor stand-in: it accepts the upgrade, reads
// the auth frame and answers with the configured text frame.
func feedServer(t *testing.T, authReply string, onAuth func(frame []byte)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if onAuth != nil {
			onAuth(frame)
		}
		if authReply != "" {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(authReply)); err != nil {
				return
			}
		}
		// Hold the socket open until the client leaves.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) Config {
	return Config{
		Name: "test",
		URL:  url,
		Headers: func(context.Context) (http.Header, error) {
			h := http.Header{}
			h.Set("Authorization", "Bearer test-jwt")
			return h, nil
		},
		AuthFrame: func(context.Context) ([]byte, error) {
			return []byte(`{"action":1}`), nil
		},
		ReadyDelay:     50 * time.Millisecond,
		ReconnectDelay: 20 * time.Millisecond,
		Logger:         zerolog.Nop(),
	}
}

func TestConnReachesReady(t *testing.T) {
	authFrames := make(chan []byte, 1)
	srv := feedServer(t, `{"success":true}`, func(frame []byte) { authFrames <- frame })
	defer srv.Close()

	ready := make(chan uint64, 1)
	cfg := testConfig(wsURL(srv))
	cfg.AuthResponse = func(data []byte) error {
		var env struct {
			Success bool `json:"success"`
		}
		if err := json.Unmarshal(data, &env); err != nil || !env.Success {
			return errors.New("rejected")
		}
		return nil
	}
	cfg.OnReady = func(epoch uint64) { ready <- epoch }

	conn := New(cfg)
	require.NoError(t, conn.Start())
	defer conn.Stop()

	select {
	case frame := <-authFrames:
		assert.JSONEq(t, `{"action":1}`, string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the auth frame")
	}

	select {
	case epoch := <-ready:
		assert.Equal(t, uint64(1), epoch)
	case <-time.After(2 * time.Second):
		t.Fatal("connection never became ready")
	}
	assert.Equal(t, StateReady, conn.State())
}

func TestConnAuthRejectionIsFatal(t *testing.T) {
	srv := feedServer(t, `{"success":false,"errorCode":"AG8001"}`, nil)
	defer srv.Close()

	fatal := make(chan error, 1)
	cfg := testConfig(wsURL(srv))
	cfg.AuthResponse = func([]byte) error { return errors.New("invalid token") }
	cfg.OnFatal = func(err error) { fatal <- err }

	conn := New(cfg)
	require.NoError(t, conn.Start())
	defer conn.Stop()

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, smartfeed.ErrAuthRejected)
	case <-time.After(5 * time.Second):
		t.Fatal("repeated auth rejection did not become fatal")
	}
}

func TestConnGivesUpAfterReconnectBudget(t *testing.T) {
	// Nothing listens here, every dial fails.
	fatal := make(chan error, 1)
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.MaxReconnects = 2
	cfg.OnFatal = func(err error) { fatal <- err }

	conn := New(cfg)
	require.NoError(t, conn.Start())
	defer conn.Stop()

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, smartfeed.ErrReconnectExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("dial failures did not exhaust the reconnect budget")
	}
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	assert.Equal(t, 30*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.DataRequestInterval)
	assert.Equal(t, 60*time.Second, cfg.HealthInterval)
	assert.Equal(t, 5*time.Second, cfg.ReadyDelay)
	assert.Equal(t, 5*time.Minute, cfg.FrameStale)
	assert.Equal(t, 2*time.Minute, cfg.PongStale)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.InDelta(t, 1.5, cfg.ReconnectGrowth, 1e-9)
	assert.Equal(t, 10, cfg.MaxReconnects)
}

// awaitDials waits until the server has accepted n connections.
func awaitDials(t *testing.T, auths <-chan []byte, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-auths:
		case <-time.After(5 * time.Second):
			t.Fatalf("server saw %d dials, want %d", i, n)
		}
	}
}

func TestConnReconnectsWhenFramesStop(t *testing.T) {
	auths := make(chan []byte, 8)
	srv := feedServer(t, "", func(frame []byte) {
		select {
		case auths <- frame:
		default:
		}
	})
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.HealthInterval = 25 * time.Millisecond
	cfg.FrameStale = 60 * time.Millisecond
	cfg.PongStale = 10 * time.Second

	conn := New(cfg)
	require.NoError(t, conn.Start())
	defer conn.Stop()

	// A silent upstream trips the frame staleness check and the
	// connection dials again.
	awaitDials(t, auths, 2)
}

func TestConnReconnectsWhenPongsStop(t *testing.T) {
	auths := make(chan []byte, 8)
	srv := feedServer(t, "", func(frame []byte) {
		select {
		case auths <- frame:
		default:
		}
	})
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.HealthInterval = 25 * time.Millisecond
	cfg.FrameStale = 10 * time.Second
	cfg.PongStale = 60 * time.Millisecond

	conn := New(cfg)
	require.NoError(t, conn.Start())
	defer conn.Stop()

	// No pong ever arrives on this socket, so the pong staleness bound
	// forces a redial on its own.
	awaitDials(t, auths, 2)
}

func TestSendBeforeConnect(t *testing.T) {
	conn := New(testConfig("ws://127.0.0.1:1"))
	assert.ErrorIs(t, conn.Send([]byte("x")), smartfeed.ErrNotConnected)
}

func TestStartTwice(t *testing.T) {
	srv := feedServer(t, "", nil)
	defer srv.Close()

	conn := New(testConfig(wsURL(srv)))
	require.NoError(t, conn.Start())
	defer conn.Stop()
	assert.ErrorIs(t, conn.Start(), smartfeed.ErrAlreadyStarted)
}
