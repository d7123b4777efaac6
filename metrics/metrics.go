// Package metrics exposes prometheus instrumentation for the feed engine.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesReceived counts inbound frames per connection and kind.
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smartfeed_frames_received_total",
		Help: "Inbound frames by connection and frame kind",
	}, []string{"conn", "kind"})

	// DecodeErrors counts frames the decoder rejected or flagged partial.
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smartfeed_decode_errors_total",
		Help: "Frames dropped or flagged by the binary decoder",
	}, []string{"conn"})

	// TicksDropped counts ticks discarded because a dispatch queue was full.
	TicksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smartfeed_ticks_dropped_total",
		Help: "Decoded ticks dropped on dispatch queue overflow",
	}, []string{"conn"})

	// Reconnects counts reconnect attempts per connection.
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smartfeed_reconnects_total",
		Help: "Reconnect attempts by connection",
	}, []string{"conn"})

	// ConnectionUp reports the current state of each upstream connection.
	ConnectionUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "smartfeed_connection_up",
		Help: "1 while the connection is READY, else 0",
	}, []string{"conn"})

	// PublishErrors counts failed store writes and pub/sub publishes.
	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smartfeed_publish_errors_total",
		Help: "Failed latest-price writes and pub/sub publishes",
	}, []string{"kind"})

	// PlanTransitions counts order-plan status transitions.
	PlanTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smartfeed_plan_transitions_total",
		Help: "Order-plan status transitions by new status",
	}, []string{"status"})

	// Resubscribes counts full resubscribes (ready flushes and 307 acks).
	Resubscribes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smartfeed_resubscribes_total",
		Help: "Full resubscribes by connection and reason",
	}, []string{"conn", "reason"})

	// HandleDuration observes tick handling latency in the dispatcher.
	HandleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "smartfeed_tick_handle_seconds",
		Help:    "Dispatcher handling latency per tick",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	}, []string{"kind"})

	// FrameBytes counts inbound payload bytes per connection.
	FrameBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smartfeed_frame_bytes_total",
		Help: "Inbound frame payload bytes by connection",
	}, []string{"conn"})

	// FrameErrors counts frames whose handling pipeline failed.
	FrameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smartfeed_frame_errors_total",
		Help: "Frames whose handling failed, by connection",
	}, []string{"conn"})

	// FrameHandleDuration observes end-to-end inbound frame latency,
	// including classification and decode.
	FrameHandleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "smartfeed_frame_handle_seconds",
		Help:    "Inbound frame handling latency by connection",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	}, []string{"conn"})
)

// FrameCollector adapts the prometheus collectors to the middleware
// metrics hook for one connection.
type FrameCollector struct {
	Conn string
}

// FrameHandled records one handled frame.
func (c FrameCollector) FrameHandled(bytes int, latency time.Duration, err error) {
	FrameBytes.WithLabelValues(c.Conn).Add(float64(bytes))
	FrameHandleDuration.WithLabelValues(c.Conn).Observe(latency.Seconds())
	if err != nil {
		FrameErrors.WithLabelValues(c.Conn).Inc()
	}
}

// Server serves the prometheus endpoint.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server listening on addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

// Start blocks serving the endpoint until Stop is called.
func (s *Server) Start() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down, allowing in-flight scrapes to finish.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
