package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantbyte/smartfeed"
	"github.com/quantbyte/smartfeed/dispatch"
	"github.com/quantbyte/smartfeed/internal/limiter"
	"github.com/quantbyte/smartfeed/internal/wsconn"
	"github.com/quantbyte/smartfeed/metrics"
	"github.com/quantbyte/smartfeed/middleware"
	"github.com/quantbyte/smartfeed/orderplan"
	"github.com/quantbyte/smartfeed/session"
	"github.com/quantbyte/smartfeed/smartstream"
	"github.com/quantbyte/smartfeed/store"
)

// Connection names. The LTP socket drives plan evaluation, the snap
// socket carries depth.
const (
	ConnLTP  = "ltp"
	ConnSnap = "snap"
)

// resubscribeDelay is how long a 307 acknowledgement waits before the
// full subscription list is re-sent.
const resubscribeDelay = 2 * time.Second

// frameTimeout bounds handling of a single inbound frame.
const frameTimeout = 10 * time.Second

// Tuning overrides the connection timers and the reconnect schedule.
// Zero values keep the built-in defaults.
type Tuning struct {
	ConnectTimeout      time.Duration
	PingInterval        time.Duration
	DataRequestInterval time.Duration
	HealthInterval      time.Duration
	FrameStale          time.Duration
	PongStale           time.Duration
	ReadyDelay          time.Duration
	ReconnectDelay      time.Duration
	ReconnectGrowth     float64
	MaxReconnects       int
}

// Config wires a Manager to its collaborators.
type Config struct {
	URL       string
	Provider  session.TokenProvider
	Plans     orderplan.Store
	Snapshots store.SnapshotStore
	Publisher store.Publisher
	Evaluator dispatch.PlanEvaluator
	Tuning    Tuning
	Logger    zerolog.Logger
}

type cmdKind int

const (
	cmdAdd cmdKind = iota
	cmdRemove
	cmdResubscribe
)

type command struct {
	kind   cmdKind
	plan   *orderplan.Plan
	planID string
	conn   string
	reason string
}

type managedConn struct {
	name string
	mode smartstream.Mode
	conn *wsconn.Conn

	resubPending atomic.Bool
}

// Manager owns the two upstream connections, the subscription registry
// and the dispatcher. All registry mutations and outbound subscription
// frames flow through a single command loop, so wire state and registry
// state cannot diverge.
type Manager struct {
	cfg        Config
	log        zerolog.Logger
	registry   *Registry
	dispatcher *dispatch.Dispatcher
	lim        *limiter.Limiter
	conns      []*managedConn

	cmds  chan command
	fatal chan error
}

// NewManager assembles a manager. Run starts it.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "feed").Logger(),
		registry: NewRegistry(),
		lim:      limiter.New(),
		cmds:     make(chan command, 64),
		fatal:    make(chan error, 2),
	}
	m.dispatcher = dispatch.New(m.registry, cfg.Snapshots, cfg.Publisher, cfg.Evaluator, cfg.Logger)
	m.dispatcher.OnPlanGone = m.RemovePlan

	for _, spec := range []struct {
		name string
		mode smartstream.Mode
	}{
		{ConnLTP, smartstream.ModeLTP},
		{ConnSnap, smartstream.ModeSnapQuote},
	} {
		mc := &managedConn{name: spec.name, mode: spec.mode}
		mc.conn = wsconn.New(wsconn.Config{
			Name:             mc.name,
			URL:              cfg.URL,
			Headers:          m.dialHeaders,
			AuthFrame:        m.authFrame,
			AuthResponse:     authResponse,
			DataRequestFrame: m.dataRequestFrame(mc),
			OnFrame:          m.frameHandler(mc),
			OnReady: func(uint64) {
				m.cmds <- command{kind: cmdResubscribe, conn: mc.name, reason: "ready"}
			},
			OnFatal: func(err error) {
				m.fatal <- fmt.Errorf("connection %s: %w", mc.name, err)
			},
			HandshakeTimeout:    cfg.Tuning.ConnectTimeout,
			PingInterval:        cfg.Tuning.PingInterval,
			DataRequestInterval: cfg.Tuning.DataRequestInterval,
			HealthInterval:      cfg.Tuning.HealthInterval,
			FrameStale:          cfg.Tuning.FrameStale,
			PongStale:           cfg.Tuning.PongStale,
			ReadyDelay:          cfg.Tuning.ReadyDelay,
			ReconnectDelay:      cfg.Tuning.ReconnectDelay,
			ReconnectGrowth:     cfg.Tuning.ReconnectGrowth,
			MaxReconnects:       cfg.Tuning.MaxReconnects,
			Logger:              cfg.Logger,
		})
		m.conns = append(m.conns, mc)
	}
	return m
}

// Run loads the active plans into the registry, starts the dispatcher
// and both connections, then serves the command loop until ctx is
// cancelled or a connection fails permanently.
func (m *Manager) Run(ctx context.Context) error {
	plans, err := m.cfg.Plans.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("load active plans: %w", err)
	}
	for _, plan := range plans {
		m.bind(plan)
	}
	m.log.Info().Int("plans", len(plans)).Int("instruments", m.registry.Size()).Msg("registry primed")

	m.dispatcher.Start(ctx)
	defer m.dispatcher.Stop()

	for _, mc := range m.conns {
		if err := mc.conn.Start(); err != nil {
			return fmt.Errorf("start connection %s: %w", mc.name, err)
		}
	}
	defer func() {
		for _, mc := range m.conns {
			mc.conn.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-m.fatal:
			return err
		case cmd := <-m.cmds:
			m.handleCommand(ctx, cmd)
		}
	}
}

// AddPlan attaches a plan to the feed. Safe from any goroutine.
func (m *Manager) AddPlan(plan *orderplan.Plan) {
	m.cmds <- command{kind: cmdAdd, plan: plan}
}

// AddPlanID loads a plan by id and attaches it.
func (m *Manager) AddPlanID(ctx context.Context, id string) error {
	plan, err := m.cfg.Plans.Get(ctx, id)
	if err != nil {
		return err
	}
	m.AddPlan(plan)
	return nil
}

// RemovePlan detaches a plan from the feed. Safe from any goroutine.
func (m *Manager) RemovePlan(id string) {
	m.cmds <- command{kind: cmdRemove, planID: id}
}

func (m *Manager) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdAdd:
		m.bindAndSubscribe(ctx, cmd.plan)
	case cmdRemove:
		if freed := m.registry.Remove(cmd.planID); len(freed) > 0 {
			m.unsubscribe(ctx, freed)
		}
	case cmdResubscribe:
		m.resubscribe(ctx, cmd.conn, cmd.reason)
	}
}

// bind adds a plan to the registry without touching the wire, for
// priming before the connections exist.
func (m *Manager) bind(plan *orderplan.Plan) (code byte, newToken bool, freed []Binding) {
	if plan.Token <= 0 {
		m.log.Warn().Str("plan", plan.ID).Msg("plan has no instrument token, skipping")
		return 0, false, nil
	}
	src := plan.Exchange
	if src == "" {
		src = plan.Symbol
	}
	code = smartstream.ExchangeCode(smartstream.DetectExchange(src))
	newToken, freed = m.registry.Add(plan.ID, plan.Token, plan.Symbol, code)
	return code, newToken, freed
}

func (m *Manager) bindAndSubscribe(ctx context.Context, plan *orderplan.Plan) {
	code, newToken, freed := m.bind(plan)
	if len(freed) > 0 {
		m.unsubscribe(ctx, freed)
	}
	if !newToken {
		return
	}
	groups := map[byte][]int{code: {plan.Token}}
	for _, mc := range m.conns {
		m.sendTokenFrames(ctx, mc, smartstream.ActionSubscribe, groups)
	}
}

func (m *Manager) unsubscribe(ctx context.Context, freed []Binding) {
	groups := make(map[byte][]int)
	for _, b := range freed {
		groups[b.Exchange] = append(groups[b.Exchange], b.Token)
	}
	for _, mc := range m.conns {
		m.sendTokenFrames(ctx, mc, smartstream.ActionUnsubscribe, groups)
	}
}

// resubscribe re-sends the full registry snapshot on one connection.
func (m *Manager) resubscribe(ctx context.Context, conn, reason string) {
	groups := m.registry.Snapshot()
	if len(groups) == 0 {
		return
	}
	metrics.Resubscribes.WithLabelValues(conn, reason).Inc()
	for _, mc := range m.conns {
		if mc.name != conn {
			continue
		}
		m.log.Info().Str("conn", conn).Str("reason", reason).Int("instruments", m.registry.Size()).Msg("resubscribing")
		m.sendTokenFrames(ctx, mc, smartstream.ActionSubscribe, groups)
	}
}

// sendTokenFrames chunks groups to the per-request cap and sends one
// frame per chunk, paced by the control-frame limiter.
func (m *Manager) sendTokenFrames(ctx context.Context, mc *managedConn, action int, groups map[byte][]int) {
	for _, chunk := range chunkGroups(groups, limiter.MaxTokensPerRequest) {
		count := 0
		for _, tokens := range chunk {
			count += len(tokens)
		}
		if err := m.lim.CheckRequest(count); err != nil {
			m.log.Error().Err(err).Msg("token request over cap")
			continue
		}
		if err := m.lim.WaitControlFrame(ctx); err != nil {
			return
		}

		var frame []byte
		var err error
		switch action {
		case smartstream.ActionSubscribe:
			frame, err = smartstream.NewSubscribeRequest(mc.mode, chunk)
		case smartstream.ActionUnsubscribe:
			frame, err = smartstream.NewUnsubscribeRequest(mc.mode, chunk)
		}
		if err != nil {
			m.log.Error().Err(err).Str("conn", mc.name).Msg("compose token frame")
			continue
		}
		if err := mc.conn.Send(frame); err != nil {
			// A disconnected socket resubscribes everything on READY.
			m.log.Warn().Err(err).Str("conn", mc.name).Msg("token frame not sent")
			continue
		}

		switch action {
		case smartstream.ActionSubscribe:
			if err := m.lim.Reserve(mc.name, count); err != nil {
				m.log.Error().Err(err).Str("conn", mc.name).Msg("connection token quota exceeded")
			}
		case smartstream.ActionUnsubscribe:
			m.lim.Release(mc.name, count)
		}
	}
}

// chunkGroups splits a registry snapshot into frames of at most limit
// tokens each, never mixing exchanges within a chunk.
func chunkGroups(groups map[byte][]int, limit int) []map[byte][]int {
	var chunks []map[byte][]int
	for code, tokens := range groups {
		for start := 0; start < len(tokens); start += limit {
			end := start + limit
			if end > len(tokens) {
				end = len(tokens)
			}
			chunks = append(chunks, map[byte][]int{code: tokens[start:end]})
		}
	}
	return chunks
}

func (m *Manager) dialHeaders(ctx context.Context) (http.Header, error) {
	creds, err := m.cfg.Provider.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+creds.JWT)
	h.Set("x-api-key", creds.APIKey)
	h.Set("x-client-code", creds.ClientCode)
	h.Set("x-feed-token", creds.FeedToken)
	return h, nil
}

func (m *Manager) authFrame(ctx context.Context) ([]byte, error) {
	creds, err := m.cfg.Provider.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return smartstream.NewAuthRequest(creds.ClientCode, creds.JWT)
}

// authResponse inspects the text frame the vendor may send while the
// connection authenticates. Unparseable text is ignored rather than
// treated as a rejection.
func authResponse(data []byte) error {
	var env smartstream.StatusEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil
	}
	if !env.Success && (env.Message != "" || env.ErrorCode != "") {
		return fmt.Errorf("vendor rejected auth: %s %s", env.ErrorCode, env.Message)
	}
	return nil
}

// dataRequestFrame builds the periodic keepalive for one connection from
// the current registry snapshot.
func (m *Manager) dataRequestFrame(mc *managedConn) func() ([]byte, bool) {
	return func() ([]byte, bool) {
		groups := m.registry.Snapshot()
		if len(groups) == 0 {
			return nil, false
		}
		frame, err := smartstream.NewDataRequest(mc.mode, groups)
		if err != nil {
			return nil, false
		}
		return frame, true
	}
}

// frameHandler builds the inbound frame pipeline for one connection.
func (m *Manager) frameHandler(mc *managedConn) func(uint64, []byte) {
	handler := middleware.Chain(
		middleware.Recovery(m.log),
		middleware.Metrics(metrics.FrameCollector{Conn: mc.name}),
		middleware.Logging(m.log.With().Str("conn", mc.name).Logger()),
		middleware.Timeout(frameTimeout),
	)(func(ctx context.Context, frame []byte) error {
		return m.handleFrame(ctx, mc, frame)
	})
	return func(epoch uint64, data []byte) {
		_ = handler(context.Background(), data)
	}
}

func (m *Manager) handleFrame(ctx context.Context, mc *managedConn, frame []byte) error {
	kind := smartstream.Classify(frame)
	switch kind {
	case smartstream.FrameAck:
		metrics.FramesReceived.WithLabelValues(mc.name, "ack").Inc()
		ack, err := smartstream.ParseAck(frame)
		if err != nil {
			return err
		}
		m.handleAck(mc, ack)
		return nil

	case smartstream.FrameLTP:
		metrics.FramesReceived.WithLabelValues(mc.name, "ltp").Inc()
		tick, err := smartstream.DecodeLTP(frame)
		if err := firstErr(err, tick); err != nil {
			metrics.DecodeErrors.WithLabelValues(mc.name).Inc()
			return err
		}
		m.dispatcher.DispatchLTP(mc.name, tick)
		return nil

	case smartstream.FrameQuote:
		metrics.FramesReceived.WithLabelValues(mc.name, "quote").Inc()
		tick, err := smartstream.DecodeQuote(frame)
		if err != nil {
			metrics.DecodeErrors.WithLabelValues(mc.name).Inc()
			return err
		}
		if tick.Err != nil {
			metrics.DecodeErrors.WithLabelValues(mc.name).Inc()
			return tick.Err
		}
		m.dispatcher.DispatchLTP(mc.name, &tick.LTPTick)
		return nil

	case smartstream.FrameSnapQuote:
		metrics.FramesReceived.WithLabelValues(mc.name, "snap_quote").Inc()
		tick, err := smartstream.DecodeSnapQuote(frame)
		if err != nil {
			metrics.DecodeErrors.WithLabelValues(mc.name).Inc()
			return err
		}
		if tick.Err != nil {
			metrics.DecodeErrors.WithLabelValues(mc.name).Inc()
			return tick.Err
		}
		m.dispatcher.DispatchSnapQuote(mc.name, tick)
		return nil

	default:
		metrics.FramesReceived.WithLabelValues(mc.name, "unknown").Inc()
		return fmt.Errorf("%w: frame of %d bytes", smartfeed.ErrUnknownMode, len(frame))
	}
}

// handleAck reacts to a 307 by scheduling one delayed full resubscribe
// for the connection, collapsing bursts of acks into a single flush.
func (m *Manager) handleAck(mc *managedConn, ack *smartstream.Ack) {
	if ack.Status != smartstream.AckStatusResubscribe {
		m.log.Debug().Str("conn", mc.name).Str("msg", ack.MessageID).Uint16("status", ack.Status).Msg("ack")
		return
	}
	if !mc.resubPending.CompareAndSwap(false, true) {
		return
	}
	m.log.Warn().Str("conn", mc.name).Msg("vendor requested resubscribe")
	time.AfterFunc(resubscribeDelay, func() {
		mc.resubPending.Store(false)
		m.cmds <- command{kind: cmdResubscribe, conn: mc.name, reason: "ack307"}
	})
}

// firstErr folds a decode error and a partial-tick error into one.
func firstErr(err error, tick *smartstream.LTPTick) error {
	if err != nil {
		return err
	}
	if tick.Err != nil {
		return tick.Err
	}
	return nil
}
