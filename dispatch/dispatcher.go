// Package dispatch fans decoded ticks out to the snapshot store, the
// pub/sub channels and the order-plan evaluator. Work is sharded across a
// small worker pool by instrument token so ticks for one instrument are
// always handled in arrival order.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantbyte/smartfeed"
	"github.com/quantbyte/smartfeed/metrics"
	"github.com/quantbyte/smartfeed/smartstream"
	"github.com/quantbyte/smartfeed/store"
)

const (
	numWorkers = 4
	queueDepth = 1024
)

// Bindings resolves instruments to symbols and attached plans. The feed
// registry satisfies this.
type Bindings interface {
	SymbolFor(exchange byte, token int) (string, bool)
	Plans(exchange byte, token int) []string
}

// PlanEvaluator consumes traded prices for a plan.
type PlanEvaluator interface {
	OnPrice(ctx context.Context, planID string, price float64, at time.Time) error
}

// PriceSnapshot is the JSON record written to latest-price keys and
// published on price update channels. LTP ticks fill the header fields
// only; snap-quote ticks carry the OHLC, totals and depth as well.
type PriceSnapshot struct {
	Symbol       string    `json:"symbol"`
	Token        int       `json:"token"`
	Exchange     string    `json:"exchange"`
	LastPrice    float64   `json:"lastPrice"`
	Sequence     uint64    `json:"sequence"`
	ExchangeTime time.Time `json:"exchangeTime"`
	ReceivedAt   time.Time `json:"receivedAt"`

	LastQty      uint64                   `json:"lastQty,omitempty"`
	AvgPrice     float64                  `json:"avgPrice,omitempty"`
	Volume       uint64                   `json:"volume,omitempty"`
	TotalBuyQty  float64                  `json:"totalBuyQty,omitempty"`
	TotalSellQty float64                  `json:"totalSellQty,omitempty"`
	Open         float64                  `json:"open,omitempty"`
	High         float64                  `json:"high,omitempty"`
	Low          float64                  `json:"low,omitempty"`
	Close        float64                  `json:"close,omitempty"`
	Buy          []smartstream.DepthLevel `json:"buy,omitempty"`
	Sell         []smartstream.DepthLevel `json:"sell,omitempty"`
}

// DepthSnapshot is the JSON record written to marketdepth keys and
// published on depth update channels.
type DepthSnapshot struct {
	Symbol        string                   `json:"symbol"`
	Token         int                      `json:"token"`
	Exchange      string                   `json:"exchange"`
	LastPrice     float64                  `json:"lastPrice"`
	Volume        uint64                   `json:"volume"`
	OpenInterest  uint64                   `json:"openInterest"`
	OIChangePct   float64                  `json:"oiChangePct"`
	Buy           []smartstream.DepthLevel `json:"buy"`
	Sell          []smartstream.DepthLevel `json:"sell"`
	UpperCircuit  float64                  `json:"upperCircuit"`
	LowerCircuit  float64                  `json:"lowerCircuit"`
	High52W       float64                  `json:"high52w"`
	Low52W        float64                  `json:"low52w"`
	ExchangeTime  time.Time                `json:"exchangeTime"`
	LastTradeTime time.Time                `json:"lastTradeTime"`
	ReceivedAt    time.Time                `json:"receivedAt"`
}

type task struct {
	token int
	run   func(ctx context.Context)
}

// Dispatcher routes decoded ticks to their consumers.
type Dispatcher struct {
	bindings Bindings
	snaps    store.SnapshotStore
	pub      store.Publisher
	eval     PlanEvaluator
	log      zerolog.Logger

	// OnPlanGone is invoked when the evaluator reports a plan that no
	// longer exists, so the caller can drop its subscription.
	OnPlanGone func(planID string)

	queues []chan task
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a dispatcher. Start must be called before dispatching.
func New(bindings Bindings, snaps store.SnapshotStore, pub store.Publisher, eval PlanEvaluator, log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		bindings: bindings,
		snaps:    snaps,
		pub:      pub,
		eval:     eval,
		log:      log.With().Str("component", "dispatch").Logger(),
		queues:   make([]chan task, numWorkers),
	}
	for i := range d.queues {
		d.queues[i] = make(chan task, queueDepth)
	}
	return d
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := range d.queues {
		d.wg.Add(1)
		go d.worker(ctx, d.queues[i])
	}
}

// Stop drains nothing; queued work is abandoned and workers exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, queue <-chan task) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-queue:
			t.run(ctx)
		}
	}
}

// enqueue shards by token and drops the oldest queued task on overflow,
// keeping the feed current at the cost of history. The evicted task is
// the oldest in the shard, which can belong to a sibling token sharing
// the worker.
func (d *Dispatcher) enqueue(conn string, t task) {
	queue := d.queues[t.token%numWorkers]
	for {
		select {
		case queue <- t:
			return
		default:
		}
		select {
		case <-queue:
			metrics.TicksDropped.WithLabelValues(conn).Inc()
		default:
		}
	}
}

// DispatchLTP handles a mode-1 tick: snapshot write, price publish and
// plan evaluation.
func (d *Dispatcher) DispatchLTP(conn string, tick *smartstream.LTPTick) {
	now := time.Now()
	d.enqueue(conn, task{token: tick.Token, run: func(ctx context.Context) {
		timer := time.Now()
		d.handleLTP(ctx, tick, now)
		metrics.HandleDuration.WithLabelValues("ltp").Observe(time.Since(timer).Seconds())
	}})
}

// DispatchSnapQuote handles a mode-3 tick: enriched price snapshot,
// depth snapshot, both publishes and plan evaluation.
func (d *Dispatcher) DispatchSnapQuote(conn string, tick *smartstream.SnapQuoteTick) {
	now := time.Now()
	d.enqueue(conn, task{token: tick.Token, run: func(ctx context.Context) {
		timer := time.Now()
		d.handleSnapQuote(ctx, tick, now)
		metrics.HandleDuration.WithLabelValues("snap_quote").Observe(time.Since(timer).Seconds())
	}})
}

func (d *Dispatcher) handleLTP(ctx context.Context, tick *smartstream.LTPTick, received time.Time) {
	symbol, ok := d.bindings.SymbolFor(tick.Exchange, tick.Token)
	if !ok {
		// Tick raced an unsubscribe.
		return
	}

	snap := PriceSnapshot{
		Symbol:       symbol,
		Token:        tick.Token,
		Exchange:     smartstream.ExchangeName(tick.Exchange),
		LastPrice:    tick.LastPrice,
		Sequence:     tick.Sequence,
		ExchangeTime: tick.ExchangeTime,
		ReceivedAt:   received,
	}
	d.publishPrice(ctx, symbol, snap)
	d.evaluate(ctx, tick.Exchange, tick.Token, tick.LastPrice, received)
}

// publishPrice writes the latest-price key and publishes the price
// update. Failures are logged; the other step still runs.
func (d *Dispatcher) publishPrice(ctx context.Context, symbol string, snap PriceSnapshot) {
	if err := d.snaps.SetJSON(ctx, store.KeyLatestPrice+symbol, snap); err != nil {
		metrics.PublishErrors.WithLabelValues("price_snapshot").Inc()
		d.log.Error().Err(err).Str("symbol", symbol).Msg("write price snapshot")
	}
	d.publish(ctx, store.ChanPriceUpdate+symbol, snap, "price_update")
}

// evaluate feeds the traded price to every plan bound to the token.
func (d *Dispatcher) evaluate(ctx context.Context, exchange byte, token int, price float64, at time.Time) {
	for _, planID := range d.bindings.Plans(exchange, token) {
		err := d.eval.OnPrice(ctx, planID, price, at)
		if errors.Is(err, smartfeed.ErrPlanNotFound) {
			d.log.Warn().Str("plan", planID).Msg("plan vanished, dropping binding")
			if d.OnPlanGone != nil {
				d.OnPlanGone(planID)
			}
			continue
		}
		if err != nil {
			d.log.Error().Err(err).Str("plan", planID).Msg("evaluate plan")
		}
	}
}

func (d *Dispatcher) handleSnapQuote(ctx context.Context, tick *smartstream.SnapQuoteTick, received time.Time) {
	symbol, ok := d.bindings.SymbolFor(tick.Exchange, tick.Token)
	if !ok {
		return
	}

	price := PriceSnapshot{
		Symbol:       symbol,
		Token:        tick.Token,
		Exchange:     smartstream.ExchangeName(tick.Exchange),
		LastPrice:    tick.LastPrice,
		Sequence:     tick.Sequence,
		ExchangeTime: tick.ExchangeTime,
		ReceivedAt:   received,
		LastQty:      tick.LastQty,
		AvgPrice:     tick.AvgPrice,
		Volume:       tick.Volume,
		TotalBuyQty:  tick.TotalBuyQty,
		TotalSellQty: tick.TotalSellQty,
		Open:         tick.Open,
		High:         tick.High,
		Low:          tick.Low,
		Close:        tick.Close,
		Buy:          tick.Buy,
		Sell:         tick.Sell,
	}
	d.publishPrice(ctx, symbol, price)

	snap := DepthSnapshot{
		Symbol:        symbol,
		Token:         tick.Token,
		Exchange:      smartstream.ExchangeName(tick.Exchange),
		LastPrice:     tick.LastPrice,
		Volume:        tick.Volume,
		OpenInterest:  tick.OpenInterest,
		OIChangePct:   tick.OIChangePct,
		Buy:           tick.Buy,
		Sell:          tick.Sell,
		UpperCircuit:  tick.UpperCircuit,
		LowerCircuit:  tick.LowerCircuit,
		High52W:       tick.High52W,
		Low52W:        tick.Low52W,
		ExchangeTime:  tick.ExchangeTime,
		LastTradeTime: tick.LastTradeTime,
		ReceivedAt:    received,
	}
	if err := d.snaps.SetJSON(ctx, store.KeyMarketDepth+symbol, snap); err != nil {
		metrics.PublishErrors.WithLabelValues("depth_snapshot").Inc()
		d.log.Error().Err(err).Str("symbol", symbol).Msg("write depth snapshot")
	}
	d.publish(ctx, store.ChanDepthUpdate+symbol, snap, "depth_update")

	d.evaluate(ctx, tick.Exchange, tick.Token, tick.LastPrice, received)
}

func (d *Dispatcher) publish(ctx context.Context, channel string, v any, kind string) {
	payload, err := json.Marshal(v)
	if err != nil {
		d.log.Error().Err(err).Str("channel", channel).Msg("marshal update")
		return
	}
	if err := d.pub.Publish(ctx, channel, payload); err != nil {
		metrics.PublishErrors.WithLabelValues(kind).Inc()
		d.log.Error().Err(err).Str("channel", channel).Msg("publish update")
	}
}
