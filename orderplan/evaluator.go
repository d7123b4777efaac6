package orderplan

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantbyte/smartfeed/metrics"
)

// Publisher fans plan updates out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Evaluator applies the price-trigger rules to plans as ticks arrive.
type Evaluator struct {
	store Store
	pub   Publisher
	log   zerolog.Logger
}

// NewEvaluator creates an evaluator. pub may be nil when no fan-out of
// plan updates is wanted.
func NewEvaluator(store Store, pub Publisher, log zerolog.Logger) *Evaluator {
	return &Evaluator{store: store, pub: pub, log: log.With().Str("component", "evaluator").Logger()}
}

// OnPrice records a traded price against a plan and advances its status
// when a trigger fires. The current price and timestamp are persisted on
// every call; terminal plans keep their status untouched.
func (e *Evaluator) OnPrice(ctx context.Context, planID string, price float64, at time.Time) error {
	plan, err := e.store.Get(ctx, planID)
	if err != nil {
		return err
	}

	plan.CurrentPrice = price
	plan.LastUpdated = at

	prev := plan.Status
	if !plan.Terminal() {
		plan.Status = nextStatus(plan, price)
	}

	if err := e.store.Update(ctx, plan); err != nil {
		return fmt.Errorf("update plan %s: %w", plan.ID, err)
	}

	if plan.Status != prev {
		metrics.PlanTransitions.WithLabelValues(plan.Status).Inc()
		e.log.Info().
			Str("plan", plan.ID).
			Str("symbol", plan.Symbol).
			Str("side", plan.Side).
			Float64("price", price).
			Str("from", prev).
			Str("to", plan.Status).
			Msg("plan trigger fired")
		e.publishUpdate(ctx, plan)
	}
	return nil
}

// nextStatus applies the trigger rules for one observed price. A BUY plan
// enters when the price falls to the entry level and exits when it rises
// to the exit level; SELL mirrors both comparisons.
func nextStatus(plan *Plan, price float64) string {
	status := plan.Status

	switch plan.Side {
	case SideBuy:
		if status == StatusCreated && price <= plan.EntryPrice {
			status = StatusEntryTriggered
		}
		if (status == StatusCreated || status == StatusEntryTriggered) && price >= plan.ExitPrice {
			status = StatusExitTriggered
		}
	case SideSell:
		if status == StatusCreated && price >= plan.EntryPrice {
			status = StatusEntryTriggered
		}
		if (status == StatusCreated || status == StatusEntryTriggered) && price <= plan.ExitPrice {
			status = StatusExitTriggered
		}
	}
	return status
}

func (e *Evaluator) publishUpdate(ctx context.Context, plan *Plan) {
	if e.pub == nil {
		return
	}
	payload, err := json.Marshal(plan)
	if err != nil {
		e.log.Error().Err(err).Str("plan", plan.ID).Msg("marshal plan update")
		return
	}
	if err := e.pub.Publish(ctx, "orderplan:update:"+plan.ID, payload); err != nil {
		metrics.PublishErrors.WithLabelValues("plan_update").Inc()
		e.log.Error().Err(err).Str("plan", plan.ID).Msg("publish plan update")
	}
}
