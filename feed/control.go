package feed

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/quantbyte/smartfeed"
	"github.com/quantbyte/smartfeed/store"
)

// ControlPlane listens for plan lifecycle events and keeps the manager's
// subscriptions in step with them.
type ControlPlane struct {
	events  store.PlanEvents
	manager *Manager
	log     zerolog.Logger
}

// NewControlPlane wires plan events to a manager.
func NewControlPlane(events store.PlanEvents, manager *Manager, log zerolog.Logger) *ControlPlane {
	return &ControlPlane{
		events:  events,
		manager: manager,
		log:     log.With().Str("component", "control").Logger(),
	}
}

// Run consumes plan events until ctx is cancelled. A created event for an
// id with no stored record is logged and skipped; the trading side may
// have already deleted it.
func (c *ControlPlane) Run(ctx context.Context) error {
	created, deleted, err := c.events.SubscribePlanEvents(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case id, ok := <-created:
			if !ok {
				return nil
			}
			if err := c.manager.AddPlanID(ctx, id); err != nil {
				if errors.Is(err, smartfeed.ErrPlanNotFound) {
					c.log.Warn().Str("plan", id).Msg("created event for missing plan")
					continue
				}
				c.log.Error().Err(err).Str("plan", id).Msg("attach plan")
				continue
			}
			c.log.Info().Str("plan", id).Msg("plan attached")

		case id, ok := <-deleted:
			if !ok {
				return nil
			}
			c.manager.RemovePlan(id)
			c.log.Info().Str("plan", id).Msg("plan detached")
		}
	}
}
