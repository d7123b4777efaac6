// Package store provides the persistence and fan-out surface of the feed
// engine: market-data snapshots, pub/sub publishes and order-plan records,
// backed by redis.
package store

import "context"

// Key and channel layout
const (
	KeyLatestPrice    = "latest-price:"       // + symbol, JSON price snapshot
	KeyMarketDepth    = "marketdepth:"        // + symbol, JSON depth snapshot
	KeyPlan           = "orderplan:"          // + id, JSON plan record
	KeyPlanIndex      = "orderplan:ids"       // set of known plan ids
	ChanPriceUpdate   = "price:update:"       // + symbol
	ChanDepthUpdate   = "marketdepth:update:" // + symbol
	ChanPlanCreated   = "orderplan:new"       // payload is the plan id
	ChanPlanDeleted   = "orderplan:delete"    // payload is the plan id
)

// SnapshotStore persists the latest decoded market state per symbol.
type SnapshotStore interface {
	SetJSON(ctx context.Context, key string, value any) error
}

// Publisher fans payloads out on a pub/sub channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// PlanEvents delivers order-plan lifecycle notifications. Both channels
// carry plan ids and close when the subscription ends.
type PlanEvents interface {
	SubscribePlanEvents(ctx context.Context) (created, deleted <-chan string, err error)
}
