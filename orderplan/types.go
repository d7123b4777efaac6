// Package orderplan holds the order-plan model and the price-trigger
// evaluator that advances plan status as ticks arrive.
package orderplan

import (
	"context"
	"time"
)

// Plan side
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Plan lifecycle statuses. EXECUTED, CANCELLED and FAILED are terminal
// and are only ever written by the trading side, never by the feed.
const (
	StatusCreated        = "CREATED"
	StatusEntryTriggered = "ENTRY_TRIGGERED"
	StatusExitTriggered  = "EXIT_TRIGGERED"
	StatusExecuted       = "EXECUTED"
	StatusCancelled      = "CANCELLED"
	StatusFailed         = "FAILED"
)

// Plan is a price-triggered trading intent bound to one instrument.
type Plan struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Token        int       `json:"token"`
	Exchange     string    `json:"exchange"`
	Side         string    `json:"side"`
	EntryPrice   float64   `json:"entryPrice"`
	ExitPrice    float64   `json:"exitPrice"`
	Status       string    `json:"status"`
	CurrentPrice float64   `json:"currentPrice"`
	LastUpdated  time.Time `json:"lastUpdated"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Terminal reports whether the plan has reached a final status.
func (p *Plan) Terminal() bool {
	switch p.Status {
	case StatusExecuted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Store is the persistence surface the evaluator needs.
type Store interface {
	Get(ctx context.Context, id string) (*Plan, error)
	Update(ctx context.Context, plan *Plan) error
	ListActive(ctx context.Context) ([]*Plan, error)
}
