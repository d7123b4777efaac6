package orderplan

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbyte/smartfeed"
)

type memStore struct {
	mu    sync.Mutex
	plans map[string]*Plan
}

func newMemStore(plans ...*Plan) *memStore {
	s := &memStore{plans: make(map[string]*Plan)}
	for _, p := range plans {
		cp := *p
		s.plans[p.ID] = &cp
	}
	return s
}

func (s *memStore) Get(_ context.Context, id string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, smartfeed.ErrPlanNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) Update(_ context.Context, plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *plan
	s.plans[plan.ID] = &cp
	return nil
}

func (s *memStore) ListActive(context.Context) ([]*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Plan
	for _, p := range s.plans {
		if !p.Terminal() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memPublisher struct {
	mu       sync.Mutex
	channels []string
}

func (p *memPublisher) Publish(_ context.Context, channel string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	return nil
}

func buyPlan(status string) *Plan {
	return &Plan{
		ID:         "plan-1",
		Symbol:     "SBIN-EQ",
		Token:      3045,
		Exchange:   "NSE",
		Side:       SideBuy,
		EntryPrice: 100,
		ExitPrice:  120,
		Status:     status,
		CreatedAt:  time.Now(),
	}
}

func TestBuyEntryTrigger(t *testing.T) {
	store := newMemStore(buyPlan(StatusCreated))
	pub := &memPublisher{}
	eval := NewEvaluator(store, pub, zerolog.Nop())

	at := time.Now()
	require.NoError(t, eval.OnPrice(context.Background(), "plan-1", 99.50, at))

	plan, err := store.Get(context.Background(), "plan-1")
	require.NoError(t, err)
	assert.Equal(t, StatusEntryTriggered, plan.Status)
	assert.Equal(t, 99.50, plan.CurrentPrice)
	assert.Equal(t, at, plan.LastUpdated)
	assert.Equal(t, []string{"orderplan:update:plan-1"}, pub.channels)
}

func TestBuyEntryNotTriggeredAboveEntry(t *testing.T) {
	store := newMemStore(buyPlan(StatusCreated))
	eval := NewEvaluator(store, nil, zerolog.Nop())

	require.NoError(t, eval.OnPrice(context.Background(), "plan-1", 100.05, time.Now()))

	plan, _ := store.Get(context.Background(), "plan-1")
	assert.Equal(t, StatusCreated, plan.Status)
	assert.Equal(t, 100.05, plan.CurrentPrice)
}

func TestBuyExitTrigger(t *testing.T) {
	for _, from := range []string{StatusCreated, StatusEntryTriggered} {
		store := newMemStore(buyPlan(from))
		eval := NewEvaluator(store, nil, zerolog.Nop())

		require.NoError(t, eval.OnPrice(context.Background(), "plan-1", 121, time.Now()))

		plan, _ := store.Get(context.Background(), "plan-1")
		assert.Equal(t, StatusExitTriggered, plan.Status, "from %s", from)
	}
}

func TestSellTriggersMirror(t *testing.T) {
	plan := buyPlan(StatusCreated)
	plan.Side = SideSell
	plan.EntryPrice = 120
	plan.ExitPrice = 100

	store := newMemStore(plan)
	eval := NewEvaluator(store, nil, zerolog.Nop())

	// Entry fires when price rises to the entry level.
	require.NoError(t, eval.OnPrice(context.Background(), "plan-1", 120.5, time.Now()))
	got, _ := store.Get(context.Background(), "plan-1")
	assert.Equal(t, StatusEntryTriggered, got.Status)

	// Exit fires when price falls to the exit level.
	require.NoError(t, eval.OnPrice(context.Background(), "plan-1", 99.9, time.Now()))
	got, _ = store.Get(context.Background(), "plan-1")
	assert.Equal(t, StatusExitTriggered, got.Status)
}

func TestTerminalStatusPreserved(t *testing.T) {
	for _, status := range []string{StatusExecuted, StatusCancelled, StatusFailed} {
		store := newMemStore(buyPlan(status))
		pub := &memPublisher{}
		eval := NewEvaluator(store, pub, zerolog.Nop())

		require.NoError(t, eval.OnPrice(context.Background(), "plan-1", 50, time.Now()))

		plan, _ := store.Get(context.Background(), "plan-1")
		assert.Equal(t, status, plan.Status)
		// Price bookkeeping still happens, but no transition publishes.
		assert.Equal(t, 50.0, plan.CurrentPrice)
		assert.Empty(t, pub.channels)
	}
}

func TestExitTriggeredIsStable(t *testing.T) {
	store := newMemStore(buyPlan(StatusExitTriggered))
	pub := &memPublisher{}
	eval := NewEvaluator(store, pub, zerolog.Nop())

	require.NoError(t, eval.OnPrice(context.Background(), "plan-1", 95, time.Now()))

	plan, _ := store.Get(context.Background(), "plan-1")
	assert.Equal(t, StatusExitTriggered, plan.Status)
	assert.Empty(t, pub.channels)
}

func TestMissingPlanSurfacesNotFound(t *testing.T) {
	store := newMemStore()
	eval := NewEvaluator(store, nil, zerolog.Nop())

	err := eval.OnPrice(context.Background(), "ghost", 100, time.Now())
	assert.ErrorIs(t, err, smartfeed.ErrPlanNotFound)
}
