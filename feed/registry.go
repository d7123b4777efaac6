// Package feed wires the upstream connections to the subscription
// registry and the tick dispatcher, and exposes the control surface for
// attaching and detaching order plans.
package feed

import "sync"

// Binding records where a plan is attached.
type Binding struct {
	PlanID   string
	Token    int
	Symbol   string
	Exchange byte
}

type instrumentKey struct {
	exchange byte
	token    int
}

type instrument struct {
	symbol string
	plans  map[string]struct{}
}

// Registry is the in-memory subscription table: which instruments are
// live and which plans hang off each one. A plan is bound to at most one
// instrument. Mutations report what changed as values; the caller decides
// which wire frames to send, outside the lock.
type Registry struct {
	mu          sync.RWMutex
	instruments map[instrumentKey]*instrument
	plans       map[string]instrumentKey
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		instruments: make(map[instrumentKey]*instrument),
		plans:       make(map[string]instrumentKey),
	}
}

// Add binds a plan to an instrument. newToken reports whether the
// instrument was not previously subscribed; freed lists instruments left
// without plans by rebinding, which the caller should unsubscribe.
func (r *Registry) Add(planID string, token int, symbol string, exchange byte) (newToken bool, freed []Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := instrumentKey{exchange: exchange, token: token}

	if prev, ok := r.plans[planID]; ok {
		if prev == key {
			return false, nil
		}
		freed = r.detachLocked(planID, prev)
	}

	inst, ok := r.instruments[key]
	if !ok {
		inst = &instrument{symbol: symbol, plans: make(map[string]struct{})}
		r.instruments[key] = inst
		newToken = true
	}
	inst.symbol = symbol
	inst.plans[planID] = struct{}{}
	r.plans[planID] = key
	return newToken, freed
}

// Remove detaches a plan and returns the instrument binding it freed, if
// the plan was the last one attached.
func (r *Registry) Remove(planID string) []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.plans[planID]
	if !ok {
		return nil
	}
	return r.detachLocked(planID, key)
}

// detachLocked removes planID from the instrument at key. Caller holds
// the write lock.
func (r *Registry) detachLocked(planID string, key instrumentKey) []Binding {
	delete(r.plans, planID)
	inst, ok := r.instruments[key]
	if !ok {
		return nil
	}
	delete(inst.plans, planID)
	if len(inst.plans) > 0 {
		return nil
	}
	delete(r.instruments, key)
	return []Binding{{
		PlanID:   planID,
		Token:    key.token,
		Symbol:   inst.symbol,
		Exchange: key.exchange,
	}}
}

// Snapshot returns every subscribed token grouped by exchange code.
func (r *Registry) Snapshot() map[byte][]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	groups := make(map[byte][]int)
	for key := range r.instruments {
		groups[key.exchange] = append(groups[key.exchange], key.token)
	}
	return groups
}

// SymbolFor resolves an instrument to its trading symbol.
func (r *Registry) SymbolFor(exchange byte, token int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instruments[instrumentKey{exchange: exchange, token: token}]
	if !ok {
		return "", false
	}
	return inst.symbol, true
}

// Plans returns the ids of every plan attached to an instrument.
func (r *Registry) Plans(exchange byte, token int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instruments[instrumentKey{exchange: exchange, token: token}]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(inst.plans))
	for id := range inst.plans {
		ids = append(ids, id)
	}
	return ids
}

// Size returns the number of subscribed instruments.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}
