package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()

	newToken, freed := r.Add("plan-1", 3045, "SBIN-EQ", 1)
	assert.True(t, newToken)
	assert.Empty(t, freed)

	// Second plan on the same instrument does not need a new subscription.
	newToken, freed = r.Add("plan-2", 3045, "SBIN-EQ", 1)
	assert.False(t, newToken)
	assert.Empty(t, freed)

	symbol, ok := r.SymbolFor(1, 3045)
	require.True(t, ok)
	assert.Equal(t, "SBIN-EQ", symbol)
	assert.ElementsMatch(t, []string{"plan-1", "plan-2"}, r.Plans(1, 3045))

	// Removing one plan keeps the instrument live.
	assert.Empty(t, r.Remove("plan-1"))
	assert.Equal(t, 1, r.Size())

	// Removing the last plan frees the instrument.
	freed = r.Remove("plan-2")
	require.Len(t, freed, 1)
	assert.Equal(t, 3045, freed[0].Token)
	assert.Equal(t, byte(1), freed[0].Exchange)
	assert.Equal(t, "SBIN-EQ", freed[0].Symbol)
	assert.Zero(t, r.Size())

	_, ok = r.SymbolFor(1, 3045)
	assert.False(t, ok)
}

func TestRegistryAddIsIdempotent(t *testing.T) {
	r := NewRegistry()

	newToken, _ := r.Add("plan-1", 3045, "SBIN-EQ", 1)
	assert.True(t, newToken)
	newToken, freed := r.Add("plan-1", 3045, "SBIN-EQ", 1)
	assert.False(t, newToken)
	assert.Empty(t, freed)
	assert.Equal(t, 1, r.Size())
}

func TestRegistryRebindFreesOldInstrument(t *testing.T) {
	r := NewRegistry()

	r.Add("plan-1", 3045, "SBIN-EQ", 1)
	newToken, freed := r.Add("plan-1", 2885, "RELIANCE-EQ", 1)
	assert.True(t, newToken)
	require.Len(t, freed, 1)
	assert.Equal(t, 3045, freed[0].Token)

	assert.ElementsMatch(t, []string{"plan-1"}, r.Plans(1, 2885))
	assert.Empty(t, r.Plans(1, 3045))
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	r.Add("p1", 3045, "SBIN-EQ", 1)
	r.Add("p2", 2885, "RELIANCE-EQ", 1)
	r.Add("p3", 55555, "NIFTY25SEPFUT", 2)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.ElementsMatch(t, []int{3045, 2885}, snap[1])
	assert.ElementsMatch(t, []int{55555}, snap[2])
}

func TestRegistryRemoveUnknownPlan(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.Remove("missing"))
}
