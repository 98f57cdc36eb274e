package balancer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEvicter struct {
	limit  int64
	memory int64
}

func (f *fakeEvicter) UpdateLimit(newLimit int64, _ bool) { f.limit = newLimit }
func (f *fakeEvicter) InMemorySize() int64                { return f.memory }

func TestSimpleBalancer_SplitsEvenlyAcrossEvicters(t *testing.T) {
	b := NewSimpleBalancer(900, true)
	a, c := &fakeEvicter{}, &fakeEvicter{}

	b.AddEvicter(a)
	require.EqualValues(t, 900, a.limit)

	b.AddEvicter(c)
	require.EqualValues(t, 450, a.limit)
	require.EqualValues(t, 450, c.limit)
}

func TestSimpleBalancer_RebalancesOnRemove(t *testing.T) {
	b := NewSimpleBalancer(900, true)
	a, c := &fakeEvicter{}, &fakeEvicter{}
	b.AddEvicter(a)
	b.AddEvicter(c)

	b.RemoveEvicter(c)
	require.EqualValues(t, 900, a.limit)
}

func TestSimpleBalancer_ActivityFlagsAreDistinctPerShard(t *testing.T) {
	b := NewSimpleBalancer(100, true)
	f0 := b.ActivityFlagFor(0)
	f1 := b.ActivityFlagFor(1)
	require.True(t, f0.Load())
	require.True(t, f1.Load())

	f0.Store(false)
	require.False(t, b.ActivityFlagFor(0).Load())
	require.True(t, b.ActivityFlagFor(1).Load())
}

func TestSimpleBalancer_BaseMemPerStoreBeforeAnyEvicter(t *testing.T) {
	b := NewSimpleBalancer(500, false)
	require.EqualValues(t, 500, b.BaseMemPerStore())
	require.False(t, b.ReadAheadOkAtStart())
}
