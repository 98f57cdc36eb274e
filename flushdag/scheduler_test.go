package flushdag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaximalFlushableSet_LinearChain(t *testing.T) {
	t1 := NewTxn()
	t2 := NewTxn()
	t2.AddPreceder(t1)

	t1.AnnounceWaitingForFlush()
	t2.AnnounceWaitingForFlush()

	set := MaximalFlushableSet(t1)
	require.Len(t, set, 2)
}

func TestMaximalFlushableSet_UnannouncedPrecederPoisons(t *testing.T) {
	blocker := NewTxn() // never announces waiting-for-flush
	t1 := NewTxn()
	t1.AddPreceder(blocker)
	t1.AnnounceWaitingForFlush()

	set := MaximalFlushableSet(t1)
	require.Empty(t, set, "a txn with an un-announced preceder must not be green")
}

func TestMaximalFlushableSet_AlreadyFlushedPrecederIsAbsent(t *testing.T) {
	spawned := NewTxn()
	spawned.AnnounceWaitingForFlush()
	spawned.setState(FlushSpawned)

	t1 := NewTxn()
	t1.AddPreceder(spawned)
	t1.AnnounceWaitingForFlush()

	set := MaximalFlushableSet(t1)
	require.Len(t, set, 1)
	require.Equal(t, t1, set[0])
}

func TestMaximalFlushableSet_SubseqerWithUnannouncedPrecederIsExcluded(t *testing.T) {
	base := NewTxn()
	green := NewTxn()
	green.AddPreceder(base)
	poisoner := NewTxn() // will never announce; poisons green's other preceder path

	base.AnnounceWaitingForFlush()
	green.AnnounceWaitingForFlush()

	// First pass without poisoner would make green flushable; now attach
	// poisoner as an additional preceder before running the walk once.
	green.AddPreceder(poisoner)

	set := MaximalFlushableSet(base)
	ids := map[uint64]bool{}
	for _, tx := range set {
		ids[tx.ID] = true
	}
	require.True(t, ids[base.ID])
	require.False(t, ids[green.ID], "green must be poisoned by its un-announced preceder")
}

func TestCompactChanges_KeepsHighestVersion(t *testing.T) {
	t1 := NewTxn()
	t2 := NewTxn()
	t1.RecordDirty(&ChangeRecord{BlockID: 100, Version: 5, Dirty: true, Buffer: []byte("old")})
	t2.RecordDirty(&ChangeRecord{BlockID: 100, Version: 7, Dirty: true, Buffer: []byte("new")})

	merged := CompactChanges([]*Txn{t1, t2})
	require.Len(t, merged, 1)
	require.Equal(t, uint64(7), merged[100].Version)
	require.Equal(t, []byte("new"), merged[100].Buffer)
}
