package throttler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrottler_AcqBlocksWhenBudgetExhausted(t *testing.T) {
	th := New(2*100, 100) // capacity 2

	a := th.NewAcq()
	a.UpdateDirtyPageCount(2)

	b := th.NewAcq()
	done := make(chan struct{})
	go func() {
		b.UpdateDirtyPageCount(1)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second acquisition should have blocked while budget is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	a.MarkDirtyPagesWritten()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second acquisition never unblocked after first released")
	}
}

func TestThrottler_UpdateDirtyPageCountReleasesOnDecrease(t *testing.T) {
	th := New(3*100, 100)
	a := th.NewAcq()
	a.UpdateDirtyPageCount(3)
	a.UpdateDirtyPageCount(1)

	b := th.NewAcq()
	done := make(chan struct{})
	go func() {
		b.UpdateDirtyPageCount(2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected room for 2 more units after releasing 2")
	}
}

func TestThrottler_MarkDirtyPagesWrittenIsIdempotent(t *testing.T) {
	th := New(1*100, 100)
	a := th.NewAcq()
	a.UpdateDirtyPageCount(1)
	a.MarkDirtyPagesWritten()
	require.NotPanics(t, a.MarkDirtyPagesWritten)
}

func TestThrottler_InformMemoryLimitChangeResizesCapacity(t *testing.T) {
	th := New(1*100, 100)
	th.InformMemoryLimitChange(5*100, 100)

	a := th.NewAcq()
	a.UpdateDirtyPageCount(5)
	a.MarkDirtyPagesWritten()
}
