// Package balancer distributes a node's total memory budget evenly
// across every shard's evicter, and accepts "something worth flushing
// happened" activity pings, on each of which it rebalances at once, on
// the caller's goroutine.
package balancer

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "balancer")

// EvicterHandle is the subset of an eviction.Evicter the balancer needs:
// push a new limit down, and read back how much memory it is currently
// holding. A local interface avoids an import cycle with package
// eviction; *eviction.Evicter satisfies it without any changes there.
type EvicterHandle interface {
	UpdateLimit(newLimit int64, readAheadOK bool)
	InMemorySize() int64
}

// Balancer is the contract a page cache's shards depend on at
// construction and during steady-state operation.
type Balancer interface {
	// BaseMemPerStore is the initial per-evicter memory limit handed out
	// before the first rebalance has run.
	BaseMemPerStore() int64
	// ReadAheadOkAtStart reports whether newly constructed evicters may
	// keep read-ahead pages rather than destroying them immediately.
	ReadAheadOkAtStart() bool
	// AddEvicter registers e for future rebalances and immediately hands
	// it a starting limit.
	AddEvicter(e EvicterHandle)
	// RemoveEvicter unregisters e, e.g. on shard shutdown.
	RemoveEvicter(e EvicterHandle)
	// ActivityFlagFor returns shardID's own flag, which its evicter flips
	// false after calling WakeUpActivityHappened once, so it isn't
	// re-triggered on every subsequent load until the balancer clears it
	// again. Each shard gets a distinct flag, mirroring one per OS thread
	// in a thread-per-core design.
	ActivityFlagFor(shardID int) *atomic.Bool
	// WakeUpActivityHappened asks the balancer to rebalance promptly
	// instead of waiting for its next periodic tick.
	WakeUpActivityHappened()
}

// SimpleBalancer splits totalMemory evenly across every currently
// registered evicter, recomputing on membership change and on explicit
// activity wake-ups.
type SimpleBalancer struct {
	totalMemory        int64
	readAheadOkAtStart bool

	mu       sync.Mutex
	evicters map[EvicterHandle]struct{}
	activity map[int]*atomic.Bool

	wake chan struct{}
}

// NewSimpleBalancer constructs a balancer that will divide totalMemory
// evenly across however many evicters end up registered.
func NewSimpleBalancer(totalMemory int64, readAheadOkAtStart bool) *SimpleBalancer {
	return &SimpleBalancer{
		totalMemory:        totalMemory,
		readAheadOkAtStart: readAheadOkAtStart,
		evicters:           make(map[EvicterHandle]struct{}),
		activity:           make(map[int]*atomic.Bool),
		wake:               make(chan struct{}, 1),
	}
}

func (b *SimpleBalancer) BaseMemPerStore() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perEvicterLimitLocked()
}

func (b *SimpleBalancer) ReadAheadOkAtStart() bool { return b.readAheadOkAtStart }

func (b *SimpleBalancer) AddEvicter(e EvicterHandle) {
	b.mu.Lock()
	b.evicters[e] = struct{}{}
	limit := b.perEvicterLimitLocked()
	b.mu.Unlock()
	e.UpdateLimit(limit, b.readAheadOkAtStart)
	b.rebalanceLocked()
}

func (b *SimpleBalancer) RemoveEvicter(e EvicterHandle) {
	b.mu.Lock()
	delete(b.evicters, e)
	b.mu.Unlock()
	b.rebalanceLocked()
}

func (b *SimpleBalancer) ActivityFlagFor(shardID int) *atomic.Bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	flag, ok := b.activity[shardID]
	if !ok {
		flag = &atomic.Bool{}
		flag.Store(true)
		b.activity[shardID] = flag
	}
	return flag
}

func (b *SimpleBalancer) WakeUpActivityHappened() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
	b.rebalanceLocked()
}

func (b *SimpleBalancer) perEvicterLimitLocked() int64 {
	n := int64(len(b.evicters))
	if n == 0 {
		return b.totalMemory
	}
	return b.totalMemory / n
}

// rebalanceLocked pushes the current even split down to every registered
// evicter. Called with b.mu unlocked; it takes the lock itself.
func (b *SimpleBalancer) rebalanceLocked() {
	b.mu.Lock()
	limit := b.perEvicterLimitLocked()
	evicters := make([]EvicterHandle, 0, len(b.evicters))
	for e := range b.evicters {
		evicters = append(evicters, e)
	}
	b.mu.Unlock()

	for _, e := range evicters {
		e.UpdateLimit(limit, b.readAheadOkAtStart)
	}
	log.WithField("per_evicter_limit", limit).WithField("evicters", len(evicters)).Debug("rebalanced")
}
