package cache

import (
	"github.com/rdmacache/bcache/balancer"
	"github.com/rdmacache/bcache/blockid"
	"github.com/rdmacache/bcache/throttler"
)

// Options configures a PageCache: its external tuning knobs plus the
// reserved block-id range carried through from the evicter's periodic
// out-of-range sweep.
type Options struct {
	// BlockSize is the fixed block size for this cache instance.
	BlockSize int

	// Shards is the number of cooperative shards; 0 picks a default
	// based on GOMAXPROCS (see util.ReasonableShardCount).
	Shards int

	// MemoryLimit is the total memory budget in bytes, split evenly
	// across shards (the balancer may update it later via
	// UpdateMemoryLimit).
	MemoryLimit int64

	// ReservedBlockIDs is the inclusive upper bound of block ids the
	// periodic out-of-range sweep never touches.
	ReservedBlockIDs blockid.ID

	// Remote, when non-nil, enables the RDMA tier of the tiered lookup.
	Remote RemoteLookup

	// Admission decides whether an RDMA-sourced block is kept as a
	// current-page in the shard's primary map (in the rdma eviction bag);
	// there is no separate RDMA current-page map. Defaults to a no-op
	// that never admits when nil.
	Admission AdmissionModel

	// IsInternalNode classifies a loaded page's buffer as holding an
	// internal B-tree node, for both RDMA admission and the out-of-range
	// sweep's exemption.
	IsInternalNode func(buf []byte) bool

	Metrics Metrics

	// Balancer distributes MemoryLimit across shards and receives their
	// activity pings. Defaults to a balancer.SimpleBalancer splitting
	// MemoryLimit evenly when nil.
	Balancer balancer.Balancer

	// Throttler, when non-nil, bounds outstanding dirty pages per txn;
	// PageCache.Begin mints a fresh acquisition from it for every new
	// txn. Nil disables throttling (RecordDirty's Txn.Throttler stays
	// nil, so UpdateDirtyPageCount is never called).
	Throttler *throttler.Throttler
}
