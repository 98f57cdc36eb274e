package metadata

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rdmacache/bcache/blockid"
)

// DefaultRDMALatencyNanos is the fallback one-sided-read latency used
// when no measured average is available yet.
const DefaultRDMALatencyNanos = 10000

// recomputeInterval governs how often the admission model re-derives its
// admit set and clears its frequency counters for the next window.
const recomputeInterval = 10 * time.Second

type freqEntry struct {
	freq    uint64
	blockID blockid.ID
}

// cdf is one window's sorted, bucketed frequency distribution: entries
// sorted descending by access frequency (ties broken by descending
// block_id, and each cumulative-frequency percentile bucket ordered by
// descending block_id), plus a
// running prefix sum used to estimate the access count landing in any
// contiguous range of the sorted order.
type cdf struct {
	entries   []freqEntry
	prefixSum []uint64
}

// buildCDF sorts observed access frequencies, filling in zero-frequency
// gaps for every block_id from 1 up to the highest one observed so the
// distribution reflects the whole addressable range, not just the
// blocks that happened to be touched this window.
func buildCDF(freq map[blockid.ID]uint64) *cdf {
	if len(freq) == 0 {
		return &cdf{}
	}

	var maxID blockid.ID
	for id := range freq {
		if id > maxID {
			maxID = id
		}
	}

	seen := make(map[blockid.ID]bool, len(freq))
	entries := make([]freqEntry, 0, maxID+1)
	for id, f := range freq {
		entries = append(entries, freqEntry{freq: f, blockID: id})
		seen[id] = true
	}
	for id := blockid.ID(1); id <= maxID; id++ {
		if !seen[id] {
			entries = append(entries, freqEntry{freq: 0, blockID: id})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].freq != entries[j].freq {
			return entries[i].freq > entries[j].freq
		}
		return entries[i].blockID > entries[j].blockID
	})

	var totalFreq uint64
	for _, e := range entries {
		totalFreq += e.freq
	}

	// Group into cumulative-frequency percentile buckets, preserving the
	// order percentiles are first reached (non-decreasing, since
	// cumulative frequency only grows), then sort each bucket descending
	// by block_id so ties within a percentile are stable and
	// deterministic.
	bucketOf := make(map[uint64][]freqEntry)
	var bucketOrder []uint64
	var cumulative uint64
	for _, e := range entries {
		cumulative += e.freq
		var percentile uint64
		if totalFreq > 0 {
			percentile = cumulative * 100 / totalFreq
		}
		if _, ok := bucketOf[percentile]; !ok {
			bucketOrder = append(bucketOrder, percentile)
		}
		bucketOf[percentile] = append(bucketOf[percentile], e)
	}

	final := make([]freqEntry, 0, len(entries))
	prefixSum := make([]uint64, 0, len(entries))
	var running uint64
	for _, p := range bucketOrder {
		bucket := bucketOf[p]
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].blockID > bucket[j].blockID })
		for _, e := range bucket {
			running += e.freq
			final = append(final, e)
			prefixSum = append(prefixSum, running)
		}
	}

	return &cdf{entries: final, prefixSum: prefixSum}
}

// sumFreqBetween estimates the access count landing between sorted
// positions start and end, clamping both to the last valid index.
func (c *cdf) sumFreqBetween(start, end uint64) uint64 {
	n := uint64(len(c.entries))
	if n == 0 {
		return 0
	}
	if start >= n {
		start = n - 1
	}
	if end >= n {
		end = n - 1
	}
	return c.prefixSum[end] - c.prefixSum[start]
}

// performance scores a (local, remote) split: higher is better, 0 if the
// split has no latency at all (an empty distribution).
func (c *cdf) performance(local, remote, cacheNanos, diskNanos, rdmaNanos uint64) uint64 {
	totalKeys := uint64(len(c.entries))
	if totalKeys == 0 {
		return 0
	}
	localAccesses := c.sumFreqBetween(0, local)
	remoteAccesses := c.sumFreqBetween(local, local+remote)
	diskAccesses := c.sumFreqBetween(local+remote, totalKeys-1)

	totalLatency := localAccesses*cacheNanos + remoteAccesses*rdmaNanos + diskAccesses*diskNanos
	if totalLatency == 0 {
		return 0
	}
	return math.MaxUint64 / totalLatency
}

// bestSplit searches every local/remote split with local in
// [0, cacheSize/3] for the one maximizing performance, returning the
// winning local watermark (the number of blocks worth admitting).
func (c *cdf) bestSplit(cacheSize, cacheNanos, diskNanos, rdmaNanos uint64) uint64 {
	if rdmaNanos == 0 {
		rdmaNanos = DefaultRDMALatencyNanos
	}
	var bestPerformance, bestLocal uint64
	for local := uint64(0); local <= cacheSize/3; local++ {
		remote := cacheSize - 3*local
		perf := c.performance(local, remote, cacheNanos, diskNanos, rdmaNanos)
		if perf > bestPerformance {
			bestPerformance = perf
			bestLocal = local
		}
	}
	return bestLocal
}

// Model is the CDF-based admission model: it tracks per-block access
// frequency, periodically recomputes the local/remote/disk split that
// maximizes expected performance, and publishes the resulting admit set
// for cache.AdmissionModel.ShouldAdmit to consult.
type Model struct {
	cacheSize  uint64
	cacheNanos uint64
	diskNanos  uint64
	rdmaNanos  uint64

	mu   sync.Mutex
	freq map[blockid.ID]uint64

	admitted atomic.Value // map[blockid.ID]struct{}
}

// NewModel constructs an admission model sized for cacheSize admissible
// blocks, scoring splits using the given average per-tier latencies.
func NewModel(cacheSize uint64, cacheNanos, diskNanos, rdmaNanos uint64) *Model {
	m := &Model{
		cacheSize:  cacheSize,
		cacheNanos: cacheNanos,
		diskNanos:  diskNanos,
		rdmaNanos:  rdmaNanos,
		freq:       make(map[blockid.ID]uint64),
	}
	m.admitted.Store(map[blockid.ID]struct{}{})
	return m
}

// RecordAccess implements cache.AdmissionModel.
func (m *Model) RecordAccess(blockID blockid.ID) {
	m.mu.Lock()
	m.freq[blockID]++
	m.mu.Unlock()
}

// ShouldAdmit implements cache.AdmissionModel.
func (m *Model) ShouldAdmit(blockID blockid.ID) bool {
	set := m.admitted.Load().(map[blockid.ID]struct{})
	_, ok := set[blockID]
	return ok
}

// Recompute takes a snapshot of this window's access frequencies, clears
// the counters for the next window, and publishes a fresh admit set.
func (m *Model) Recompute() {
	m.mu.Lock()
	snapshot := m.freq
	m.freq = make(map[blockid.ID]uint64, len(snapshot))
	m.mu.Unlock()

	dist := buildCDF(snapshot)
	localWatermark := dist.bestSplit(m.cacheSize, m.cacheNanos, m.diskNanos, m.rdmaNanos)

	admitted := make(map[blockid.ID]struct{}, localWatermark)
	for i := uint64(0); i < localWatermark && i < uint64(len(dist.entries)); i++ {
		admitted[dist.entries[i].blockID] = struct{}{}
	}
	m.admitted.Store(admitted)
}

// Run recomputes the admit set on a fixed interval until ctx is done.
func (m *Model) Run(ctx context.Context) {
	ticker := time.NewTicker(recomputeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Recompute()
		}
	}
}
