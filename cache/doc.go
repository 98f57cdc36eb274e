// Package cache implements the distributed page cache: it maps block
// identifiers to in-memory page objects, coordinates concurrent
// readers/writers per block via block-version ordering, and serves
// reads from three tiers (local cache → RDMA peers → disk).
//
// Design
//
//   - Concurrency: the cache is split into cooperative shards, each
//     single-threaded (a goroutine draining a command channel) rather
//     than lock-protected, so no code path ever takes a mutex inside a
//     shard. Cross-shard calls (serializer I/O, RDMA reads, balancer
//     notifications) migrate onto the owning shard's goroutine via
//     shard.do and back.
//
//   - Wait protocol: each current-page owns an intrusive wait queue of
//     Acquirers. The pulse protocol grants read/write readiness signals
//     in arrival order, independent of whether the page's bytes are
//     loaded yet (a separate load-completion signal gates that).
//
//   - Eviction: every shard owns a package eviction.Evicter over its
//     own five bags; ConsiderEvictingCurrentPage and
//     EraseWritePageForBlockID let the evicter reach back into the
//     shard without an import cycle.
//
//   - Flush DAG: write-acquiring a page links the prior last-writer txn
//     as this txn's preceder (package flushdag); Release attaches
//     dirtied/touched records to the owning txn.
//
// Basic usage
//
//	pc := cache.New(ser, cache.Options{BlockSize: 4096, MemoryLimit: 64 << 20})
//	defer pc.Close()
//
//	conn := flushdag.NewConnection()
//	txn := conn.Begin()
//	a, _ := pc.Acquire(ctx, txn, blockID, cache.Read, false)
//	if err := a.Ready(ctx); err != nil { ... }
//	data := a.Buffer()
//	pc.Release(a)
package cache
