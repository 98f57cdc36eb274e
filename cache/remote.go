package cache

import (
	"context"

	"github.com/rdmacache/bcache/blockid"
)

// RemoteLookup is the subset of the metadata/RDMA tier the page cache
// needs for its tiered lookup: find which peer (if any) claims to hold
// blockID, and fetch its bytes over RDMA. Package metadata implements
// this; package cache only depends on the interface, avoiding an import
// cycle.
type RemoteLookup interface {
	// Locate scans known peers' metadata rings for blockID, returning
	// the owning peer's identifier and offset, or ok=false if no peer
	// claims it.
	Locate(blockID blockid.ID) (peer string, offset int64, ok bool)
	// Read issues a one-sided RDMA read of exactly n bytes from
	// (peer, offset) into a freshly allocated buffer.
	Read(ctx context.Context, peer string, offset int64, n int) ([]byte, error)
}

// AdmissionModel decides whether an RDMA-sourced block should be
// admitted as a current-page in the shard's primary map, where its page
// sits in the rdma eviction bag. There is no separate RDMA current-page
// map; a block that is not admitted is served once and not kept.
type AdmissionModel interface {
	// ShouldAdmit reports whether blockID is on the current admit list.
	ShouldAdmit(blockID blockid.ID) bool
	// RecordAccess bumps blockID's frequency counter for the next CDF
	// recompute window.
	RecordAccess(blockID blockid.ID)
}

// noopAdmission never admits anything; used when RDMA is disabled.
type noopAdmission struct{}

func (noopAdmission) ShouldAdmit(blockid.ID) bool  { return false }
func (noopAdmission) RecordAccess(blockid.ID)      {}
