// Package blockid defines the block identifier space shared by every
// tier of the cache: the local maps, the RDMA metadata rings, and the
// serializer.
package blockid

// MaxMetadataBlocks bounds the dense per-block arrays (recency, metadata
// ring) a node maintains.
const MaxMetadataBlocks = 100000

// ID is a block identifier. Values >= AuxThreshold designate "aux" blocks
// (allocator/index metadata rather than B-tree leaf/internal data).
type ID int64

// NullID is the sentinel meaning "no block".
const NullID ID = -1

// AuxThreshold is the first block id reserved for aux blocks.
const AuxThreshold ID = MaxMetadataBlocks

// IsAux reports whether id designates an aux block.
func (id ID) IsAux() bool { return id >= AuxThreshold }

// Valid reports whether id is a real (non-sentinel) block id.
func (id ID) Valid() bool { return id != NullID && id >= 0 }

// InRange reports whether id fits the dense arrays sized by
// MaxMetadataBlocks (the metadata ring, recency sequence).
func (id ID) InRange() bool { return id >= 0 && int64(id) < MaxMetadataBlocks }
