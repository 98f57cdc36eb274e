package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rdmacache/bcache/blockid"
)

func TestRing_AdmitLookupEvict(t *testing.T) {
	r := NewRing()

	_, ok := r.Lookup(42)
	require.False(t, ok)

	r.Admit(42, 4096)
	off, ok := r.Lookup(42)
	require.True(t, ok)
	require.Equal(t, int64(4096), off)

	r.Evict(42)
	_, ok = r.Lookup(42)
	require.False(t, ok)
}

func TestRing_OutOfRangeIsNoop(t *testing.T) {
	r := NewRing()
	r.Admit(blockid.ID(blockid.MaxMetadataBlocks+10), 123)
	_, ok := r.Lookup(blockid.ID(blockid.MaxMetadataBlocks + 10))
	require.False(t, ok)
}

func TestRing_BytesRoundTripsThroughMirror(t *testing.T) {
	r := NewRing()
	r.Admit(1, 100)
	r.Admit(2, 200)

	buf := r.Bytes()
	require.Len(t, buf, blockid.MaxMetadataBlocks*8)

	m := &Mirror{}
	m.install(decodeRing(buf))

	off, ok := m.Lookup(1)
	require.True(t, ok)
	require.Equal(t, int64(100), off)

	off, ok = m.Lookup(2)
	require.True(t, ok)
	require.Equal(t, int64(200), off)

	_, ok = m.Lookup(3)
	require.False(t, ok)
}

func TestMirror_EmptyBeforeFirstInstall(t *testing.T) {
	m := &Mirror{}
	_, ok := m.Lookup(1)
	require.False(t, ok)
}
