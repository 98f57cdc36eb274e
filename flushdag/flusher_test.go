package flushdag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rdmacache/bcache/blockid"
	"github.com/rdmacache/bcache/serializer"
)

type fakeSerializer struct {
	written []serializer.WriteRequest
	ops     []serializer.IndexOp
}

func (f *fakeSerializer) MaxBlockSize() int { return 4096 }
func (f *fakeSerializer) GetAllRecencies(context.Context) ([]int64, error) { return nil, nil }
func (f *fakeSerializer) MakeIOAccount(serializer.Priority, int) serializer.IOAccount {
	return fakeAccount{}
}
func (f *fakeSerializer) ReadBlock(context.Context, blockid.ID, *serializer.BlockToken) ([]byte, *serializer.BlockToken, error) {
	return nil, nil, serializer.ErrNotFound
}
func (f *fakeSerializer) BlockWrites(_ context.Context, reqs []serializer.WriteRequest, _ serializer.IOAccount) ([]*serializer.BlockToken, error) {
	f.written = append(f.written, reqs...)
	toks := make([]*serializer.BlockToken, len(reqs))
	for i, r := range reqs {
		toks[i] = serializer.NewBlockToken(fakeTokenName(r.BlockID))
	}
	return toks, nil
}
func (f *fakeSerializer) IndexWrite(_ context.Context, ops []serializer.IndexOp, cb func() error) error {
	f.ops = append(f.ops, ops...)
	return cb()
}
func (f *fakeSerializer) RegisterReadAhead(serializer.ReadAheadFunc) {}
func (f *fakeSerializer) UnregisterReadAhead()                       {}

func fakeTokenName(id blockid.ID) string { return "tok" }

type fakeAccount struct{}

func (fakeAccount) Outstanding() int { return 0 }

type fakeHooks struct {
	installed map[blockid.ID]*serializer.BlockToken
	released  []blockid.ID
}

func (h *fakeHooks) InstallToken(id blockid.ID, tok *serializer.BlockToken) {
	if h.installed == nil {
		h.installed = make(map[blockid.ID]*serializer.BlockToken)
	}
	h.installed[id] = tok
}
func (h *fakeHooks) ReleaseSnapshottedDirtyRef(id blockid.ID) { h.released = append(h.released, id) }

func TestFlush_WritesDirtyPagesAndInstallsTokens(t *testing.T) {
	txn := NewTxn()
	txn.RecordDirty(&ChangeRecord{BlockID: 42, Version: 1, Dirty: true, Buffer: []byte("hello")})
	txn.AnnounceWaitingForFlush()

	ser := &fakeSerializer{}
	hooks := &fakeHooks{}

	err := Flush(context.Background(), ser, hooks, []*Txn{txn})
	require.NoError(t, err)
	require.Len(t, ser.written, 1)
	require.NotNil(t, hooks.installed[42])
	require.Contains(t, hooks.released, blockid.ID(42))

	select {
	case <-txn.FlushComplete():
	default:
		t.Fatal("flush_complete must be pulsed once the flush finishes")
	}
}

func TestFlush_DeletionEmitsIndexOpWithoutWrite(t *testing.T) {
	txn := NewTxn()
	txn.RecordDirty(&ChangeRecord{BlockID: 7, Version: 1, Deletion: true})
	txn.AnnounceWaitingForFlush()

	ser := &fakeSerializer{}
	hooks := &fakeHooks{}

	err := Flush(context.Background(), ser, hooks, []*Txn{txn})
	require.NoError(t, err)
	require.Empty(t, ser.written)
	require.Len(t, ser.ops, 1)
	require.True(t, ser.ops[0].Deletion)
}
