package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rdmacache/bcache/serializer"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_WriteThenRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	buf := make([]byte, 4096)
	buf[0] = 0xAB

	tokens, err := s.BlockWrites(ctx, []serializer.WriteRequest{{BlockID: 10, Buffer: buf}}, nil)
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	got, tok, err := s.ReadBlock(ctx, 10, tokens[0])
	require.NoError(t, err)
	require.Equal(t, buf, got)
	require.NotNil(t, tok)
}

func TestStore_ReadMissing(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.ReadBlock(context.Background(), 999, nil)
	require.ErrorIs(t, err, serializer.ErrNotFound)
}

func TestStore_IndexWriteRecencyAndDeletion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	buf := make([]byte, 4096)
	tokens, err := s.BlockWrites(ctx, []serializer.WriteRequest{{BlockID: 5, Buffer: buf}}, nil)
	require.NoError(t, err)

	recency := int64(123)
	called := false
	err = s.IndexWrite(ctx, []serializer.IndexOp{
		{BlockID: 5, Token: tokens[0], Recency: &recency},
	}, func() error { called = true; return nil })
	require.NoError(t, err)
	require.True(t, called)

	recencies, err := s.GetAllRecencies(ctx)
	require.NoError(t, err)
	require.Equal(t, recency, recencies[5])

	err = s.IndexWrite(ctx, []serializer.IndexOp{{BlockID: 5, Deletion: true}}, nil)
	require.NoError(t, err)

	_, _, err = s.ReadBlock(ctx, 5, nil)
	require.ErrorIs(t, err, serializer.ErrNotFound)
}
