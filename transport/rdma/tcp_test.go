package rdma

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTCPTransport_RoundTripRead(t *testing.T) {
	server, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	region, err := server.RegisterMemory([]byte("hello, remote world"))
	require.NoError(t, err)

	addr := server.listener.Addr().(*net.TCPAddr)

	client, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	qp, err := client.Connect(ctx, "127.0.0.1", addr.Port)
	require.NoError(t, err)
	defer qp.Close()

	buf := make([]byte, 5)
	require.NoError(t, qp.Read(ctx, buf, region.Token(), 0, 5))
	require.Equal(t, "hello", string(buf))

	buf2 := make([]byte, 6)
	require.NoError(t, qp.Read(ctx, buf2, region.Token(), 7, 6))
	require.Equal(t, "remote", string(buf2))
}

func TestTCPTransport_UnknownTokenErrors(t *testing.T) {
	server, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	addr := server.listener.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	qp, err := server.Connect(ctx, "127.0.0.1", addr.Port)
	require.NoError(t, err)
	defer qp.Close()

	buf := make([]byte, 4)
	err = qp.Read(ctx, buf, NewRegionToken(strings.Repeat("0", 32)), 0, 4)
	require.Error(t, err)

	// Connection must still be usable after an error response.
	region, err := server.RegisterMemory([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, qp.Read(ctx, buf, region.Token(), 0, 4))
	require.Equal(t, "ping", string(buf))
}

func TestTCPTransport_OutOfBoundsErrors(t *testing.T) {
	server, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	region, err := server.RegisterMemory([]byte("short"))
	require.NoError(t, err)
	addr := server.listener.Addr().(*net.TCPAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	qp, err := server.Connect(ctx, "127.0.0.1", addr.Port)
	require.NoError(t, err)
	defer qp.Close()

	buf := make([]byte, 100)
	err = qp.Read(ctx, buf, region.Token(), 0, 100)
	require.Error(t, err)
}
