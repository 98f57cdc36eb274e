package rdma

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("component", "rdma")

// mmapRegion is a MemoryRegion backed by an anonymous mmap'd mapping,
// the closest Go-native analogue of a pinned, registered RDMA buffer.
type mmapRegion struct {
	token RegionToken
	buf   []byte
}

func newMmapRegion(size int) (*mmapRegion, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "rdma: mmap")
	}
	return &mmapRegion{token: newToken(), buf: buf}, nil
}

func newToken() RegionToken {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return NewRegionToken(hex.EncodeToString(b[:]))
}

func (r *mmapRegion) Token() RegionToken { return r.token }
func (r *mmapRegion) Bytes() []byte      { return r.buf }
func (r *mmapRegion) Close() error       { return unix.Munmap(r.buf) }

// TCPTransport implements Transport over plain TCP: registered regions
// are served to peers by a background listener; Connect dials a peer's
// listener and issues length-prefixed read requests against it. This is
// the portable reference implementation the demo daemon and tests run
// against in the absence of real RDMA-capable hardware.
type TCPTransport struct {
	mu       sync.RWMutex
	regions  map[string]*mmapRegion
	listener net.Listener

	wg   sync.WaitGroup
	done chan struct{}
}

// Listen starts serving registered regions to peers on addr (host:port).
func Listen(addr string) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "rdma: listen")
	}
	t := &TCPTransport{
		regions:  make(map[string]*mmapRegion),
		listener: ln,
		done:     make(chan struct{}),
	}
	t.wg.Add(1)
	go t.serve()
	return t, nil
}

// Addr returns the address the transport is listening on, letting a
// caller that bound to port 0 discover which port was actually chosen.
func (t *TCPTransport) Addr() net.Addr { return t.listener.Addr() }

func (t *TCPTransport) Close() error {
	close(t.done)
	err := t.listener.Close()
	t.wg.Wait()
	t.mu.Lock()
	for _, r := range t.regions {
		_ = r.Close()
	}
	t.mu.Unlock()
	return errors.Wrap(err, "rdma: close listener")
}

func (t *TCPTransport) RegisterMemory(buf []byte) (MemoryRegion, error) {
	r, err := newMmapRegion(len(buf))
	if err != nil {
		return nil, err
	}
	copy(r.buf, buf)
	t.mu.Lock()
	t.regions[r.token.String()] = r
	t.mu.Unlock()
	return r, nil
}

func (t *TCPTransport) Connect(ctx context.Context, remoteIP string, port int) (QueuePair, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", remoteIP, port))
	if err != nil {
		return nil, errors.Wrapf(err, "rdma: connect to %s:%d", remoteIP, port)
	}
	return &tcpQueuePair{conn: conn}, nil
}

func (t *TCPTransport) serve() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				log.WithError(err).Warn("accept failed")
				return
			}
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handle(conn)
		}()
	}
}

// wire format: request = [32-byte hex token][int64 offset][uint32 size];
// response = [uint32 status: 0=ok,1=err][uint32 payload length][payload].
// The length prefix on both branches keeps the connection's framing
// exact regardless of which branch fires, since it is reused across
// many requests.
func (t *TCPTransport) handle(conn net.Conn) {
	defer conn.Close()
	for {
		req := make([]byte, 32+8+4)
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}
		tok := string(req[:32])
		offset := int64(binary.BigEndian.Uint64(req[32:40]))
		size := binary.BigEndian.Uint32(req[40:44])

		t.mu.RLock()
		r, ok := t.regions[tok]
		t.mu.RUnlock()

		var status uint32
		var payload []byte
		switch {
		case !ok:
			status = 1
			payload = []byte("rdma: unknown region token")
		case offset < 0 || offset+int64(size) > int64(len(r.buf)):
			status = 1
			payload = []byte("rdma: read out of region bounds")
		default:
			status = 0
			payload = r.buf[offset : offset+int64(size)]
		}

		resp := make([]byte, 8)
		binary.BigEndian.PutUint32(resp[0:4], status)
		binary.BigEndian.PutUint32(resp[4:8], uint32(len(payload)))
		if _, err := conn.Write(resp); err != nil {
			return
		}
		if _, err := conn.Write(payload); err != nil {
			return
		}
	}
}

type tcpQueuePair struct {
	mu   sync.Mutex
	conn net.Conn
}

func (q *tcpQueuePair) Read(ctx context.Context, local []byte, remoteToken RegionToken, remoteOffset int64, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = q.conn.SetDeadline(dl)
	} else {
		_ = q.conn.SetDeadline(time.Now().Add(5 * time.Second))
	}
	defer q.conn.SetDeadline(time.Time{})

	tokStr := remoteToken.String()
	if len(tokStr) != 32 {
		return errors.New("rdma: region token must be 32 hex characters")
	}

	req := make([]byte, 32+8+4)
	copy(req, tokStr)
	binary.BigEndian.PutUint64(req[32:40], uint64(remoteOffset))
	binary.BigEndian.PutUint32(req[40:44], uint32(n))
	if _, err := q.conn.Write(req); err != nil {
		return errors.Wrap(err, "rdma: write request")
	}

	header := make([]byte, 8)
	if _, err := io.ReadFull(q.conn, header); err != nil {
		return errors.Wrap(err, "rdma: read response header")
	}
	status := binary.BigEndian.Uint32(header[0:4])
	length := binary.BigEndian.Uint32(header[4:8])

	if status != 0 {
		errBuf := make([]byte, length)
		if _, err := io.ReadFull(q.conn, errBuf); err != nil {
			return errors.Wrap(err, "rdma: read error payload")
		}
		return errors.Errorf("rdma: remote read failed: %s", errBuf)
	}
	if len(local) < n || int(length) != n {
		io.CopyN(io.Discard, q.conn, int64(length)) //nolint:errcheck
		return errors.New("rdma: response size did not match requested read size")
	}
	if _, err := io.ReadFull(q.conn, local[:n]); err != nil {
		return errors.Wrap(err, "rdma: read payload")
	}
	return nil
}

func (q *tcpQueuePair) Close() error {
	return errors.Wrap(q.conn.Close(), "rdma: close queue pair")
}
