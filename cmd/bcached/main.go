// Command bcached runs one node of the distributed page cache: it opens
// the local disk-backed serializer, joins the cluster described by its
// peer-list config, and serves both a metadata-ring RDMA endpoint and a
// debug HTTP surface until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/rdmacache/bcache/balancer"
	"github.com/rdmacache/bcache/cache"
	"github.com/rdmacache/bcache/config"
	"github.com/rdmacache/bcache/debug"
	"github.com/rdmacache/bcache/internal/util"
	"github.com/rdmacache/bcache/metadata"
	"github.com/rdmacache/bcache/metrics/prom"
	"github.com/rdmacache/bcache/serializer/badgerstore"
	"github.com/rdmacache/bcache/throttler"
	"github.com/rdmacache/bcache/transport/rdma"
)

var log = logrus.WithField("component", "bcached")

func main() {
	app := &cli.App{
		Name:  "bcached",
		Usage: "distributed RDMA-tiered page cache node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "/mydata/config.json", Usage: "peer-list config path"},
			&cli.StringFlag{Name: "iface", Value: "eth0", Usage: "network interface this node's RDMA/TCP traffic runs over"},
			&cli.StringFlag{Name: "data-dir", Value: "/mydata/bcache", Usage: "on-disk store directory"},
			&cli.IntFlag{Name: "block-size", Value: 4096, Usage: "fixed block size in bytes"},
			&cli.IntFlag{Name: "shards", Value: 0, Usage: "shard count (0 = auto)"},
			&cli.Int64Flag{Name: "memory", Value: 512 << 20, Usage: "total in-memory budget in bytes"},
			&cli.IntFlag{Name: "cache-size", Value: 8000, Usage: "admission model target cache size in blocks"},
			&cli.IntFlag{Name: "metadata-port", Value: 9001, Usage: "port serving this node's metadata ring"},
			&cli.IntFlag{Name: "page-pool-port", Value: 9002, Usage: "port serving this node's page pool"},
			&cli.StringFlag{Name: "debug-addr", Value: ":9003", Usage: "debug HTTP surface bind address"},
			&cli.StringFlag{Name: "debug-dir", Value: "/mydata/bcache/dumps", Usage: "directory for periodic debug dumps"},
			&cli.StringFlag{Name: "metrics-addr", Value: ":9004", Usage: "Prometheus /metrics bind address (accepted but not read: no /metrics endpoint is served)"},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the node until interrupted",
				Action: runServe,
			},
			{
				Name:      "dump",
				Usage:     "trigger an immediate debug dump on a running node and print it",
				ArgsUsage: "<debug-addr>",
				Action:    runDump,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("bcached exited with an error")
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"), c.String("iface"))
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	log.WithField("my_ip", cfg.MyIP).WithField("peers", len(cfg.Peers)).Info("loaded cluster config")

	blockSize := c.Int("block-size")
	store, err := badgerstore.Open(c.String("data-dir"), blockSize)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer store.Close()

	metrics := prom.New(nil, "bcache", "node", nil)

	admission := metadata.NewModel(uint64(c.Int("cache-size")), 100 /* cache_ns_avg */, 100000 /* disk_ns_avg */, metadata.DefaultRDMALatencyNanos)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go admission.Run(rootCtx)

	ringTransport, err := rdma.Listen(fmt.Sprintf("0.0.0.0:%d", c.Int("metadata-port")))
	if err != nil {
		return errors.Wrap(err, "listen for metadata ring")
	}
	defer ringTransport.Close()

	pagePoolTransport, err := rdma.Listen(fmt.Sprintf("0.0.0.0:%d", c.Int("page-pool-port")))
	if err != nil {
		return errors.Wrap(err, "listen for page pool")
	}
	defer pagePoolTransport.Close()

	ring := metadata.NewRing()
	ringRegion, err := ringTransport.RegisterMemory(ring.Bytes())
	if err != nil {
		return errors.Wrap(err, "register metadata ring region")
	}
	go publishRing(rootCtx, ring, ringRegion)

	// Rounding the pool's block count up to a power of two keeps the
	// page-pool offset arithmetic (shift-and-mask instead of a modulo)
	// cheap if a future indexing scheme wants it; the rounding can add up
	// to just under as many blocks again as requested (8000 blocks become
	// 8192).
	poolBlocks := util.NextPow2(uint64(c.Int("cache-size")))
	pagePool := make([]byte, int64(blockSize)*int64(poolBlocks))
	pagePoolRegion, err := pagePoolTransport.RegisterMemory(pagePool)
	if err != nil {
		return errors.Wrap(err, "register page pool region")
	}

	registry := metadata.NewRegistry(pagePoolTransport)
	for _, peer := range cfg.Peers {
		p := metadata.Peer{
			Addr:          peer.Host,
			RingToken:     ringRegion.Token(),
			PagePoolToken: pagePoolRegion.Token(),
		}
		if err := registry.Connect(rootCtx, peer.MetadataPort, p); err != nil {
			log.WithError(err).WithField("peer", peer.Host).Warn("failed to connect to peer, continuing without it")
			continue
		}
	}
	defer registry.Close()

	bal := balancer.NewSimpleBalancer(c.Int64("memory"), true)
	th := throttler.New(c.Int64("memory"), blockSize)

	pc := cache.New(store, cache.Options{
		BlockSize:   blockSize,
		Shards:      c.Int("shards"),
		MemoryLimit: c.Int64("memory"),
		Remote:      registry,
		Admission:   admission,
		Metrics:     metrics,
		Balancer:    bal,
		Throttler:   th,
	})
	defer pc.Close()

	dbg, err := debug.NewServer(c.String("debug-dir"), func() (map[string]any, error) {
		return map[string]any{
			"my_ip":       cfg.MyIP,
			"peer_count":  len(cfg.Peers),
			"cache_size":  c.Int("cache-size"),
			"memory_limit": c.Int64("memory"),
		}, nil
	})
	if err != nil {
		return errors.Wrap(err, "start debug server")
	}
	go dbg.Run(rootCtx, 30*time.Second)

	go func() {
		if err := serveHTTP(rootCtx, c.String("debug-addr"), dbg.Handler()); err != nil {
			log.WithError(err).Warn("debug HTTP server stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.WithField("signal", s).Info("shutting down")
	case <-rootCtx.Done():
	}
	return nil
}

func runDump(c *cli.Context) error {
	addr := c.Args().First()
	if addr == "" {
		return errors.New("usage: bcached dump <debug-addr>")
	}
	body, err := triggerDump(addr)
	if err != nil {
		return err
	}
	fmt.Println(body)
	return nil
}

const ringPublishInterval = 20 * time.Millisecond

// publishRing periodically copies the live ring into its registered
// region so peers' one-sided reads observe a recent snapshot.
func publishRing(ctx context.Context, ring *metadata.Ring, region rdma.MemoryRegion) {
	ticker := time.NewTicker(ringPublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			copy(region.Bytes(), ring.Bytes())
		}
	}
}
