// Package debug periodically snapshots whatever diagnostic state the
// daemon wants surfaced (current-page counts, per-block access
// frequencies, the CDF admit set, remote peers' mirrored metadata) to
// timestamped JSON files, and serves the most recent snapshot plus an
// on-demand trigger over HTTP.
package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "debug")

// Provider produces one snapshot's worth of diagnostic state. Callers
// supply whatever the running daemon can cheaply gather (evicter bag
// sizes, admission-model admit set, peer ring stats); debug itself has
// no opinion on the shape.
type Provider func() (map[string]any, error)

// Server owns the periodic dumper and the HTTP surface for inspecting
// its output.
type Server struct {
	dir      string
	provider Provider

	mu       sync.RWMutex
	lastDump []byte

	router *mux.Router
}

// NewServer constructs a debug server writing dumps under dir (created
// if missing) using provider to gather each snapshot's contents.
func NewServer(dir string, provider Provider) (*Server, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "debug: create dump directory %s", dir)
	}
	s := &Server{dir: dir, provider: provider, router: mux.NewRouter()}
	s.router.HandleFunc("/debug/dump/latest", s.handleLatest).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/dump", s.handleTrigger).Methods(http.MethodPost)
	s.router.HandleFunc("/debug/healthz", s.handleHealthz).Methods(http.MethodGet)
	return s, nil
}

// Handler exposes the server's routes for mounting into a larger mux, or
// serving directly via http.ListenAndServe.
func (s *Server) Handler() http.Handler { return s.router }

// Run dumps on a fixed interval until ctx is done.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.dumpOnce(); err != nil {
				log.WithError(err).Warn("periodic debug dump failed")
			}
		}
	}
}

func (s *Server) dumpOnce() ([]byte, error) {
	snapshot, err := s.provider()
	if err != nil {
		return nil, errors.Wrap(err, "debug: gather snapshot")
	}
	now := time.Now().UTC()
	snapshot["dumped_at"] = now.Format(time.RFC3339Nano)

	buf, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "debug: marshal snapshot")
	}

	path := filepath.Join(s.dir, fmt.Sprintf("dump-%d.json", now.UnixNano()))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return nil, errors.Wrapf(err, "debug: write %s", path)
	}

	s.mu.Lock()
	s.lastDump = buf
	s.mu.Unlock()
	return buf, nil
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	buf := s.lastDump
	s.mu.RUnlock()
	if buf == nil {
		http.Error(w, "no dump has run yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	buf, err := s.dumpOnce()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
