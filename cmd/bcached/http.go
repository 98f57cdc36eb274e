package main

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// serveHTTP runs handler until ctx is done, then shuts the server down.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// triggerDump asks a running node's debug server for an immediate dump.
func triggerDump(addr string) (string, error) {
	resp, err := http.Post("http://"+addr+"/debug/dump", "application/json", nil)
	if err != nil {
		return "", errors.Wrapf(err, "trigger dump on %s", addr)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "read dump response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("dump request failed: %s", body)
	}
	return string(body), nil
}
