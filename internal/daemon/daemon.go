// Package daemon wires together config, artifacts, the sandbox manager and
// the HTTP façade into the long-running kilnd process. Both cmd/kilnd and
// cmd/kilnctl's serve subcommand call Run; the graceful-shutdown shape
// (an errCh race against ctx.Done, http.Server.Shutdown bounded by its own
// timeout) is grounded on internal/controlserver.Serve in buildkite/cleanroom.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kilnvm/kiln/internal/artifacts"
	"github.com/kilnvm/kiln/internal/config"
	"github.com/kilnvm/kiln/internal/endpoint"
	"github.com/kilnvm/kiln/internal/httpapi"
	"github.com/kilnvm/kiln/internal/sandbox"
)

const shutdownTimeout = 5 * time.Second

// Run loads configuration, reconciles any sandboxes left over from a prior
// process, and serves the REST façade on rawListen until ctx is canceled.
// rawListen is interpreted by internal/endpoint: a bare address ("tcp"),
// or "unix://path"/an absolute path ("unix").
func Run(ctx context.Context, rawListen string, logger *log.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, warning := range cfg.Validate() {
		logger.Warn(warning)
	}

	store := artifacts.New(cfg.BaseDir)
	if err := store.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure artifact directories: %w", err)
	}

	manager := sandbox.New(cfg, store, logger.With("subsystem", "sandbox"))
	if err := manager.ReconcileOnStartup(ctx); err != nil {
		return fmt.Errorf("reconcile sandboxes on startup: %w", err)
	}

	server := httpapi.New(manager, cfg.APIKey)

	ep, err := endpoint.Resolve(rawListen)
	if err != nil {
		return fmt.Errorf("resolve listen endpoint: %w", err)
	}
	if err := endpoint.CleanupStaleSocket(ep); err != nil {
		return fmt.Errorf("remove stale unix socket %s: %w", ep.Address, err)
	}

	listener, err := net.Listen(ep.Scheme, ep.Address)
	if err != nil {
		return fmt.Errorf("listen on %s %s: %w", ep.Scheme, ep.Address, err)
	}
	defer listener.Close()
	if ep.Scheme == "unix" {
		defer os.Remove(ep.Address)
	}

	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("kilnd serving", "scheme", ep.Scheme, "addr", ep.Address, "base_dir", cfg.BaseDir, "max_sandboxes", cfg.MaxSandboxes)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		logger.Info("kilnd shutdown complete")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("kilnd serve failed", "error", err)
		return err
	}
}
