// Command kilnd is the production entry point: load configuration from the
// environment, reconcile any sandboxes surviving a prior process, and serve
// the REST façade until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/kilnvm/kiln/internal/daemon"
)

func main() {
	level, err := log.ParseLevel(strings.ToLower(envOr("KILN_LOG_LEVEL", "info")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid KILN_LOG_LEVEL: %v\n", err)
		os.Exit(1)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	}).With("component", "kilnd")

	listenAddr := envOr("KILN_LISTEN", ":8080")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := daemon.Run(ctx, listenAddr, logger); err != nil {
		logger.Error("kilnd exited", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
