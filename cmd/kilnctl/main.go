// Command kilnctl is the operator CLI: run the daemon in the foreground
// (serve), check local prerequisites (doctor), or query a running daemon's
// health (status). Subcommand parsing follows buildkite/cleanroom's own CLI
// struct shape (cmd:"" tagged fields, kong.New + parser.Parse + ctx.Run).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/kilnvm/kiln/internal/config"
	"github.com/kilnvm/kiln/internal/daemon"
)

type CLI struct {
	Serve  ServeCommand  `cmd:"" help:"Run the kiln daemon in the foreground"`
	Doctor DoctorCommand `cmd:"" help:"Check local prerequisites (firecracker binary, config ranges)"`
	Status StatusCommand `cmd:"" help:"Query a running daemon's /health endpoint"`
}

type ServeCommand struct {
	Listen   string `help:"HTTP listen address" default:":8080"`
	LogLevel string `help:"Log level (debug|info|warn|error)" default:"info"`
}

func (s *ServeCommand) Run() error {
	level, err := log.ParseLevel(strings.ToLower(s.LogLevel))
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", s.LogLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	}).With("component", "kilnd")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return daemon.Run(ctx, s.Listen, logger)
}

type DoctorCommand struct {
	JSON bool `help:"Print diagnostics as JSON"`
}

type doctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (d *DoctorCommand) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var checks []doctorCheck
	warnings := cfg.Validate()
	if len(warnings) == 0 {
		checks = append(checks, doctorCheck{Name: "config", Status: "pass", Message: "no configuration warnings"})
	}
	for _, w := range warnings {
		checks = append(checks, doctorCheck{Name: "config", Status: "warn", Message: w})
	}
	checks = append(checks, doctorCheck{Name: "base_dir", Status: "pass", Message: fmt.Sprintf("using base directory %s", cfg.BaseDir)})

	if d.JSON {
		return json.NewEncoder(os.Stdout).Encode(checks)
	}
	for _, c := range checks {
		fmt.Printf("[%s] %s: %s\n", c.Status, c.Name, c.Message)
	}
	return nil
}

type StatusCommand struct {
	Addr string `help:"Daemon HTTP address to query" default:"http://localhost:8080"`
}

func (s *StatusCommand) Run() error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(s.Addr, "/") + "/health")
	if err != nil {
		return fmt.Errorf("query %s/health: %w", s.Addr, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}

func main() {
	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("kilnctl"),
		kong.Description("kiln sandbox daemon operator CLI"),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		parser.FatalIfErrorf(err)
	}

	if err := ctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
