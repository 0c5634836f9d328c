// Package endpoint resolves kilnd's listen address, following the
// scheme-prefixed convention of buildkite/cleanroom's own internal/endpoint (a
// bare address treated as tcp, "unix://path" or an absolute path treated
// as a unix socket), trimmed to the two transports kilnd actually serves:
// TCP for the common case of an AI-agent caller reaching kilnd over the
// network, and a unix socket for operators fronting it with a local
// reverse proxy. buildkite/cleanroom's https/tsnet schemes have no analog since
// C7 has no TLS/mTLS layer (spec.md's auth surface is a static
// X-API-Key header, not client certificates).
package endpoint

import (
	"fmt"
	"os"
	"strings"
)

// Endpoint is a resolved listen target.
type Endpoint struct {
	Scheme  string // "tcp" or "unix"
	Address string
}

const defaultListenAddr = ":8080"

// Resolve interprets raw (KILN_LISTEN or --listen) into an Endpoint. An
// empty value falls back to defaultListenAddr on tcp.
func Resolve(raw string) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return Endpoint{Scheme: "tcp", Address: defaultListenAddr}, nil
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: path}, nil
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: value}, nil
	case strings.HasPrefix(value, "tcp://"):
		return Endpoint{Scheme: "tcp", Address: strings.TrimPrefix(value, "tcp://")}, nil
	default:
		return Endpoint{Scheme: "tcp", Address: value}, nil
	}
}

// CleanupStaleSocket removes a leftover unix socket file from a prior
// process before binding, mirroring buildkite/cleanroom's listen() helper in
// internal/controlserver/server.go.
func CleanupStaleSocket(ep Endpoint) error {
	if ep.Scheme != "unix" {
		return nil
	}
	if err := os.Remove(ep.Address); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
