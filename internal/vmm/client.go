// Package vmm supervises one Firecracker child process per sandbox and
// speaks its HTTP-over-UDS control API, per spec.md §4.2. The PUT sequence
// and JSON shapes are grounded on internal/backend/firecracker/backend.go's
// hand-rolled firecrackerConfig struct (buildkite/cleanroom) and on
// original_source/workspace_service/sandbox_manager.py's
// _call_firecracker_api, which pins the exact endpoints (/machine-config,
// /boot-source, /drives/rootfs, /vsock, /actions, /vm, /snapshot/create,
// /snapshot/load) that spec.md's prose leaves only partially explicit.
package vmm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/kilnvm/kiln/internal/kilnerr"
)

// apiClient is a minimal HTTP client dialing a Unix domain socket, the Go
// equivalent of the original Python implementation's
// `curl --unix-socket <path>`.
type apiClient struct {
	http *http.Client
}

func newAPIClient(socketPath string) *apiClient {
	dialer := &net.Dialer{}
	return &apiClient{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

type faultBody struct {
	FaultMessage string `json:"fault_message"`
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return kilnerr.Wrapf(kilnerr.VmmProtocol, err, "marshal request body for %s %s", method, path)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://vmm"+path, reader)
	if err != nil {
		return kilnerr.Wrapf(kilnerr.VmmProtocol, err, "build request %s %s", method, path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return kilnerr.Wrapf(kilnerr.VmmUnresponsive, err, "call vmm api %s %s", method, path)
	}
	defer res.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	if res.StatusCode >= 300 {
		var fault faultBody
		msg := string(respBody)
		if json.Unmarshal(respBody, &fault) == nil && fault.FaultMessage != "" {
			msg = fault.FaultMessage
		}
		return kilnerr.Wrapf(kilnerr.VmmProtocol, fmt.Errorf("status %d: %s", res.StatusCode, msg), "vmm api %s %s rejected", method, path)
	}
	return nil
}

// waitForSocket polls until a connection to socketPath succeeds or ctx
// expires.
func waitForSocket(ctx context.Context, socketPath string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if conn, err := net.Dial("unix", socketPath); err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return kilnerr.Wrapf(kilnerr.VmmUnresponsive, ctx.Err(), "vmm api socket %s not ready", socketPath)
		case <-ticker.C:
		}
	}
}
