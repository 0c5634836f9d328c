// Package vsockrpc implements the host side of the framed request/response
// protocol spec.md §4.3 multiplexes over Firecracker's vsock UDS. Framing
// and the CONNECT/OK handshake are grounded on
// original_source/workspace_service/sandbox_manager.py's VsockClient
// (_send_request/_recv_exact), reworked into the idiom of
// internal/backend/firecracker/backend.go's dialVsockUntilReady, which
// dials the same socket via github.com/firecracker-microvm/firecracker-go-sdk/vsock.
package vsockrpc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	fcvsock "github.com/firecracker-microvm/firecracker-go-sdk/vsock"

	"github.com/kilnvm/kiln/internal/kilnerr"
)

// GuestPort is the vsock port the in-guest agent listens on, spec.md §4.3/§4.4.
const GuestPort uint32 = 5000

// MaxMessageSize bounds a single frame, in either direction, per spec.md §4.3.
const MaxMessageSize = 10 * 1024 * 1024

const dialBackoffCap = 200 * time.Millisecond

// Client owns the connection to one sandbox's guest agent. Calls are
// serialized by mu, the "transport mutex" of spec.md §5, held only across a
// single round-trip. The connection is kept open between calls and
// re-dialed lazily on error.
type Client struct {
	udsPath string

	mu   sync.Mutex
	conn net.Conn
}

// New builds a client for the guest agent reachable through udsPath. It does
// not dial until the first Call.
func New(udsPath string) *Client {
	return &Client{udsPath: udsPath}
}

// Lock and Unlock expose the transport mutex directly so internal/sandbox
// can serialize pause/resume/destroy against in-flight exec/file calls, per
// spec.md §5 ("Pause/resume/destroy serialize against exec/file calls via
// the per-sandbox transport mutex").
func (c *Client) Lock()   { c.mu.Lock() }
func (c *Client) Unlock() { c.mu.Unlock() }

// Dial establishes (or re-establishes) the connection, retrying with
// exponential backoff capped at 200ms until ctx's deadline, per spec.md §4.3.
// It is safe to call Dial proactively (e.g. after Spawn, before the first
// Call) or to let Call dial lazily.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialLocked(ctx)
}

func (c *Client) dialLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	backoff := 10 * time.Millisecond
	var lastErr error
	for {
		conn, err := fcvsock.DialContext(ctx, c.udsPath, GuestPort)
		if err == nil {
			c.conn = conn
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return kilnerr.Wrapf(kilnerr.VmmUnresponsive, lastErr, "dial guest agent at %s", c.udsPath)
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > dialBackoffCap {
			backoff = dialBackoffCap
		}
	}
}

// Close tears down the underlying connection, if any. Safe to call
// repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Call JSON-marshals req (the caller's wire type), sends it and returns the
// raw JSON response body. On deadline expiry the connection is
// closed and marked unusable; the caller decides whether to retry.
func (c *Client) Call(ctx context.Context, req any) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, kilnerr.Wrap(kilnerr.Protocol, "marshal guest rpc request", err)
	}
	if len(payload) > MaxMessageSize {
		return nil, kilnerr.New(kilnerr.MessageTooLarge, "guest rpc request exceeds 10 MiB")
	}

	if err := c.dialLocked(ctx); err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	if err := writeFrame(c.conn, payload); err != nil {
		_ = c.closeLocked()
		return nil, classifyIOErr(ctx, err)
	}

	resp, err := readFrame(c.conn)
	if err != nil {
		_ = c.closeLocked()
		if kilnerr.Is(err, kilnerr.MessageTooLarge) {
			return nil, err
		}
		return nil, classifyIOErr(ctx, err)
	}
	return resp, nil
}

func classifyIOErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return kilnerr.Wrap(kilnerr.Timeout, "guest rpc call deadline exceeded", ctx.Err())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return kilnerr.Wrap(kilnerr.Timeout, "guest rpc call timed out", err)
	}
	return kilnerr.Wrap(kilnerr.Transport, "guest rpc transport error", err)
}

func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxMessageSize {
		return nil, kilnerr.New(kilnerr.MessageTooLarge, "guest rpc response exceeds 10 MiB")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
