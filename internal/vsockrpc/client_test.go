package vsockrpc

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kilnvm/kiln/internal/kilnerr"
)

// fakeVsockUDS emulates Firecracker's UDS-multiplexed vsock endpoint: it
// accepts a raw Unix connection, expects "CONNECT <port>\n", replies
// "OK <port>\n", then answers each framed message with the frame returned by
// the caller's echo func so tests can assert round-tripping.
func fakeVsockUDS(t *testing.T, echo func(req []byte) []byte) (net.Listener, string) {
	t.Helper()
	socketPath := t.TempDir() + "/vsock.sock"
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeConn(t, conn, echo)
		}
	}()
	return ln, socketPath
}

func serveFakeConn(t *testing.T, conn net.Conn, echo func([]byte) []byte) {
	defer conn.Close()

	buf := make([]byte, 0, 64)
	one := make([]byte, 1)
	for {
		n, err := conn.Read(one)
		if err != nil || n == 0 {
			return
		}
		buf = append(buf, one[0])
		if one[0] == '\n' {
			break
		}
	}
	if _, err := conn.Write([]byte("OK 1\n")); err != nil {
		return
	}

	for {
		var header [4]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(header[:])
		body := make([]byte, length)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		resp := echo(body)
		var out [4]byte
		binary.BigEndian.PutUint32(out[:], uint32(len(resp)))
		if _, err := conn.Write(out[:]); err != nil {
			return
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	t.Parallel()
	r, w := net.Pipe()
	defer r.Close()
	defer w.Close()

	payload := []byte(`{"action":"ping"}`)
	go func() {
		if err := writeFrame(w, payload); err != nil {
			t.Error(err)
		}
	}()

	got, err := readFrame(r)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	t.Parallel()
	r, w := net.Pipe()
	defer r.Close()

	go func() {
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], MaxMessageSize+1)
		_, _ = w.Write(header[:])
		w.Close()
	}()

	_, err := readFrame(r)
	if err == nil {
		t.Fatal("expected error")
	}
	if kilnerr.KindOf(err) != kilnerr.MessageTooLarge {
		t.Fatalf("unexpected kind: %v", kilnerr.KindOf(err))
	}
}

func TestClientCallRoundTrip(t *testing.T) {
	t.Parallel()
	ln, socketPath := fakeVsockUDS(t, func(req []byte) []byte {
		return append([]byte(`{"echo":`), append(append([]byte{}, req...), '}')...)
	})
	defer ln.Close()

	c := New(socketPath)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Call(ctx, map[string]any{"action": "ping"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(resp) == 0 {
		t.Fatal("expected non-empty response")
	}
}

func TestCallRejectsOversizeRequest(t *testing.T) {
	t.Parallel()
	c := New("/nonexistent/vsock.sock")

	huge := make([]byte, MaxMessageSize+1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.Call(ctx, map[string]any{"action": "write_file", "content": string(huge)})
	if err == nil {
		t.Fatal("expected error")
	}
	if kilnerr.KindOf(err) != kilnerr.MessageTooLarge {
		t.Fatalf("unexpected kind: %v", kilnerr.KindOf(err))
	}
}
