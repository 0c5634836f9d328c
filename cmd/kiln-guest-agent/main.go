//go:build linux

// kiln-guest-agent is the in-guest half of the vsock RPC protocol
// (internal/guestproto + internal/guestagent). It is the binary baked into
// the rootfs template that spec.md §4.4 describes: a single-threaded
// cooperative loop listening on vsock port 5000, dispatching each framed
// request on its "action" field. Structure is grounded line-for-line on
// cmd/cleanroom-guest-agent/main.go's vsock accept loop, generalized from
// one exec-only handler to the eight-action dispatcher in
// internal/guestagent.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/mdlayher/vsock"

	"github.com/kilnvm/kiln/internal/guestagent"
	"github.com/kilnvm/kiln/internal/guestproto"
)

const vsockPort uint32 = 5000
const maxMessageSize = 10 * 1024 * 1024

// errMessageTooLarge signals a length header past maxMessageSize: the body
// bytes were never read off the wire, so the stream is desynced and the
// connection must close rather than keep serving it.
var errMessageTooLarge = errors.New("message too large")

func main() {
	ln, err := vsock.Listen(vsockPort, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen vsock: %v\n", err)
		os.Exit(1)
	}
	defer ln.Close()

	fmt.Fprintf(os.Stderr, "kiln-guest-agent listening on vsock port %d\n", vsockPort)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			fmt.Fprintf(os.Stderr, "accept: %v\n", err)
			continue
		}
		handleConn(conn)
	}
}

// handleConn serves requests on conn one at a time, matching spec.md §4.4's
// "accepts one connection at a time; serializes requests on that
// connection".
func handleConn(conn net.Conn) {
	defer conn.Close()

	for {
		req, err := readRequest(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if errors.Is(err, errMessageTooLarge) {
				_ = writeResponse(conn, guestproto.Response{Success: false, Error: err.Error()})
				return
			}
			_ = writeResponse(conn, guestproto.Response{Success: false, Error: fmt.Sprintf("Invalid JSON: %v", err)})
			continue
		}

		resp := guestagent.Handle(context.Background(), req)
		if err := writeResponse(conn, resp); err != nil {
			return
		}
	}
}

func readRequest(r io.Reader) (guestproto.Request, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return guestproto.Request{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxMessageSize {
		return guestproto.Request{}, fmt.Errorf("%w: %d bytes", errMessageTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return guestproto.Request{}, err
	}

	var req guestproto.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return guestproto.Request{}, err
	}
	return req, nil
}

func writeResponse(w io.Writer, resp guestproto.Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
