//go:build linux

package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kilnvm/kiln/internal/guestproto"
)

func TestReadRequestRoundTrip(t *testing.T) {
	body := []byte(`{"action":"exec","command":"echo hi"}`)
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	buf.Write(header[:])
	buf.Write(body)

	req, err := readRequest(&buf)
	if err != nil {
		t.Fatalf("readRequest: %v", err)
	}
	if req.Action != "exec" || req.Command != "echo hi" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestReadRequestRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxMessageSize+1)
	buf.Write(header[:])

	_, err := readRequest(&buf)
	if !errors.Is(err, errMessageTooLarge) {
		t.Fatalf("expected errMessageTooLarge, got %v", err)
	}
}

func TestHandleConnClosesOnOversizeFrame(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		handleConn(server)
		close(done)
	}()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxMessageSize+1)
	if _, err := client.Write(header[:]); err != nil {
		t.Fatalf("write oversize header: %v", err)
	}

	resp, err := readResponseForTest(client)
	if err != nil {
		t.Fatalf("read error response: %v", err)
	}
	if resp.Success {
		t.Fatalf("expected an error response for an oversize frame, got %+v", resp)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleConn did not close the connection after an oversize frame")
	}

	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the connection to be closed after an oversize frame")
	}
}

func readResponseForTest(r io.Reader) (guestproto.Response, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return guestproto.Response{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return guestproto.Response{}, err
	}
	var resp guestproto.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return guestproto.Response{}, err
	}
	return resp, nil
}
