package guestagent

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilnvm/kiln/internal/guestproto"
)

func TestHandlePing(t *testing.T) {
	resp := Handle(context.Background(), guestproto.Ping())
	if !resp.Success || resp.Message != "pong" {
		t.Fatalf("unexpected ping response: %+v", resp)
	}
	if resp.PID != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), resp.PID)
	}
}

func TestHandleExecSuccess(t *testing.T) {
	dir := t.TempDir()
	resp := Handle(context.Background(), guestproto.Exec("echo -n hello", 5, dir, nil))
	if !resp.Success || resp.ExitCode != 0 || resp.Stdout != "hello" {
		t.Fatalf("unexpected exec response: %+v", resp)
	}
}

func TestHandleExecNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	resp := Handle(context.Background(), guestproto.Exec("exit 7", 5, dir, nil))
	if !resp.Success || resp.ExitCode != 7 {
		t.Fatalf("unexpected exec response: %+v", resp)
	}
}

func TestHandleExecTimeout(t *testing.T) {
	dir := t.TempDir()
	start := time.Now()
	resp := Handle(context.Background(), guestproto.Exec("sleep 5", 1, dir, nil))
	if time.Since(start) > 4*time.Second {
		t.Fatalf("exec did not honor timeout")
	}
	if resp.Success || resp.ExitCode != -1 {
		t.Fatalf("expected timeout failure, got %+v", resp)
	}
	if resp.Error != "Command timed out after 1 seconds" {
		t.Fatalf("unexpected timeout message: %q", resp.Error)
	}
}

func TestHandleWriteThenReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "greeting.txt")

	content := base64.StdEncoding.EncodeToString([]byte("hello world"))
	writeResp := Handle(context.Background(), guestproto.WriteFile(path, content, nil))
	if !writeResp.Success || writeResp.Size != int64(len("hello world")) {
		t.Fatalf("unexpected write response: %+v", writeResp)
	}

	readResp := Handle(context.Background(), guestproto.ReadFile(path))
	if !readResp.Success {
		t.Fatalf("unexpected read response: %+v", readResp)
	}
	decoded, err := base64.StdEncoding.DecodeString(readResp.Content)
	if err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if string(decoded) != "hello world" {
		t.Fatalf("got %q want %q", decoded, "hello world")
	}
}

func TestHandleReadFileMissing(t *testing.T) {
	dir := t.TempDir()
	resp := Handle(context.Background(), guestproto.ReadFile(filepath.Join(dir, "nope.txt")))
	if resp.Success {
		t.Fatal("expected failure")
	}
}

func TestHandleMkdirAndStat(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a", "b", "c")

	resp := Handle(context.Background(), guestproto.Mkdir(target, true))
	if !resp.Success {
		t.Fatalf("unexpected mkdir response: %+v", resp)
	}

	statResp := Handle(context.Background(), guestproto.Stat(target))
	if !statResp.Success || !statResp.IsDir {
		t.Fatalf("unexpected stat response: %+v", statResp)
	}
}

func TestHandleListFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "one.txt"), []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	resp := Handle(context.Background(), guestproto.ListFiles(dir, false))
	if !resp.Success || len(resp.Entries) != 2 {
		t.Fatalf("unexpected list response: %+v", resp)
	}
}

func TestHandleDeleteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doomed.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp := Handle(context.Background(), guestproto.DeleteFile(path, false))
	if !resp.Success {
		t.Fatalf("unexpected delete response: %+v", resp)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected file removed")
	}
}

func TestHandleDeleteMissingPath(t *testing.T) {
	dir := t.TempDir()
	resp := Handle(context.Background(), guestproto.DeleteFile(filepath.Join(dir, "nope"), false))
	if resp.Success {
		t.Fatal("expected failure for missing path")
	}
}

func TestHandleUnknownAction(t *testing.T) {
	resp := Handle(context.Background(), guestproto.Request{Action: "teleport"})
	if resp.Success || resp.Error != "unknown action" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
