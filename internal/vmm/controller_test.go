package vmm

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeVMMServer serves an HTTP-over-UDS API mimicking Firecracker's shape,
// recording the order of paths hit.
func fakeVMMServer(t *testing.T, socketPath string) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string

	mux := http.NewServeMux()
	record := func(path string, status int, body any) {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			calls = append(calls, r.Method+" "+path)
			w.WriteHeader(status)
			if body != nil {
				_ = json.NewEncoder(w).Encode(body)
			}
		})
	}
	record("/machine-config", http.StatusNoContent, nil)
	record("/boot-source", http.StatusNoContent, nil)
	record("/drives/rootfs", http.StatusNoContent, nil)
	record("/vsock", http.StatusNoContent, nil)
	record("/actions", http.StatusNoContent, nil)
	record("/vm", http.StatusNoContent, nil)
	record("/snapshot/create", http.StatusNoContent, nil)
	record("/snapshot/load", http.StatusNoContent, nil)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}
	srv := &httptest.Server{Listener: ln, Config: &http.Server{Handler: mux}}
	srv.Start()
	return srv, &calls
}

func TestConfigureOrdering(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sock := filepath.Join(dir, "firecracker.sock")
	srv, calls := fakeVMMServer(t, sock)
	defer srv.Close()

	c := New("unused", sock)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Configure(ctx, Config{
		KernelImagePath: "/k",
		RootFSPath:      "/r",
		VCPUCount:       1,
		MemSizeMiB:      512,
		GuestCID:        3,
		VsockUDSPath:    "/v",
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}

	want := []string{
		"PUT /machine-config",
		"PUT /boot-source",
		"PUT /drives/rootfs",
		"PUT /vsock",
	}
	if len(*calls) != len(want) {
		t.Fatalf("got %v calls, want %v", *calls, want)
	}
	for i, w := range want {
		if (*calls)[i] != w {
			t.Fatalf("call %d: got %q want %q", i, (*calls)[i], w)
		}
	}
}

func TestStartPauseResumeSnapshot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sock := filepath.Join(dir, "firecracker.sock")
	srv, _ := fakeVMMServer(t, sock)
	defer srv.Close()

	c := New("unused", sock)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.PauseVM(ctx); err != nil {
		t.Fatalf("PauseVM: %v", err)
	}
	if err := c.SnapshotCreate(ctx, filepath.Join(dir, "snapshot"), filepath.Join(dir, "memory")); err != nil {
		t.Fatalf("SnapshotCreate: %v", err)
	}
	if err := c.ResumeVM(ctx); err != nil {
		t.Fatalf("ResumeVM: %v", err)
	}
	if err := c.SnapshotLoad(ctx, filepath.Join(dir, "snapshot"), filepath.Join(dir, "memory"), true); err != nil {
		t.Fatalf("SnapshotLoad: %v", err)
	}
}

func TestConfigureAbortsOnFirstFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sock := filepath.Join(dir, "firecracker.sock")

	mux := http.NewServeMux()
	var calls []string
	mux.HandleFunc("/machine-config", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"fault_message": "bad machine config"})
	})
	mux.HandleFunc("/boot-source", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &httptest.Server{Listener: ln, Config: &http.Server{Handler: mux}}
	srv.Start()
	defer srv.Close()

	c := New("unused", sock)
	err = c.Configure(context.Background(), Config{KernelImagePath: "/k", RootFSPath: "/r"})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(calls) != 1 {
		t.Fatalf("expected configure to abort after first failure, got calls=%v", calls)
	}
}

func TestPidLive(t *testing.T) {
	if !PidLive(os.Getpid()) {
		t.Fatal("expected current process to be live")
	}
}
