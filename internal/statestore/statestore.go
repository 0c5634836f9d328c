// Package statestore persists the sandbox descriptor (spec.md §3) as
// state.json in each sandbox's working directory. Every write goes through a
// temp-file-then-rename within the same directory, the same pattern
// internal/bootassets/manager.go uses to land a verified kernel download
// (tmp := dest + fmt.Sprintf(".tmp-%d", ...); os.Rename(tmp, dest)), so a
// reader only ever observes the prior or the new complete contents.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kilnvm/kiln/internal/kilnerr"
)

// Status is a sandbox's lifecycle state, spec.md §3.
type Status string

const (
	StatusStarting  Status = "Starting"
	StatusRunning   Status = "Running"
	StatusPausing   Status = "Pausing"
	StatusPaused    Status = "Paused"
	StatusResuming  Status = "Resuming"
	StatusDestroy   Status = "Destroying"
	StatusDestroyed Status = "Destroyed"
	StatusFailed    Status = "Failed"
)

// Descriptor is the on-disk shape of a sandbox, spec.md §3.
type Descriptor struct {
	SandboxID   string    `json:"sandbox_id"`
	WorkspaceID string    `json:"workspace_id"`
	Template    string    `json:"template"`
	MemoryMiB   int64     `json:"memory_mib"`
	VCPUCount   int64     `json:"vcpu_count"`
	VsockCID    uint32    `json:"vsock_cid"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	VMMPid      int       `json:"vmm_pid,omitempty"`
}

// Path returns the canonical state.json path for a sandbox directory.
func Path(sandboxDir string) string {
	return filepath.Join(sandboxDir, "state.json")
}

// Save atomically writes d to sandboxDir/state.json.
func Save(sandboxDir string, d Descriptor) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return kilnerr.Wrap(kilnerr.Io, "marshal sandbox descriptor", err)
	}

	dest := Path(sandboxDir)
	tmp := dest + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return kilnerr.Wrapf(kilnerr.Io, err, "write temp descriptor %s", tmp)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return kilnerr.Wrapf(kilnerr.Io, err, "rename descriptor into place %s", dest)
	}
	return nil
}

// Load reads a single sandbox's descriptor.
func Load(sandboxDir string) (Descriptor, error) {
	data, err := os.ReadFile(Path(sandboxDir))
	if err != nil {
		return Descriptor{}, kilnerr.Wrapf(kilnerr.Io, err, "read descriptor %s", Path(sandboxDir))
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, kilnerr.Wrapf(kilnerr.Io, err, "parse descriptor %s", Path(sandboxDir))
	}
	return d, nil
}

// LoadAll scans sandboxesDir/*/state.json, used at startup for crash
// recovery (spec.md §4.5 "Crash recovery"). A descriptor that fails to
// be read or parsed is skipped rather than aborting the whole scan; the skip
// is silent, nothing is logged.
func LoadAll(sandboxesDir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(sandboxesDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, kilnerr.Wrapf(kilnerr.Io, err, "list sandboxes dir %s", sandboxesDir)
	}

	var out []Descriptor
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		d, err := Load(filepath.Join(sandboxesDir, entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
