// Package artifacts resolves the on-disk layout of spec.md §3/§6 given a
// base directory: shared kernels/rootfs images, per-sandbox working
// directories, and per-workspace snapshot directories.
package artifacts

import (
	"os"
	"path/filepath"
)

// Store resolves artifact paths rooted at a base directory.
type Store struct {
	BaseDir string
}

func New(baseDir string) *Store {
	return &Store{BaseDir: baseDir}
}

// EnsureDirectories creates the top-level layout, mirroring
// ServiceConfig._ensure_directories in the original Python service.
func (s *Store) EnsureDirectories() error {
	for _, dir := range []string{s.KernelsDir(), s.RootFSDir(), s.SandboxesDir(), s.SnapshotsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) KernelsDir() string    { return filepath.Join(s.BaseDir, "kernels") }
func (s *Store) RootFSDir() string     { return filepath.Join(s.BaseDir, "rootfs") }
func (s *Store) SandboxesDir() string  { return filepath.Join(s.BaseDir, "sandboxes") }
func (s *Store) SnapshotsDir() string  { return filepath.Join(s.BaseDir, "snapshots") }

// SandboxDir returns the per-sandbox working directory.
func (s *Store) SandboxDir(sandboxID string) string {
	return filepath.Join(s.SandboxesDir(), sandboxID)
}

func (s *Store) RootFSPath(sandboxID string) string {
	return filepath.Join(s.SandboxDir(sandboxID), "rootfs.ext4")
}

func (s *Store) VMMSocketPath(sandboxID string) string {
	return filepath.Join(s.SandboxDir(sandboxID), "firecracker.sock")
}

func (s *Store) VsockSocketPath(sandboxID string) string {
	return filepath.Join(s.SandboxDir(sandboxID), "vsock.sock")
}

func (s *Store) StatePath(sandboxID string) string {
	return filepath.Join(s.SandboxDir(sandboxID), "state.json")
}

// SnapshotDir returns the per-workspace snapshot directory.
func (s *Store) SnapshotDir(workspaceID string) string {
	return filepath.Join(s.SnapshotsDir(), workspaceID)
}

func (s *Store) SnapshotStatePath(workspaceID string) string {
	return filepath.Join(s.SnapshotDir(workspaceID), "snapshot")
}

func (s *Store) SnapshotMemoryPath(workspaceID string) string {
	return filepath.Join(s.SnapshotDir(workspaceID), "memory")
}

// SnapshotValid reports whether both snapshot files exist and are non-empty,
// per spec.md invariant 6.
func (s *Store) SnapshotValid(workspaceID string) bool {
	return nonEmptyFile(s.SnapshotStatePath(workspaceID)) && nonEmptyFile(s.SnapshotMemoryPath(workspaceID))
}

func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir() && info.Size() > 0
}
