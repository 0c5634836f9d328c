// Package overlay produces and destroys the per-sandbox writable rootfs
// overlay of spec.md §4.1: a reflink/CoW copy of the immutable base image
// when the filesystem supports it, otherwise a plain byte-wise copy. The
// byte-wise fallback does not preserve holes: the copy is fully allocated.
package overlay

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/kilnvm/kiln/internal/kilnerr"
)

// Create produces a writable copy of baseRootFSPath at sandboxDir/rootfs.ext4.
// The overlay is never shared between sandboxes and the base image is never
// modified.
func Create(baseRootFSPath, sandboxDir string) (string, error) {
	if _, err := os.Stat(baseRootFSPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", kilnerr.Wrapf(kilnerr.ArtifactMissing, err, "base rootfs %s not found", baseRootFSPath)
		}
		return "", kilnerr.Wrapf(kilnerr.Io, err, "stat base rootfs %s", baseRootFSPath)
	}

	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		return "", kilnerr.Wrapf(kilnerr.Io, err, "create sandbox directory %s", sandboxDir)
	}

	overlayPath := filepath.Join(sandboxDir, "rootfs.ext4")
	if err := copyRootFS(baseRootFSPath, overlayPath); err != nil {
		return "", err
	}
	return overlayPath, nil
}

// Destroy removes the sandbox directory tree. The base image is untouched.
func Destroy(sandboxDir string) error {
	if err := os.RemoveAll(sandboxDir); err != nil {
		return kilnerr.Wrapf(kilnerr.Io, err, "remove sandbox directory %s", sandboxDir)
	}
	return nil
}

func copyRootFS(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return kilnerr.Wrapf(kilnerr.Io, err, "open base rootfs %s", src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return classifyWriteErr(err, dst)
	}
	defer out.Close()

	if tryCloneFile(out, in) {
		return nil
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return classifyWriteErr(err, dst)
	}
	if err := out.Sync(); err != nil {
		return classifyWriteErr(err, dst)
	}
	return nil
}

func classifyWriteErr(err error, path string) error {
	if errors.Is(err, syscall.ENOSPC) {
		return kilnerr.Wrapf(kilnerr.DiskFull, err, "no space left writing overlay %s", path)
	}
	return kilnerr.Wrapf(kilnerr.Io, err, "write overlay %s", path)
}
