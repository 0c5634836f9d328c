//go:build linux

package overlay

import (
	"os"

	"golang.org/x/sys/unix"
)

// tryCloneFile attempts a reflink (copy-on-write) clone via FICLONE.
// Returns false if the underlying filesystem does not support it, in which
// case the caller falls back to a byte-wise copy.
func tryCloneFile(dst, src *os.File) bool {
	return unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())) == nil
}
