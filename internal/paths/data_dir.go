// Package paths resolves an XDG-style default sandbox base directory for
// non-root operators, used by internal/config when KILN_BASE_DIR is unset
// and the daemon isn't running as root (which gets the system-wide
// /var/lib/firecracker-workspaces default instead).
package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DataBaseDir resolves the default base directory for kiln's durable data.
// Preference order:
// 1. $XDG_DATA_HOME/kiln
// 2. ~/.local/share/kiln
// 3. $XDG_RUNTIME_DIR/kiln
func DataBaseDir() (string, error) {
	if dataHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dataHome != "" {
		return filepath.Join(dataHome, "kiln"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "kiln"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "share", "kiln"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "kiln"), nil
	}
	return "", errors.New("unable to resolve data directory from XDG data/runtime or home")
}
