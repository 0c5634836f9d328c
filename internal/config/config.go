// Package config loads kiln's daemon configuration from the environment,
// following the enumerated variables of spec.md §6 and the validation
// policy of the original Python ServiceConfig.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kilnvm/kiln/internal/paths"
	"github.com/kilnvm/kiln/internal/templates"
)

const (
	defaultBaseDir         = "/var/lib/firecracker-workspaces"
	defaultFirecrackerBin  = "firecracker"
	defaultMaxSandboxes    = 20
	defaultMemoryBudgetMiB = 16384
	defaultHostReservedMiB = 4096
	defaultMemoryMiB       = 512
	defaultMaxMemoryMiB    = 2048
	defaultMinMemoryMiB    = 256
	defaultVCPU            = 1
	defaultMaxVCPU         = 4
	defaultMinVCPU         = 1
	defaultBootTimeoutS    = 5
	defaultExecTimeoutS    = 300
	defaultIdleTimeoutS    = 0
)

// Config is the daemon's resolved runtime configuration.
type Config struct {
	BaseDir         string
	FirecrackerBin  string
	MaxSandboxes    int
	MemoryBudgetMiB int64
	DefaultMemoryMiB int64
	MaxMemoryMiB    int64
	MinMemoryMiB    int64
	DefaultVCPU     int64
	MaxVCPU         int64
	MinVCPU         int64
	BootTimeoutS    int64
	ExecTimeoutS    int64
	IdleTimeoutS    int64
	APIKey          string
	LogLevel        string
	TemplatesFile   string

	Templates *templates.Registry
}

// Load reads configuration from the environment, per spec.md §6.
func Load() (Config, error) {
	cfg := Config{
		BaseDir:          envOr("KILN_BASE_DIR", resolveDefaultBaseDir()),
		FirecrackerBin:   envOr("KILN_FIRECRACKER_BIN", defaultFirecrackerBin),
		MaxSandboxes:     int(envInt("KILN_MAX_SANDBOXES", defaultMaxSandboxes)),
		DefaultMemoryMiB: envInt("KILN_DEFAULT_MEMORY_MIB", defaultMemoryMiB),
		MaxMemoryMiB:     envInt("KILN_MAX_MEMORY_MIB", defaultMaxMemoryMiB),
		MinMemoryMiB:     envInt("KILN_MIN_MEMORY_MIB", defaultMinMemoryMiB),
		DefaultVCPU:      envInt("KILN_DEFAULT_VCPU", defaultVCPU),
		MaxVCPU:          envInt("KILN_MAX_VCPU", defaultMaxVCPU),
		MinVCPU:          envInt("KILN_MIN_VCPU", defaultMinVCPU),
		BootTimeoutS:     envInt("KILN_BOOT_TIMEOUT_S", defaultBootTimeoutS),
		ExecTimeoutS:     envInt("KILN_EXEC_TIMEOUT_S", defaultExecTimeoutS),
		IdleTimeoutS:     envInt("KILN_IDLE_TIMEOUT_S", defaultIdleTimeoutS),
		APIKey:           os.Getenv("KILN_API_KEY"),
		LogLevel:         envOr("KILN_LOG_LEVEL", "info"),
		TemplatesFile:    os.Getenv("KILN_TEMPLATES_FILE"),
	}

	if raw := os.Getenv("KILN_MEMORY_BUDGET_MIB"); strings.TrimSpace(raw) != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse KILN_MEMORY_BUDGET_MIB=%q: %w", raw, err)
		}
		cfg.MemoryBudgetMiB = parsed
	} else {
		reserved := envInt("KILN_HOST_RESERVED_MEMORY_MIB", defaultHostReservedMiB)
		cfg.MemoryBudgetMiB = detectMemoryBudgetMiB(reserved)
	}

	reg, err := templates.Load(cfg.TemplatesFile, cfg.BaseDir)
	if err != nil {
		return Config{}, fmt.Errorf("load template registry: %w", err)
	}
	cfg.Templates = reg

	return cfg, nil
}

// Validate mirrors ServiceConfig.validate() from the original Python
// service: every check, including max_sandboxes < 1 and a missing
// firecracker binary, is returned as a warning, never as a fatal error.
func (c Config) Validate() []string {
	var warnings []string

	if c.MinMemoryMiB > c.MaxMemoryMiB {
		warnings = append(warnings, fmt.Sprintf("KILN_MIN_MEMORY_MIB (%d) > KILN_MAX_MEMORY_MIB (%d)", c.MinMemoryMiB, c.MaxMemoryMiB))
	}
	if c.DefaultMemoryMiB < c.MinMemoryMiB || c.DefaultMemoryMiB > c.MaxMemoryMiB {
		warnings = append(warnings, fmt.Sprintf("KILN_DEFAULT_MEMORY_MIB (%d) outside [%d,%d]", c.DefaultMemoryMiB, c.MinMemoryMiB, c.MaxMemoryMiB))
	}
	if c.MinVCPU > c.MaxVCPU {
		warnings = append(warnings, fmt.Sprintf("KILN_MIN_VCPU (%d) > KILN_MAX_VCPU (%d)", c.MinVCPU, c.MaxVCPU))
	}
	if c.DefaultVCPU < c.MinVCPU || c.DefaultVCPU > c.MaxVCPU {
		warnings = append(warnings, fmt.Sprintf("KILN_DEFAULT_VCPU (%d) outside [%d,%d]", c.DefaultVCPU, c.MinVCPU, c.MaxVCPU))
	}
	if c.MaxSandboxes < 1 {
		warnings = append(warnings, fmt.Sprintf("KILN_MAX_SANDBOXES (%d) must be >= 1", c.MaxSandboxes))
	}
	if _, err := lookupBinary(c.FirecrackerBin); err != nil {
		warnings = append(warnings, fmt.Sprintf("firecracker binary not found: %s", c.FirecrackerBin))
	}

	return warnings
}

// resolveDefaultBaseDir mirrors ServiceConfig's own default of a
// system-wide directory, but only for root: an unprivileged operator (a
// developer running kilnd locally) gets an XDG-style per-user directory
// instead of a path they can't write to.
func resolveDefaultBaseDir() string {
	if os.Geteuid() != 0 {
		if dir, err := paths.DataBaseDir(); err == nil {
			return dir
		}
	}
	return defaultBaseDir
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// detectMemoryBudgetMiB mirrors ServiceConfig.total_memory_budget_mb: read
// /proc/meminfo, fall back to a 16GiB assumption if unavailable.
func detectMemoryBudgetMiB(reservedMiB int64) int64 {
	total, err := readMemTotalMiB("/proc/meminfo")
	if err != nil {
		return defaultMemoryBudgetMiB - reservedMiB
	}
	return total - reservedMiB
}

func lookupBinary(name string) (string, error) {
	return exec.LookPath(name)
}

func readMemTotalMiB(path string) (int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(b), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("malformed MemTotal line: %q", line)
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb / 1024, nil
	}
	return 0, fmt.Errorf("MemTotal not found in %s", path)
}
