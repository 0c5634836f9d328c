// Package templates resolves a sandbox "template" selector to a kernel and
// base rootfs path, per spec.md §3 ("template: base artifact selector
// resolving to a kernel path and base rootfs path"). The distilled spec
// leaves this an implicit filesystem convention; here it is made explicit
// and overridable via an optional YAML registry file, the way buildkite/cleanroom
// loads its runtime config with gopkg.in/yaml.v3.
package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry names the kernel and base rootfs image for one template.
type Entry struct {
	KernelPath string `yaml:"kernel_path"`
	RootFSPath string `yaml:"rootfs_path"`
}

// Registry resolves template names to artifact paths.
type Registry struct {
	baseDir   string
	overrides map[string]Entry
}

type fileFormat struct {
	Templates map[string]Entry `yaml:"templates"`
}

// Load builds a Registry. If path is non-empty, its YAML contents override
// the default {base_dir}/kernels/{template}-vmlinux.bin convention.
func Load(path, baseDir string) (*Registry, error) {
	reg := &Registry{baseDir: baseDir, overrides: map[string]Entry{}}
	if strings.TrimSpace(path) == "" {
		return reg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("read template registry %s: %w", path, err)
	}

	var parsed fileFormat
	if err := yaml.Unmarshal(b, &parsed); err != nil {
		return nil, fmt.Errorf("parse template registry %s: %w", path, err)
	}
	reg.overrides = parsed.Templates
	return reg, nil
}

// Resolve returns the kernel and base rootfs path for template.
func (r *Registry) Resolve(template string) (kernelPath, rootfsPath string) {
	if entry, ok := r.overrides[template]; ok {
		return entry.KernelPath, entry.RootFSPath
	}
	kernelPath = filepath.Join(r.baseDir, "kernels", template+"-vmlinux.bin")
	rootfsPath = filepath.Join(r.baseDir, "rootfs", template+"-rootfs.ext4")
	return kernelPath, rootfsPath
}
