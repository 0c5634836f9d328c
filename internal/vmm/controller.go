package vmm

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/kilnvm/kiln/internal/kilnerr"
)

// Config carries the parameters needed to configure a freshly spawned VMM,
// per spec.md §4.2.
type Config struct {
	KernelImagePath string
	RootFSPath      string
	VCPUCount       int64
	MemSizeMiB      int64
	GuestCID        uint32
	VsockUDSPath    string
}

const bootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=/sbin/init"

// Controller owns exactly one Firecracker child process for one sandbox.
// Calls to its API socket are serialized by mu, matching the "VMM mutex" of
// spec.md §5.
type Controller struct {
	binaryPath string
	apiSocket  string

	mu     sync.Mutex
	cmd    *exec.Cmd
	waitCh chan error
	client *apiClient
}

// New builds a controller for a not-yet-spawned VMM child.
func New(binaryPath, apiSocketPath string) *Controller {
	return &Controller{
		binaryPath: binaryPath,
		apiSocket:  apiSocketPath,
		client:     newAPIClient(apiSocketPath),
	}
}

// Spawn starts the Firecracker binary with its API socket at apiSocket and
// waits (up to ctx's deadline) for the socket to become responsive. The
// child is placed in its own session so a daemon restart does not tear it
// down (spec.md §9, "Child process ownership").
func (c *Controller) Spawn(ctx context.Context, sandboxDir string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = os.Remove(c.apiSocket)

	cmd := exec.Command(c.binaryPath, "--api-sock", c.apiSocket)
	cmd.Dir = sandboxDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, kilnerr.Wrapf(kilnerr.VmmSpawn, err, "start firecracker binary %s", c.binaryPath)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	if err := waitForSocket(ctx, c.apiSocket); err != nil {
		_ = cmd.Process.Kill()
		<-waitCh
		return 0, err
	}

	c.cmd = cmd
	c.waitCh = waitCh
	return cmd.Process.Pid, nil
}

// Configure performs the exact ordered PUT sequence spec.md §4.2 mandates.
// Any failure aborts immediately without attempting later steps.
func (c *Controller) Configure(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.do(ctx, "PUT", "/machine-config", map[string]any{
		"vcpu_count":   cfg.VCPUCount,
		"mem_size_mib": cfg.MemSizeMiB,
		"smt":          false,
	}); err != nil {
		return err
	}

	if err := c.client.do(ctx, "PUT", "/boot-source", map[string]any{
		"kernel_image_path": cfg.KernelImagePath,
		"boot_args":         bootArgs,
	}); err != nil {
		return err
	}

	if err := c.client.do(ctx, "PUT", "/drives/rootfs", map[string]any{
		"drive_id":       "rootfs",
		"path_on_host":   cfg.RootFSPath,
		"is_root_device": true,
		"is_read_only":   false,
	}); err != nil {
		return err
	}

	if err := c.client.do(ctx, "PUT", "/vsock", map[string]any{
		"vsock_id":  "vsock0",
		"guest_cid": cfg.GuestCID,
		"uds_path":  cfg.VsockUDSPath,
	}); err != nil {
		return err
	}

	return nil
}

// Start issues InstanceStart.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.do(ctx, "PUT", "/actions", map[string]any{"action_type": "InstanceStart"})
}

// PauseVM transitions a running VM to Paused, the required precondition
// for SnapshotCreate.
func (c *Controller) PauseVM(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.do(ctx, "PATCH", "/vm", map[string]any{"state": "Paused"})
}

// ResumeVM transitions a paused VM back to Resumed.
func (c *Controller) ResumeVM(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.do(ctx, "PATCH", "/vm", map[string]any{"state": "Resumed"})
}

// SnapshotCreate requires the VM to have been explicitly paused.
func (c *Controller) SnapshotCreate(ctx context.Context, snapshotPath, memoryPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.do(ctx, "PUT", "/snapshot/create", map[string]any{
		"snapshot_type": "Full",
		"snapshot_path": snapshotPath,
		"mem_file_path": memoryPath,
	})
}

// SnapshotLoad loads VM state and memory on a freshly spawned, unconfigured
// VMM. If resume is true the VM is left runnable.
func (c *Controller) SnapshotLoad(ctx context.Context, snapshotPath, memoryPath string, resume bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.do(ctx, "PUT", "/snapshot/load", map[string]any{
		"snapshot_path": snapshotPath,
		"mem_backend": map[string]any{
			"backend_type": "File",
			"backend_path": memoryPath,
		},
		"enable_diff_snapshots": false,
		"resume_vm":             resume,
	})
}

// Shutdown sends SendCtrlAltDel and force-kills after grace if the process
// hasn't exited.
func (c *Controller) Shutdown(ctx context.Context, grace time.Duration) error {
	c.mu.Lock()
	cmd := c.cmd
	waitCh := c.waitCh
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	c.mu.Lock()
	_ = c.client.do(ctx, "PUT", "/actions", map[string]any{"action_type": "SendCtrlAltDel"})
	c.mu.Unlock()

	if waitCh == nil {
		return killProcess(cmd.Process.Pid)
	}

	select {
	case <-waitCh:
		return nil
	case <-time.After(grace):
		if err := cmd.Process.Kill(); err != nil {
			return kilnerr.Wrapf(kilnerr.Io, err, "force-kill vmm pid %d", cmd.Process.Pid)
		}
		<-waitCh
		return nil
	}
}

// Kill immediately terminates the child, used on rollback paths.
func (c *Controller) Kill() error {
	c.mu.Lock()
	cmd := c.cmd
	waitCh := c.waitCh
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !isProcessDone(err) {
		return kilnerr.Wrapf(kilnerr.Io, err, "kill vmm pid %d", cmd.Process.Pid)
	}
	if waitCh != nil {
		select {
		case <-waitCh:
		case <-time.After(2 * time.Second):
		}
	}
	return nil
}

func killProcess(pid int) error {
	return KillPid(pid)
}

// KillPid force-kills a process by pid, used both on the owned-child path
// and by the sandbox manager when it fails, destroys, or (during crash
// recovery) sweeps a sandbox that could not be reattached.
func KillPid(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Kill(); err != nil && !isProcessDone(err) {
		return kilnerr.Wrapf(kilnerr.Io, err, "kill vmm pid %d", pid)
	}
	return nil
}

func isProcessDone(err error) bool {
	return err != nil && err.Error() == "os: process already finished"
}

// PidLive reports whether a process with the given pid appears to be alive.
func PidLive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Ping probes an API socket for responsiveness without needing a Controller
// (used during crash recovery reattachment).
func Ping(ctx context.Context, apiSocketPath string) error {
	client := newAPIClient(apiSocketPath)
	return client.do(ctx, "GET", "/", nil)
}
