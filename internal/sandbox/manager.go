// Package sandbox owns the sandbox registry (spec.md §4.5): the state
// machine, CID allocation, capacity accounting, and crash recovery. It
// composes internal/artifacts, internal/overlay, internal/vmm,
// internal/vsockrpc and internal/statestore behind a single registry
// mutex, the same shape as internal/controlservice.Service's sandboxes map
// guarded by a sync.RWMutex in buildkite/cleanroom.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/kilnvm/kiln/internal/artifacts"
	"github.com/kilnvm/kiln/internal/config"
	"github.com/kilnvm/kiln/internal/guestproto"
	"github.com/kilnvm/kiln/internal/kilnerr"
	"github.com/kilnvm/kiln/internal/overlay"
	"github.com/kilnvm/kiln/internal/statestore"
	"github.com/kilnvm/kiln/internal/vmm"
	"github.com/kilnvm/kiln/internal/vsockrpc"
)

// firstVsockCID is the lowest CID handed out; 0-2 are reserved by the vsock
// address family itself, per spec.md §4.5 and the original
// SandboxManager._next_vsock_cid.
const firstVsockCID uint32 = 3

// vsockReadyTimeout bounds how long Create/Resume wait for the guest agent
// to answer a ping after the VMM reports started: one 15s budget, spec.md
// §4.3's dial budget, covers both the dial retries and the round trip.
const vsockReadyTimeout = 15 * time.Second

const defaultFileOpTimeout = 30 * time.Second

// entry is the in-memory half of a tracked sandbox: the persisted
// descriptor plus the live handles the registry mutex does not protect
// across I/O.
type entry struct {
	desc       statestore.Descriptor
	controller *vmm.Controller
	transport  *vsockrpc.Client
}

// Manager owns every sandbox on this host.
type Manager struct {
	cfg       config.Config
	artifacts *artifacts.Store
	logger    *log.Logger

	mu                sync.Mutex
	entries           map[string]*entry
	workspaceInUse    map[string]string // workspace_id -> sandbox_id, non-Destroyed only
	activeCount       int
	memoryReservedMiB int64
	nextCID           uint32
}

// New builds a manager. Call ReconcileOnStartup before serving traffic.
func New(cfg config.Config, store *artifacts.Store, logger *log.Logger) *Manager {
	return &Manager{
		cfg:            cfg,
		artifacts:      store,
		logger:         logger,
		entries:        map[string]*entry{},
		workspaceInUse: map[string]string{},
		nextCID:        firstVsockCID,
	}
}

// CreateRequest is the validated input to Create, spec.md §6's
// `POST /sandboxes` body.
type CreateRequest struct {
	Template    string
	MemoryMiB   int64
	VCPUCount   int64
	WorkspaceID string
}

// HealthSnapshot backs spec.md §6's `GET /health`.
type HealthSnapshot struct {
	ActiveSandboxes    int
	MaxSandboxes       int
	MemoryUsedMiB      int64
	MemoryAvailableMiB int64
}

// Health reports current capacity usage.
func (m *Manager) Health() HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return HealthSnapshot{
		ActiveSandboxes:    m.activeCount,
		MaxSandboxes:       m.cfg.MaxSandboxes,
		MemoryUsedMiB:      m.memoryReservedMiB,
		MemoryAvailableMiB: m.cfg.MemoryBudgetMiB - m.memoryReservedMiB,
	}
}

// Get returns a sandbox's current descriptor.
func (m *Manager) Get(id string) (statestore.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return statestore.Descriptor{}, notFound(id)
	}
	return e.desc, nil
}

// List returns a snapshot of every tracked sandbox's descriptor.
func (m *Manager) List() []statestore.Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]statestore.Descriptor, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.desc)
	}
	return out
}

func notFound(id string) error {
	return kilnerr.New(kilnerr.NotFound, fmt.Sprintf("sandbox %s not found", id))
}

func wrongState(id string, status statestore.Status) error {
	return kilnerr.New(kilnerr.WrongState, fmt.Sprintf("sandbox %s is %s", id, status))
}

// checkCapacityLocked validates resource bounds and capacity, m.mu held.
func (m *Manager) checkCapacityLocked(memoryMiB, vcpuCount int64) error {
	if memoryMiB < m.cfg.MinMemoryMiB || memoryMiB > m.cfg.MaxMemoryMiB {
		return kilnerr.New(kilnerr.InvalidRequest, fmt.Sprintf("memory_mib %d outside [%d,%d]", memoryMiB, m.cfg.MinMemoryMiB, m.cfg.MaxMemoryMiB))
	}
	if vcpuCount < m.cfg.MinVCPU || vcpuCount > m.cfg.MaxVCPU {
		return kilnerr.New(kilnerr.InvalidRequest, fmt.Sprintf("vcpu_count %d outside [%d,%d]", vcpuCount, m.cfg.MinVCPU, m.cfg.MaxVCPU))
	}
	if m.activeCount >= m.cfg.MaxSandboxes {
		return kilnerr.New(kilnerr.AtCapacity, "max_sandboxes reached")
	}
	if m.memoryReservedMiB+memoryMiB > m.cfg.MemoryBudgetMiB {
		return kilnerr.New(kilnerr.AtCapacity, "memory_budget_mib would be exceeded")
	}
	return nil
}

// allocateCIDLocked returns the next CID not currently in use by a
// non-Destroyed sandbox, m.mu held.
func (m *Manager) allocateCIDLocked() uint32 {
	inUse := make(map[uint32]bool, len(m.entries))
	for _, e := range m.entries {
		inUse[e.desc.VsockCID] = true
	}
	cid := m.nextCID
	for inUse[cid] {
		cid++
	}
	m.nextCID = cid + 1
	return cid
}

// newSandboxID returns an 8 hex-char opaque id, spec.md §4.5.
func newSandboxID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// releaseCapacityLocked returns a sandbox's count, memory reservation and
// workspace lock to the pool, m.mu held by caller's critical section.
func (m *Manager) releaseCapacityLocked(workspaceID string, memoryMiB int64) {
	m.activeCount--
	m.memoryReservedMiB -= memoryMiB
	delete(m.workspaceInUse, workspaceID)
}

// Create provisions a new sandbox end to end: capacity check and id/CID
// allocation under the registry lock, then the slow unlocked work (overlay,
// spawn, configure, start, vsock ping), then reacquire to install and
// persist, per spec.md §4.5.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (statestore.Descriptor, error) {
	if req.Template == "" {
		req.Template = "default"
	}
	if req.MemoryMiB == 0 {
		req.MemoryMiB = m.cfg.DefaultMemoryMiB
	}
	if req.VCPUCount == 0 {
		req.VCPUCount = m.cfg.DefaultVCPU
	}

	sandboxID := newSandboxID()
	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		workspaceID = sandboxID
	}

	m.mu.Lock()
	if err := m.checkCapacityLocked(req.MemoryMiB, req.VCPUCount); err != nil {
		m.mu.Unlock()
		return statestore.Descriptor{}, err
	}
	if existing, ok := m.workspaceInUse[workspaceID]; ok {
		m.mu.Unlock()
		return statestore.Descriptor{}, kilnerr.New(kilnerr.InvalidRequest, fmt.Sprintf("workspace %s already has a live sandbox %s", workspaceID, existing))
	}
	cid := m.allocateCIDLocked()
	m.activeCount++
	m.memoryReservedMiB += req.MemoryMiB
	m.workspaceInUse[workspaceID] = sandboxID
	m.mu.Unlock()

	e, err := m.provision(ctx, sandboxID, workspaceID, cid, req)
	if err != nil {
		m.mu.Lock()
		m.releaseCapacityLocked(workspaceID, req.MemoryMiB)
		m.mu.Unlock()
		_ = overlay.Destroy(m.artifacts.SandboxDir(sandboxID))
		return statestore.Descriptor{}, err
	}

	if err := statestore.Save(m.artifacts.SandboxDir(sandboxID), e.desc); err != nil {
		m.mu.Lock()
		m.releaseCapacityLocked(workspaceID, req.MemoryMiB)
		m.mu.Unlock()
		_ = e.controller.Kill()
		_ = overlay.Destroy(m.artifacts.SandboxDir(sandboxID))
		return statestore.Descriptor{}, err
	}

	m.mu.Lock()
	m.entries[sandboxID] = e
	m.mu.Unlock()

	return e.desc, nil
}

// provision does the slow, unlocked work of bringing a VMM up to a
// responding guest agent: overlay, spawn, configure, start, ping.
func (m *Manager) provision(ctx context.Context, sandboxID, workspaceID string, cid uint32, req CreateRequest) (*entry, error) {
	sandboxDir := m.artifacts.SandboxDir(sandboxID)
	kernelPath, baseRootFSPath := m.cfg.Templates.Resolve(req.Template)

	if _, err := overlay.Create(baseRootFSPath, sandboxDir); err != nil {
		return nil, err
	}

	controller := vmm.New(m.cfg.FirecrackerBin, m.artifacts.VMMSocketPath(sandboxID))

	spawnCtx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.BootTimeoutS)*time.Second)
	pid, err := controller.Spawn(spawnCtx, sandboxDir)
	cancel()
	if err != nil {
		return nil, err
	}

	if err := controller.Configure(ctx, vmm.Config{
		KernelImagePath: kernelPath,
		RootFSPath:      m.artifacts.RootFSPath(sandboxID),
		VCPUCount:       req.VCPUCount,
		MemSizeMiB:      req.MemoryMiB,
		GuestCID:        cid,
		VsockUDSPath:    m.artifacts.VsockSocketPath(sandboxID),
	}); err != nil {
		_ = controller.Kill()
		return nil, err
	}

	if err := controller.Start(ctx); err != nil {
		_ = controller.Kill()
		return nil, err
	}

	transport := vsockrpc.New(m.artifacts.VsockSocketPath(sandboxID))
	pingCtx, cancel2 := context.WithTimeout(ctx, vsockReadyTimeout)
	_, err = callGuest(pingCtx, transport, guestproto.Ping())
	cancel2()
	if err != nil {
		_ = controller.Kill()
		return nil, err
	}

	return &entry{
		desc: statestore.Descriptor{
			SandboxID:   sandboxID,
			WorkspaceID: workspaceID,
			Template:    req.Template,
			MemoryMiB:   req.MemoryMiB,
			VCPUCount:   req.VCPUCount,
			VsockCID:    cid,
			Status:      statestore.StatusRunning,
			CreatedAt:   time.Now().UTC(),
			VMMPid:      pid,
		},
		controller: controller,
		transport:  transport,
	}, nil
}

// callGuest marshals and sends req, decoding the JSON response envelope.
// The returned error is non-nil only for transport-level failures
// (Protocol/Timeout/Transport/MessageTooLarge); an application-level
// failure (resp.Success == false) is reported through resp itself so
// callers can forward it as-is.
func callGuest(ctx context.Context, t *vsockrpc.Client, req guestproto.Request) (guestproto.Response, error) {
	raw, err := t.Call(ctx, req)
	if err != nil {
		return guestproto.Response{}, err
	}
	var resp guestproto.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return guestproto.Response{}, kilnerr.Wrap(kilnerr.Protocol, "decode guest rpc response", err)
	}
	return resp, nil
}

// lookupRunning returns the entry for id, rejecting unknown ids with
// NotFound and non-Running ones with WrongState, per spec.md §4.5
// ("Operations are only accepted in Running; otherwise WrongState").
func (m *Manager) lookupRunning(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, notFound(id)
	}
	if e.desc.Status != statestore.StatusRunning {
		return nil, wrongState(id, e.desc.Status)
	}
	return e, nil
}

// Exec runs command inside a Running sandbox's guest.
func (m *Manager) Exec(ctx context.Context, id, command string, timeoutSeconds int, workingDir string, env map[string]string) (guestproto.Response, error) {
	e, err := m.lookupRunning(id)
	if err != nil {
		return guestproto.Response{}, err
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = int(m.cfg.ExecTimeoutS)
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds+5)*time.Second)
	defer cancel()
	return callGuest(callCtx, e.transport, guestproto.Exec(command, timeoutSeconds, workingDir, env))
}

// ReadFile reads a file from a Running sandbox's guest.
func (m *Manager) ReadFile(ctx context.Context, id, path string) (guestproto.Response, error) {
	e, err := m.lookupRunning(id)
	if err != nil {
		return guestproto.Response{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, defaultFileOpTimeout)
	defer cancel()
	return callGuest(callCtx, e.transport, guestproto.ReadFile(path))
}

// WriteFile writes base64Content to path in a Running sandbox's guest.
func (m *Manager) WriteFile(ctx context.Context, id, path, base64Content string, mode *uint32) (guestproto.Response, error) {
	e, err := m.lookupRunning(id)
	if err != nil {
		return guestproto.Response{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, defaultFileOpTimeout)
	defer cancel()
	return callGuest(callCtx, e.transport, guestproto.WriteFile(path, base64Content, mode))
}

// DeleteFile removes path from a Running sandbox's guest.
func (m *Manager) DeleteFile(ctx context.Context, id, path string, recursive bool) (guestproto.Response, error) {
	e, err := m.lookupRunning(id)
	if err != nil {
		return guestproto.Response{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, defaultFileOpTimeout)
	defer cancel()
	return callGuest(callCtx, e.transport, guestproto.DeleteFile(path, recursive))
}

// ListFiles lists path in a Running sandbox's guest.
func (m *Manager) ListFiles(ctx context.Context, id, path string, recursive bool) (guestproto.Response, error) {
	e, err := m.lookupRunning(id)
	if err != nil {
		return guestproto.Response{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, defaultFileOpTimeout)
	defer cancel()
	return callGuest(callCtx, e.transport, guestproto.ListFiles(path, recursive))
}

// Mkdir creates path in a Running sandbox's guest.
func (m *Manager) Mkdir(ctx context.Context, id, path string, parents bool) (guestproto.Response, error) {
	e, err := m.lookupRunning(id)
	if err != nil {
		return guestproto.Response{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, defaultFileOpTimeout)
	defer cancel()
	return callGuest(callCtx, e.transport, guestproto.Mkdir(path, parents))
}

// Stat stats path in a Running sandbox's guest.
func (m *Manager) Stat(ctx context.Context, id, path string) (guestproto.Response, error) {
	e, err := m.lookupRunning(id)
	if err != nil {
		return guestproto.Response{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, defaultFileOpTimeout)
	defer cancel()
	return callGuest(callCtx, e.transport, guestproto.Stat(path))
}

// markFailed transitions a sandbox to the terminal Failed state, releasing
// its capacity reservation but retaining its directory for diagnosis, per
// spec.md §4.5 ("any step fails unrecoverable -> Failed").
func (m *Manager) markFailed(id string, e *entry) {
	m.mu.Lock()
	e.desc.Status = statestore.StatusFailed
	m.releaseCapacityLocked(e.desc.WorkspaceID, e.desc.MemoryMiB)
	m.mu.Unlock()

	_ = statestore.Save(m.artifacts.SandboxDir(id), e.desc)
	if e.controller != nil {
		_ = e.controller.Kill()
	}
	if e.desc.VMMPid > 0 {
		_ = vmm.KillPid(e.desc.VMMPid)
	}
}

// Pause transitions Running -> Pausing -> Paused: pause the VM, snapshot
// it, shut the VMM child down, per spec.md §4.5. The transport mutex is
// held for the whole operation so no exec/file call can race it.
func (m *Manager) Pause(ctx context.Context, id string) (statestore.Descriptor, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return statestore.Descriptor{}, notFound(id)
	}
	if e.desc.Status != statestore.StatusRunning {
		status := e.desc.Status
		m.mu.Unlock()
		return statestore.Descriptor{}, wrongState(id, status)
	}
	e.desc.Status = statestore.StatusPausing
	m.mu.Unlock()
	_ = statestore.Save(m.artifacts.SandboxDir(id), e.desc)

	e.transport.Lock()
	defer e.transport.Unlock()

	if err := e.controller.PauseVM(ctx); err != nil {
		m.markFailed(id, e)
		return statestore.Descriptor{}, err
	}

	snapshotDir := m.artifacts.SnapshotDir(e.desc.WorkspaceID)
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		m.markFailed(id, e)
		return statestore.Descriptor{}, kilnerr.Wrap(kilnerr.Io, "create snapshot directory", err)
	}
	if err := e.controller.SnapshotCreate(ctx, m.artifacts.SnapshotStatePath(e.desc.WorkspaceID), m.artifacts.SnapshotMemoryPath(e.desc.WorkspaceID)); err != nil {
		m.markFailed(id, e)
		return statestore.Descriptor{}, err
	}
	if err := e.controller.Shutdown(ctx, 2*time.Second); err != nil {
		m.markFailed(id, e)
		return statestore.Descriptor{}, err
	}
	_ = e.transport.Close()

	m.mu.Lock()
	e.desc.Status = statestore.StatusPaused
	e.desc.VMMPid = 0
	desc := e.desc
	m.mu.Unlock()

	if err := statestore.Save(m.artifacts.SandboxDir(id), desc); err != nil {
		return statestore.Descriptor{}, err
	}
	return desc, nil
}

// Resume transitions Paused -> Resuming -> Running: spawn a fresh VMM
// child against the same sandbox directory and sockets, load the
// snapshot with resume=true, and verify the guest agent answers again.
func (m *Manager) Resume(ctx context.Context, id string) (statestore.Descriptor, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return statestore.Descriptor{}, notFound(id)
	}
	if e.desc.Status != statestore.StatusPaused {
		status := e.desc.Status
		m.mu.Unlock()
		return statestore.Descriptor{}, wrongState(id, status)
	}
	if !m.artifacts.SnapshotValid(e.desc.WorkspaceID) {
		m.mu.Unlock()
		return statestore.Descriptor{}, kilnerr.New(kilnerr.ArtifactMissing, fmt.Sprintf("snapshot for workspace %s missing or incomplete", e.desc.WorkspaceID))
	}
	e.desc.Status = statestore.StatusResuming
	m.mu.Unlock()
	_ = statestore.Save(m.artifacts.SandboxDir(id), e.desc)

	sandboxDir := m.artifacts.SandboxDir(id)
	controller := vmm.New(m.cfg.FirecrackerBin, m.artifacts.VMMSocketPath(id))

	spawnCtx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.BootTimeoutS)*time.Second)
	pid, err := controller.Spawn(spawnCtx, sandboxDir)
	cancel()
	if err != nil {
		m.markFailed(id, e)
		return statestore.Descriptor{}, err
	}

	if err := controller.SnapshotLoad(ctx, m.artifacts.SnapshotStatePath(e.desc.WorkspaceID), m.artifacts.SnapshotMemoryPath(e.desc.WorkspaceID), true); err != nil {
		_ = controller.Kill()
		m.markFailed(id, e)
		return statestore.Descriptor{}, err
	}

	transport := vsockrpc.New(m.artifacts.VsockSocketPath(id))
	pingCtx, cancel2 := context.WithTimeout(ctx, vsockReadyTimeout)
	_, err = callGuest(pingCtx, transport, guestproto.Ping())
	cancel2()
	if err != nil {
		_ = controller.Kill()
		m.markFailed(id, e)
		return statestore.Descriptor{}, err
	}

	m.mu.Lock()
	e.controller = controller
	e.transport = transport
	e.desc.Status = statestore.StatusRunning
	e.desc.VMMPid = pid
	desc := e.desc
	m.mu.Unlock()

	if err := statestore.Save(sandboxDir, desc); err != nil {
		return statestore.Descriptor{}, err
	}
	return desc, nil
}

// Destroy tears a sandbox down idempotently: graceful VMM shutdown (skipped
// if already Paused), force-kill, remove sandbox and snapshot directories,
// release the CID and memory reservation, per spec.md §4.5.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.desc.Status == statestore.StatusDestroyed {
		m.mu.Unlock()
		return nil
	}
	prevStatus := e.desc.Status
	e.desc.Status = statestore.StatusDestroy
	workspaceID := e.desc.WorkspaceID
	memoryMiB := e.desc.MemoryMiB
	m.mu.Unlock()

	if e.transport != nil {
		e.transport.Lock()
	}
	if prevStatus != statestore.StatusPaused && e.controller != nil {
		_ = e.controller.Shutdown(ctx, 2*time.Second)
	}
	if e.controller != nil {
		_ = e.controller.Kill()
	}
	if e.desc.VMMPid > 0 {
		_ = vmm.KillPid(e.desc.VMMPid)
	}
	if e.transport != nil {
		_ = e.transport.Close()
		e.transport.Unlock()
	}

	_ = overlay.Destroy(m.artifacts.SandboxDir(id))
	_ = os.RemoveAll(m.artifacts.SnapshotDir(workspaceID))

	m.mu.Lock()
	delete(m.entries, id)
	m.releaseCapacityLocked(workspaceID, memoryMiB)
	m.mu.Unlock()

	return nil
}

// ReconcileOnStartup scans every persisted descriptor and either reattaches
// a still-live sandbox or sweeps a dead one, per spec.md §4.5's crash
// recovery algorithm.
func (m *Manager) ReconcileOnStartup(ctx context.Context) error {
	descs, err := statestore.LoadAll(m.artifacts.SandboxesDir())
	if err != nil {
		return err
	}

	for _, d := range descs {
		if m.tryReattach(ctx, d) {
			continue
		}
		m.sweep(d)
	}
	return nil
}

func (m *Manager) tryReattach(ctx context.Context, d statestore.Descriptor) bool {
	switch d.Status {
	case statestore.StatusRunning:
		if d.VMMPid <= 0 || !vmm.PidLive(d.VMMPid) {
			return false
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		alive := vmm.Ping(pingCtx, m.artifacts.VMMSocketPath(d.SandboxID)) == nil
		cancel()
		if !alive {
			return false
		}
		m.installReattached(d, true)
		m.logger.Info("reattached sandbox", "sandbox_id", d.SandboxID, "status", "Running", "pid", d.VMMPid)
		return true

	case statestore.StatusPaused:
		if !m.artifacts.SnapshotValid(d.WorkspaceID) {
			return false
		}
		m.installReattached(d, false)
		m.logger.Info("reattached sandbox", "sandbox_id", d.SandboxID, "status", "Paused")
		return true

	default:
		return false
	}
}

func (m *Manager) installReattached(d statestore.Descriptor, live bool) {
	e := &entry{desc: d}
	if live {
		e.controller = vmm.New(m.cfg.FirecrackerBin, m.artifacts.VMMSocketPath(d.SandboxID))
		e.transport = vsockrpc.New(m.artifacts.VsockSocketPath(d.SandboxID))
	}

	m.mu.Lock()
	m.entries[d.SandboxID] = e
	m.workspaceInUse[d.WorkspaceID] = d.SandboxID
	m.activeCount++
	m.memoryReservedMiB += d.MemoryMiB
	if d.VsockCID >= m.nextCID {
		m.nextCID = d.VsockCID + 1
	}
	m.mu.Unlock()
}

func (m *Manager) sweep(d statestore.Descriptor) {
	if d.VMMPid > 0 {
		_ = vmm.KillPid(d.VMMPid)
	}
	_ = overlay.Destroy(m.artifacts.SandboxDir(d.SandboxID))
	_ = os.RemoveAll(m.artifacts.SnapshotDir(d.WorkspaceID))
	m.logger.Info("swept dead sandbox", "sandbox_id", d.SandboxID, "prior_status", d.Status)
}
