// Package guestagent implements the in-guest side of the eight actions
// defined by internal/guestproto, run inside the microVM by
// cmd/kiln-guest-agent. Handler bodies and error strings are grounded on
// original_source/guest_agent/agent.py's GuestAgent methods, translated
// from Python's Path/os calls into the Go standard library's os/exec and
// io/fs equivalents.
package guestagent

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kilnvm/kiln/internal/guestproto"
)

// Handle routes req to the handler for its Action, returning
// {success:false, error:"unknown action"} for anything else, per spec.md §9.
func Handle(ctx context.Context, req guestproto.Request) guestproto.Response {
	switch req.Action {
	case "ping":
		return handlePing()
	case "exec":
		return handleExec(ctx, req)
	case "read_file":
		return handleReadFile(req)
	case "write_file":
		return handleWriteFile(req)
	case "delete_file":
		return handleDeleteFile(req)
	case "list_files":
		return handleListFiles(req)
	case "mkdir":
		return handleMkdir(req)
	case "stat":
		return handleStat(req)
	default:
		return guestproto.Response{Success: false, Error: "unknown action"}
	}
}

func handlePing() guestproto.Response {
	return guestproto.Response{
		Success:   true,
		Message:   "pong",
		Workspace: guestproto.DefaultWorkingDir,
		PID:       os.Getpid(),
	}
}

func handleExec(ctx context.Context, req guestproto.Request) guestproto.Response {
	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = guestproto.DefaultWorkingDir
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = guestproto.DefaultExecTimeoutSeconds
	}

	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return guestproto.Response{Success: false, Error: err.Error(), ExitCode: -1}
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", req.Command)
	cmd.Dir = workingDir
	cmd.Env = mergeEnv(req.Env)
	// The shell runs in its own process group so a timeout kills everything
	// it started; otherwise a child still holding the output pipes keeps Run
	// waiting past the deadline.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = time.Second

	stdout, stderr, runErr := runCaptured(cmd)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return guestproto.Response{
			Success:  false,
			Error:    fmt.Sprintf("Command timed out after %d seconds", timeout),
			ExitCode: -1,
		}
	}
	if runErr == nil {
		return guestproto.Response{Success: true, ExitCode: 0, Stdout: stdout, Stderr: stderr}
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return guestproto.Response{Success: true, ExitCode: exitErr.ExitCode(), Stdout: stdout, Stderr: stderr}
	}
	return guestproto.Response{Success: false, Error: runErr.Error(), ExitCode: -1}
}

func runCaptured(cmd *exec.Cmd) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

func handleReadFile(req guestproto.Request) guestproto.Response {
	info, err := os.Stat(req.Path)
	if os.IsNotExist(err) {
		return guestproto.Response{Success: false, Error: fmt.Sprintf("File not found: %s", req.Path)}
	}
	if err != nil {
		return permissionAware(err, req.Path)
	}
	if info.IsDir() {
		return guestproto.Response{Success: false, Error: fmt.Sprintf("Not a file: %s", req.Path)}
	}

	data, err := os.ReadFile(req.Path)
	if err != nil {
		return permissionAware(err, req.Path)
	}
	return guestproto.Response{
		Success: true,
		Content: base64.StdEncoding.EncodeToString(data),
		Size:    info.Size(),
	}
}

func handleWriteFile(req guestproto.Request) guestproto.Response {
	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return permissionAware(err, req.Path)
	}

	var data []byte
	if req.IsBase64 {
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return guestproto.Response{Success: false, Error: err.Error()}
		}
		data = decoded
	} else {
		data = []byte(req.Content)
	}

	mode := os.FileMode(0o644)
	if req.Mode != nil {
		mode = os.FileMode(*req.Mode)
	}
	if err := os.WriteFile(req.Path, data, mode); err != nil {
		return permissionAware(err, req.Path)
	}
	if req.Mode != nil {
		if err := os.Chmod(req.Path, mode); err != nil {
			return permissionAware(err, req.Path)
		}
	}

	info, err := os.Stat(req.Path)
	if err != nil {
		return permissionAware(err, req.Path)
	}
	return guestproto.Response{Success: true, Path: req.Path, Size: info.Size()}
}

func handleDeleteFile(req guestproto.Request) guestproto.Response {
	info, err := os.Stat(req.Path)
	if os.IsNotExist(err) {
		return guestproto.Response{Success: false, Error: fmt.Sprintf("Path not found: %s", req.Path)}
	}
	if err != nil {
		return permissionAware(err, req.Path)
	}

	if info.IsDir() {
		if req.Recursive {
			err = os.RemoveAll(req.Path)
		} else {
			err = os.Remove(req.Path)
		}
	} else {
		err = os.Remove(req.Path)
	}
	if err != nil {
		return permissionAware(err, req.Path)
	}
	return guestproto.Response{Success: true, Path: req.Path}
}

func handleListFiles(req guestproto.Request) guestproto.Response {
	path := req.Path
	if path == "" {
		path = guestproto.DefaultWorkingDir
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return guestproto.Response{Success: false, Error: fmt.Sprintf("Directory not found: %s", path)}
	}
	if err != nil {
		return permissionAware(err, path)
	}
	if !info.IsDir() {
		return guestproto.Response{Success: false, Error: fmt.Sprintf("Not a directory: %s", path)}
	}

	var entries []guestproto.FileEntry
	if req.Recursive {
		_ = filepath.Walk(path, func(p string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil || p == path {
				return nil
			}
			rel, _ := filepath.Rel(path, p)
			entries = append(entries, toFileEntry(rel, p, fi))
			return nil
		})
	} else {
		children, err := os.ReadDir(path)
		if err != nil {
			return permissionAware(err, path)
		}
		for _, child := range children {
			fi, err := child.Info()
			if err != nil {
				continue
			}
			entries = append(entries, toFileEntry(child.Name(), filepath.Join(path, child.Name()), fi))
		}
	}
	return guestproto.Response{Success: true, Entries: entries}
}

func toFileEntry(name, fullPath string, fi os.FileInfo) guestproto.FileEntry {
	size := int64(0)
	if !fi.IsDir() {
		size = fi.Size()
	}
	return guestproto.FileEntry{
		Name:     name,
		Path:     fullPath,
		IsDir:    fi.IsDir(),
		Size:     size,
		Modified: float64(fi.ModTime().UnixNano()) / 1e9,
	}
}

func handleMkdir(req guestproto.Request) guestproto.Response {
	parents := true
	if req.Parents != nil {
		parents = *req.Parents
	}

	var err error
	if parents {
		err = os.MkdirAll(req.Path, 0o755)
	} else {
		err = os.Mkdir(req.Path, 0o755)
		if os.IsExist(err) {
			err = nil
		}
	}
	if err != nil {
		return permissionAware(err, req.Path)
	}
	return guestproto.Response{Success: true, Path: req.Path}
}

func handleStat(req guestproto.Request) guestproto.Response {
	info, err := os.Lstat(req.Path)
	if os.IsNotExist(err) {
		return guestproto.Response{Success: false, Error: fmt.Sprintf("Path not found: %s", req.Path)}
	}
	if err != nil {
		return permissionAware(err, req.Path)
	}

	isSymlink := info.Mode()&os.ModeSymlink != 0
	target := info
	if isSymlink {
		if followed, err := os.Stat(req.Path); err == nil {
			target = followed
		}
	}

	resp := guestproto.Response{
		Success:   true,
		Path:      req.Path,
		IsFile:    target.Mode().IsRegular(),
		IsDir:     target.IsDir(),
		IsSymlink: isSymlink,
		Size:      info.Size(),
		Mode:      uint32(info.Mode().Perm()),
		Atime:     float64(info.ModTime().UnixNano()) / 1e9,
		Mtime:     float64(info.ModTime().UnixNano()) / 1e9,
		Ctime:     float64(info.ModTime().UnixNano()) / 1e9,
	}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		resp.UID = sys.Uid
		resp.GID = sys.Gid
		resp.Atime = float64(sys.Atim.Sec) + float64(sys.Atim.Nsec)/1e9
		resp.Mtime = float64(sys.Mtim.Sec) + float64(sys.Mtim.Nsec)/1e9
		resp.Ctime = float64(sys.Ctim.Sec) + float64(sys.Ctim.Nsec)/1e9
	}
	return resp
}

func permissionAware(err error, path string) guestproto.Response {
	if errors.Is(err, os.ErrPermission) {
		return guestproto.Response{Success: false, Error: fmt.Sprintf("Permission denied: %s", path)}
	}
	return guestproto.Response{Success: false, Error: err.Error()}
}

func mergeEnv(extra map[string]string) []string {
	base := map[string]string{}
	for _, entry := range os.Environ() {
		for i := 0; i < len(entry); i++ {
			if entry[i] == '=' {
				base[entry[:i]] = entry[i+1:]
				break
			}
		}
	}
	for k, v := range extra {
		base[k] = v
	}
	if base["HOME"] == "" {
		if u, err := user.Current(); err == nil && u.HomeDir != "" {
			base["HOME"] = u.HomeDir
		} else {
			base["HOME"] = "/root"
		}
	}
	if base["PATH"] == "" {
		base["PATH"] = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}

	out := make([]string, 0, len(base))
	for k, v := range base {
		out = append(out, k+"="+v)
	}
	return out
}
