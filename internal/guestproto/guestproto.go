// Package guestproto defines the wire shapes exchanged with the in-guest
// agent over internal/vsockrpc: a single Request and a single Response
// envelope covering every action of spec.md §4.4 (ping, exec, read_file,
// write_file, list_files, mkdir, stat, delete_file), plus one builder per action.
// Request fields are a superset union, decoded generically by the agent on
// the "action" tag and consumed as typed requests/responses by
// internal/sandbox on the host side, grounded on the field names and
// defaults of original_source/guest_agent/agent.py's GuestAgent handlers.
package guestproto

// Request is the envelope every call sends; unused fields for a given
// action are simply omitted by the caller and ignored by the handler.
type Request struct {
	Action     string            `json:"action"`
	Command    string            `json:"command,omitempty"`
	Timeout    int               `json:"timeout,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Path       string            `json:"path,omitempty"`
	Content    string            `json:"content,omitempty"`
	IsBase64   bool              `json:"is_base64,omitempty"`
	Mode       *uint32           `json:"mode,omitempty"`
	Recursive  bool              `json:"recursive,omitempty"`
	Parents    *bool             `json:"parents,omitempty"`
}

// Response is the envelope every call receives. Every response carries
// Success plus either the action's result fields or Error, per spec.md §4.4.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// exec
	ExitCode int    `json:"exit_code,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`

	// read_file / write_file
	Content string `json:"content,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Path    string `json:"path,omitempty"`

	// list_files
	Entries []FileEntry `json:"entries,omitempty"`

	// stat
	IsFile    bool    `json:"is_file,omitempty"`
	IsDir     bool    `json:"is_dir,omitempty"`
	IsSymlink bool    `json:"is_symlink,omitempty"`
	Mode      uint32  `json:"mode,omitempty"`
	UID       uint32  `json:"uid,omitempty"`
	GID       uint32  `json:"gid,omitempty"`
	Atime     float64 `json:"atime,omitempty"`
	Mtime     float64 `json:"mtime,omitempty"`
	Ctime     float64 `json:"ctime,omitempty"`

	// ping
	Message   string `json:"message,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	PID       int    `json:"pid,omitempty"`
}

// FileEntry is one row of a list_files response.
type FileEntry struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	IsDir    bool    `json:"is_dir"`
	Size     int64   `json:"size"`
	Modified float64 `json:"modified"`
}

// DefaultWorkingDir is the working directory exec and list_files default to
// when the caller omits one, per spec.md §4.4 / the original agent's
// WORKSPACE_DIR.
const DefaultWorkingDir = "/workspace"

// DefaultExecTimeoutSeconds is the exec timeout used when the caller omits
// one.
const DefaultExecTimeoutSeconds = 300

// Ping builds a ping request.
func Ping() Request { return Request{Action: "ping"} }

// Exec builds an exec request with spec.md §4.4 defaults filled in.
func Exec(command string, timeoutSeconds int, workingDir string, env map[string]string) Request {
	if timeoutSeconds <= 0 {
		timeoutSeconds = DefaultExecTimeoutSeconds
	}
	if workingDir == "" {
		workingDir = DefaultWorkingDir
	}
	return Request{
		Action:     "exec",
		Command:    command,
		Timeout:    timeoutSeconds,
		WorkingDir: workingDir,
		Env:        env,
	}
}

// ReadFile builds a read_file request.
func ReadFile(path string) Request {
	return Request{Action: "read_file", Path: path}
}

// WriteFile builds a write_file request. content is always base64, matching
// the host side's choice to always encode binary at the wire boundary.
func WriteFile(path, base64Content string, mode *uint32) Request {
	return Request{Action: "write_file", Path: path, Content: base64Content, IsBase64: true, Mode: mode}
}

// DeleteFile builds a delete_file request.
func DeleteFile(path string, recursive bool) Request {
	return Request{Action: "delete_file", Path: path, Recursive: recursive}
}

// ListFiles builds a list_files request.
func ListFiles(path string, recursive bool) Request {
	if path == "" {
		path = DefaultWorkingDir
	}
	return Request{Action: "list_files", Path: path, Recursive: recursive}
}

// Mkdir builds a mkdir request, always sending parents explicitly. A request
// that omits parents is treated as parents=true by the agent, matching the
// original agent's default.
func Mkdir(path string, parents bool) Request {
	p := parents
	return Request{Action: "mkdir", Path: path, Parents: &p}
}

// Stat builds a stat request.
func Stat(path string) Request {
	return Request{Action: "stat", Path: path}
}
