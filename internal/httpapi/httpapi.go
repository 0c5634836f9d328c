// Package httpapi is the thin REST façade over internal/sandbox.Manager,
// spec.md §6's exact route table. Router setup, the health/error response
// shapes and the auth middleware pattern are grounded on
// pkg/workloadmanager/server.go and auth.go (gin.New, a route group with
// Use(middleware), a Bearer/header check short-circuiting with
// c.AbortWithStatusJSON) from the agentcube example, generalized from a
// Kubernetes bearer token to spec.md §6's static `X-API-Key` header.
package httpapi

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kilnvm/kiln/internal/guestproto"
	"github.com/kilnvm/kiln/internal/kilnerr"
	"github.com/kilnvm/kiln/internal/sandbox"
	"github.com/kilnvm/kiln/internal/statestore"
)

func toDescriptorJSON(d statestore.Descriptor) gin.H {
	return gin.H{
		"sandbox_id":   d.SandboxID,
		"workspace_id": d.WorkspaceID,
		"template":     d.Template,
		"memory_mb":    d.MemoryMiB,
		"vcpu_count":   d.VCPUCount,
		"status":       d.Status,
		"created_at":   d.CreatedAt,
	}
}

// Server adapts sandbox.Manager to spec.md §6's HTTP surface.
type Server struct {
	manager *sandbox.Manager
	apiKey  string
	router  *gin.Engine
}

// New builds a Server. apiKey empty disables the X-API-Key check, matching
// SecurityConfig.api_key_enabled in the original Python service.
func New(manager *sandbox.Manager, apiKey string) *Server {
	s := &Server{manager: manager, apiKey: apiKey}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// Handler returns the http.Handler to pass to an http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	sandboxes := s.router.Group("/")
	sandboxes.Use(s.authMiddleware)
	sandboxes.POST("/sandboxes", s.handleCreate)
	sandboxes.GET("/sandboxes/:id", s.handleGet)
	sandboxes.DELETE("/sandboxes/:id", s.handleDestroy)
	sandboxes.POST("/sandboxes/:id/exec", s.handleExec)
	sandboxes.POST("/sandboxes/:id/files/write", s.handleWriteFile)
	sandboxes.GET("/sandboxes/:id/files/read", s.handleReadFile)
	sandboxes.GET("/sandboxes/:id/files/list", s.handleListFiles)
	sandboxes.POST("/sandboxes/:id/pause", s.handlePause)
	sandboxes.POST("/sandboxes/:id/resume", s.handleResume)
}

// authMiddleware checks X-API-Key when an api key is configured.
func (s *Server) authMiddleware(c *gin.Context) {
	if s.apiKey == "" {
		c.Next()
		return
	}
	if c.GetHeader("X-API-Key") != s.apiKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing X-API-Key"})
		return
	}
	c.Next()
}

// statusForKind maps a kilnerr.Kind to the HTTP status table of spec.md §7.
func statusForKind(kind kilnerr.Kind) int {
	switch kind {
	case kilnerr.InvalidRequest:
		return http.StatusBadRequest
	case kilnerr.NotFound:
		return http.StatusNotFound
	case kilnerr.WrongState:
		return http.StatusConflict
	case kilnerr.AtCapacity:
		return http.StatusServiceUnavailable
	case kilnerr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusForKind(kilnerr.KindOf(err)), gin.H{"error": err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	h := s.manager.Health()
	c.JSON(http.StatusOK, gin.H{
		"status":              "ok",
		"active_sandboxes":    h.ActiveSandboxes,
		"max_sandboxes":       h.MaxSandboxes,
		"memory_used_mb":      h.MemoryUsedMiB,
		"memory_available_mb": h.MemoryAvailableMiB,
	})
}

type createRequest struct {
	Template    string `json:"template"`
	MemoryMB    int64  `json:"memory_mb"`
	VCPUCount   int64  `json:"vcpu_count"`
	WorkspaceID string `json:"workspace_id"`
}

func (s *Server) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	desc, err := s.manager.Create(c.Request.Context(), sandbox.CreateRequest{
		Template:    req.Template,
		MemoryMiB:   req.MemoryMB,
		VCPUCount:   req.VCPUCount,
		WorkspaceID: req.WorkspaceID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDescriptorJSON(desc))
}

func (s *Server) handleGet(c *gin.Context) {
	desc, err := s.manager.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDescriptorJSON(desc))
}

func (s *Server) handleDestroy(c *gin.Context) {
	if err := s.manager.Destroy(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "destroyed"})
}

type execRequest struct {
	Command        string            `json:"command"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	WorkingDir     string            `json:"working_dir"`
	Env            map[string]string `json:"env"`
}

func (s *Server) handleExec(c *gin.Context) {
	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	started := time.Now()
	resp, err := s.manager.Exec(c.Request.Context(), c.Param("id"), req.Command, req.TimeoutSeconds, req.WorkingDir, req.Env)
	if err != nil {
		respondError(c, err)
		return
	}
	if !resp.Success {
		c.JSON(http.StatusOK, gin.H{"exit_code": -1, "stdout": resp.Stdout, "stderr": resp.Error, "duration_ms": time.Since(started).Milliseconds()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exit_code":   resp.ExitCode,
		"stdout":      resp.Stdout,
		"stderr":      resp.Stderr,
		"duration_ms": time.Since(started).Milliseconds(),
	})
}

type writeFileRequest struct {
	Path    string  `json:"path"`
	Content string  `json:"content"`
	Base64  bool    `json:"is_base64"`
	Mode    *uint32 `json:"mode"`
}

func (s *Server) handleWriteFile(c *gin.Context) {
	var req writeFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	content := req.Content
	if !req.Base64 {
		content = base64.StdEncoding.EncodeToString([]byte(req.Content))
	}

	resp, err := s.manager.WriteFile(c.Request.Context(), c.Param("id"), req.Path, content, req.Mode)
	if err != nil {
		respondError(c, err)
		return
	}
	if !resp.Success {
		c.JSON(http.StatusBadRequest, gin.H{"error": resp.Error})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": resp.Path, "size": resp.Size})
}

func (s *Server) handleReadFile(c *gin.Context) {
	resp, err := s.manager.ReadFile(c.Request.Context(), c.Param("id"), c.Query("path"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !resp.Success {
		c.JSON(http.StatusNotFound, gin.H{"error": resp.Error})
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": resp.Content, "size": resp.Size, "is_base64": true})
}

func (s *Server) handleListFiles(c *gin.Context) {
	recursive := c.Query("recursive") == "true"
	resp, err := s.manager.ListFiles(c.Request.Context(), c.Param("id"), c.Query("path"), recursive)
	if err != nil {
		respondError(c, err)
		return
	}
	if !resp.Success {
		c.JSON(http.StatusNotFound, gin.H{"error": resp.Error})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entriesJSON(resp.Entries)})
}

func entriesJSON(entries []guestproto.FileEntry) []gin.H {
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"name":     e.Name,
			"path":     e.Path,
			"is_dir":   e.IsDir,
			"size":     e.Size,
			"modified": e.Modified,
		})
	}
	return out
}

func (s *Server) handlePause(c *gin.Context) {
	desc, err := s.manager.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDescriptorJSON(desc))
}

func (s *Server) handleResume(c *gin.Context) {
	desc, err := s.manager.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDescriptorJSON(desc))
}
