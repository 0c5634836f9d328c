package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/kilnvm/kiln/internal/artifacts"
	"github.com/kilnvm/kiln/internal/config"
	"github.com/kilnvm/kiln/internal/kilnerr"
	"github.com/kilnvm/kiln/internal/sandbox"
)

func testServer(t *testing.T, apiKey string) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		MaxSandboxes:     4,
		MemoryBudgetMiB:  4096,
		DefaultMemoryMiB: 512,
		MaxMemoryMiB:     2048,
		MinMemoryMiB:     256,
		DefaultVCPU:      1,
		MaxVCPU:          4,
		MinVCPU:          1,
		BootTimeoutS:     5,
		ExecTimeoutS:     300,
	}
	store := artifacts.New(t.TempDir())
	logger := log.NewWithOptions(io.Discard, log.Options{})
	manager := sandbox.New(cfg, store, logger)
	return New(manager, apiKey)
}

func doRequest(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(context.Background())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthNeedsNoAuth(t *testing.T) {
	s := testServer(t, "secret")
	w := doRequest(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["max_sandboxes"].(float64) != 4 {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestAuthMiddlewareRejectsMissingKey(t *testing.T) {
	s := testServer(t, "secret")
	w := doRequest(s, http.MethodGet, "/sandboxes/abc123ef", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuthMiddlewareAcceptsCorrectKey(t *testing.T) {
	s := testServer(t, "secret")
	w := doRequest(s, http.MethodGet, "/sandboxes/abc123ef", "", map[string]string{"X-API-Key": "secret"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sandbox, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAuthDisabledWhenNoAPIKeyConfigured(t *testing.T) {
	s := testServer(t, "")
	w := doRequest(s, http.MethodGet, "/sandboxes/abc123ef", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCreateRejectsInvalidMemory(t *testing.T) {
	s := testServer(t, "")
	w := doRequest(s, http.MethodPost, "/sandboxes", `{"memory_mb": 999999}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDestroyUnknownSandboxIsIdempotentOK(t *testing.T) {
	s := testServer(t, "")
	w := doRequest(s, http.MethodDelete, "/sandboxes/nonexistent", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestExecOnUnknownSandboxIsNotFound(t *testing.T) {
	s := testServer(t, "")
	w := doRequest(s, http.MethodPost, "/sandboxes/nonexistent/exec", `{"command": "echo hi"}`, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStatusForKind(t *testing.T) {
	cases := []struct {
		kind kilnerr.Kind
		want int
	}{
		{kilnerr.InvalidRequest, http.StatusBadRequest},
		{kilnerr.NotFound, http.StatusNotFound},
		{kilnerr.ArtifactMissing, http.StatusInternalServerError},
		{kilnerr.WrongState, http.StatusConflict},
		{kilnerr.AtCapacity, http.StatusServiceUnavailable},
		{kilnerr.Timeout, http.StatusGatewayTimeout},
		{kilnerr.VmmUnresponsive, http.StatusInternalServerError},
		{kilnerr.VmmSpawn, http.StatusInternalServerError},
		{kilnerr.VmmProtocol, http.StatusInternalServerError},
		{kilnerr.Transport, http.StatusInternalServerError},
		{kilnerr.Protocol, http.StatusInternalServerError},
		{kilnerr.MessageTooLarge, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusForKind(c.kind); got != c.want {
			t.Errorf("statusForKind(%s) = %d, want %d", c.kind, got, c.want)
		}
	}
}
