package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reelvault/internal/api"
	"reelvault/internal/blob"
	"reelvault/internal/catalog"
	"reelvault/internal/chunkstore"
	"reelvault/internal/dedup"
	"reelvault/internal/digest"
	"reelvault/internal/session"
	"reelvault/internal/upload"
)

func newTestHandler(t *testing.T) *api.Handler {
	t.Helper()
	root := t.TempDir()
	chunks, err := chunkstore.New(filepath.Join(root, "chunks"))
	if err != nil {
		t.Fatalf("chunk store: %v", err)
	}
	index, err := dedup.NewFileIndex(filepath.Join(root, "dedup.json"))
	if err != nil {
		t.Fatalf("dedup index: %v", err)
	}
	blobs, err := blob.NewFSStore(filepath.Join(root, "artifacts"))
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := upload.NewManager(upload.Config{
		Sessions:   session.NewMemoryStore(),
		Chunks:     chunks,
		Dedup:      index,
		Blobs:      blobs,
		Catalog:    catalog.NewMemoryCatalog(),
		ChunkSize:  4,
		SessionTTL: time.Hour,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return api.NewHandler(manager, logger)
}

func newTestServer(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv, err := New(newTestHandler(t), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.HTTPServer().Handler
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestServer(t, Config{})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	handler := newTestServer(t, Config{})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "reelvault_") {
		t.Fatalf("expected metric families in output, got %q", rr.Body.String())
	}
}

func TestUploadFlowThroughMiddlewareChain(t *testing.T) {
	handler := newTestServer(t, Config{})
	payload := []byte("body")
	body, _ := json.Marshal(map[string]any{
		"filename": "clip.mp4",
		"size":     len(payload),
		"digest":   digest.Bytes(payload),
	})

	req := httptest.NewRequest(http.MethodPost, "/api/uploads/init", strings.NewReader(string(body)))
	req.Header.Set("X-Owner-ID", "owner-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("init returned %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header from the middleware chain")
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers from the middleware chain")
	}
}

func TestInitRateLimitReturns429(t *testing.T) {
	handler := newTestServer(t, Config{
		RateLimit: RateLimitConfig{InitLimit: 1, InitWindow: time.Minute},
	})

	send := func() *httptest.ResponseRecorder {
		payload := []byte("body")
		body, _ := json.Marshal(map[string]any{
			"filename": "clip.mp4",
			"size":     len(payload),
			"digest":   digest.Bytes(payload),
		})
		req := httptest.NewRequest(http.MethodPost, "/api/uploads/init", strings.NewReader(string(body)))
		req.Header.Set("X-Owner-ID", "owner-1")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if first := send(); first.Code != http.StatusOK {
		t.Fatalf("first init should pass the limiter, got %d", first.Code)
	}
	second := send()
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second init should be limited, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on limited response")
	}
}

func TestGlobalRateLimit(t *testing.T) {
	handler := newTestServer(t, Config{
		RateLimit: RateLimitConfig{GlobalRPS: 1, GlobalBurst: 1},
	})

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", first.Code)
	}
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second immediate request should be limited, got %d", second.Code)
	}
}

func TestNewRejectsInvalidCORSOrigin(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(newTestHandler(t), Config{
		Logger: logger,
		CORS:   CORSConfig{AllowedOrigins: []string{"no-scheme.example.com"}},
	})
	if err == nil {
		t.Fatal("expected invalid origin to fail server construction")
	}
}
