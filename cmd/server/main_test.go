package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveStoreDriverDefaultsToPostgres(t *testing.T) {
	driver, err := resolveStoreDriver("", "", "postgres://example")
	if err != nil {
		t.Fatalf("resolveStoreDriver returned error: %v", err)
	}
	if driver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", driver)
	}
}

func TestResolveStoreDriverDefaultsToMemory(t *testing.T) {
	driver, err := resolveStoreDriver("", "", "")
	if err != nil {
		t.Fatalf("resolveStoreDriver returned error: %v", err)
	}
	if driver != "memory" {
		t.Fatalf("expected memory driver, got %q", driver)
	}
}

func TestResolveStoreDriverExplicitWins(t *testing.T) {
	driver, err := resolveStoreDriver("Memory", "postgres", "postgres://example")
	if err != nil {
		t.Fatalf("resolveStoreDriver returned error: %v", err)
	}
	if driver != "memory" {
		t.Fatalf("expected explicit memory driver to win, got %q", driver)
	}
}

func TestResolvePostgresDSNPriority(t *testing.T) {
	t.Setenv("REELVAULT_POSTGRES_DSN", "postgres://env")
	t.Setenv("DATABASE_URL", "postgres://database")
	got := resolvePostgresDSN("postgres://flag")
	if got != "postgres://flag" {
		t.Fatalf("expected flag DSN to win, got %q", got)
	}
	got = resolvePostgresDSN("")
	if got != "postgres://env" {
		t.Fatalf("expected REELVAULT_POSTGRES_DSN to win, got %q", got)
	}
	t.Setenv("REELVAULT_POSTGRES_DSN", "")
	got = resolvePostgresDSN("")
	if got != "postgres://database" {
		t.Fatalf("expected DATABASE_URL fallback, got %q", got)
	}
}

func TestConfigureDedupIndexDefaultsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedup.json")
	index, closer, err := configureDedupIndex(dedupConfig{FilePath: path})
	if err != nil {
		t.Fatalf("configureDedupIndex returned error: %v", err)
	}
	if index == nil {
		t.Fatalf("configureDedupIndex returned nil index")
	}
	if closer != nil {
		t.Fatalf("file index should not need a closer")
	}
}

func TestConfigureDedupIndexRedisMissingAddress(t *testing.T) {
	if _, _, err := configureDedupIndex(dedupConfig{Driver: "redis"}); err == nil {
		t.Fatal("configureDedupIndex redis expected error when addr missing")
	}
}

func TestConfigureDedupIndexUnsupportedDriver(t *testing.T) {
	if _, _, err := configureDedupIndex(dedupConfig{Driver: "bolt"}); err == nil {
		t.Fatal("configureDedupIndex expected error for unsupported driver")
	}
}

func TestConfigureBlobStoreDefaultsToS3WhenConfigured(t *testing.T) {
	cfg := blobConfig{}
	cfg.S3.Endpoint = "http://127.0.0.1:9000"
	cfg.S3.Bucket = "artifacts"
	store, err := configureBlobStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("configureBlobStore returned error: %v", err)
	}
	if store == nil {
		t.Fatalf("configureBlobStore returned nil store")
	}
}

func TestConfigureBlobStoreFS(t *testing.T) {
	store, err := configureBlobStore(blobConfig{Driver: "fs", Dir: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatalf("configureBlobStore returned error: %v", err)
	}
	if store == nil {
		t.Fatalf("configureBlobStore returned nil store")
	}
}

func TestConfigureBlobStoreUnsupportedDriver(t *testing.T) {
	if _, err := configureBlobStore(blobConfig{Driver: "tape"}, testLogger()); err == nil {
		t.Fatal("configureBlobStore expected error for unsupported driver")
	}
}

func TestModeValueDefaultsToDevelopment(t *testing.T) {
	if mode := modeValue("", ""); mode != "development" {
		t.Fatalf("expected development default, got %q", mode)
	}
	if mode := modeValue(" Production ", ""); mode != "production" {
		t.Fatalf("expected trimmed lowercase mode, got %q", mode)
	}
}

func TestResolveListenAddr(t *testing.T) {
	if addr := resolveListenAddr("", "production", ""); addr != ":80" {
		t.Fatalf("expected production default :80, got %q", addr)
	}
	if addr := resolveListenAddr("", "development", ""); addr != ":8080" {
		t.Fatalf("expected development default :8080, got %q", addr)
	}
	if addr := resolveListenAddr(":9000", "production", ":7000"); addr != ":9000" {
		t.Fatalf("expected flag addr to win, got %q", addr)
	}
	if addr := resolveListenAddr("", "production", ":7000"); addr != ":7000" {
		t.Fatalf("expected env addr to win over default, got %q", addr)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" https://a.example , ,https://b.example ")
	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if out := splitAndTrim("  "); out != nil {
		t.Fatalf("expected nil for blank input, got %v", out)
	}
}

func TestResolveDurationEnvFallback(t *testing.T) {
	t.Setenv("REELVAULT_TEST_DURATION", "90s")
	if got := resolveDuration(0, "REELVAULT_TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Fatalf("expected env duration, got %v", got)
	}
	if got := resolveDuration(2*time.Minute, "REELVAULT_TEST_DURATION", time.Minute); got != 2*time.Minute {
		t.Fatalf("expected flag duration to win, got %v", got)
	}
	if got := resolveDuration(0, "REELVAULT_TEST_DURATION_UNSET", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback duration, got %v", got)
	}
}

func TestResolveBoolEnvFallback(t *testing.T) {
	t.Setenv("REELVAULT_TEST_BOOL", "true")
	if !resolveBool(false, "REELVAULT_TEST_BOOL") {
		t.Fatal("expected env true to apply")
	}
	t.Setenv("REELVAULT_TEST_BOOL", "not-a-bool")
	if resolveBool(false, "REELVAULT_TEST_BOOL") {
		t.Fatal("expected invalid env value to be ignored")
	}
}
