package digest

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestCacheMemoizesByModTime(t *testing.T) {
	path := writeTempFile(t, "cached contents")
	cache := NewCache(4, time.Minute)

	first, err := cache.FileDigest(path)
	if err != nil {
		t.Fatalf("first digest: %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected one cached entry, got %d", cache.Len())
	}
	second, err := cache.FileDigest(path)
	if err != nil {
		t.Fatalf("second digest: %v", err)
	}
	if first != second {
		t.Fatalf("memoized digest changed: %s vs %s", first, second)
	}

	// A rewritten file with a different modification time must be rehashed.
	if err := os.WriteFile(path, []byte("different contents"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	third, err := cache.FileDigest(path)
	if err != nil {
		t.Fatalf("third digest: %v", err)
	}
	if third == first {
		t.Fatal("expected changed file to produce a new digest")
	}
}

func TestCacheExpiresEntries(t *testing.T) {
	path := writeTempFile(t, "expiring contents")
	cache := NewCache(4, time.Minute)
	current := time.Unix(1000, 0)
	cache.now = func() time.Time { return current }

	if _, err := cache.FileDigest(path); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected one entry, got %d", cache.Len())
	}

	current = current.Add(2 * time.Minute)
	if _, err := cache.FileDigest(path); err != nil {
		t.Fatalf("refresh after expiry: %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected expired entry to be replaced, got %d entries", cache.Len())
	}
}

func TestCacheEvictsOldestAtLimit(t *testing.T) {
	cache := NewCache(2, time.Hour)
	current := time.Unix(1000, 0)
	cache.now = func() time.Time { return current }

	dir := t.TempDir()
	for i, contents := range []string{"one", "two", "three"} {
		path := filepath.Join(dir, contents)
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
		current = current.Add(time.Second)
		if _, err := cache.FileDigest(path); err != nil {
			t.Fatalf("digest %d: %v", i, err)
		}
	}

	if cache.Len() != 2 {
		t.Fatalf("expected cache bounded at 2 entries, got %d", cache.Len())
	}
}
