package blob

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestFSStorePutExistsDelete(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	ctx := context.Background()

	locator, err := store.Put(ctx, strings.NewReader("payload"), PutInfo{Key: "artifacts/abc.mp4", Size: 7})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if locator != "artifacts/abc.mp4" {
		t.Fatalf("unexpected locator %q", locator)
	}

	exists, err := store.Exists(ctx, locator)
	if err != nil || !exists {
		t.Fatalf("expected artifact to exist, got exists=%v err=%v", exists, err)
	}

	path, ok := store.Path(locator)
	if !ok {
		t.Fatal("expected on-disk path for stored artifact")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read stored artifact: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected stored contents %q", data)
	}

	if err := store.Delete(ctx, locator); err != nil {
		t.Fatalf("delete: %v", err)
	}
	exists, err = store.Exists(ctx, locator)
	if err != nil || exists {
		t.Fatalf("expected artifact gone, got exists=%v err=%v", exists, err)
	}
	// Deleting an absent locator is a no-op.
	if err := store.Delete(ctx, locator); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestFSStoreRejectsTraversal(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Put(ctx, strings.NewReader("x"), PutInfo{Key: "../escape"}); err == nil {
		t.Fatal("expected traversal locator to be rejected on put")
	}
	if _, err := store.Exists(ctx, "../escape"); err == nil {
		t.Fatal("expected traversal locator to be rejected on exists")
	}
	if _, err := store.Put(ctx, strings.NewReader("x"), PutInfo{Key: "  "}); err == nil {
		t.Fatal("expected blank key to be rejected")
	}
}

func TestFSStorePutOverwrites(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Put(ctx, strings.NewReader("first"), PutInfo{Key: "artifacts/x"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, strings.NewReader("second"), PutInfo{Key: "artifacts/x"}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	path, _ := store.Path("artifacts/x")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("expected overwrite to win, got %q", data)
	}
}

func TestNoopStore(t *testing.T) {
	store := NoopStore{}
	ctx := context.Background()
	locator, err := store.Put(ctx, strings.NewReader("x"), PutInfo{Key: "artifacts/x"})
	if err != nil {
		t.Fatalf("noop put: %v", err)
	}
	if locator != "artifacts/x" {
		t.Fatalf("unexpected locator %q", locator)
	}
	if exists, err := store.Exists(ctx, locator); err != nil || exists {
		t.Fatalf("noop store should never report existing artifacts, got exists=%v err=%v", exists, err)
	}
	if err := store.Delete(ctx, locator); err != nil {
		t.Fatalf("noop delete: %v", err)
	}
}
