package chunkstore

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for blank root")
	}
}

func TestWriteChunkLastWriteWins(t *testing.T) {
	store := newStore(t)
	existed, err := store.WriteChunk("sess1", 0, []byte("first"))
	if err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	if existed {
		t.Fatal("first write should not report an existing payload")
	}
	existed, err = store.WriteChunk("sess1", 0, []byte("second"))
	if err != nil {
		t.Fatalf("rewrite chunk: %v", err)
	}
	if !existed {
		t.Fatal("second write should report replacement")
	}

	reader, err := store.OpenSequential("sess1", 1)
	if err != nil {
		t.Fatalf("open sequential: %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("expected last write to win, got %q", data)
	}
}

func TestAbortPreservesCommittedChunk(t *testing.T) {
	store := newStore(t)
	if _, err := store.WriteChunk("sess1", 0, []byte("keep")); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	writer, err := store.StageChunk("sess1", 0)
	if err != nil {
		t.Fatalf("stage chunk: %v", err)
	}
	if _, err := writer.Write([]byte("discard")); err != nil {
		t.Fatalf("write staged: %v", err)
	}
	writer.Abort()

	size, err := store.ChunkSize("sess1", 0)
	if err != nil {
		t.Fatalf("chunk size: %v", err)
	}
	if size != int64(len("keep")) {
		t.Fatalf("aborted staging clobbered the committed chunk: size %d", size)
	}
}

func TestOpenSequentialOrdersChunks(t *testing.T) {
	store := newStore(t)
	// Written out of order; the reader must still produce index order.
	for _, chunk := range []struct {
		index int
		data  string
	}{{2, "cc"}, {0, "aa"}, {1, "bb"}} {
		if _, err := store.WriteChunk("sess1", chunk.index, []byte(chunk.data)); err != nil {
			t.Fatalf("write chunk %d: %v", chunk.index, err)
		}
	}
	reader, err := store.OpenSequential("sess1", 3)
	if err != nil {
		t.Fatalf("open sequential: %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "aabbcc" {
		t.Fatalf("expected ordered concatenation, got %q", data)
	}
}

func TestOpenSequentialMissingChunkFails(t *testing.T) {
	store := newStore(t)
	if _, err := store.WriteChunk("sess1", 0, []byte("aa")); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	reader, err := store.OpenSequential("sess1", 2)
	if err != nil {
		t.Fatalf("open sequential: %v", err)
	}
	defer reader.Close()
	if _, err := io.ReadAll(reader); err == nil {
		t.Fatal("expected read error for missing chunk 1")
	}
}

func TestHasChunk(t *testing.T) {
	store := newStore(t)
	if store.HasChunk("sess1", 0) {
		t.Fatal("chunk should not exist before write")
	}
	if _, err := store.WriteChunk("sess1", 0, []byte("aa")); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	if !store.HasChunk("sess1", 0) {
		t.Fatal("chunk should exist after write")
	}
}

func TestRemoveNamespaceIdempotent(t *testing.T) {
	store := newStore(t)
	if _, err := store.WriteChunk("sess1", 0, []byte("aa")); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	if err := store.RemoveNamespace("sess1"); err != nil {
		t.Fatalf("remove namespace: %v", err)
	}
	if err := store.RemoveNamespace("sess1"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "sess1")); !os.IsNotExist(err) {
		t.Fatal("namespace directory should be gone")
	}
}

func TestNamespacesListsSessions(t *testing.T) {
	store := newStore(t)
	for _, id := range []string{"sess1", "sess2"} {
		if err := store.CreateNamespace(id); err != nil {
			t.Fatalf("create namespace %s: %v", id, err)
		}
	}
	names, err := store.Namespaces()
	if err != nil {
		t.Fatalf("namespaces: %v", err)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "sess1" || names[1] != "sess2" {
		t.Fatalf("unexpected namespaces %v", names)
	}
}

func TestNamespaceRejectsTraversal(t *testing.T) {
	store := newStore(t)
	for _, id := range []string{"", "..", "../escape", "a/b", ".hidden"} {
		if err := store.CreateNamespace(id); err == nil {
			t.Errorf("expected namespace %q to be rejected", id)
		}
	}
}
