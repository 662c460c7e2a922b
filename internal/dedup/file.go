package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"reelvault/internal/models"
)

// FileIndex persists the dedup table as a JSON document, rewritten atomically
// on every mutation. Suited to single-process deployments.
type FileIndex struct {
	mu       sync.RWMutex
	filePath string
	entries  map[string]models.DedupEntry
}

// NewFileIndex loads (or initializes) a file-backed dedup index at path.
func NewFileIndex(path string) (*FileIndex, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("dedup index path is required")
	}
	index := &FileIndex{
		filePath: filepath.Clean(trimmed),
		entries:  make(map[string]models.DedupEntry),
	}
	if err := index.load(); err != nil {
		return nil, err
	}
	return index, nil
}

func (i *FileIndex) load() error {
	if err := os.MkdirAll(filepath.Dir(i.filePath), 0o755); err != nil {
		return fmt.Errorf("create dedup index dir: %w", err)
	}
	file, err := os.Open(i.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open dedup index: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&i.entries); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode dedup index: %w", err)
	}
	return nil
}

func (i *FileIndex) persistLocked() error {
	dir := filepath.Dir(i.filePath)
	tmp, err := os.CreateTemp(dir, "dedup-*.json")
	if err != nil {
		return fmt.Errorf("create dedup temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(i.entries); err != nil {
		return fmt.Errorf("encode dedup index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("flush dedup index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close dedup temp file: %w", err)
	}
	if err := os.Rename(tmpPath, i.filePath); err != nil {
		return fmt.Errorf("replace dedup index: %w", err)
	}
	success = true
	return nil
}

func (i *FileIndex) Lookup(ctx context.Context, digest string) (models.DedupEntry, bool, error) {
	key := normalizeDigest(digest)
	if key == "" {
		return models.DedupEntry{}, false, nil
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	entry, ok := i.entries[key]
	return entry, ok, nil
}

func (i *FileIndex) Insert(ctx context.Context, entry models.DedupEntry) error {
	key := normalizeDigest(entry.Digest)
	if key == "" {
		return errors.New("dedup digest is required")
	}
	entry.Digest = key
	i.mu.Lock()
	defer i.mu.Unlock()
	previous, existed := i.entries[key]
	i.entries[key] = entry
	if err := i.persistLocked(); err != nil {
		if existed {
			i.entries[key] = previous
		} else {
			delete(i.entries, key)
		}
		return err
	}
	return nil
}

func (i *FileIndex) Remove(ctx context.Context, digest string) error {
	key := normalizeDigest(digest)
	if key == "" {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	previous, existed := i.entries[key]
	if !existed {
		return nil
	}
	delete(i.entries, key)
	if err := i.persistLocked(); err != nil {
		i.entries[key] = previous
		return err
	}
	return nil
}

func normalizeDigest(digest string) string {
	return strings.ToLower(strings.TrimSpace(digest))
}
