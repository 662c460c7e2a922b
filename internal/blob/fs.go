package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FSStore keeps artifacts under a root directory; the locator is the
// slash-separated path relative to that root.
type FSStore struct {
	root string
}

// NewFSStore prepares a filesystem artifact store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, errors.New("artifact store root is required")
	}
	cleaned := filepath.Clean(trimmed)
	if err := os.MkdirAll(cleaned, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FSStore{root: cleaned}, nil
}

func (s *FSStore) resolve(locator string) (string, error) {
	cleaned := filepath.Clean(strings.TrimLeft(strings.TrimSpace(locator), "/"))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid locator %q", locator)
	}
	return filepath.Join(s.root, cleaned), nil
}

// Put streams body into a temp file and renames it into place, so partially
// written artifacts are never visible under the locator.
func (s *FSStore) Put(ctx context.Context, body io.Reader, info PutInfo) (string, error) {
	locator := strings.TrimLeft(strings.TrimSpace(info.Key), "/")
	if locator == "" {
		return "", errors.New("artifact key is required")
	}
	target, err := s.resolve(locator)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "artifact-*")
	if err != nil {
		return "", fmt.Errorf("create artifact temp: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, body); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("flush artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact temp: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	success = true
	return locator, nil
}

func (s *FSStore) Delete(ctx context.Context, locator string) error {
	target, err := s.resolve(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete artifact %s: %w", locator, err)
	}
	return nil
}

func (s *FSStore) Exists(ctx context.Context, locator string) (bool, error) {
	target, err := s.resolve(locator)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat artifact %s: %w", locator, err)
	}
	return true, nil
}

// Path reports the on-disk location for a locator when it exists.
func (s *FSStore) Path(locator string) (string, bool) {
	target, err := s.resolve(locator)
	if err != nil {
		return "", false
	}
	if _, err := os.Stat(target); err != nil {
		return "", false
	}
	return target, true
}
