// Package chunkstore persists individually-indexed chunk payloads on the
// local filesystem, one directory per upload session.
package chunkstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store owns a root directory containing one namespace directory per session.
type Store struct {
	root string
}

// New prepares a chunk store rooted at the provided directory.
func New(root string) (*Store, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, errors.New("chunk store root is required")
	}
	cleaned := filepath.Clean(trimmed)
	if err := os.MkdirAll(cleaned, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk store root: %w", err)
	}
	return &Store{root: cleaned}, nil
}

// Root returns the directory the store operates under.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) namespaceDir(sessionID string) (string, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid session namespace %q", sessionID)
	}
	return filepath.Join(s.root, id), nil
}

func chunkFilename(index int) string {
	return fmt.Sprintf("chunk-%08d", index)
}

// CreateNamespace allocates the directory holding a session's chunks. It is
// idempotent.
func (s *Store) CreateNamespace(sessionID string) error {
	dir, err := s.namespaceDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create chunk namespace: %w", err)
	}
	return nil
}

// ChunkWriter stages one chunk payload. Commit atomically replaces any prior
// payload for the index; Abort discards the staged bytes.
type ChunkWriter struct {
	file     *os.File
	tmpPath  string
	final    string
	finished bool
}

// StageChunk opens a staging writer for the chunk at the given index. The
// payload becomes visible only on Commit, so a failed or abandoned upload of
// a chunk never clobbers an existing one.
func (s *Store) StageChunk(sessionID string, index int) (*ChunkWriter, error) {
	if index < 0 {
		return nil, fmt.Errorf("invalid chunk index %d", index)
	}
	dir, err := s.namespaceDir(sessionID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk namespace: %w", err)
	}
	tmp, err := os.CreateTemp(dir, chunkFilename(index)+".staging-*")
	if err != nil {
		return nil, fmt.Errorf("stage chunk %d: %w", index, err)
	}
	return &ChunkWriter{
		file:    tmp,
		tmpPath: tmp.Name(),
		final:   filepath.Join(dir, chunkFilename(index)),
	}, nil
}

func (w *ChunkWriter) Write(p []byte) (int, error) {
	if w.finished {
		return 0, errors.New("chunk writer already finished")
	}
	return w.file.Write(p)
}

// Commit durably replaces the chunk payload and reports whether a payload for
// the index already existed (last write wins either way).
func (w *ChunkWriter) Commit() (bool, error) {
	if w.finished {
		return false, errors.New("chunk writer already finished")
	}
	w.finished = true
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		_ = os.Remove(w.tmpPath)
		return false, fmt.Errorf("flush chunk: %w", err)
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return false, fmt.Errorf("close chunk: %w", err)
	}
	_, statErr := os.Stat(w.final)
	existed := statErr == nil
	if err := os.Rename(w.tmpPath, w.final); err != nil {
		_ = os.Remove(w.tmpPath)
		return false, fmt.Errorf("commit chunk: %w", err)
	}
	return existed, nil
}

// Abort discards the staged payload without touching any committed chunk.
func (w *ChunkWriter) Abort() {
	if w.finished {
		return
	}
	w.finished = true
	_ = w.file.Close()
	_ = os.Remove(w.tmpPath)
}

// WriteChunk stores an in-memory payload under (sessionID, index). Returns
// whether a payload for the index already existed.
func (s *Store) WriteChunk(sessionID string, index int, payload []byte) (bool, error) {
	writer, err := s.StageChunk(sessionID, index)
	if err != nil {
		return false, err
	}
	if _, err := writer.Write(payload); err != nil {
		writer.Abort()
		return false, fmt.Errorf("write chunk %d: %w", index, err)
	}
	return writer.Commit()
}

// HasChunk reports whether a committed payload exists for the index.
func (s *Store) HasChunk(sessionID string, index int) bool {
	dir, err := s.namespaceDir(sessionID)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, chunkFilename(index)))
	return err == nil
}

// ChunkSize returns the stored payload size for the index.
func (s *Store) ChunkSize(sessionID string, index int) (int64, error) {
	dir, err := s.namespaceDir(sessionID)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(filepath.Join(dir, chunkFilename(index)))
	if err != nil {
		return 0, fmt.Errorf("stat chunk %d: %w", index, err)
	}
	return info.Size(), nil
}

// OpenSequential returns a reader that streams chunks 0..totalChunks-1 in
// index order. Chunks are opened lazily one at a time, so a slow consumer
// holds back reads instead of forcing the whole file into memory.
func (s *Store) OpenSequential(sessionID string, totalChunks int) (io.ReadCloser, error) {
	if totalChunks <= 0 {
		return nil, fmt.Errorf("invalid chunk count %d", totalChunks)
	}
	dir, err := s.namespaceDir(sessionID)
	if err != nil {
		return nil, err
	}
	return &sequentialReader{dir: dir, total: totalChunks}, nil
}

type sequentialReader struct {
	dir     string
	total   int
	next    int
	current *os.File
	closed  bool
}

func (r *sequentialReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errors.New("sequential reader closed")
	}
	for {
		if r.current == nil {
			if r.next >= r.total {
				return 0, io.EOF
			}
			file, err := os.Open(filepath.Join(r.dir, chunkFilename(r.next)))
			if err != nil {
				return 0, fmt.Errorf("open chunk %d: %w", r.next, err)
			}
			r.current = file
			r.next++
		}
		n, err := r.current.Read(p)
		if errors.Is(err, io.EOF) {
			closeErr := r.current.Close()
			r.current = nil
			if closeErr != nil {
				return n, fmt.Errorf("close chunk %d: %w", r.next-1, closeErr)
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *sequentialReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}

// RemoveNamespace deletes a session's chunk directory and everything in it.
// Removing a namespace that does not exist is not an error, which keeps
// cancellation, merge cleanup, and the sweeper safe to race.
func (s *Store) RemoveNamespace(sessionID string) error {
	dir, err := s.namespaceDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove chunk namespace: %w", err)
	}
	return nil
}

// Namespaces lists the session IDs that currently have chunk directories.
// The sweeper uses this to find orphans left behind by crashes.
func (s *Store) Namespaces() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list chunk namespaces: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}
