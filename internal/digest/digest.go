// Package digest provides the content hashing used for merge verification,
// dedup keying, and optional per-chunk integrity checks.
package digest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Hasher accumulates a streaming content digest. It wraps hash.Hash so merge
// pipelines can tee bytes through it without buffering.
type Hasher struct {
	inner hash.Hash
}

// NewHasher returns a streaming MD5 hasher. MD5 is the dedup keying digest;
// it is used for content addressing, not for authentication.
func NewHasher() *Hasher {
	return &Hasher{inner: md5.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.inner.Write(p)
}

// Sum returns the lowercase hex digest of everything written so far.
func (h *Hasher) Sum() string {
	return hex.EncodeToString(h.inner.Sum(nil))
}

// Bytes computes the content digest of an in-memory payload.
func Bytes(payload []byte) string {
	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:])
}

// File computes the content digest of a file by streaming its contents.
func File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	hasher := NewHasher()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hasher.Sum(), nil
}

// NewChunkHasher returns a streaming BLAKE2b-256 hasher for chunk payloads.
func NewChunkHasher() *Hasher {
	inner, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails on oversized keys.
		panic(err)
	}
	return &Hasher{inner: inner}
}

// ChunkChecksum computes the BLAKE2b-256 checksum of a single chunk payload.
// Chunk checksums catch corrupted client retries before merge time; the
// whole-file MD5 digest remains the authority at merge.
func ChunkChecksum(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Equal compares two hex digests case-insensitively.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
