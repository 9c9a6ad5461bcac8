// Package artifacts is content-addressed blob storage for run outputs and
// evidence bundles. Blobs are keyed sha256/<hex> and write-once: putting
// bytes that already exist is a no-op returning the same digest.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wardenlabs/warden/pkg/store"
)

// MaxBlobSize bounds a single blob. Larger outputs should be chunked by
// the producer.
const MaxBlobSize = 10 << 20

const digestPrefix = "sha256:"

// Digest returns the content digest for data, in "sha256:<hex>" form.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:])
}

func parseDigest(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, digestPrefix)
	if !ok || len(raw) != 64 {
		return "", fmt.Errorf("artifacts: invalid digest %q", digest)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("artifacts: invalid digest %q", digest)
	}
	return raw, nil
}

// BlobStore is content-addressed, write-once blob storage. There is no
// delete: redaction happens at the event layer before payloads reach a
// blob, and evidence must stay retrievable for as long as its events do.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
}

func checkBlob(data []byte) error {
	if len(data) == 0 {
		return errors.New("artifacts: empty blob")
	}
	if len(data) > MaxBlobSize {
		return fmt.Errorf("artifacts: blob exceeds %d bytes", MaxBlobSize)
	}
	return nil
}

// FileStore keeps blobs on the local filesystem under <baseDir>/sha256/.
// The default backend.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "sha256"), 0755); err != nil {
		return nil, fmt.Errorf("ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(rawHex string) string {
	return filepath.Join(s.baseDir, "sha256", rawHex)
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := checkBlob(data); err != nil {
		return "", err
	}
	digest := Digest(data)
	raw := digest[len(digestPrefix):]

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(raw)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	// Write to a temp file, then rename. Concurrent writers of the same
	// content race benignly: both rename identical bytes.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return digest, nil
}

func (s *FileStore) Get(ctx context.Context, digest string) ([]byte, error) {
	raw, err := parseDigest(digest)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, digest string) (bool, error) {
	raw, err := parseDigest(digest)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := os.Stat(s.path(raw)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}
