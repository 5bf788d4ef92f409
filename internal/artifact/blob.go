package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	xerrors "loom/internal/errors"
	"loom/internal/filestore"
)

// ErrBlobNotFound reports a lookup for a key with no stored content.
var ErrBlobNotFound = errors.New("blob not found")

const defaultBlobCacheEntries = 256

// BlobStore keeps immutable content addressed by its sha256 hex digest.
// Identical content stores once; keys are stable across processes, so
// snapshot manifests can reference bytes without copying them.
type BlobStore struct {
	baseDir string
	cache   *lru.Cache[string, []byte]
}

// NewBlobStore opens a blob store rooted at dir, with an LRU read cache of
// cacheEntries blobs.
func NewBlobStore(dir string, cacheEntries int) (*BlobStore, error) {
	if cacheEntries <= 0 {
		cacheEntries = defaultBlobCacheEntries
	}
	cache, err := lru.New[string, []byte](cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("create blob cache: %w", err)
	}
	if err := filestore.EnsureDir(filepath.Join(dir, "sha256")); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &BlobStore{baseDir: dir, cache: cache}, nil
}

// Key returns the content address of data without storing it.
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *BlobStore) path(key string) string {
	return filepath.Join(s.baseDir, "sha256", key)
}

// Put stores data and returns its key. Re-storing existing content is a
// cheap no-op.
func (s *BlobStore) Put(data []byte) (string, error) {
	key := Key(data)
	path := s.path(key)
	if _, err := os.Stat(path); err == nil {
		return key, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat blob %s: %w", key, err)
	}
	if err := filestore.AtomicWrite(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", key, err)
	}
	s.cache.Add(key, data)
	return key, nil
}

// Get returns the content for key. Content is re-hashed on every disk read;
// a mismatch means the store is corrupt and rollback data cannot be trusted.
func (s *BlobStore) Get(key string) ([]byte, error) {
	if data, ok := s.cache.Get(key); ok {
		return data, nil
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	if actual := Key(data); actual != key {
		return nil, xerrors.NewFatalError(
			fmt.Errorf("blob %s hashes to %s", key, actual),
			"blob store corruption detected")
	}
	s.cache.Add(key, data)
	return data, nil
}

// Has reports whether key is stored, without reading its content.
func (s *BlobStore) Has(key string) (bool, error) {
	if s.cache.Contains(key) {
		return true, nil
	}
	if _, err := os.Stat(s.path(key)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
