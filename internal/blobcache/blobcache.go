// Package blobcache is a content-addressed on-disk blob store with integrity
// verification. Artwork is stored under the sha256 of its content; provider
// responses are stored under a caller-supplied logical key with a checksum
// sidecar so reads can still be verified.
package blobcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mediakeep/internal/logging"
	"mediakeep/internal/metrics"
)

var (
	// ErrNotFound is returned when a key has no blob on disk.
	ErrNotFound = errors.New("blobcache: not found")
	// ErrCorrupt is returned when a blob fails integrity verification.
	// The corrupt blob is deleted before the error is returned.
	ErrCorrupt = errors.New("blobcache: content digest mismatch")
)

// Cache is an on-disk blob store rooted at a single directory.
// Blobs are fanned out two levels deep (aa/bb/<hex>) to keep directory
// sizes manageable.
type Cache struct {
	root string
}

// New creates the cache root if needed and verifies it is writable.
func New(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobcache: create root: %w", err)
	}
	probe := filepath.Join(root, ".write-test")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return nil, fmt.Errorf("blobcache: root not writable: %w", err)
	}
	os.Remove(probe)
	return &Cache{root: root}, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// HashKey returns the cache key for arbitrary logical input, e.g.
// "endpoint|query|language" for provider responses.
func HashKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) pathFor(key string) (string, error) {
	if len(key) < 4 {
		return "", fmt.Errorf("blobcache: key %q too short", key)
	}
	for _, r := range key {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("blobcache: key %q is not lowercase hex", key)
		}
	}
	return filepath.Join(c.root, key[0:2], key[2:4], key), nil
}

// write stores data at path atomically via a temp file in the same directory.
func write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Put stores data under the sha256 of its content and returns the key.
// Storing the same content twice is a no-op.
func (c *Cache) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	path, err := c.pathFor(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return key, nil
	}
	if err := write(path, data); err != nil {
		return "", fmt.Errorf("blobcache: put: %w", err)
	}
	return key, nil
}

// PutKeyed stores data under a caller-supplied key (lowercase hex, typically
// from HashKey). A ".sum" sidecar carries the content digest so Get can
// verify the blob even though the key is not derived from the content.
func (c *Cache) PutKeyed(key string, data []byte) error {
	path, err := c.pathFor(key)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	if err := write(path, data); err != nil {
		return fmt.Errorf("blobcache: put keyed: %w", err)
	}
	if err := write(path+".sum", []byte(hex.EncodeToString(sum[:]))); err != nil {
		os.Remove(path)
		return fmt.Errorf("blobcache: put keyed sum: %w", err)
	}
	return nil
}

// Get reads and verifies a blob. A blob whose content no longer matches its
// digest is deleted and ErrCorrupt is returned; the caller refetches.
func (c *Cache) Get(key string) ([]byte, error) {
	path, err := c.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobcache: read: %w", err)
	}

	expected := key
	if sidecar, err := os.ReadFile(path + ".sum"); err == nil {
		expected = strings.TrimSpace(string(sidecar))
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != expected {
		logging.Warn("blobcache: digest mismatch for %s, evicting", key)
		metrics.BlobCacheCorruptions.Inc()
		os.Remove(path)
		os.Remove(path + ".sum")
		return nil, ErrCorrupt
	}
	return data, nil
}

// Has reports whether a blob exists without verifying it.
func (c *Cache) Has(key string) bool {
	path, err := c.pathFor(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// ModTime returns the stored time of a blob, used for TTL checks on
// provider responses.
func (c *Cache) ModTime(key string) (time.Time, error) {
	path, err := c.pathFor(key)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Delete removes a blob and its sidecar if present.
func (c *Cache) Delete(key string) error {
	path, err := c.pathFor(key)
	if err != nil {
		return err
	}
	os.Remove(path + ".sum")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Stats holds aggregate cache information.
type Stats struct {
	Entries    int
	TotalBytes int64
}

// Stat walks the cache and refreshes the size gauges.
func (c *Cache) Stat() (Stats, error) {
	var stats Stats
	err := filepath.WalkDir(c.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".sum") || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		stats.Entries++
		stats.TotalBytes += info.Size()
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("blobcache: stat: %w", err)
	}
	metrics.BlobCacheCount.Set(float64(stats.Entries))
	metrics.BlobCacheSize.Set(float64(stats.TotalBytes))
	return stats, nil
}

// Prune deletes blobs older than maxAge and returns the number removed.
// Abandoned temp files are removed regardless of age.
func (c *Cache) Prune(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	err := filepath.WalkDir(c.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			os.Remove(path)
			return nil
		}
		if strings.HasSuffix(path, ".sum") {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(path + ".sum")
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("blobcache: prune: %w", err)
	}
	if removed > 0 {
		logging.Info("blobcache: pruned %d entries older than %v", removed, maxAge)
	}
	return removed, nil
}
