// Package cache implements a content-addressed persistent KV cache:
// per-category TTLs, atomic single-file writes,
// and lazy expiry on read. A corrupted cache file is treated exactly like
// an absent one — the entry is deleted and the caller sees a miss.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/relayguard/aegis/pkg/filelock"
)

// keyLen is the documented 16-hex-char SHA-256 prefix length. Collision
// handling is intentionally not implemented; the short key is an accepted
// risk.
const keyLen = 16

// entry is the on-disk envelope persisted for every cache key.
type entry struct {
	Category  string          `json:"category"`
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Stats summarizes the cache's current state, as returned by StatsSnapshot().
type Stats struct {
	Total      int            `json:"total"`
	Live       int            `json:"live"`
	Expired    int            `json:"expired"`
	ByCategory map[string]int `json:"by_category"`
}

// Cache persists entries under Root/<category>/<key>.json.
type Cache struct {
	Root   string
	locker filelock.Locker
}

// New returns a Cache rooted at root, using filelock.FromEnv's locker for
// the write critical section (an OS-level file lock, or Redis when
// AEGIS_REDIS_URL is set).
func New(root string) *Cache {
	return &Cache{Root: root, locker: filelock.FromEnv()}
}

// NewWithLocker allows callers (e.g. multi-host deployments using the
// Redis-backed locker) to override the default FileLocker.
func NewWithLocker(root string, locker filelock.Locker) *Cache {
	return &Cache{Root: root, locker: locker}
}

// Key derives the 16-hex-char SHA-256 prefix key for an endpoint request.
func Key(category, endpoint string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(category))
	h.Write([]byte{'|'})
	h.Write([]byte(endpoint))
	h.Write([]byte{'|'})
	h.Write(body)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:keyLen]
}

func (c *Cache) pathFor(category, key string) string {
	return filepath.Join(c.Root, category, key+".json")
}

// Get returns the live (non-expired) entry for the request, or ok=false
// on miss. An expired entry found on disk is deleted before returning.
func (c *Cache) Get(category, endpoint string, body []byte) (data []byte, ok bool) {
	e, found := c.read(category, endpoint, body)
	if !found {
		return nil, false
	}
	if time.Now().After(e.ExpiresAt) {
		_ = os.Remove(c.pathFor(category, e.Key))
		return nil, false
	}
	return e.Data, true
}

// GetStale returns the entry regardless of expiration, for use under
// cache-only degraded mode.
func (c *Cache) GetStale(category, endpoint string, body []byte) (data []byte, ok bool) {
	e, found := c.read(category, endpoint, body)
	if !found {
		return nil, false
	}
	return e.Data, true
}

// read loads and validates the file for (category, endpoint, body). A
// corrupted or unparseable file is deleted and treated as a miss.
func (c *Cache) read(category, endpoint string, body []byte) (entry, bool) {
	key := Key(category, endpoint, body)
	path := c.pathFor(category, key)

	raw, err := os.ReadFile(path)
	if err != nil {
		return entry{}, false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		log.Printf("[Cache] corrupted entry %s, evicting: %v", path, err)
		_ = os.Remove(path)
		return entry{}, false
	}
	return e, true
}

// Set writes data under the category/endpoint/body key with the
// category's configured TTL, using atomic write-temp-then-rename under a
// file lock so a concurrent reader never observes a partial write.
func (c *Cache) Set(category, endpoint string, data []byte, body []byte) error {
	key := Key(category, endpoint, body)
	path := c.pathFor(category, key)

	e := entry{
		Category:  category,
		Key:       key,
		Data:      json.RawMessage(data),
		ExpiresAt: time.Now().Add(TTLFor(category)),
	}
	encoded, err := json.Marshal(e)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return c.locker.WithLock(context.Background(), path, func() error {
		return filelock.AtomicWriteFile(path, encoded, 0o644)
	})
}

// PurgeExpired scans every category directory and deletes expired
// entries, returning how many were purged and how many remain.
func (c *Cache) PurgeExpired() (purged, remaining int) {
	categories, err := os.ReadDir(c.Root)
	if err != nil {
		return 0, 0
	}
	now := time.Now()

	for _, catDir := range categories {
		if !catDir.IsDir() {
			continue
		}
		catPath := filepath.Join(c.Root, catDir.Name())
		files, err := os.ReadDir(catPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			full := filepath.Join(catPath, f.Name())
			raw, err := os.ReadFile(full)
			if err != nil {
				continue
			}
			var e entry
			if err := json.Unmarshal(raw, &e); err != nil {
				_ = os.Remove(full)
				purged++
				continue
			}
			if now.After(e.ExpiresAt) {
				_ = os.Remove(full)
				purged++
				continue
			}
			remaining++
		}
	}
	return purged, remaining
}

// StatsSnapshot computes aggregate cache stats without mutating anything.
func (c *Cache) StatsSnapshot() Stats {
	s := Stats{ByCategory: map[string]int{}}
	categories, err := os.ReadDir(c.Root)
	if err != nil {
		return s
	}
	now := time.Now()

	for _, catDir := range categories {
		if !catDir.IsDir() {
			continue
		}
		catName := catDir.Name()
		catPath := filepath.Join(c.Root, catName)
		files, err := os.ReadDir(catPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(catPath, f.Name()))
			if err != nil {
				continue
			}
			var e entry
			if err := json.Unmarshal(raw, &e); err != nil {
				continue
			}
			s.Total++
			s.ByCategory[catName]++
			if now.After(e.ExpiresAt) {
				s.Expired++
			} else {
				s.Live++
			}
		}
	}
	return s
}
