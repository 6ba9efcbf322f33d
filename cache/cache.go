// Package cache implements a namespaced, capacity-bounded metadata index over
// content persisted by a storage integration.
//
// The cache owns metadata only; payload bytes live with the integration. Each
// namespace is an isolated bbolt database that survives Close and reopen, so
// a player restarting against the same namespace resumes the same index.
// Eviction is least-recently-used with creation order as the tie-break, and
// Init reconciles the index bidirectionally against the integration's file
// listing.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/signagekit/devicecache/storage"
)

var bucketEntries = []byte("entries")

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache: closed")

// Entry is the metadata record for one cached resource.
type Entry struct {
	// Key is the canonical resource locator, unique within the namespace.
	Key string `json:"key"`
	// Type classifies the resource.
	Type storage.ResourceType `json:"resourceType"`
	// MimeType is advisory.
	MimeType string `json:"mimeType"`
	// SizeBytes is the byte length of the persisted content.
	SizeBytes int64 `json:"sizeBytes"`
	// AccessCount is incremented on every successful Get.
	AccessCount int64 `json:"accessCount"`
	// LastAccessedAt is updated on every successful Get. Never decreases.
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	// CreatedAt is immutable after creation and breaks eviction ties.
	CreatedAt time.Time `json:"createdAt"`
	// ContentRef is a locally resolvable reference to the persisted payload.
	ContentRef string `json:"contentRef"`
	// Seq is the insertion sequence. It makes eviction and listing order
	// deterministic when timestamps collide.
	Seq uint64 `json:"seq"`
}

// Config describes one namespace.
type Config struct {
	// Dir is the directory holding namespace databases.
	Dir string
	// Namespace names the index. Reopening a cache with the same namespace
	// resumes the same persisted index.
	Namespace string
	// Capacity bounds the entry count. Zero or negative means unbounded.
	Capacity int
	// MaxSizeBytes optionally bounds the aggregate payload size. Zero means
	// unbounded. The same eviction policy applies to both bounds.
	MaxSizeBytes int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the structured logger. Logging is off by default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// Cache is a durable metadata index for one namespace.
//
// All mutating operations are serialized internally; Get's access bookkeeping
// is atomic per key. Init must complete before other operations are used on a
// freshly opened cache.
type Cache struct {
	integration storage.Integration
	cfg         Config
	log         *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	db     *bolt.DB
	closed bool
}

// New opens (or creates) the namespace's persistent index.
func New(integration storage.Integration, cfg Config, opts ...Option) (*Cache, error) {
	if integration == nil {
		return nil, errors.New("cache: integration is nil")
	}
	if cfg.Dir == "" {
		return nil, errors.New("cache: dir is empty")
	}
	if cfg.Namespace == "" || strings.ContainsAny(cfg.Namespace, `/\`) {
		return nil, fmt.Errorf("cache: invalid namespace %q", cfg.Namespace)
	}

	c := &Cache{
		integration: integration,
		cfg:         cfg,
		log:         slog.New(slog.DiscardHandler),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(cfg.Dir, cfg.Namespace+".db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: open namespace %q: %w", cfg.Namespace, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	c.db = db
	return c, nil
}

// Integration returns the storage integration backing this cache.
func (c *Cache) Integration() storage.Integration {
	return c.integration
}

// Init initializes the storage integration and reconciles the index against
// its file listing, the ground truth of what content actually exists:
//
//   - entries whose key is absent from the listing are stale metadata (their
//     bytes no longer exist) and are removed from the index;
//   - listed files with no corresponding entry are ownerless orphans and are
//     deleted via the integration.
//
// Init is idempotent for an unchanged listing. Any failure aborts
// initialization and propagates.
func (c *Cache) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if err := c.integration.Init(ctx); err != nil {
		return fmt.Errorf("cache: storage init: %w", err)
	}
	files, err := c.integration.ListFiles(ctx)
	if err != nil {
		return fmt.Errorf("cache: list files: %w", err)
	}

	listed := make(map[string]struct{}, len(files))
	for _, f := range files {
		listed[f.URL] = struct{}{}
	}

	entries, err := c.loadAll()
	if err != nil {
		return err
	}
	indexed := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		indexed[e.Key] = struct{}{}
	}

	// Stale metadata: indexed but not persisted.
	var stale []string
	for _, e := range entries {
		if _, ok := listed[e.Key]; !ok {
			stale = append(stale, e.Key)
		}
	}
	if len(stale) > 0 {
		if err := c.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketEntries)
			for _, key := range stale {
				if err := b.Delete([]byte(key)); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
		c.log.Warn("removed stale cache metadata", "namespace", c.cfg.Namespace, "count", len(stale))
	}

	// Orphans: persisted but not indexed.
	for _, f := range files {
		if _, ok := indexed[f.URL]; ok {
			continue
		}
		if err := c.integration.DeleteFile(ctx, f.URL); err != nil {
			return fmt.Errorf("cache: delete orphan %q: %w", f.URL, err)
		}
		c.log.Warn("deleted orphan file", "namespace", c.cfg.Namespace, "url", f.URL)
	}
	return nil
}

// Get returns the entry for key, atomically incrementing its access count and
// advancing its last-access time. A miss returns ok=false and no error.
func (c *Cache) Get(key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Entry{}, false, ErrClosed
	}

	var entry Entry
	found := false
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		entry.AccessCount++
		if now := c.now(); now.After(entry.LastAccessedAt) {
			entry.LastAccessedAt = now
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		found = true
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return Entry{}, false, err
	}
	return entry, found, nil
}

// Peek returns the entry for key without access bookkeeping. The resource
// manager uses it for freshness probes that must not count as reads.
func (c *Cache) Peek(key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Entry{}, false, ErrClosed
	}
	return c.peek(key)
}

func (c *Cache) peek(key string) (Entry, bool, error) {
	var entry Entry
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return Entry{}, false, err
	}
	return entry, found, nil
}

// Set fetches and persists the resource through the integration and records
// a new entry for it, then enforces the namespace bounds.
//
// Contract decision: if an entry already exists for key, Set is a no-op and
// returns the existing entry unchanged. Callers that need fresh content
// delete the entry first.
//
// On a fetch failure no entry is created and the error propagates unchanged.
func (c *Cache) Set(ctx context.Context, key string, resourceType storage.ResourceType, mimeType string) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Entry{}, ErrClosed
	}

	if existing, ok, err := c.peek(key); err != nil {
		return Entry{}, err
	} else if ok {
		return existing, nil
	}

	item, err := c.integration.FetchAndPersist(ctx, key, resourceType, mimeType)
	if err != nil {
		return Entry{}, err
	}

	now := c.now()
	entry := Entry{
		Key:            key,
		Type:           resourceType,
		MimeType:       mimeType,
		SizeBytes:      item.Size,
		LastAccessedAt: now,
		CreatedAt:      now,
		ContentRef:     item.LocalPath,
	}
	if entry.ContentRef == "" {
		entry.ContentRef = item.URL
	}

	if err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = seq
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	}); err != nil {
		return Entry{}, err
	}

	c.log.Debug("cached resource", "namespace", c.cfg.Namespace, "key", key, "type", resourceType, "size", item.Size)

	if err := c.evict(ctx); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// evict removes least-recently-used entries until the namespace is back
// within its bounds. Entries never read keep lastAccessedAt == createdAt, so
// insertion order is the eviction order among them.
func (c *Cache) evict(ctx context.Context) error {
	entries, err := c.loadAll()
	if err != nil {
		return err
	}

	overCount := func(n int) bool { return c.cfg.Capacity > 0 && n > c.cfg.Capacity }
	overBytes := func(total int64) bool { return c.cfg.MaxSizeBytes > 0 && total > c.cfg.MaxSizeBytes }

	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	if !overCount(len(entries)) && !overBytes(total) {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastAccessedAt.Equal(entries[j].LastAccessedAt) {
			return entries[i].LastAccessedAt.Before(entries[j].LastAccessedAt)
		}
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].Seq < entries[j].Seq
	})

	remaining := len(entries)
	for _, victim := range entries {
		if !overCount(remaining) && !overBytes(total) {
			break
		}
		if err := c.remove(ctx, victim.Key); err != nil {
			return err
		}
		remaining--
		total -= victim.SizeBytes
		c.log.Debug("evicted entry", "namespace", c.cfg.Namespace, "key", victim.Key, "lastAccessedAt", victim.LastAccessedAt)
	}
	return nil
}

// List returns all entries of the given type in insertion order (ascending
// creation time).
func (c *Cache) List(resourceType storage.ResourceType) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	entries, err := c.loadAll()
	if err != nil {
		return nil, err
	}
	filtered := entries[:0]
	for _, e := range entries {
		if e.Type == resourceType {
			filtered = append(filtered, e)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
		}
		return filtered[i].Seq < filtered[j].Seq
	})
	return filtered, nil
}

// Del removes the entry and its backing payload. Deleting an absent key is
// not an error.
func (c *Cache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if _, ok, err := c.peek(key); err != nil || !ok {
		return err
	}
	return c.remove(ctx, key)
}

// remove deletes the metadata row first so that a payload-delete failure
// leaves an orphan for the next reconciliation rather than dangling metadata.
func (c *Cache) remove(ctx context.Context, key string) error {
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	}); err != nil {
		return err
	}
	return c.integration.DeleteFile(ctx, key)
}

// Clean removes every entry and backing payload in the namespace.
func (c *Cache) Clean(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	entries, err := c.loadAll()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := c.remove(ctx, e.Key); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the current entry count.
func (c *Cache) Len() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	entries, err := c.loadAll()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// TotalBytes reports the aggregate persisted size of all entries.
func (c *Cache) TotalBytes() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	entries, err := c.loadAll()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	return total, nil
}

// Close releases the handle to the persistent index without deleting data.
// A later Cache opened against the same namespace resumes the same entries.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

func (c *Cache) loadAll() ([]Entry, error) {
	var entries []Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
