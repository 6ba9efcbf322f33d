package devicecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/signagekit/devicecache/cache"
	"github.com/signagekit/devicecache/storage"
)

const (
	mimeCode = "application/javascript"
	mimeData = "application/json"

	defaultPrefetchWorkers = 4
)

// Manager wraps one cache namespace and adds per-resource-kind policy.
//
// Concurrent requests for the same key collapse into one underlying
// fetch-and-persist: all callers observe the result of a single I/O
// operation.
type Manager struct {
	cache           *cache.Cache
	loader          ModuleLoader
	needsRefresh    func()
	log             *slog.Logger
	now             func() time.Time
	prefetchWorkers int

	group singleflight.Group

	mu           sync.Mutex
	fingerprints map[string]digest.Digest
	closed       bool
}

// flight is the shared result of a deduplicated fetch. src is populated only
// by callers that need the bytes.
type flight struct {
	entry cache.Entry
	src   []byte
}

// New creates a Manager over c. loader may be nil if Import is never used.
func New(c *cache.Cache, loader ModuleLoader, opts ...Option) (*Manager, error) {
	if c == nil {
		return nil, errors.New("devicecache: cache is nil")
	}
	m := &Manager{
		cache:           c,
		loader:          loader,
		log:             slog.New(slog.DiscardHandler),
		now:             time.Now,
		prefetchWorkers: defaultPrefetchWorkers,
		fingerprints:    make(map[string]digest.Digest),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Cache returns the underlying cache namespace.
func (m *Manager) Cache() *cache.Cache {
	return m.cache
}

// Init initializes the underlying cache, reconciling it against the storage
// integration. It must complete before other operations are used.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.cache.Init(ctx)
}

// Import loads a code resource.
//
// Content identity, not cache presence, decides hit versus miss: the cached
// bytes' fingerprint is compared with the fingerprint the origin currently
// reports. On a match the cached bytes are evaluated; on a mismatch or miss
// the stale entry is deleted, fresh bytes are fetched and evaluated, and the
// needsRefresh callback fires when a previously cached version changed.
//
// When the integration cannot report origin fingerprints, a cached entry is
// always refetched and the fingerprints compared afterwards.
func (m *Manager) Import(ctx context.Context, uri string) (Module, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	if m.loader == nil {
		return nil, ErrNoLoader
	}

	entry, ok, err := m.cache.Get(uri)
	if err != nil {
		return nil, err
	}

	var prev digest.Digest
	if ok {
		src, err := m.read(ctx, entry)
		if err != nil {
			return nil, err
		}
		prev = m.cachedFingerprint(uri, src)

		origin, ferr := m.originFingerprint(ctx, uri)
		if ferr == nil && origin == prev {
			m.remember(uri, prev)
			return m.loader.Load(ctx, uri, src)
		}
		if ferr != nil && !errors.Is(ferr, errors.ErrUnsupported) {
			return nil, ferr
		}
	}

	v, err, _ := m.group.Do(uri, func() (any, error) {
		if ok {
			if err := m.cache.Del(ctx, uri); err != nil {
				return nil, err
			}
		}
		fresh, err := m.cache.Set(ctx, uri, storage.TypeCode, mimeCode)
		if err != nil {
			return nil, err
		}
		src, err := m.read(ctx, fresh)
		if err != nil {
			return nil, err
		}
		if fp := digest.FromBytes(src); ok && fp != prev {
			m.log.Debug("code resource changed at origin", "uri", uri)
			if m.needsRefresh != nil {
				m.needsRefresh()
			}
		}
		return flight{entry: fresh, src: src}, nil
	})
	if err != nil {
		return nil, err
	}

	fl := v.(flight)
	m.remember(uri, digest.FromBytes(fl.src))
	return m.loader.Load(ctx, uri, fl.src)
}

// GetData returns a data resource decoded from JSON.
//
// A cached document younger than maxAge (measured from its last access) is
// served as-is; otherwise the document is refetched. maxAge == 0 always
// refetches.
func (m *Manager) GetData(ctx context.Context, uri string, maxAge time.Duration) (any, error) {
	if err := m.check(); err != nil {
		return nil, err
	}

	entry, ok, err := m.cache.Peek(uri)
	if err != nil {
		return nil, err
	}
	if ok && maxAge > 0 && m.now().Sub(entry.LastAccessedAt) < maxAge {
		entry, _, err = m.cache.Get(uri)
		if err != nil {
			return nil, err
		}
		src, err := m.read(ctx, entry)
		if err != nil {
			return nil, err
		}
		return decodeData(src)
	}

	v, err, _ := m.group.Do(uri, func() (any, error) {
		if ok {
			if err := m.cache.Del(ctx, uri); err != nil {
				return nil, err
			}
		}
		fresh, err := m.cache.Set(ctx, uri, storage.TypeData, mimeData)
		if err != nil {
			return nil, err
		}
		src, err := m.read(ctx, fresh)
		if err != nil {
			return nil, err
		}
		return flight{entry: fresh, src: src}, nil
	})
	if err != nil {
		return nil, err
	}
	return decodeData(v.(flight).src)
}

// CacheMedia ensures the media resource is present locally, fetching and
// persisting it if missing. It returns ErrNotFound when the origin cannot
// supply the resource.
func (m *Manager) CacheMedia(ctx context.Context, uri string) error {
	if err := m.check(); err != nil {
		return err
	}

	if _, ok, err := m.cache.Peek(uri); err != nil {
		return err
	} else if ok {
		return nil
	}

	_, err := m.fetchMedia(ctx, uri)
	return err
}

// GetMedia returns a locally resolvable reference to the media resource,
// usable by a playback component without further network access. Missing
// media is fetched first; ErrNotFound is returned when the resource is
// neither cached nor obtainable from the origin.
func (m *Manager) GetMedia(ctx context.Context, uri string) (string, error) {
	if err := m.check(); err != nil {
		return "", err
	}

	entry, ok, err := m.cache.Get(uri)
	if err != nil {
		return "", err
	}
	if !ok {
		entry, err = m.fetchMedia(ctx, uri)
		if err != nil {
			return "", err
		}
	}
	return entry.ContentRef, nil
}

// Prefetch warms the media cache for uris with bounded parallelism.
func (m *Manager) Prefetch(ctx context.Context, uris ...string) error {
	if err := m.check(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	workers := m.prefetchWorkers
	if workers <= 0 {
		workers = defaultPrefetchWorkers
	}
	g.SetLimit(workers)
	for _, uri := range uris {
		g.Go(func() error {
			return m.CacheMedia(ctx, uri)
		})
	}
	return g.Wait()
}

// Close releases manager-local state: the pending-request bookkeeping and the
// in-memory code fingerprints. It does not close the underlying cache;
// callers manage that lifecycle separately. In-flight fetches run to
// completion so no partially written entries are left behind.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.fingerprints = nil
	return nil
}

func (m *Manager) fetchMedia(ctx context.Context, uri string) (cache.Entry, error) {
	v, err, _ := m.group.Do(uri, func() (any, error) {
		fresh, err := m.cache.Set(ctx, uri, storage.TypeMedia, mediaMimeType(uri))
		if err != nil {
			return nil, err
		}
		return flight{entry: fresh}, nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return cache.Entry{}, ErrNotFound
	}
	if err != nil {
		return cache.Entry{}, err
	}
	return v.(flight).entry, nil
}

// read returns the persisted bytes for entry, preferring the local content
// reference and falling back to the integration when it supports streaming.
func (m *Manager) read(ctx context.Context, entry cache.Entry) ([]byte, error) {
	data, err := os.ReadFile(entry.ContentRef)
	if err == nil {
		return data, nil
	}
	if opener, ok := m.cache.Integration().(storage.Opener); ok {
		rc, oerr := opener.Open(ctx, entry.Key)
		if oerr != nil {
			return nil, oerr
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, err
}

func (m *Manager) originFingerprint(ctx context.Context, uri string) (digest.Digest, error) {
	fp, ok := m.cache.Integration().(storage.Fingerprinter)
	if !ok {
		return "", errors.ErrUnsupported
	}
	return fp.Fingerprint(ctx, uri)
}

// cachedFingerprint returns the remembered fingerprint for uri, or computes
// one from src. Fingerprints are transient manager state, never persisted.
func (m *Manager) cachedFingerprint(uri string, src []byte) digest.Digest {
	m.mu.Lock()
	fp, ok := m.fingerprints[uri]
	m.mu.Unlock()
	if ok {
		return fp
	}
	return digest.FromBytes(src)
}

func (m *Manager) remember(uri string, fp digest.Digest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fingerprints != nil {
		m.fingerprints[uri] = fp
	}
}

func (m *Manager) check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func decodeData(src []byte) (any, error) {
	var v any
	if err := json.Unmarshal(src, &v); err != nil {
		return nil, fmt.Errorf("devicecache: decode data: %w", err)
	}
	return v, nil
}

// mediaMimeType guesses a mime type from the URL path extension. Advisory
// only; an empty string is fine.
func mediaMimeType(uri string) string {
	ext := path.Ext(uri)
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		ext = path.Ext(u.Path)
	}
	return mime.TypeByExtension(ext)
}
