// Package testutil provides shared test doubles for the cache and resource
// manager tests.
package testutil

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/signagekit/devicecache/storage"
)

// MockIntegration is an in-memory storage integration backed by a real
// directory for payloads.
//
// The origin side is a mutable map of URL to content; tests change it to
// simulate content updates or origin outages. Persisted payloads are written
// as real files so Item.LocalPath is readable by the code under test.
type MockIntegration struct {
	mu         sync.Mutex
	dir        string
	origin     map[string][]byte
	persisted  map[string]storage.Item
	fetchCalls map[string]int
	initCalls  int

	// InitErr, ListErr and FetchErr force the corresponding operation to
	// fail when set.
	InitErr  error
	ListErr  error
	FetchErr error

	// FetchHook, when set, runs inside FetchAndPersist before the payload is
	// persisted. Tests use it to hold fetches open and observe dedup.
	FetchHook func(url string)
}

// NewMockIntegration creates a mock integration persisting payloads under dir.
func NewMockIntegration(dir string) *MockIntegration {
	return &MockIntegration{
		dir:        dir,
		origin:     make(map[string][]byte),
		persisted:  make(map[string]storage.Item),
		fetchCalls: make(map[string]int),
	}
}

// SetOrigin makes content available at the origin under u.
func (m *MockIntegration) SetOrigin(u string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.origin[u] = append([]byte(nil), content...)
}

// RemoveOrigin removes u from the origin.
func (m *MockIntegration) RemoveOrigin(u string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.origin, u)
}

// AddPersisted plants a persisted file with no fetch, simulating an orphan
// left behind by an earlier process.
func (m *MockIntegration) AddPersisted(u string, content []byte) error {
	path := m.localPath(u)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persisted[u] = storage.Item{URL: u, Size: int64(len(content)), LocalPath: path}
	return nil
}

// FetchCalls reports how many times u has been fetched.
func (m *MockIntegration) FetchCalls(u string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls[u]
}

// InitCalls reports how many times Init has been called.
func (m *MockIntegration) InitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

// HasPersisted reports whether u is currently persisted.
func (m *MockIntegration) HasPersisted(u string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.persisted[u]
	return ok
}

// Init implements storage.Integration.
func (m *MockIntegration) Init(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	return m.InitErr
}

// ListFiles implements storage.Integration.
func (m *MockIntegration) ListFiles(_ context.Context) ([]storage.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	infos := make([]storage.FileInfo, 0, len(m.persisted))
	for _, item := range m.persisted {
		infos = append(infos, storage.FileInfo{URL: item.URL, Size: item.Size})
	}
	return infos, nil
}

// FetchAndPersist implements storage.Integration.
func (m *MockIntegration) FetchAndPersist(_ context.Context, u string, _ storage.ResourceType, _ string) (storage.Item, error) {
	m.mu.Lock()
	content, ok := m.origin[u]
	hook := m.FetchHook
	err := m.FetchErr
	m.fetchCalls[u]++
	m.mu.Unlock()

	if hook != nil {
		hook(u)
	}
	if err != nil {
		return storage.Item{}, err
	}
	if !ok {
		return storage.Item{}, storage.ErrNotFound
	}

	path := m.localPath(u)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return storage.Item{}, err
	}

	item := storage.Item{URL: u, Size: int64(len(content)), LocalPath: path}
	m.mu.Lock()
	m.persisted[u] = item
	m.mu.Unlock()
	return item, nil
}

// DeleteFile implements storage.Integration.
func (m *MockIntegration) DeleteFile(_ context.Context, u string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.persisted[u]
	if !ok {
		return nil
	}
	if err := os.Remove(item.LocalPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	delete(m.persisted, u)
	return nil
}

// Fingerprint implements storage.Fingerprinter over the origin map.
func (m *MockIntegration) Fingerprint(_ context.Context, u string) (digest.Digest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.origin[u]
	if !ok {
		return "", storage.ErrNotFound
	}
	return digest.FromBytes(content), nil
}

// Open implements storage.Opener over persisted payloads.
func (m *MockIntegration) Open(_ context.Context, u string) (io.ReadCloser, error) {
	m.mu.Lock()
	item, ok := m.persisted[u]
	m.mu.Unlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	data, err := os.ReadFile(item.LocalPath)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MockIntegration) localPath(u string) string {
	return filepath.Join(m.dir, url.PathEscape(u))
}

// BareIntegration strips the optional capabilities from a MockIntegration,
// exposing only the storage.Integration methods. Tests use it to exercise
// code paths that must work without Fingerprinter or Opener support.
type BareIntegration struct {
	Mock *MockIntegration
}

// Init implements storage.Integration.
func (b BareIntegration) Init(ctx context.Context) error { return b.Mock.Init(ctx) }

// ListFiles implements storage.Integration.
func (b BareIntegration) ListFiles(ctx context.Context) ([]storage.FileInfo, error) {
	return b.Mock.ListFiles(ctx)
}

// FetchAndPersist implements storage.Integration.
func (b BareIntegration) FetchAndPersist(ctx context.Context, u string, rt storage.ResourceType, mt string) (storage.Item, error) {
	return b.Mock.FetchAndPersist(ctx, u, rt, mt)
}

// DeleteFile implements storage.Integration.
func (b BareIntegration) DeleteFile(ctx context.Context, u string) error {
	return b.Mock.DeleteFile(ctx, u)
}
