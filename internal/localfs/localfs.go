// Package localfs implements the durable local half of a storage integration:
// a directory of persisted payload files plus a manifest mapping resource
// URLs to files. Origin transports (HTTP, S3, ...) layer on top of it.
package localfs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/signagekit/devicecache/storage"
)

const (
	shardPrefixLen = 2
	dirPerm        = 0o700
	manifestName   = "manifest.json"
)

type fileRow struct {
	URL  string `json:"url"`
	Size int64  `json:"size"`
	Path string `json:"path"`
}

// Store persists payload files under a root directory.
//
// Content lives in sharded subdirectories keyed by the SHA-256 of the URL;
// writes go through a temp file and rename so a crash never leaves a
// half-written payload visible. The manifest is rewritten atomically after
// every mutation.
type Store struct {
	dir string

	mu    sync.Mutex
	files map[string]fileRow
}

// New creates a store rooted at dir. Call Load before first use.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("localfs: dir is empty")
	}
	return &Store{dir: dir, files: make(map[string]fileRow)}, nil
}

// Load creates the root directory and reads the manifest, if any.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var rows []fileRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	for _, row := range rows {
		s.files[row.URL] = row
	}
	return nil
}

// List reports every persisted file in URL order.
func (s *Store) List() []storage.FileInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]storage.FileInfo, 0, len(s.files))
	for _, row := range s.files {
		infos = append(infos, storage.FileInfo{URL: row.URL, Size: row.Size})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].URL < infos[j].URL })
	return infos
}

// Path returns the local path of a persisted file.
func (s *Store) Path(url string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.files[url]
	if !ok {
		return "", false
	}
	return row.Path, true
}

// Persist streams r into the store under url, replacing any previous payload
// for the same url.
func (s *Store) Persist(url string, r io.Reader) (storage.Item, error) {
	path := s.contentPath(url)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return storage.Item{}, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "fetch-*")
	if err != nil {
		return storage.Item{}, err
	}
	tmpPath := tmp.Name()

	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return storage.Item{}, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return storage.Item{}, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return storage.Item{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[url] = fileRow{URL: url, Size: size, Path: path}
	if err := s.saveManifestLocked(); err != nil {
		return storage.Item{}, err
	}
	return storage.Item{URL: url, Size: size, LocalPath: path}, nil
}

// Delete removes a persisted file and its manifest row. Deleting an absent
// file is not an error.
func (s *Store) Delete(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.files[url]
	if !ok {
		return nil
	}
	if err := os.Remove(row.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	delete(s.files, url)
	return s.saveManifestLocked()
}

func (s *Store) contentPath(url string) string {
	sum := sha256.Sum256([]byte(url))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(s.dir, name[:shardPrefixLen], name)
}

func (s *Store) saveManifestLocked() error {
	rows := make([]fileRow, 0, len(s.files))
	for _, row := range s.files {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].URL < rows[j].URL })

	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, manifestName)
	tmp, err := os.CreateTemp(s.dir, "manifest-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
