package httpdisk

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signagekit/devicecache/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/plain.bin", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "plain payload")
	})
	mux.HandleFunc("/compressed.js", func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Get("Accept-Encoding")
		switch {
		case strings.Contains(accept, "zstd"):
			w.Header().Set("Content-Encoding", "zstd")
			enc, err := zstd.NewWriter(w)
			require.NoError(t, err)
			_, _ = io.WriteString(enc, "zstd payload")
			_ = enc.Close()
		case strings.Contains(accept, "gzip"):
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			_, _ = io.WriteString(gz, "gzip payload")
			_ = gz.Close()
		default:
			_, _ = io.WriteString(w, "identity payload")
		}
	})
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchAndPersist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := newTestServer(t)
	integ, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, integ.Init(ctx))

	url := srv.URL + "/plain.bin"
	item, err := integ.FetchAndPersist(ctx, url, storage.TypeMedia, "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, url, item.URL)
	assert.Equal(t, int64(len("plain payload")), item.Size)

	data, err := os.ReadFile(item.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("plain payload"), data)

	files, err := integ.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, storage.FileInfo{URL: url, Size: item.Size}, files[0])
}

func TestFetchDecodesContentEncoding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := newTestServer(t)
	integ, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, integ.Init(ctx))

	// The server prefers zstd when offered; persisted bytes must be the
	// identity payload either way.
	item, err := integ.FetchAndPersist(ctx, srv.URL+"/compressed.js", storage.TypeCode, "application/javascript")
	require.NoError(t, err)

	data, err := os.ReadFile(item.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("zstd payload"), data)
	assert.Equal(t, int64(len("zstd payload")), item.Size)
}

func TestFetchNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := newTestServer(t)
	integ, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, integ.Init(ctx))

	_, err = integ.FetchAndPersist(ctx, srv.URL+"/nope.png", storage.TypeMedia, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = integ.Fingerprint(ctx, srv.URL+"/nope.png")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFetchServerError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := newTestServer(t)
	integ, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, integ.Init(ctx))

	_, err = integ.FetchAndPersist(ctx, srv.URL+"/flaky", storage.TypeData, "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)

	files, err := integ.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files, "failed fetch must not persist anything")
}

func TestDeleteFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := newTestServer(t)
	integ, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, integ.Init(ctx))

	url := srv.URL + "/plain.bin"
	item, err := integ.FetchAndPersist(ctx, url, storage.TypeMedia, "")
	require.NoError(t, err)

	require.NoError(t, integ.DeleteFile(ctx, url))
	_, err = os.Stat(item.LocalPath)
	assert.True(t, os.IsNotExist(err))

	// Idempotent.
	require.NoError(t, integ.DeleteFile(ctx, url))
}

func TestFingerprintMatchesContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := newTestServer(t)
	integ, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, integ.Init(ctx))

	fp, err := integ.Fingerprint(ctx, srv.URL+"/plain.bin")
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes([]byte("plain payload")), fp)

	// Fingerprinting must not persist anything.
	files, err := integ.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestOpenPrefersPersistedCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := newTestServer(t)
	integ, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, integ.Init(ctx))

	url := srv.URL + "/plain.bin"
	_, err = integ.FetchAndPersist(ctx, url, storage.TypeMedia, "")
	require.NoError(t, err)

	// The origin goes away; the persisted copy still serves.
	srv.Close()

	rc, err := integ.Open(ctx, url)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, []byte("plain payload")))
}

func TestManifestSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := newTestServer(t)
	dir := t.TempDir()

	integ, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, integ.Init(ctx))
	url := srv.URL + "/plain.bin"
	_, err = integ.FetchAndPersist(ctx, url, storage.TypeMedia, "")
	require.NoError(t, err)

	restarted, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, restarted.Init(ctx))

	files, err := restarted.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, url, files[0].URL)
}

func TestWithHeader(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)

	integ, err := New(t.TempDir(), WithHeader("Authorization", "Bearer token"))
	require.NoError(t, err)
	require.NoError(t, integ.Init(ctx))

	_, err = integ.FetchAndPersist(ctx, srv.URL+"/x", storage.TypeData, "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer token", gotAuth)
}
