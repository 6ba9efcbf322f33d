// Package httpdisk implements a storage integration that fetches resources
// over HTTP and persists them to a local directory.
//
// Resource keys are absolute URLs. Fetches advertise zstd and gzip content
// codings and decode transparently, so persisted payloads are always the
// identity bytes. Persistence is atomic (temp file plus rename); the set of
// persisted files survives restarts through an on-disk manifest and is the
// ground truth the cache reconciles against.
package httpdisk

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/signagekit/devicecache/internal/localfs"
	"github.com/signagekit/devicecache/storage"
)

// Integration fetches over HTTP and persists under a local directory.
type Integration struct {
	store   *localfs.Store
	client  *nethttp.Client
	headers nethttp.Header
}

// Interface compliance.
var (
	_ storage.Integration   = (*Integration)(nil)
	_ storage.Fingerprinter = (*Integration)(nil)
	_ storage.Opener        = (*Integration)(nil)
)

// Option configures an Integration.
type Option func(*Integration)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(i *Integration) {
		if client != nil {
			i.client = client
		}
	}
}

// WithHeader sets a header sent on every request.
func WithHeader(key, value string) Option {
	return func(i *Integration) {
		if i.headers == nil {
			i.headers = make(nethttp.Header)
		}
		i.headers.Set(key, value)
	}
}

// New creates an integration persisting fetched files under dir.
func New(dir string, opts ...Option) (*Integration, error) {
	store, err := localfs.New(dir)
	if err != nil {
		return nil, err
	}
	i := &Integration{
		store:  store,
		client: nethttp.DefaultClient,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i, nil
}

// Init prepares the local directory and loads the persisted-file manifest.
func (i *Integration) Init(_ context.Context) error {
	return i.store.Load()
}

// ListFiles enumerates every persisted file.
func (i *Integration) ListFiles(_ context.Context) ([]storage.FileInfo, error) {
	return i.store.List(), nil
}

// FetchAndPersist downloads url and persists it atomically. A 404 from the
// origin maps to storage.ErrNotFound.
func (i *Integration) FetchAndPersist(ctx context.Context, url string, _ storage.ResourceType, _ string) (storage.Item, error) {
	body, err := i.fetch(ctx, url)
	if err != nil {
		return storage.Item{}, err
	}
	defer body.Close()
	return i.store.Persist(url, body)
}

// DeleteFile removes a persisted file. Deleting an absent file is not an
// error.
func (i *Integration) DeleteFile(_ context.Context, url string) error {
	return i.store.Delete(url)
}

// Fingerprint reports the digest the origin would serve for url right now,
// without persisting anything.
func (i *Integration) Fingerprint(ctx context.Context, url string) (digest.Digest, error) {
	body, err := i.fetch(ctx, url)
	if err != nil {
		return "", err
	}
	defer body.Close()
	return digest.Canonical.FromReader(body)
}

// Open streams persisted bytes when available, falling back to the origin.
func (i *Integration) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	if path, ok := i.store.Path(url); ok {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
	}
	return i.fetch(ctx, url)
}

// fetch issues the GET and returns the decoded body.
func (i *Integration) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range i.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept-Encoding", "zstd, gzip")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == nethttp.StatusNotFound:
		resp.Body.Close()
		return nil, storage.ErrNotFound
	case resp.StatusCode != nethttp.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("httpdisk: fetch %s: unexpected status %s", url, resp.Status)
	}

	switch resp.Header.Get("Content-Encoding") {
	case "zstd":
		dec, err := zstd.NewReader(resp.Body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("httpdisk: zstd decoder: %w", err)
		}
		return &decodedBody{reader: dec.IOReadCloser(), body: resp.Body}, nil
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("httpdisk: gzip decoder: %w", err)
		}
		return &decodedBody{reader: gz, body: resp.Body}, nil
	default:
		return resp.Body, nil
	}
}

// decodedBody closes both the decompressor and the underlying response body.
type decodedBody struct {
	reader io.ReadCloser
	body   io.ReadCloser
}

func (d *decodedBody) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decodedBody) Close() error {
	err := d.reader.Close()
	if berr := d.body.Close(); err == nil {
		err = berr
	}
	return err
}
