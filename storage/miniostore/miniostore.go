// Package miniostore implements a storage integration that fetches resources
// from S3-compatible object storage (MinIO, Ceph, Garage, ...) and persists
// them to a local directory.
//
// Resource keys are object names within one bucket, optionally under a root
// prefix. Like httpdisk, persisted files are the local ground truth the cache
// reconciles against; DeleteFile removes the local copy only and never
// touches the bucket.
package miniostore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/opencontainers/go-digest"

	"github.com/signagekit/devicecache/internal/localfs"
	"github.com/signagekit/devicecache/storage"
)

// Integration fetches from an S3-compatible bucket and persists locally.
type Integration struct {
	client *minio.Client
	bucket string
	prefix string
	store  *localfs.Store
}

// Interface compliance.
var (
	_ storage.Integration   = (*Integration)(nil)
	_ storage.Fingerprinter = (*Integration)(nil)
	_ storage.Opener        = (*Integration)(nil)
)

// Option configures an Integration.
type Option func(*Integration)

// WithPrefix prepends a root prefix to every object name (e.g. "assets/").
func WithPrefix(prefix string) Option {
	return func(i *Integration) {
		i.prefix = prefix
	}
}

// New creates an integration reading from bucket via client and persisting
// fetched files under dir.
func New(client *minio.Client, bucket, dir string, opts ...Option) (*Integration, error) {
	if client == nil {
		return nil, errors.New("miniostore: client is nil")
	}
	if bucket == "" {
		return nil, errors.New("miniostore: bucket is empty")
	}
	store, err := localfs.New(dir)
	if err != nil {
		return nil, err
	}
	i := &Integration{
		client: client,
		bucket: bucket,
		store:  store,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i, nil
}

// Init verifies the bucket exists and loads the persisted-file manifest.
func (i *Integration) Init(ctx context.Context) error {
	exists, err := i.client.BucketExists(ctx, i.bucket)
	if err != nil {
		return fmt.Errorf("miniostore: bucket %q: %w", i.bucket, err)
	}
	if !exists {
		return fmt.Errorf("miniostore: bucket %q does not exist", i.bucket)
	}
	return i.store.Load()
}

// ListFiles enumerates every locally persisted file.
func (i *Integration) ListFiles(_ context.Context) ([]storage.FileInfo, error) {
	return i.store.List(), nil
}

// FetchAndPersist downloads the object and persists it atomically. A missing
// object maps to storage.ErrNotFound.
func (i *Integration) FetchAndPersist(ctx context.Context, url string, _ storage.ResourceType, _ string) (storage.Item, error) {
	obj, err := i.open(ctx, url)
	if err != nil {
		return storage.Item{}, err
	}
	defer obj.Close()
	return i.store.Persist(url, obj)
}

// DeleteFile removes the locally persisted copy. Deleting an absent file is
// not an error.
func (i *Integration) DeleteFile(_ context.Context, url string) error {
	return i.store.Delete(url)
}

// Fingerprint digests the object's current content without persisting it.
func (i *Integration) Fingerprint(ctx context.Context, url string) (digest.Digest, error) {
	obj, err := i.open(ctx, url)
	if err != nil {
		return "", err
	}
	defer obj.Close()
	return digest.Canonical.FromReader(obj)
}

// Open streams persisted bytes when available, falling back to the bucket.
func (i *Integration) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	if p, ok := i.store.Path(url); ok {
		f, err := os.Open(p)
		if err == nil {
			return f, nil
		}
	}
	return i.open(ctx, url)
}

// open returns a reader for the object, verifying existence up front so that
// a missing object surfaces here instead of on first read.
func (i *Integration) open(ctx context.Context, url string) (io.ReadCloser, error) {
	key := path.Join(i.prefix, url)
	if _, err := i.client.StatObject(ctx, i.bucket, key, minio.StatObjectOptions{}); err != nil {
		return nil, translateErr(err)
	}
	obj, err := i.client.GetObject(ctx, i.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateErr(err)
	}
	return obj, nil
}

func translateErr(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
		return storage.ErrNotFound
	}
	return err
}
