package miniostore

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signagekit/devicecache/storage"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	client := &minio.Client{}
	if _, err := New(nil, "bucket", t.TempDir()); err == nil {
		t.Fatal("New() with nil client: error = nil, want error")
	}
	if _, err := New(client, "", t.TempDir()); err == nil {
		t.Fatal("New() with empty bucket: error = nil, want error")
	}
	if _, err := New(client, "bucket", ""); err == nil {
		t.Fatal("New() with empty dir: error = nil, want error")
	}
}

// TestMinioIntegration requires a running MinIO instance; it skips when none
// is reachable.
func TestMinioIntegration(t *testing.T) {
	endpoint := "localhost:9000"
	bucket := "devicecache-test"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx := context.Background()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	content := []byte("signage asset bytes")
	_, err = client.PutObject(ctx, bucket, "assets/spot.bin", bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{})
	require.NoError(t, err)

	integ, err := New(client, bucket, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, integ.Init(ctx))

	item, err := integ.FetchAndPersist(ctx, "assets/spot.bin", storage.TypeMedia, "")
	require.NoError(t, err)
	data, err := os.ReadFile(item.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	fp, err := integ.Fingerprint(ctx, "assets/spot.bin")
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(content), fp)

	_, err = integ.FetchAndPersist(ctx, "assets/absent.bin", storage.TypeMedia, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, integ.DeleteFile(ctx, "assets/spot.bin"))
	files, err := integ.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
}
