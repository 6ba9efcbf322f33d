// Package storage defines the contract between the on-device cache and the
// platform's storage integration.
//
// The integration is supplied by the host platform (browser, Android, WPE,
// ...) and owns the durable byte payloads: it fetches content from the origin
// and persists it locally, enumerates what is persisted, and deletes payloads.
// The cache layer consumes this contract and never touches payload bytes
// directly.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/opencontainers/go-digest"
)

// ErrNotFound is returned when a resource exists neither in persisted storage
// nor at the origin.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`.
var ErrNotFound = errors.New("storage: file not found")

// ResourceType classifies cached content and selects the freshness policy
// applied by the resource manager.
type ResourceType string

const (
	// TypeCode is an executable code bundle, validated against the origin on
	// every use.
	TypeCode ResourceType = "code"
	// TypeData is a structured data document with caller-supplied freshness.
	TypeData ResourceType = "data"
	// TypeMedia is an opaque media blob, cached lazily on demand.
	TypeMedia ResourceType = "media"
)

// FileInfo describes one persisted file as reported by ListFiles.
type FileInfo struct {
	// URL is the canonical resource locator the file was persisted under.
	URL string
	// Size is the persisted byte length.
	Size int64
}

// Item is the outcome of a successful FetchAndPersist.
type Item struct {
	// URL is the canonical resource locator.
	URL string
	// Size is the persisted byte length.
	Size int64
	// LocalPath is a locally resolvable reference to the persisted bytes.
	// It must remain valid until the file is deleted, so that consumers
	// (e.g. a playback engine) can read it without further network access.
	LocalPath string
}

// Integration is the capability set the cache consumes.
//
// ListFiles is the ground truth of what content actually exists in durable
// backing storage; the cache reconciles its metadata against it on Init.
// A FetchAndPersist failure must leave backing storage unchanged.
type Integration interface {
	// Init prepares backing storage.
	Init(ctx context.Context) error

	// ListFiles enumerates every persisted file.
	ListFiles(ctx context.Context) ([]FileInfo, error)

	// FetchAndPersist retrieves the resource from the origin and persists it
	// durably. It returns ErrNotFound when the origin cannot supply the
	// resource.
	FetchAndPersist(ctx context.Context, url string, resourceType ResourceType, mimeType string) (Item, error)

	// DeleteFile removes a persisted file. Deleting an absent file is not an
	// error.
	DeleteFile(ctx context.Context, url string) error
}

// Fingerprinter is an optional interface for integrations that can report the
// content digest the origin would serve for a resource right now, without
// persisting anything.
//
// The resource manager uses it to validate cached code bundles cheaply;
// integrations that cannot provide it force a refetch-and-compare instead.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, url string) (digest.Digest, error)
}

// Opener is an optional interface for integrations that can stream persisted
// (or origin) bytes back to the caller. The resource manager prefers the
// Item.LocalPath and falls back to Open when the path cannot be read.
type Opener interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}
