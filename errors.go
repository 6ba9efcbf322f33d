package devicecache

import "errors"

var (
	// ErrNotFound is returned when a resource is absent both locally and at
	// the origin. The message "File not found" is part of the public
	// contract: playback and UI code match on it to substitute a fallback.
	ErrNotFound = errors.New("File not found")

	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("devicecache: closed")

	// ErrNoLoader is returned by Import when no module loader was supplied.
	ErrNoLoader = errors.New("devicecache: no module loader configured")
)
