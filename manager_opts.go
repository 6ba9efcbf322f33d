package devicecache

import (
	"log/slog"
	"time"
)

// Option configures a Manager.
type Option func(*Manager)

// WithNeedsRefresh sets a callback invoked when a code resource's cached
// content is found stale relative to the origin during Import. The host
// typically reloads itself in response.
func WithNeedsRefresh(fn func()) Option {
	return func(m *Manager) {
		m.needsRefresh = fn
	}
}

// WithLogger sets the structured logger. Logging is off by default.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithPrefetchConcurrency sets the number of workers used by Prefetch.
// Values <= 0 keep the default.
func WithPrefetchConcurrency(workers int) Option {
	return func(m *Manager) {
		m.prefetchWorkers = workers
	}
}

// WithClock overrides the time source used for freshness checks. Intended
// for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}
