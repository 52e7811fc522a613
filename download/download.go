// Package download provides singleflight-based deduplication for remote
// file fetches. When several staging workflows ask for the same uncached
// (branch, path) at once, only one remote fetch is performed and the result
// is shared.
package download

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// FetchFunc retrieves a file's content from the remote.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Deduper deduplicates concurrent fetches for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fetch for other waiters.
type Deduper struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Deduper.
type Option func(*Deduper)

// WithLogger sets the logger for the deduper.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Deduper) {
		d.logger = logger
	}
}

// New creates a new Deduper.
func New(opts ...Option) *Deduper {
	d := &Deduper{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent fetches for the same key. Returns the content,
// whether the result was shared with another caller, and any error.
//
// If the caller's context expires before the fetch completes, Do returns the
// context error but the in-flight fetch continues for other waiters.
func (d *Deduper) Do(ctx context.Context, key string, fn FetchFunc) ([]byte, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		// Detached context so no single caller's cancellation stops the
		// fetch for everyone else.
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			// Drop the cached failure so a later call can retry.
			d.group.Forget(key)
			return nil, res.Shared, res.Err
		}
		if res.Shared {
			d.logger.Debug("shared in-flight fetch", "key", key)
		}
		return res.Val.([]byte), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
