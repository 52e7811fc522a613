package cachedb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/doc-sync/telemetry"
)

// BoltCache implements Cache using bbolt. One bucket per collection; keys
// are prefixed with the bound repository so the store partitions cleanly.
type BoltCache struct {
	db     *bbolt.DB
	codec  *codec
	logger *slog.Logger
	noSync bool // disables fsync per transaction (for testing only)

	mu   sync.RWMutex
	repo string
}

// BoltCacheOption configures a BoltCache instance.
type BoltCacheOption func(*BoltCache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) BoltCacheOption {
	return func(b *BoltCache) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltCacheOption {
	return func(b *BoltCache) {
		b.noSync = noSync
	}
}

// NewBoltCache creates a new BoltCache instance with options.
func NewBoltCache(opts ...BoltCacheOption) *BoltCache {
	b := &BoltCache{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the store at the given path and creates collection buckets.
func (b *BoltCache) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening cache store: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	c, err := newCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating value codec: %w", err)
	}
	b.codec = c

	b.logger.Debug("opened cache store", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltCache) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range Collections() {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the store and releases resources.
func (b *BoltCache) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing cache store")
	return b.db.Close()
}

// BindRepository binds the cache to a repository for its lifetime.
// Binding twice fails with ErrAlreadyBound even for the same repository;
// mixing documents from two repositories in one session is never allowed.
func (b *BoltCache) BindRepository(repo string) error {
	if repo == "" {
		return fmt.Errorf("cachedb: repository must not be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.repo != "" {
		return ErrAlreadyBound
	}
	b.repo = repo
	b.logger.Debug("bound repository", "repository", repo)
	return nil
}

// Repository returns the bound repository, or "" if unbound.
func (b *BoltCache) Repository() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.repo
}

// boundRepo returns the bound repository or ErrNotBound.
func (b *BoltCache) boundRepo() (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.repo == "" {
		return "", ErrNotBound
	}
	return b.repo, nil
}

// Save stores a value under (collection, key) scoped to the bound repository.
func (b *BoltCache) Save(ctx context.Context, collection, key string, value []byte) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	repo, err := b.boundRepo()
	if err != nil {
		return err
	}

	start := time.Now()

	frame, err := b.codec.Encode(value)
	if err != nil {
		return err
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return fmt.Errorf("collection bucket %s not found", collection)
		}
		if err := bucket.Put(makeRepoKey(repo, key), frame); err != nil {
			return fmt.Errorf("putting value: %w", err)
		}
		return nil
	})

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordCacheOp(ctx, collection, "save", outcome, time.Since(start), int64(len(value)))
	return err
}

// Load retrieves a value. A missing key is reported as ok=false, not an
// error.
func (b *BoltCache) Load(ctx context.Context, collection, key string) ([]byte, bool, error) {
	if err := validateCollection(collection); err != nil {
		return nil, false, err
	}
	repo, err := b.boundRepo()
	if err != nil {
		return nil, false, err
	}

	start := time.Now()

	var frame []byte
	err = b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		if val := bucket.Get(makeRepoKey(repo, key)); val != nil {
			frame = make([]byte, len(val))
			copy(frame, val)
		}
		return nil
	})
	if err != nil {
		telemetry.RecordCacheOp(ctx, collection, "load", "error", time.Since(start), 0)
		return nil, false, err
	}
	if frame == nil {
		telemetry.RecordCacheOp(ctx, collection, "load", "miss", time.Since(start), 0)
		return nil, false, nil
	}

	value, err := b.codec.Decode(frame)
	if err != nil {
		telemetry.RecordCacheOp(ctx, collection, "load", "error", time.Since(start), 0)
		return nil, false, fmt.Errorf("decoding value for %s/%s: %w", collection, key, err)
	}
	telemetry.RecordCacheOp(ctx, collection, "load", "hit", time.Since(start), 0)
	return value, true, nil
}

// ListKeys returns the logical keys belonging to the bound repository in a
// collection, with the repository prefix stripped. Order is unspecified.
func (b *BoltCache) ListKeys(_ context.Context, collection string) ([]string, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	repo, err := b.boundRepo()
	if err != nil {
		return nil, err
	}

	var keys []string
	prefix := repoPrefix(repo)

	err = b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			if key, ok := parseRepoKey(repo, k); ok {
				keys = append(keys, key)
			}
		}
		return nil
	})
	return keys, err
}

// LoadAll returns every (key, value) pair for the bound repository in a
// collection. Listing and decoding happen inside one read transaction, so
// a concurrent delete cannot leave a listed key without its value.
func (b *BoltCache) LoadAll(_ context.Context, collection string) ([]Entry, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	repo, err := b.boundRepo()
	if err != nil {
		return nil, err
	}

	var entries []Entry
	prefix := repoPrefix(repo)

	err = b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			key, ok := parseRepoKey(repo, k)
			if !ok {
				continue
			}
			value, err := b.codec.Decode(v)
			if err != nil {
				return fmt.Errorf("decoding value for %s/%s: %w", collection, key, err)
			}
			entries = append(entries, Entry{Key: key, Value: value})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Delete removes a value. Deleting a missing key is a no-op.
func (b *BoltCache) Delete(ctx context.Context, collection, key string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	repo, err := b.boundRepo()
	if err != nil {
		return err
	}

	start := time.Now()

	err = b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		return bucket.Delete(makeRepoKey(repo, key))
	})

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordCacheOp(ctx, collection, "delete", outcome, time.Since(start), 0)
	return err
}

// Clear removes all of the bound repository's keys in a collection. Other
// repositories' keys in the same bucket are untouched.
func (b *BoltCache) Clear(_ context.Context, collection string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	repo, err := b.boundRepo()
	if err != nil {
		return err
	}

	prefix := repoPrefix(repo)

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("deleting key: %w", err)
			}
		}
		return nil
	})
}

// Exists reports whether a key is present.
func (b *BoltCache) Exists(_ context.Context, collection, key string) (bool, error) {
	if err := validateCollection(collection); err != nil {
		return false, err
	}
	repo, err := b.boundRepo()
	if err != nil {
		return false, err
	}

	var found bool
	err = b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		found = bucket.Get(makeRepoKey(repo, key)) != nil
		return nil
	})
	return found, err
}

// Teardown drops every collection's contents (all repositories) and, unless
// preserveBinding is set, clears the repository binding.
func (b *BoltCache) Teardown(_ context.Context, preserveBinding bool) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range Collections() {
			if tx.Bucket([]byte(name)) != nil {
				if err := tx.DeleteBucket([]byte(name)); err != nil {
					return fmt.Errorf("dropping bucket %s: %w", name, err)
				}
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !preserveBinding {
		b.repo = ""
	}
	b.logger.Debug("tore down cache store", "preserve_binding", preserveBinding)
	return nil
}

// Compile-time interface check
var _ Cache = (*BoltCache)(nil)
