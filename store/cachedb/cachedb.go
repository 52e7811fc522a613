// Package cachedb provides durable, repository-scoped storage for locally
// edited documents, keyed by (collection, logical key). A single physical
// store can hold documents from multiple repositories; every operation only
// ever observes the repository the cache is currently bound to.
package cachedb

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotBound is returned when a read/write operation is attempted
	// before BindRepository has been called.
	ErrNotBound = errors.New("cachedb: no repository bound")

	// ErrAlreadyBound is returned when BindRepository is called while a
	// repository is already bound. Rebinding requires a Teardown first.
	ErrAlreadyBound = errors.New("cachedb: repository already bound")

	// ErrCorrupted is returned when a stored value fails digest verification.
	ErrCorrupted = errors.New("cachedb: value digest mismatch")

	// ErrValueTooLarge is returned when a value exceeds MaxValueSize.
	ErrValueTooLarge = errors.New("cachedb: value exceeds maximum size")
)

// Document collections. The set is fixed: one bucket per collection, created
// at Open. Any other collection name is rejected.
const (
	CollectionMetadata = "metadata"
	CollectionMarkdown = "markdown"
	CollectionImages   = "images"
)

// Collections returns the fixed set of collection names.
func Collections() []string {
	return []string{CollectionMetadata, CollectionMarkdown, CollectionImages}
}

// InvalidCollectionError is returned when a collection name is not in the
// fixed set.
type InvalidCollectionError struct {
	Collection string
}

func (e *InvalidCollectionError) Error() string {
	return fmt.Sprintf("cachedb: invalid collection %q", e.Collection)
}

// validateCollection checks that name is one of the fixed collections.
func validateCollection(name string) error {
	switch name {
	case CollectionMetadata, CollectionMarkdown, CollectionImages:
		return nil
	default:
		return &InvalidCollectionError{Collection: name}
	}
}

// Entry is a single (logical key, value) pair returned by LoadAll.
type Entry struct {
	Key   string
	Value []byte
}

// Cache provides repository-scoped document storage.
type Cache interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// BindRepository binds the cache to a repository for its lifetime.
	// Returns ErrAlreadyBound if a repository is already bound, even for
	// the same value.
	BindRepository(repo string) error

	// Repository returns the bound repository, or "" if unbound.
	Repository() string

	// Document operations. All fail with ErrNotBound before binding and
	// with InvalidCollectionError for an unknown collection.
	Save(ctx context.Context, collection, key string, value []byte) error
	Load(ctx context.Context, collection, key string) (value []byte, ok bool, err error)
	ListKeys(ctx context.Context, collection string) ([]string, error)
	LoadAll(ctx context.Context, collection string) ([]Entry, error)
	Delete(ctx context.Context, collection, key string) error
	Clear(ctx context.Context, collection string) error
	Exists(ctx context.Context, collection, key string) (bool, error)

	// Teardown drops all stored data across every collection. When
	// preserveBinding is false the repository binding is also cleared,
	// allowing a subsequent BindRepository with a different value.
	Teardown(ctx context.Context, preserveBinding bool) error
}

// New creates a new Cache backed by bbolt.
func New(opts ...BoltCacheOption) Cache {
	return NewBoltCache(opts...)
}
