package cache

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by storage operations after Close.
var ErrClosed = errors.New("cache: storage closed")

// Storage is a collection of named caches, i.e. the cache storage of one origin.
// A controller owns the caches of its current generation,
// and removes caches of other generations when it activates.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the cache with the given name, creating it if it does not exist.
	Open(ctx context.Context, name string) (Cache, error)
	// Has checks if a cache with the given name exists.
	// It does not create the cache.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the named cache and all of its entries.
	// It reports whether the cache existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Names returns the names of all caches in creation order.
	Names(ctx context.Context) ([]string, error)
	// Close releases the resources held by the storage.
	Close() error
}

// Cache is a single named cache of response snapshots.
// Entries are keyed by absolute request URL.
// Concurrent writes to the same key are last-write-wins.
type Cache interface {
	// Name returns the name the cache was opened with.
	Name() string
	// Get returns the stored entry for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry under its key, replacing any previous entry.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all entries, or none of them if an error is returned.
	PutAll(ctx context.Context, entries []Entry) error
	// Keys returns the keys of all stored entries.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the entry for the given key.
	// It reports whether the entry existed.
	Delete(ctx context.Context, key string) (bool, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
