package cache

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a named cache does not exist.
var ErrNotFound = errors.New("cache not found")

// CacheStorage is the set of named caches available to the proxy.
// Each named cache maps request keys to []byte values, which represent HTTP responses.
// Caches are identified by their version tag, so superseded versions can be
// dropped wholesale.
//
// Implementations must be thread-safe!
type CacheStorage interface {
	// Open returns the cache with the given name, creating it if needed.
	Open(name string) (Cache, error)
	// Keys returns the names of all caches, in creation order.
	Keys() ([]string, error)
	// Delete removes the named cache and all of its entries.
	// The boolean reports whether a cache was actually removed.
	Delete(name string) (bool, error)
	// Match looks up the key in every cache, in creation order,
	// and returns the first stored value.
	Match(key string) ([]byte, bool, error)
}

// Cache is a single named cache.
type Cache interface {
	// Name returns the name (version tag) of the cache.
	Name() string
	// Match returns the stored value for the given key, if it exists.
	Match(key string) ([]byte, bool, error)
	// Put stores the value under the given key.
	// Concurrent writes to the same key are last-write-wins.
	Put(key string, bytes []byte) error
	// Keys returns all keys stored in the cache.
	Keys() ([]string, error)
}

// CacheEntry is a single stored value, used when listing caches.
type CacheEntry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

// EntryLister is implemented by storages that can list the stored entries of a cache.
type EntryLister interface {
	Entries(name string) ([]CacheEntry, error)
}
