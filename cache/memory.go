package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemStorage is transient storage backed by one go-cache store per named cache.
type MemStorage struct {
	mutex  *sync.RWMutex
	names  *[]string
	caches map[string]*memCache
}

func NewMemStorage() MemStorage {
	return MemStorage{
		mutex:  &sync.RWMutex{},
		names:  &[]string{},
		caches: make(map[string]*memCache),
	}
}

func (m MemStorage) Open(name string) (Cache, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if c, ok := m.caches[name]; ok {
		return c, nil
	}
	c := &memCache{
		name:    name,
		db:      gocache.New(gocache.NoExpiration, 0),
		storage: m,
	}
	m.caches[name] = c
	*m.names = append(*m.names, name)
	return c, nil
}

func (m MemStorage) Keys() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(*m.names))
	copy(names, *m.names)
	return names, nil
}

func (m MemStorage) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return false, nil
	}
	c.db.Flush()
	delete(m.caches, name)
	names := (*m.names)[:0]
	for _, n := range *m.names {
		if n != name {
			names = append(names, n)
		}
	}
	*m.names = names
	return true, nil
}

func (m MemStorage) Match(key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, name := range *m.names {
		if bytes, ok, _ := m.caches[name].Match(key); ok {
			return bytes, true, nil
		}
	}
	return nil, false, nil
}

// Entries returns all entries of the named cache.
func (m MemStorage) Entries(name string) ([]CacheEntry, error) {
	m.mutex.RLock()
	c, ok := m.caches[name]
	m.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	entries := make([]CacheEntry, 0)
	for key, item := range c.db.Items() {
		value := item.Object.(memEntry)
		entries = append(entries, CacheEntry{Key: key, StoredAt: value.storedAt, Bytes: value.bytes})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

type memEntry struct {
	storedAt time.Time
	bytes    []byte
}

type memCache struct {
	name    string
	db      *gocache.Cache
	storage MemStorage
}

func (c *memCache) Name() string {
	return c.name
}

func (c *memCache) Match(key string) ([]byte, bool, error) {
	if x, found := c.db.Get(key); found {
		return x.(memEntry).bytes, true, nil
	}
	return nil, false, nil
}

func (c *memCache) Put(key string, bytes []byte) error {
	// the cache may have been deleted by an activation in the meantime
	c.storage.mutex.RLock()
	defer c.storage.mutex.RUnlock()
	if current, ok := c.storage.caches[c.name]; !ok || current != c {
		return fmt.Errorf("put %s: %w: %s", key, ErrNotFound, c.name)
	}
	c.db.Set(key, memEntry{storedAt: time.Now(), bytes: bytes}, gocache.NoExpiration)
	return nil
}

func (c *memCache) Keys() ([]string, error) {
	keys := make([]string, 0, c.db.ItemCount())
	for key := range c.db.Items() {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
