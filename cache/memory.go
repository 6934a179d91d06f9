package cache

import (
	"context"
	"sort"
	"sync"
)

type memCache struct {
	seq     int64
	entries map[string]Entry
}

// MemStorage keeps caches in process memory.
// All caches share one lock, so it is suitable for tests and small deployments only.
type MemStorage struct {
	mutex  *sync.RWMutex
	caches map[string]*memCache
	seq    *int64
	closed *bool
}

func NewMemStorage() MemStorage {
	var seq int64
	var closed bool
	return MemStorage{
		mutex:  &sync.RWMutex{},
		caches: make(map[string]*memCache),
		seq:    &seq,
		closed: &closed,
	}
}

func (m MemStorage) Open(_ context.Context, name string) (Cache, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if *m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.caches[name]; !ok {
		*m.seq++
		m.caches[name] = &memCache{
			seq:     *m.seq,
			entries: make(map[string]Entry),
		}
	}
	return memCacheHandle{storage: m, name: name}, nil
}

func (m MemStorage) Has(_ context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if *m.closed {
		return false, ErrClosed
	}
	_, ok := m.caches[name]
	return ok, nil
}

func (m MemStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if *m.closed {
		return false, ErrClosed
	}
	_, ok := m.caches[name]
	delete(m.caches, name)
	return ok, nil
}

func (m MemStorage) Names(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if *m.closed {
		return nil, ErrClosed
	}
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return m.caches[names[i]].seq < m.caches[names[j]].seq
	})
	return names, nil
}

func (m MemStorage) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	*m.closed = true
	return nil
}

// memCacheHandle looks its cache up on every call,
// so a handle to a deleted cache behaves like an empty cache
// and writes to it recreate nothing.
type memCacheHandle struct {
	storage MemStorage
	name    string
}

func (h memCacheHandle) Name() string {
	return h.name
}

func (h memCacheHandle) Get(_ context.Context, key string) (Entry, bool, error) {
	h.storage.mutex.RLock()
	defer h.storage.mutex.RUnlock()
	if *h.storage.closed {
		return Entry{}, false, ErrClosed
	}
	c, ok := h.storage.caches[h.name]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := c.entries[key]
	return entry, ok, nil
}

func (h memCacheHandle) Put(ctx context.Context, entry Entry) error {
	return h.PutAll(ctx, []Entry{entry})
}

func (h memCacheHandle) PutAll(_ context.Context, entries []Entry) error {
	h.storage.mutex.Lock()
	defer h.storage.mutex.Unlock()
	if *h.storage.closed {
		return ErrClosed
	}
	c, ok := h.storage.caches[h.name]
	if !ok {
		return nil
	}
	for _, entry := range entries {
		c.entries[entry.Key] = entry
	}
	return nil
}

func (h memCacheHandle) Keys(_ context.Context) ([]string, error) {
	h.storage.mutex.RLock()
	defer h.storage.mutex.RUnlock()
	if *h.storage.closed {
		return nil, ErrClosed
	}
	c, ok := h.storage.caches[h.name]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (h memCacheHandle) Delete(_ context.Context, key string) (bool, error) {
	h.storage.mutex.Lock()
	defer h.storage.mutex.Unlock()
	if *h.storage.closed {
		return false, ErrClosed
	}
	c, ok := h.storage.caches[h.name]
	if !ok {
		return false, nil
	}
	_, ok = c.entries[key]
	delete(c.entries, key)
	return ok, nil
}
