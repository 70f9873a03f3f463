package cache

import (
	"sort"
	"sync"
)

// MemProvider keeps stores in memory.
// Entries are kept as snapshots, so callers never share header maps or bodies with the provider.
type MemProvider struct {
	mutex  *sync.RWMutex
	stores map[string]*memStore
}

type memStore struct {
	mutex   sync.RWMutex
	entries map[string]Entry
}

func NewMemProvider() *MemProvider {
	return &MemProvider{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*memStore),
	}
}

func (m *MemProvider) Open(name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.stores[name]
	if !ok {
		s = &memStore{entries: make(map[string]Entry)}
		m.stores[name] = s
	}
	return memHandle{name: name, provider: m, store: s}, nil
}

func (m *MemProvider) Stores() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemProvider) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[name]; !ok {
		return false, nil
	}
	delete(m.stores, name)
	return true, nil
}

func (m *MemProvider) Close() error {
	return nil
}

type memHandle struct {
	name     string
	provider *MemProvider
	store    *memStore
}

func (h memHandle) Name() string {
	return h.name
}

// live reports whether the handle's store is still the one registered under its name.
func (h memHandle) live() bool {
	h.provider.mutex.RLock()
	defer h.provider.mutex.RUnlock()
	return h.provider.stores[h.name] == h.store
}

func (h memHandle) Match(key string) (Entry, bool, error) {
	if !h.live() {
		return Entry{}, false, nil
	}
	h.store.mutex.RLock()
	defer h.store.mutex.RUnlock()
	e, ok := h.store.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return copyEntry(e), true, nil
}

func (h memHandle) Put(key string, e Entry) error {
	if !h.live() {
		return nil
	}
	e = copyEntry(e)
	e.Key = key
	e.Store = h.name
	h.store.mutex.Lock()
	defer h.store.mutex.Unlock()
	h.store.entries[key] = e
	return nil
}

func (h memHandle) Keys(cb func(string)) error {
	if !h.live() {
		return nil
	}
	h.store.mutex.RLock()
	keys := make([]string, 0, len(h.store.entries))
	for key := range h.store.entries {
		keys = append(keys, key)
	}
	h.store.mutex.RUnlock()
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (h memHandle) Len() (int, error) {
	if !h.live() {
		return 0, nil
	}
	h.store.mutex.RLock()
	defer h.store.mutex.RUnlock()
	return len(h.store.entries), nil
}

func copyEntry(e Entry) Entry {
	e.Header = e.Header.Clone()
	if e.Body != nil {
		e.Body = append([]byte(nil), e.Body...)
	}
	return e
}
