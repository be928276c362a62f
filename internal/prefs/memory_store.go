package prefs

import (
	"sort"
	"strings"
)

// MemoryStore is an in-memory backend used for sideloading and tests
// (keys are kept in a plain map and sorted only when sub-keys are
// listed); nothing written to it survives process exit.
type MemoryStore struct {
	*base
}

type memoryBackend struct {
	values map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	m := &memoryBackend{values: make(map[string]string)}
	return &MemoryStore{base: newBase(m)}
}

func (m *memoryBackend) getKey(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *memoryBackend) setKey(key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.values[key] = value
	return nil
}

func (m *memoryBackend) keyExists(key string) bool {
	_, ok := m.values[key]
	return ok
}

func (m *memoryBackend) deleteKey(key string) error {
	delete(m.values, key)
	return nil
}

// subKeys emulates the C++ implementation's lower/upper-bound scan over
// a sorted key space without keeping the map itself sorted.
func (m *memoryBackend) subKeys(prefix string) []string {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lo := sort.Search(len(keys), func(i int) bool { return keys[i] >= prefix })
	var out []string
	for i := lo; i < len(keys); i++ {
		if !strings.HasPrefix(keys[i], prefix) {
			break
		}
		out = append(out, keys[i])
	}
	return out
}
