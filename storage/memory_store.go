package storage

import (
	"context"
	"sort"
	"strings"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// MemoryStore keeps everything in a concurrent map. It is the default for
// tests and for a single-process deployment.
type MemoryStore struct {
	data cmap.ConcurrentMap[string, []byte]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: cmap.New[[]byte]()}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.data.Get(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	m.data.Set(key, v)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.data.Remove(key)
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	for _, k := range m.data.Keys() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
