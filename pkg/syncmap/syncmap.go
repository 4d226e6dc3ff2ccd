package syncmap

import (
	"sync"
	"sync/atomic"
)

// Map is a type-safe wrapper around sync.Map with an O(1) count.
type Map[K comparable, V any] struct {
	m     sync.Map
	count atomic.Int64
}

// Store stores the value for the key
func (m *Map[K, V]) Store(key K, value V) {
	_, loaded := m.m.Load(key)
	m.m.Store(key, value)

	if !loaded {
		m.count.Add(1)
	}
}

// Load loads the value for the key
func (m *Map[K, V]) Load(key K) (V, bool) {
	value, ok := m.m.Load(key)
	if !ok {
		var zero V

		return zero, false
	}

	return value.(V), true
}

// Delete deletes the value for the key
func (m *Map[K, V]) Delete(key K) {
	_, loaded := m.m.LoadAndDelete(key)
	if loaded {
		m.count.Add(-1)
	}
}

// Range calls f for each key-value pair in the map
func (m *Map[K, V]) Range(f func(key K, value V) bool) {
	m.m.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}

// Count returns the number of items in the map
func (m *Map[K, V]) Count() int {
	return int(m.count.Load())
}
