package maps

import "github.com/puzpuzpuz/xsync/v4"

// XSyncMap is a generic, concurrent map that implements the ConcurrentMap interface
// using the puzpuzpuz/xsync/v4 library.
type XSyncMap[K Integer, V any] struct {
	m *xsync.Map[K, V]
}

// NewXSyncMap creates a new XSyncMap, returning it as a ConcurrentMap.
func NewXSyncMap[K Integer, V any]() ConcurrentMap[K, V] {
	return &XSyncMap[K, V]{m: xsync.NewMap[K, V]()}
}

func (m *XSyncMap[K, V]) Load(key K) (V, bool) { return m.m.Load(key) }
func (m *XSyncMap[K, V]) Store(key K, value V) { m.m.Store(key, value) }
func (m *XSyncMap[K, V]) Delete(key K)         { m.m.Delete(key) }
func (m *XSyncMap[K, V]) Len() int             { return m.m.Size() }

// LoadOrStore uses LoadOrCompute so the factory runs at most once per key.
func (m *XSyncMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	return m.m.LoadOrCompute(key, func() (V, bool) {
		// The second result cancels the store; never cancel.
		return valueFactory(), false
	})
}

// Range iterates over all items in the map.
func (m *XSyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.m.Range(f)
}
