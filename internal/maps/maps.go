package maps

// Implementation names a ConcurrentMap backend.
type Implementation string

const (
	XSync   Implementation = "xsync"
	Cornelk Implementation = "cornelk"
)

// defaultImplementation controls the concurrent map used by NewConcurrentMap.
const defaultImplementation = XSync

// Integer is a constraint that permits any integer type.
// All integer types are comparable.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap defines a generic, thread-safe map interface for integer keys,
// such as thread IDs.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	// LoadOrStore returns the existing value for key, or stores and returns
	// the result of valueFactory. loaded reports whether the value existed.
	LoadOrStore(key K, valueFactory func() V) (actual V, loaded bool)
	Range(f func(key K, value V) bool)
	Len() int
}

// NewConcurrentMap returns the default concurrent map implementation.
func NewConcurrentMap[K Integer, V any]() ConcurrentMap[K, V] {
	return NewConcurrentMapOf[K, V](defaultImplementation)
}

// NewConcurrentMapOf returns the named implementation, falling back to the
// default for unknown names.
func NewConcurrentMapOf[K Integer, V any](impl Implementation) ConcurrentMap[K, V] {
	switch impl {
	case Cornelk:
		return NewCornelkMap[K, V]()
	default:
		return NewXSyncMap[K, V]()
	}
}
