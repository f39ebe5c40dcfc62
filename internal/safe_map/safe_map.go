package safe_map

import "github.com/cornelk/hashmap"

// Key lists the key types the lock-free map can hash.
type Key interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr | ~float32 | ~float64 | ~string
}

// SafeMap is a concurrent map used for BLE discovery caches and device registries.
type SafeMap[K Key, V any] struct {
	m *hashmap.Map[K, V]
}

func NewSafeMap[K Key, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{m: hashmap.New[K, V]()}
}

func (s *SafeMap[K, V]) Load(key K) (V, bool) {
	return s.m.Get(key)
}

func (s *SafeMap[K, V]) Store(key K, value V) {
	s.m.Set(key, value)
}

// LoadOrStore returns the existing value for key if present, otherwise it stores
// value. loaded reports whether the value was already there.
func (s *SafeMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	return s.m.GetOrInsert(key, value)
}

func (s *SafeMap[K, V]) Delete(key K) bool {
	return s.m.Del(key)
}

func (s *SafeMap[K, V]) Len() int {
	return s.m.Len()
}

// Range calls f for every entry until f returns false. Order is unspecified.
func (s *SafeMap[K, V]) Range(f func(K, V) bool) {
	s.m.Range(f)
}

func (s *SafeMap[K, V]) Values() []V {
	out := make([]V, 0, s.m.Len())
	s.m.Range(func(_ K, v V) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Clear removes every entry.
func (s *SafeMap[K, V]) Clear() {
	var keys []K
	s.m.Range(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	for _, k := range keys {
		s.m.Del(k)
	}
}
