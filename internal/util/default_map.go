package util

// DefaultMap is a map that creates missing values with factory on Get.
// It is not safe for concurrent use; callers hold their own lock.
type DefaultMap[K comparable, V any] struct {
	internal map[K]V
	factory  func() V
}

func NewDefaultMap[K comparable, V any](factory func() V) *DefaultMap[K, V] {
	return &DefaultMap[K, V]{
		internal: make(map[K]V),
		factory:  factory,
	}
}

// Get returns the value for key, creating and storing it if absent.
func (d *DefaultMap[K, V]) Get(key K) V {
	if val, ok := d.internal[key]; ok {
		return val
	}
	val := d.factory()
	d.internal[key] = val
	return val
}

// Peek returns the value for key without creating it.
func (d *DefaultMap[K, V]) Peek(key K) (V, bool) {
	val, ok := d.internal[key]
	return val, ok
}

func (d *DefaultMap[K, V]) Delete(key K) {
	delete(d.internal, key)
}

func (d *DefaultMap[K, V]) Len() int {
	return len(d.internal)
}

func (d *DefaultMap[K, V]) Items() map[K]V {
	return d.internal
}
