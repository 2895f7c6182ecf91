// Package xsync carries the strongly-typed concurrency helpers the heap
// uses around the stdlib sync primitives.
package xsync

import "sync"

// Map is a strongly-typed wrapper over sync.Map.
type Map[K comparable, V any] struct {
	impl sync.Map
}

// Load returns the value stored under k, if any.
func (m *Map[K, V]) Load(k K) (V, bool) {
	v, ok := m.impl.Load(k)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true //nolint:errcheck
}

// Store sets the value under k.
func (m *Map[K, V]) Store(k K, v V) {
	m.impl.Store(k, v)
}

// Range calls fn for each entry until it returns false.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	m.impl.Range(func(k, v any) bool {
		return fn(k.(K), v.(V)) //nolint:errcheck
	})
}

// Pool is like sync.Pool, but strongly typed.
type Pool[T any] struct {
	New   func() *T // Called to construct new values.
	Reset func(*T)  // Called to reset values before re-use.

	impl sync.Pool
}

// Get returns a cached value of type T.
func (p *Pool[T]) Get() *T {
	v, _ := p.impl.Get().(*T)
	if v == nil {
		if p.New != nil {
			return p.New()
		}
		return new(T)
	}
	return v
}

// Put returns a value to the pool.
func (p *Pool[T]) Put(v *T) {
	if p.Reset != nil {
		p.Reset(v)
	}
	p.impl.Put(v)
}
