package types

import (
	"iter"
	"slices"
	"sync"
)

// CallbackManager keeps an ordered set of callbacks.
// Callbacks can be removed with the function returned from [CallbackManager.Add].
// The zero value is ready to use.
type CallbackManager[T any] struct {
	mu     sync.RWMutex
	items  []callback[T]
	nextID uint64
}

type callback[T any] struct {
	id uint64
	cb T
}

// Len returns the number of registered callbacks.
func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Add registers a callback and returns the function that removes it.
// The remove function is idempotent.
func (m *CallbackManager[T]) Add(cb T) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.items = append(m.items, callback[T]{id, cb})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.items = slices.DeleteFunc(m.items, func(c callback[T]) bool { return c.id == id })
			m.mu.Unlock()
		})
	}
}

// Clear removes all callbacks and returns them in registration order.
func (m *CallbackManager[T]) Clear() []T {
	m.mu.Lock()
	items := m.items
	m.items = nil
	m.mu.Unlock()

	out := make([]T, len(items))
	for i, c := range items {
		out[i] = c.cb
	}
	return out
}

// All iterates over a snapshot of the callbacks in registration order.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if m == nil {
			return
		}

		m.mu.RLock()
		items := slices.Clone(m.items)
		m.mu.RUnlock()

		for _, c := range items {
			if !yield(c.cb) {
				return
			}
		}
	}
}
