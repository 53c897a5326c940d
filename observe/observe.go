// Package observe provides the in-memory observable state shared between
// the engines and their consumers: current delivery status per message and
// cache status/progress per attachment. It replaces the UI-framework
// reactive containers of typical chat clients with a plain concurrent map
// plus channel-based subscriptions, so any consumer (UI or tests) can watch
// state without a UI runtime.
package observe

import "sync"

// Map is a concurrent-safe observable map from string IDs to a state value.
// Subscribers receive every state the slow path can keep up with; a
// subscriber that lags is skipped ahead to the latest state rather than
// blocking the publisher.
type Map[V any] struct {
	mu     sync.RWMutex
	values map[string]V
	subs   map[string][]chan V
}

// NewMap creates an empty observable map.
func NewMap[V any]() *Map[V] {
	return &Map[V]{
		values: make(map[string]V),
		subs:   make(map[string][]chan V),
	}
}

// Set stores the current state for id and notifies subscribers.
func (m *Map[V]) Set(id string, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[id] = value
	for _, ch := range m.subs[id] {
		// Latest-wins: evict the undelivered state if the buffer is full.
		select {
		case ch <- value:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- value:
			default:
			}
		}
	}
}

// Get returns the current state for id.
func (m *Map[V]) Get(id string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[id]
	return v, ok
}

// Delete removes the state for id. Subscribers are left open; a subsequent
// Set for the same id reaches them again.
func (m *Map[V]) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, id)
}

// Len returns the number of tracked IDs.
func (m *Map[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// Subscribe returns a channel receiving state updates for id, primed with
// the current state if one exists, and a cancel function that detaches the
// subscription.
func (m *Map[V]) Subscribe(id string) (<-chan V, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan V, 1)
	if v, ok := m.values[id]; ok {
		ch <- v
	}
	m.subs[id] = append(m.subs[id], ch)

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.subs[id]
		for i, c := range list {
			if c == ch {
				m.subs[id] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(m.subs[id]) == 0 {
			delete(m.subs, id)
		}
	}
	return ch, cancel
}
