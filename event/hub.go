// Package event provides ordered listener registries used for packet and
// connection notifications.
package event

import "sync"

// Hub fans a value out to its listeners in subscription order.
// Listeners run synchronously on the emitting goroutine.
type Hub[T any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe adds fn and returns a function that removes it again.
func (h *Hub[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners = append(h.listeners, listener[T]{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, l := range h.listeners {
		if l.id == id {
			h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of listeners.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Emit calls every listener with v. Listeners may subscribe or unsubscribe
// from inside the callback; the change applies to the next Emit.
func (h *Hub[T]) Emit(v T) {
	h.mu.RLock()
	snapshot := h.listeners
	h.mu.RUnlock()

	for _, l := range snapshot {
		l.fn(v)
	}
}
