package chatws

import (
	"sync"
)

type callback[T any] func(T)

// ListenerID identifies a registered listener so that it can be removed later.
type ListenerID uint64

type listener[V any] struct {
	id ListenerID
	cb callback[V]
}

// EventEmitterCallback is a simple event emitter. It maps events (of type K) to listeners
// which are called with data of type V.
// Listeners may register or remove listeners from within a callback: Emit iterates over a
// snapshot taken before the first listener runs.
type EventEmitterCallback[K comparable, V any] struct {
	listeners map[K][]listener[V]
	nextID    ListenerID
	lock      sync.RWMutex
}

// NewEventEmitter creates a new EventEmitterCallback and returns a pointer to it.
func NewEventEmitter[K comparable, V any]() *EventEmitterCallback[K, V] {
	return &EventEmitterCallback[K, V]{
		listeners: make(map[K][]listener[V]),
	}
}

// On registers a new listener for the given event.
func (e *EventEmitterCallback[K, V]) On(event K, cb callback[V]) ListenerID {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.nextID++
	e.listeners[event] = append(e.listeners[event], listener[V]{id: e.nextID, cb: cb})

	return e.nextID
}

// Off removes the listener registered under id. Removing an unknown id is a no-op.
func (e *EventEmitterCallback[K, V]) Off(id ListenerID) {
	e.lock.Lock()
	defer e.lock.Unlock()

	for event, ls := range e.listeners {
		for i, l := range ls {
			if l.id != id {
				continue
			}
			next := make([]listener[V], 0, len(ls)-1)
			next = append(next, ls[:i]...)
			next = append(next, ls[i+1:]...)
			if len(next) == 0 {
				delete(e.listeners, event)
			} else {
				e.listeners[event] = next
			}
			return
		}
	}
}

// Len returns the number of listeners registered for the given event.
func (e *EventEmitterCallback[K, V]) Len(event K) int {
	e.lock.RLock()
	defer e.lock.RUnlock()

	return len(e.listeners[event])
}

// Emit calls all listeners registered for the given event synchronously, in no
// particular order, and returns once all of them have returned.
func (e *EventEmitterCallback[K, V]) Emit(event K, data V) {
	e.lock.RLock()
	snapshot := e.listeners[event]
	e.lock.RUnlock()

	// Off replaces the slice instead of mutating it, so the snapshot stays intact.
	for _, l := range snapshot {
		l.cb(data)
	}
}

// Close removes all listeners to prevent memory leaks.
func (e *EventEmitterCallback[K, V]) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners = make(map[K][]listener[V])
}
