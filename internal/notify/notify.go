// Package notify provides ordered listener registries and batched
// dispatch for cache and observer events.
package notify

import "sync"

// Emitter is a goroutine-safe listener registry. Listeners are invoked
// in subscription order, outside the registry lock, so a listener may
// subscribe or unsubscribe reentrantly. The zero value is ready to use.
type Emitter[T any] struct {
	mu        sync.Mutex
	seq       uint64
	listeners []listener[T]
	onPanic   func(recovered any)
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns its unsubscribe function.
// Unsubscribing twice is a no-op.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.mu.Lock()
	e.seq++
	id := e.seq
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Emit invokes every listener with v. A panicking listener is recovered
// and reported to the panic handler so one bad consumer cannot take the
// emitter down; remaining listeners still run.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]listener[T], len(e.listeners))
	copy(snapshot, e.listeners)
	onPanic := e.onPanic
	e.mu.Unlock()

	for _, l := range snapshot {
		invoke(l.fn, v, onPanic)
	}
}

func invoke[T any](fn func(T), v T, onPanic func(any)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(r)
		}
	}()
	fn(v)
}

// Len returns the number of registered listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// SetPanicHandler installs the handler for recovered listener panics.
// A nil handler swallows them.
func (e *Emitter[T]) SetPanicHandler(fn func(recovered any)) {
	e.mu.Lock()
	e.onPanic = fn
	e.mu.Unlock()
}
