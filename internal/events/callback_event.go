package events

import (
	"sync"
)

// CallbackEvent calls every registered function, in registration order, on the
// goroutine that calls Notify. Use it where a value must not be dropped.
type CallbackEvent[T any] struct {
	mu        sync.RWMutex
	listeners []callbackEntry[T]
	nextID    uint64
	replay    bool
	last      T
	hasLast   bool
}

type callbackEntry[T any] struct {
	id uint64
	fn func(T)
}

// NewCallbackEvent creates a CallbackEvent. With replay set, a new listener is
// called immediately with the most recent value.
func NewCallbackEvent[T any](replay bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{replay: replay}
}

// Listen registers fn and returns the function that removes it again.
func (e *CallbackEvent[T]) Listen(fn func(T)) func() {
	if fn == nil {
		panic("CallbackEvent: callback cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners = append(e.listeners, callbackEntry[T]{id: id, fn: fn})
	last, send := e.last, e.replay && e.hasLast
	e.mu.Unlock()

	// outside the lock: fn may call back into the event
	if send {
		fn(last)
	}

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

func (e *CallbackEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replay {
		e.last = value
		e.hasLast = true
	}
	fns := make([]func(T), len(e.listeners))
	for i, l := range e.listeners {
		fns[i] = l.fn
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

func (e *CallbackEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
