package events

import (
	"sync"
)

// ChannelEvent fans a value out to any number of listener channels.
// Sends never block: a listener whose buffer is full misses that value.
type ChannelEvent[T any] struct {
	mu        sync.RWMutex
	listeners map[uint64]chan<- T
	nextID    uint64
	replay    bool
	last      T
	hasLast   bool
}

// NewChannelEvent creates a ChannelEvent. With replay set, the most recent value
// is remembered and handed to each new listener as soon as it registers.
func NewChannelEvent[T any](replay bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		listeners: make(map[uint64]chan<- T),
		replay:    replay,
	}
}

// Listen registers ch and returns the function that removes it again.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("ChannelEvent: channel cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = ch
	last, send := e.last, e.replay && e.hasLast
	e.mu.Unlock()

	if send {
		select {
		case ch <- last:
		default:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// Notify delivers value to every listener and returns how many listeners were
// skipped because their channel was full.
func (e *ChannelEvent[T]) Notify(value T) int {
	e.mu.Lock()
	if e.replay {
		e.last = value
		e.hasLast = true
	}
	targets := make([]chan<- T, 0, len(e.listeners))
	for _, ch := range e.listeners {
		targets = append(targets, ch)
	}
	e.mu.Unlock()

	dropped := 0
	for _, ch := range targets {
		select {
		case ch <- value:
		default:
			dropped++
		}
	}
	return dropped
}

// Last returns the remembered value. ok is false until the first Notify or when
// replay is disabled.
func (e *ChannelEvent[T]) Last() (value T, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last, e.hasLast
}

func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
