package engine

import "sync"

// Emitter fans typed events out to subscribed handlers. Handlers run on the
// goroutine that emits and must not block.
type Emitter[E any] struct {
	mu       sync.RWMutex
	handlers []func(E)
}

// On subscribes fn to every subsequent event.
func (e *Emitter[E]) On(fn func(E)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, fn)
}

// Emit delivers ev to a snapshot of the current handlers.
func (e *Emitter[E]) Emit(ev E) {
	e.mu.RLock()
	handlers := make([]func(E), len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// Reset drops all handlers. Called once the owning object is closed.
func (e *Emitter[E]) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = nil
}
