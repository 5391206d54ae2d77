package pipeline

import (
	"sync"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/usage"
)

// MetricsHandler receives usage events. Calls for one session never overlap.
type MetricsHandler func(usage.Event)

// Subscription identifies a registered MetricsHandler. The zero value matches nothing.
type Subscription struct {
	id uint64
}

// Valid reports whether s was returned by On.
func (s Subscription) Valid() bool { return s.id != 0 }

// Bus fans usage events out to subscribers. Delivery holds the lock, so once
// Off returns the handler is never invoked again. The zero value is ready to use.
type Bus struct {
	mu       sync.Mutex
	next     uint64
	handlers map[uint64]MetricsHandler
}

// On registers h and returns its subscription.
func (b *Bus) On(h MetricsHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[uint64]MetricsHandler)
	}
	b.next++
	b.handlers[b.next] = h
	return Subscription{id: b.next}
}

// Off removes a handler. It reports false if s was not registered.
func (b *Bus) Off(s Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[s.id]; !ok {
		return false
	}
	delete(b.handlers, s.id)
	return true
}

// Emit delivers ev to every handler.
func (b *Bus) Emit(ev usage.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.handlers {
		h(ev)
	}
}
