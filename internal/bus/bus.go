package bus

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handler processes one published payload. Returning an error marks the
// handler as failed for logging purposes; it never stops dispatch to the
// remaining handlers or reaches the publisher.
type Handler func(payload any) error

// Bus is a synchronous topic-based publish/subscribe dispatcher.
// Publishes with no subscribers are dropped; there is no persistence
// or replay. Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[string][]Handler)}
}

// Subscribe registers a handler for a topic. Handlers for the same topic
// run in subscription order on every publish.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish dispatches payload synchronously to every handler registered
// for topic, in subscription order. A failing or panicking handler is
// logged and skipped; the rest still run.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	handlers := b.subs[topic]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		slog.Debug("bus: no subscribers for topic", "topic", topic)
		return
	}

	for i, h := range handlers {
		if err := safeDispatch(h, payload); err != nil {
			slog.Error("bus: handler failed", "topic", topic, "handler", i, "error", err)
		}
	}
}

func safeDispatch(h Handler, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(payload)
}
