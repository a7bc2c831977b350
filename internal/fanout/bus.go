package fanout

import (
	"sync"

	"github.com/Shugur-Network/broker/internal/logger"
	"github.com/Shugur-Network/broker/internal/registry"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Matched is published once per admitted event. FilterIDs lists the live
// filters the event satisfied and Targets the deduplicated (connection,
// subscription) pairs behind them; both are empty when nobody is listening.
type Matched struct {
	Event     *nostr.Event
	FilterIDs []string
	Targets   []registry.Target
}

// Handler consumes Matched payloads on the publisher's goroutine.
type Handler func(Matched)

type namedHandler struct {
	name string
	fn   Handler
}

// Bus distributes Matched payloads to consumers registered at startup.
// Handlers run inline in registration order, so a handler that only
// enqueues keeps the publisher's ordering. Clients get a buffered channel
// and lose payloads when they fall behind.
type Bus struct {
	mu       sync.RWMutex
	handlers []namedHandler
	clients  map[string]chan Matched
	closed   bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{clients: make(map[string]chan Matched)}
}

// Subscribe registers an inline handler.
func (b *Bus) Subscribe(name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, namedHandler{name: name, fn: fn})
	logger.Debug("Bus handler subscribed", zap.String("handler", name))
}

// AddClient registers a buffered channel consumer. Registering an existing
// name replaces (and closes) the previous channel.
func (b *Bus) AddClient(name string, buffer int) <-chan Matched {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Matched, buffer)
	if b.closed {
		close(ch)
		return ch
	}
	if old, ok := b.clients[name]; ok {
		close(old)
	}
	b.clients[name] = ch
	logger.Debug("Added bus client", zap.String("client", name), zap.Int("buffer", buffer))
	return ch
}

// RemoveClient unregisters and closes a client channel.
func (b *Bus) RemoveClient(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.clients[name]; ok {
		close(ch)
		delete(b.clients, name)
	}
}

// ClientCount returns the number of channel consumers.
func (b *Bus) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish hands m to every handler, then offers it to every client.
func (b *Bus) Publish(m Matched) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, h := range b.handlers {
		b.invoke(h, m)
	}
	for name, ch := range b.clients {
		select {
		case ch <- m:
		default:
			logger.Warn("Dropped payload for bus client - buffer full",
				zap.String("client", name),
				zap.String("event_id", m.Event.ID))
		}
	}
}

func (b *Bus) invoke(h namedHandler, m Matched) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Bus handler panicked",
				zap.String("handler", h.name),
				zap.String("event_id", m.Event.ID),
				zap.Any("panic", r))
		}
	}()
	h.fn(m)
}

// Close closes every client channel; later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, ch := range b.clients {
		close(ch)
		delete(b.clients, name)
	}
}
