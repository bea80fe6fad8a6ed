package transport

import (
	"context"
	"sync"

	"github.com/ceejay06s/Samp-rtc-sub009/pkg/errors"
)

// MemoryTransport is an in-process Transport used by tests and by the
// gateway in single-node development mode. Delivery is synchronous and
// preserves publish order per channel.
type MemoryTransport struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*memorySub
	closed bool

	statusMu  sync.Mutex
	statusID  uint64
	listeners map[uint64]func(Status)
}

type memorySub struct {
	id      uint64
	channel string
	handler Handler
}

func (s *memorySub) Channel() string { return s.channel }

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subs:      make(map[uint64]*memorySub),
		listeners: make(map[uint64]func(Status)),
	}
}

// Subscribe registers h for channel.
func (t *MemoryTransport) Subscribe(_ context.Context, channel string, h Handler) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errors.TransportError(nil)
	}

	t.nextID++
	sub := &memorySub{id: t.nextID, channel: channel, handler: h}
	t.subs[sub.id] = sub
	return sub, nil
}

// Publish delivers payload synchronously to all subscribers of channel in
// subscription order.
func (t *MemoryTransport) Publish(_ context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.TransportError(nil)
	}
	var handlers []Handler
	var ids []uint64
	for id, sub := range t.subs {
		if sub.channel == channel {
			ids = append(ids, id)
		}
	}
	// Map iteration order is random; deliver in subscription order.
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	for _, id := range ids {
		handlers = append(handlers, t.subs[id].handler)
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(channel, payload)
	}
	return nil
}

// Unsubscribe removes the subscription. Unknown or nil handles are no-ops.
func (t *MemoryTransport) Unsubscribe(sub Subscription) error {
	ms, ok := sub.(*memorySub)
	if !ok || ms == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, ms.id)
	return nil
}

// Reconnect keeps all subscriptions (nothing to re-establish in process)
// and emits the same status sequence as the broker-backed transport.
func (t *MemoryTransport) Reconnect(context.Context) error {
	t.notify(StatusReconnecting)
	t.notify(StatusResynchronized)
	t.notify(StatusConnected)
	return nil
}

// OnStatus registers a status listener.
func (t *MemoryTransport) OnStatus(fn func(Status)) func() {
	t.statusMu.Lock()
	t.statusID++
	id := t.statusID
	t.listeners[id] = fn
	t.statusMu.Unlock()

	return func() {
		t.statusMu.Lock()
		delete(t.listeners, id)
		t.statusMu.Unlock()
	}
}

func (t *MemoryTransport) notify(s Status) {
	t.statusMu.Lock()
	fns := make([]func(Status), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.statusMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Close drops all subscriptions.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.subs = make(map[uint64]*memorySub)
	return nil
}
