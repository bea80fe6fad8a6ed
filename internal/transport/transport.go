// Package transport wraps the pub/sub broker behind a channel-scoped
// subscribe/publish/unsubscribe contract. Delivery is at-least-once with
// per-channel FIFO ordering for a single publisher; consumers dedup by
// event identifier. On broker disconnect all subscriptions are suspended
// until Reconnect re-establishes them and emits StatusResynchronized so
// upstream components can request missed state.
package transport

import "context"

// Status describes the transport connection state surfaced to consumers.
type Status string

const (
	StatusConnected      Status = "connected"
	StatusReconnecting   Status = "reconnecting"
	StatusResynchronized Status = "resynchronized"
)

// Handler receives every payload published on a subscribed channel.
// Handlers must tolerate duplicate deliveries.
type Handler func(channel string, payload []byte)

// Subscription is an opaque handle returned by Subscribe.
type Subscription interface {
	Channel() string
}

// Transport is the shared broker connection, multiplexing many concurrent
// subscriptions. It is never exclusively owned by one subsystem.
type Transport interface {
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	// Unsubscribe is idempotent: unknown or nil handles are no-ops.
	Unsubscribe(sub Subscription) error
	// Reconnect re-establishes every active subscription after a broker
	// disconnect and emits StatusResynchronized when done.
	Reconnect(ctx context.Context) error
	// OnStatus registers a status listener; the returned func removes it.
	OnStatus(fn func(Status)) (cancel func())
	Close() error
}

// Channel name families: conversation:{id}, call:{id}, presence:{userId}.
const (
	ConversationPrefix = "conversation:"
	CallPrefix         = "call:"
	PresencePrefix     = "presence:"
)
