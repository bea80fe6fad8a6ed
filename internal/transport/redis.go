package transport

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ceejay06s/Samp-rtc-sub009/pkg/errors"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/logger"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/metrics"
)

// RedisTransport implements Transport on Redis Pub/Sub. One PubSub
// connection is held per subscription; the underlying client connection
// pool is shared across all of them.
type RedisTransport struct {
	client *redis.Client

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*redisSub

	statusMu  sync.Mutex
	statusID  uint64
	listeners map[uint64]func(Status)

	closed bool
}

type redisSub struct {
	id      uint64
	channel string
	handler Handler
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
}

func (s *redisSub) Channel() string { return s.channel }

// NewRedisTransport creates a transport backed by the given Redis client.
func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{
		client:    client,
		subs:      make(map[uint64]*redisSub),
		listeners: make(map[uint64]func(Status)),
	}
}

// Subscribe opens a Redis subscription on channel and pumps payloads into h.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errors.TransportError(nil)
	}

	t.nextID++
	sub := &redisSub{
		id:      t.nextID,
		channel: channel,
		handler: h,
	}
	if err := t.startPump(sub); err != nil {
		return nil, err
	}
	t.subs[sub.id] = sub

	logger.Debug("Subscribed to channel", zap.String("channel", channel))
	return sub, nil
}

// startPump opens the PubSub connection and starts the delivery goroutine.
// Caller holds t.mu.
func (t *RedisTransport) startPump(sub *redisSub) error {
	ctx, cancel := context.WithCancel(context.Background())

	pubsub := t.client.Subscribe(ctx, sub.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return errors.TransportError(err)
	}

	sub.pubsub = pubsub
	sub.cancel = cancel

	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg == nil {
					continue
				}
				sub.handler(sub.channel, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

// Publish sends payload to every subscriber of channel.
func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.TransportError(err)
	}
	return nil
}

// Unsubscribe closes the subscription. Unknown or nil handles are no-ops.
func (t *RedisTransport) Unsubscribe(sub Subscription) error {
	rs, ok := sub.(*redisSub)
	if !ok || rs == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	stored, ok := t.subs[rs.id]
	if !ok {
		return nil
	}
	delete(t.subs, rs.id)

	stored.cancel()
	if err := stored.pubsub.Close(); err != nil {
		logger.Warn("Failed to close pubsub",
			zap.String("channel", stored.channel),
			zap.Error(err))
	}
	return nil
}

// Reconnect tears down and re-establishes every active subscription,
// then signals resynchronized so consumers can request missed state.
func (t *RedisTransport) Reconnect(ctx context.Context) error {
	t.notify(StatusReconnecting)
	metrics.TransportReconnects.Inc()

	t.mu.Lock()
	var failed error
	for _, sub := range t.subs {
		sub.cancel()
		_ = sub.pubsub.Close()
		if err := t.startPump(sub); err != nil {
			failed = err
			logger.Error("Failed to resubscribe after reconnect",
				zap.String("channel", sub.channel),
				zap.Error(err))
		}
	}
	t.mu.Unlock()

	if failed != nil {
		return failed
	}

	logger.Info("Transport resynchronized", zap.Int("subscriptions", t.subCount()))
	t.notify(StatusResynchronized)
	t.notify(StatusConnected)
	return nil
}

// OnStatus registers a status listener.
func (t *RedisTransport) OnStatus(fn func(Status)) func() {
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

func (t *RedisTransport) notify(s Status) {
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

func (t *RedisTransport) subCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close shuts down all subscriptions. The Redis client itself is shared
// and is closed by its owner.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for id, sub := range t.subs {
		sub.cancel()
		_ = sub.pubsub.Close()
		delete(t.subs, id)
	}
	return nil
}
