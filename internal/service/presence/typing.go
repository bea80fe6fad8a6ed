package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/domain"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/transport"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/sched"
)

// TypingBroadcaster publishes the local user's typing state on
// conversation channels and expires it without a stop event. State is
// level triggered: repeating the current level refreshes the expiry
// instead of emitting a duplicate transition.
type TypingBroadcaster struct {
	tr        transport.Transport
	sched     *sched.Scheduler
	localUser uuid.UUID
	ttl       time.Duration

	mu     sync.Mutex
	typing map[uuid.UUID]bool
}

// NewTypingBroadcaster creates a TypingBroadcaster.
func NewTypingBroadcaster(tr transport.Transport, scheduler *sched.Scheduler, localUser uuid.UUID, ttl time.Duration) *TypingBroadcaster {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &TypingBroadcaster{
		tr:        tr,
		sched:     scheduler,
		localUser: localUser,
		ttl:       ttl,
		typing:    make(map[uuid.UUID]bool),
	}
}

// SetTyping declares the local typing level for a conversation. A repeat
// true restarts the expiry timer and re-publishes so remote expiry
// extends too; a false while not typing is a no-op. The timer auto-stops
// typing after the TTL when the caller forgets to.
func (b *TypingBroadcaster) SetTyping(ctx context.Context, conversationID uuid.UUID, typing bool) error {
	key := "typing:" + conversationID.String()

	b.mu.Lock()
	current := b.typing[conversationID]
	if !typing && !current {
		b.mu.Unlock()
		return nil
	}
	b.typing[conversationID] = typing
	b.mu.Unlock()

	if typing {
		b.sched.Schedule(key, b.ttl, func() {
			_ = b.SetTyping(context.Background(), conversationID, false)
		})
	} else {
		b.sched.Cancel(key)
	}

	return b.publish(ctx, conversationID, typing)
}

func (b *TypingBroadcaster) publish(ctx context.Context, conversationID uuid.UUID, typing bool) error {
	indicator := &domain.TypingIndicator{
		ConversationID: conversationID,
		UserID:         b.localUser,
		IsTyping:       typing,
	}
	if typing {
		indicator.ExpiresAt = time.Now().Add(b.ttl)
	}

	event := &domain.ChatEvent{
		EventID:        uuid.New(),
		Type:           domain.ChatTypeTyping,
		ConversationID: conversationID,
		SenderID:       b.localUser,
		Typing:         indicator,
		Timestamp:      time.Now(),
	}
	payload, _ := json.Marshal(event)
	return b.tr.Publish(ctx, transport.ConversationPrefix+conversationID.String(), payload)
}

// WatchTyping observes other participants' typing state on a
// conversation. Expiry is enforced locally so a lost stop event still
// clears the indicator.
func (b *TypingBroadcaster) WatchTyping(ctx context.Context, conversationID uuid.UUID, fn func(domain.TypingIndicator)) (func(), error) {
	sub, err := b.tr.Subscribe(ctx, transport.ConversationPrefix+conversationID.String(),
		func(_ string, payload []byte) {
			var event domain.ChatEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				return
			}
			if event.Type != domain.ChatTypeTyping || event.Typing == nil {
				return
			}
			if event.SenderID == b.localUser {
				return
			}

			indicator := *event.Typing
			fn(indicator)

			expireKey := "typing:expire:" + conversationID.String() + ":" + indicator.UserID.String()
			if indicator.IsTyping {
				ttl := time.Until(indicator.ExpiresAt)
				if ttl <= 0 {
					ttl = b.ttl
				}
				b.sched.Schedule(expireKey, ttl, func() {
					fn(domain.TypingIndicator{
						ConversationID: conversationID,
						UserID:         indicator.UserID,
						IsTyping:       false,
					})
				})
			} else {
				b.sched.Cancel(expireKey)
			}
		})
	if err != nil {
		return nil, err
	}

	return func() { _ = b.tr.Unsubscribe(sub) }, nil
}
