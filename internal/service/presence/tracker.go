// Package presence tracks eventually consistent online/offline state and
// ephemeral typing indicators over the realtime transport.
package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/domain"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/transport"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/logger"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/sched"
)

// Store persists presence state with auto-expiring keys.
type Store interface {
	SetOnline(ctx context.Context, userID uuid.UUID, at time.Time) error
	SetOffline(ctx context.Context, userID uuid.UUID, at time.Time) error
	Refresh(ctx context.Context, userID uuid.UUID, at time.Time) error
	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)
	LastSeen(ctx context.Context, userID uuid.UUID) (time.Time, error)
}

// Tracker publishes the local user's presence and watches others'.
// Observed state is eventually consistent: brief disconnects inside the
// grace window never surface as offline flaps.
type Tracker struct {
	store     Store
	tr        transport.Transport
	sched     *sched.Scheduler
	localUser uuid.UUID
	grace     time.Duration
	heartbeat time.Duration
}

// TrackerConfig wires a Tracker.
type TrackerConfig struct {
	Store     Store
	Transport transport.Transport
	Scheduler *sched.Scheduler
	LocalUser uuid.UUID
	// Grace delays the visible downgrade to offline.
	Grace time.Duration
	// Heartbeat is the online refresh interval.
	Heartbeat time.Duration
}

// NewTracker creates a Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	return &Tracker{
		store:     cfg.Store,
		tr:        cfg.Transport,
		sched:     cfg.Scheduler,
		localUser: cfg.LocalUser,
		grace:     cfg.Grace,
		heartbeat: cfg.Heartbeat,
	}
}

// GoOnline marks the local user online and broadcasts the change.
func (t *Tracker) GoOnline(ctx context.Context) error {
	now := time.Now()
	if err := t.store.SetOnline(ctx, t.localUser, now); err != nil {
		return err
	}
	return t.publish(ctx, domain.OnlineStatus{UserID: t.localUser, IsOnline: true, LastSeen: now})
}

// GoOffline marks the local user offline, freezing last-seen at
// disconnect time, and broadcasts the change.
func (t *Tracker) GoOffline(ctx context.Context) error {
	now := time.Now()
	if err := t.store.SetOffline(ctx, t.localUser, now); err != nil {
		return err
	}
	return t.publish(ctx, domain.OnlineStatus{UserID: t.localUser, IsOnline: false, LastSeen: now})
}

// RunHeartbeat refreshes the online key until ctx is cancelled. Run it on
// its own goroutine after GoOnline.
func (t *Tracker) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.store.Refresh(ctx, t.localUser, time.Now()); err != nil {
				logger.Warn("Presence heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (t *Tracker) publish(ctx context.Context, status domain.OnlineStatus) error {
	event := &domain.ChatEvent{
		EventID:   uuid.New(),
		Type:      domain.ChatTypePresence,
		SenderID:  status.UserID,
		Presence:  &status,
		Timestamp: time.Now(),
	}
	payload, _ := json.Marshal(event)
	return t.tr.Publish(ctx, transport.PresencePrefix+status.UserID.String(), payload)
}

// Watch observes userID's presence. fn runs with the current state first,
// then on every visible change. An offline event only surfaces after the
// grace window passes without the user coming back.
func (t *Tracker) Watch(ctx context.Context, userID uuid.UUID, fn func(domain.OnlineStatus)) (func(), error) {
	graceKey := "presence:grace:" + userID.String()

	sub, err := t.tr.Subscribe(ctx, transport.PresencePrefix+userID.String(),
		func(_ string, payload []byte) {
			var event domain.ChatEvent
			if err := json.Unmarshal(payload, &event); err != nil || event.Presence == nil {
				return
			}
			status := *event.Presence

			if status.IsOnline {
				t.sched.Cancel(graceKey)
				fn(status)
				return
			}
			// Hold the downgrade; a quick reconnect cancels it.
			t.sched.Schedule(graceKey, t.grace, func() {
				fn(status)
			})
		})
	if err != nil {
		return nil, err
	}

	online, err := t.store.IsOnline(ctx, userID)
	if err != nil {
		_ = t.tr.Unsubscribe(sub)
		return nil, err
	}
	lastSeen, err := t.store.LastSeen(ctx, userID)
	if err != nil {
		logger.Warn("Failed to read last seen", zap.String("user_id", userID.String()), zap.Error(err))
	}
	fn(domain.OnlineStatus{UserID: userID, IsOnline: online, LastSeen: lastSeen})

	return func() {
		t.sched.Cancel(graceKey)
		_ = t.tr.Unsubscribe(sub)
	}, nil
}
