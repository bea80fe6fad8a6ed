package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/domain"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/transport"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/sched"
)

type fakeStore struct {
	mu       sync.Mutex
	online   map[uuid.UUID]bool
	lastSeen map[uuid.UUID]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{online: make(map[uuid.UUID]bool), lastSeen: make(map[uuid.UUID]time.Time)}
}

func (f *fakeStore) SetOnline(_ context.Context, userID uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = true
	f.lastSeen[userID] = at
	return nil
}

func (f *fakeStore) SetOffline(_ context.Context, userID uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = false
	f.lastSeen[userID] = at
	return nil
}

func (f *fakeStore) Refresh(_ context.Context, userID uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen[userID] = at
	return nil
}

func (f *fakeStore) IsOnline(_ context.Context, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[userID], nil
}

func (f *fakeStore) LastSeen(_ context.Context, userID uuid.UUID) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeen[userID], nil
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []domain.OnlineStatus
}

func (r *statusRecorder) record(s domain.OnlineStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) snapshot() []domain.OnlineStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.OnlineStatus, len(r.statuses))
	copy(out, r.statuses)
	return out
}

func newTracker(t *testing.T, store Store, tr transport.Transport, user uuid.UUID, grace time.Duration) *Tracker {
	t.Helper()
	scheduler := sched.New()
	t.Cleanup(scheduler.Stop)
	return NewTracker(TrackerConfig{
		Store:     store,
		Transport: tr,
		Scheduler: scheduler,
		LocalUser: user,
		Grace:     grace,
	})
}

func TestWatchReportsInitialState(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	store := newFakeStore()
	require.NoError(t, store.SetOnline(context.Background(), bob, time.Now()))

	tracker := newTracker(t, store, transport.NewMemoryTransport(), alice, 20*time.Millisecond)
	rec := &statusRecorder{}
	cancel, err := tracker.Watch(context.Background(), bob, rec.record)
	require.NoError(t, err)
	defer cancel()

	statuses := rec.snapshot()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].IsOnline)
	assert.Equal(t, bob, statuses[0].UserID)
}

func TestOfflineDowngradeWaitsForGrace(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	store := newFakeStore()
	tr := transport.NewMemoryTransport()

	watcher := newTracker(t, store, tr, alice, 30*time.Millisecond)
	rec := &statusRecorder{}
	cancel, err := watcher.Watch(context.Background(), bob, rec.record)
	require.NoError(t, err)
	defer cancel()

	bobTracker := newTracker(t, store, tr, bob, 30*time.Millisecond)
	require.NoError(t, bobTracker.GoOnline(context.Background()))
	require.NoError(t, bobTracker.GoOffline(context.Background()))

	// The online event surfaced immediately; offline is still held back.
	statuses := rec.snapshot()
	require.Len(t, statuses, 2) // initial + online
	assert.True(t, statuses[1].IsOnline)

	assert.Eventually(t, func() bool {
		s := rec.snapshot()
		return len(s) == 3 && !s[2].IsOnline
	}, time.Second, 5*time.Millisecond, "offline surfaces after the grace window")
}

func TestReconnectWithinGraceCancelsDowngrade(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	store := newFakeStore()
	tr := transport.NewMemoryTransport()

	watcher := newTracker(t, store, tr, alice, 50*time.Millisecond)
	rec := &statusRecorder{}
	cancel, err := watcher.Watch(context.Background(), bob, rec.record)
	require.NoError(t, err)
	defer cancel()

	bobTracker := newTracker(t, store, tr, bob, 50*time.Millisecond)
	require.NoError(t, bobTracker.GoOnline(context.Background()))
	require.NoError(t, bobTracker.GoOffline(context.Background()))
	require.NoError(t, bobTracker.GoOnline(context.Background()))

	time.Sleep(120 * time.Millisecond)

	// initial, online, online again. No offline flap in between.
	for _, s := range rec.snapshot()[1:] {
		assert.True(t, s.IsOnline, "a reconnect inside the grace window must suppress the offline event")
	}
}

type typingRecorder struct {
	mu         sync.Mutex
	indicators []domain.TypingIndicator
}

func (r *typingRecorder) record(i domain.TypingIndicator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indicators = append(r.indicators, i)
}

func (r *typingRecorder) snapshot() []domain.TypingIndicator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TypingIndicator, len(r.indicators))
	copy(out, r.indicators)
	return out
}

func TestTypingAutoStopsAfterTTL(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	conversationID := uuid.New()
	tr := transport.NewMemoryTransport()

	aliceSched := sched.New()
	defer aliceSched.Stop()
	bobSched := sched.New()
	defer bobSched.Stop()

	sender := NewTypingBroadcaster(tr, aliceSched, alice, 40*time.Millisecond)
	observer := NewTypingBroadcaster(tr, bobSched, bob, 40*time.Millisecond)

	rec := &typingRecorder{}
	cancel, err := observer.WatchTyping(context.Background(), conversationID, rec.record)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, sender.SetTyping(context.Background(), conversationID, true))

	assert.Eventually(t, func() bool {
		s := rec.snapshot()
		return len(s) >= 2 && !s[len(s)-1].IsTyping
	}, time.Second, 5*time.Millisecond, "typing must expire without an explicit stop")

	s := rec.snapshot()
	assert.True(t, s[0].IsTyping)
}

func TestTypingRepeatRestartsExpiry(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	conversationID := uuid.New()
	tr := transport.NewMemoryTransport()

	aliceSched := sched.New()
	defer aliceSched.Stop()
	bobSched := sched.New()
	defer bobSched.Stop()

	sender := NewTypingBroadcaster(tr, aliceSched, alice, 60*time.Millisecond)
	observer := NewTypingBroadcaster(tr, bobSched, bob, 60*time.Millisecond)

	rec := &typingRecorder{}
	cancel, err := observer.WatchTyping(context.Background(), conversationID, rec.record)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, sender.SetTyping(context.Background(), conversationID, true))
	time.Sleep(35 * time.Millisecond)
	require.NoError(t, sender.SetTyping(context.Background(), conversationID, true))
	time.Sleep(35 * time.Millisecond)

	// 70ms after the first keystroke but only 35ms after the repeat:
	// the indicator must still be live.
	s := rec.snapshot()
	require.NotEmpty(t, s)
	assert.True(t, s[len(s)-1].IsTyping, "a repeat keystroke restarts the expiry window")

	assert.Eventually(t, func() bool {
		s := rec.snapshot()
		return !s[len(s)-1].IsTyping
	}, time.Second, 5*time.Millisecond)
}

func TestTypingFalseWhileIdleIsNoop(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	conversationID := uuid.New()
	tr := transport.NewMemoryTransport()

	aliceSched := sched.New()
	defer aliceSched.Stop()
	bobSched := sched.New()
	defer bobSched.Stop()

	sender := NewTypingBroadcaster(tr, aliceSched, alice, 40*time.Millisecond)
	observer := NewTypingBroadcaster(tr, bobSched, bob, 40*time.Millisecond)

	rec := &typingRecorder{}
	cancel, err := observer.WatchTyping(context.Background(), conversationID, rec.record)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, sender.SetTyping(context.Background(), conversationID, false))
	assert.Empty(t, rec.snapshot(), "stop without start publishes nothing")
}

func TestTypingIgnoresOwnEvents(t *testing.T) {
	alice := uuid.New()
	conversationID := uuid.New()
	tr := transport.NewMemoryTransport()

	scheduler := sched.New()
	defer scheduler.Stop()

	b := NewTypingBroadcaster(tr, scheduler, alice, 40*time.Millisecond)
	rec := &typingRecorder{}
	cancel, err := b.WatchTyping(context.Background(), conversationID, rec.record)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.SetTyping(context.Background(), conversationID, true))
	assert.Empty(t, rec.snapshot())
}
