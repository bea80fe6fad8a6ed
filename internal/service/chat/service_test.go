package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/domain"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/transport"
	apperrors "github.com/ceejay06s/Samp-rtc-sub009/pkg/errors"
)

type fakeMessageStore struct {
	mu       sync.Mutex
	messages []*domain.Message
	failSave bool
}

func (f *fakeMessageStore) Save(m *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return assert.AnError
	}
	copied := *m
	f.messages = append(f.messages, &copied)
	return nil
}

func (f *fakeMessageStore) GetRecent(conversationID uuid.UUID, limit int) ([]*domain.Message, error) {
	return f.window(conversationID, time.Time{}, limit)
}

func (f *fakeMessageStore) GetBefore(conversationID uuid.UUID, before time.Time, limit int) ([]*domain.Message, error) {
	return f.window(conversationID, before, limit)
}

// window returns up to limit messages newest first, optionally strictly
// older than before.
func (f *fakeMessageStore) window(conversationID uuid.UUID, before time.Time, limit int) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*domain.Message
	for _, m := range f.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		out = append(out, m)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[i].Before(out[j]) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMessageStore) MarkRead(conversationID uuid.UUID, messages []*domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	marked := make(map[uuid.UUID]struct{}, len(messages))
	for _, m := range messages {
		marked[m.MessageID] = struct{}{}
	}
	for _, m := range f.messages {
		if _, ok := marked[m.MessageID]; ok {
			m.Read = true
		}
	}
	return nil
}

func (f *fakeMessageStore) Search(conversationID uuid.UUID, q string, before time.Time, limit int) ([]*domain.Message, error) {
	window, err := f.window(conversationID, before, limit)
	if err != nil {
		return nil, err
	}
	var out []*domain.Message
	for _, m := range window {
		if strings.Contains(strings.ToLower(m.Content), strings.ToLower(q)) {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeConvStore struct {
	mu     sync.Mutex
	conv   *domain.Conversation
	unread map[uuid.UUID]int
}

func newFakeConvStore(conv *domain.Conversation) *fakeConvStore {
	return &fakeConvStore{conv: conv, unread: make(map[uuid.UUID]int)}
}

func (f *fakeConvStore) GetByID(_ context.Context, conversationID uuid.UUID) (*domain.Conversation, error) {
	if f.conv == nil || f.conv.ConversationID != conversationID {
		return nil, apperrors.ConversationNotFoundError()
	}
	return f.conv, nil
}

func (f *fakeConvStore) UpdateLastMessage(_ context.Context, _, messageID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conv.LastMessageID = messageID
	return nil
}

func (f *fakeConvStore) IncrementUnread(_ context.Context, _, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread[userID]++
	return nil
}

func (f *fakeConvStore) ResetUnread(_ context.Context, _, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread[userID] = 0
	return nil
}

func testConversation(a, b uuid.UUID) *domain.Conversation {
	return &domain.Conversation{
		ConversationID: uuid.New(),
		ParticipantA:   a,
		ParticipantB:   b,
		CreatedAt:      time.Now().Add(-time.Hour),
	}
}

func newTestEngine(t *testing.T, localUser uuid.UUID, conv *domain.Conversation, store *fakeMessageStore, tr transport.Transport) *Engine {
	t.Helper()
	e := NewEngine(Config{
		Store:     store,
		Convs:     newFakeConvStore(conv),
		Transport: tr,
		LocalUser: localUser,
		PageSize:  2,
	})
	t.Cleanup(e.Shutdown)
	return e
}

func publishInbound(t *testing.T, tr transport.Transport, conv *domain.Conversation, sender uuid.UUID, content string, at time.Time) *domain.Message {
	t.Helper()
	msg := &domain.Message{
		MessageID:      uuid.New(),
		ConversationID: conv.ConversationID,
		SenderID:       sender,
		Content:        content,
		MessageType:    domain.MessageTypeText,
		CreatedAt:      at,
	}
	event := &domain.ChatEvent{
		EventID:        uuid.New(),
		Type:           domain.ChatTypeMessage,
		ConversationID: conv.ConversationID,
		SenderID:       sender,
		Message:        msg,
		Timestamp:      at,
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, tr.Publish(context.Background(), transport.ConversationPrefix+conv.ConversationID.String(), payload))
	return msg
}

func TestLoadInitialOrdersMessages(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	conv := testConversation(alice, bob)
	store := &fakeMessageStore{}
	base := time.Now().Add(-time.Minute)

	// Persist out of order.
	for _, offset := range []time.Duration{3 * time.Second, time.Second, 2 * time.Second} {
		require.NoError(t, store.Save(&domain.Message{
			MessageID:      uuid.New(),
			ConversationID: conv.ConversationID,
			SenderID:       bob,
			Content:        "hi",
			MessageType:    domain.MessageTypeText,
			CreatedAt:      base.Add(offset),
		}))
	}

	e := newTestEngine(t, alice, conv, store, transport.NewMemoryTransport())
	require.NoError(t, e.Open(context.Background(), conv.ConversationID))

	log, err := e.LoadInitial(context.Background(), conv.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, log, 3)
	for i := 1; i < len(log); i++ {
		assert.True(t, log[i-1].Before(log[i]), "log must be ordered by (timestamp, id)")
	}
}

func TestLoadMorePagesBackward(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	conv := testConversation(alice, bob)
	store := &fakeMessageStore{}
	base := time.Now().Add(-time.Minute)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save(&domain.Message{
			MessageID:      uuid.New(),
			ConversationID: conv.ConversationID,
			SenderID:       bob,
			Content:        "m",
			MessageType:    domain.MessageTypeText,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	e := newTestEngine(t, alice, conv, store, transport.NewMemoryTransport())
	require.NoError(t, e.Open(context.Background(), conv.ConversationID))

	log, err := e.LoadInitial(context.Background(), conv.ConversationID, 2)
	require.NoError(t, err)
	assert.Len(t, log, 2)

	log, hasMore, err := e.LoadMore(context.Background(), conv.ConversationID)
	require.NoError(t, err)
	assert.Len(t, log, 4)
	assert.True(t, hasMore)

	log, hasMore, err = e.LoadMore(context.Background(), conv.ConversationID)
	require.NoError(t, err)
	assert.Len(t, log, 5)
	assert.False(t, hasMore)

	// Exhausted history is a no-op.
	log, hasMore, err = e.LoadMore(context.Background(), conv.ConversationID)
	require.NoError(t, err)
	assert.Len(t, log, 5)
	assert.False(t, hasMore)

	for i := 1; i < len(log); i++ {
		assert.True(t, log[i-1].Before(log[i]))
	}
}

func TestSendEchoIsDeduplicated(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	conv := testConversation(alice, bob)
	store := &fakeMessageStore{}
	tr := transport.NewMemoryTransport()

	e := newTestEngine(t, alice, conv, store, tr)
	require.NoError(t, e.Open(context.Background(), conv.ConversationID))

	msg, err := e.Send(context.Background(), conv.ConversationID, "hello", domain.MessageTypeText)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliverySent, msg.Delivery)

	// Publish delivers synchronously, so the engine already saw its own
	// echo on the conversation channel.
	log, err := e.Messages(conv.ConversationID)
	require.NoError(t, err)
	require.Len(t, log, 1)

	unread, err := e.UnreadCount(conv.ConversationID)
	require.NoError(t, err)
	assert.Zero(t, unread, "own messages never count as unread")
}

func TestDuplicateLiveEventIgnored(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	conv := testConversation(alice, bob)
	tr := transport.NewMemoryTransport()

	e := newTestEngine(t, alice, conv, &fakeMessageStore{}, tr)
	require.NoError(t, e.Open(context.Background(), conv.ConversationID))

	msg := publishInbound(t, tr, conv, bob, "hey", time.Now())

	// At-least-once redelivery of the exact same event.
	event := &domain.ChatEvent{
		EventID:        uuid.New(),
		Type:           domain.ChatTypeMessage,
		ConversationID: conv.ConversationID,
		SenderID:       bob,
		Message:        msg,
		Timestamp:      msg.CreatedAt,
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, tr.Publish(context.Background(), transport.ConversationPrefix+conv.ConversationID.String(), payload))

	log, err := e.Messages(conv.ConversationID)
	require.NoError(t, err)
	assert.Len(t, log, 1)

	unread, err := e.UnreadCount(conv.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)
}

func TestMarkReadThenInboundCountsOne(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	conv := testConversation(alice, bob)
	tr := transport.NewMemoryTransport()

	e := newTestEngine(t, alice, conv, &fakeMessageStore{}, tr)
	require.NoError(t, e.Open(context.Background(), conv.ConversationID))

	var observed []int
	cancel, err := e.SubscribeUnread(conv.ConversationID, func(n int) {
		observed = append(observed, n)
	})
	require.NoError(t, err)
	defer cancel()

	publishInbound(t, tr, conv, bob, "one", time.Now())
	publishInbound(t, tr, conv, bob, "two", time.Now().Add(time.Millisecond))

	unread, err := e.UnreadCount(conv.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 2, unread)

	require.NoError(t, e.MarkRead(context.Background(), conv.ConversationID))
	unread, err = e.UnreadCount(conv.ConversationID)
	require.NoError(t, err)
	assert.Zero(t, unread)

	publishInbound(t, tr, conv, bob, "three", time.Now().Add(2*time.Millisecond))
	unread, err = e.UnreadCount(conv.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 1, unread, "exactly the post-markRead message counts")

	assert.Equal(t, []int{1, 2, 0, 1}, observed)
}

func TestFailedSendStaysVisibleAndRetries(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	conv := testConversation(alice, bob)
	store := &fakeMessageStore{failSave: true}
	tr := transport.NewMemoryTransport()

	e := newTestEngine(t, alice, conv, store, tr)
	require.NoError(t, e.Open(context.Background(), conv.ConversationID))

	msg, err := e.Send(context.Background(), conv.ConversationID, "flaky", domain.MessageTypeText)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDatabase))
	require.NotNil(t, msg)
	assert.Equal(t, domain.DeliveryFailed, msg.Delivery)

	// The failed message stays in the log.
	log, err := e.Messages(conv.ConversationID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, domain.DeliveryFailed, log[0].Delivery)

	store.mu.Lock()
	store.failSave = false
	store.mu.Unlock()

	retried, err := e.RetrySend(context.Background(), conv.ConversationID, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliverySent, retried.Delivery)

	// Still exactly one message; the echo deduplicated.
	log, err = e.Messages(conv.ConversationID)
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestReadReceiptFlipsSenderCopy(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	conv := testConversation(alice, bob)
	store := &fakeMessageStore{}
	tr := transport.NewMemoryTransport()

	sender := newTestEngine(t, alice, conv, store, tr)
	receiver := newTestEngine(t, bob, conv, store, tr)
	require.NoError(t, sender.Open(context.Background(), conv.ConversationID))
	require.NoError(t, receiver.Open(context.Background(), conv.ConversationID))

	msg, err := sender.Send(context.Background(), conv.ConversationID, "seen yet?", domain.MessageTypeText)
	require.NoError(t, err)
	assert.False(t, msg.Read)

	// The receiver got it live and marks the conversation read.
	log, err := receiver.Messages(conv.ConversationID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.NoError(t, receiver.MarkRead(context.Background(), conv.ConversationID))

	// The read receipt flowed back over the conversation channel.
	log, err = sender.Messages(conv.ConversationID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.True(t, log[0].Read)
}

func TestSearchMatchesLocalLog(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	conv := testConversation(alice, bob)
	tr := transport.NewMemoryTransport()

	e := newTestEngine(t, alice, conv, &fakeMessageStore{}, tr)
	require.NoError(t, e.Open(context.Background(), conv.ConversationID))

	publishInbound(t, tr, conv, bob, "coffee tomorrow?", time.Now())
	publishInbound(t, tr, conv, bob, "or tea", time.Now().Add(time.Millisecond))

	matches, err := e.Search(context.Background(), conv.ConversationID, "COFFEE")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "coffee tomorrow?", matches[0].Content)
}

func TestOperationsOnUnknownConversation(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	conv := testConversation(alice, bob)
	e := newTestEngine(t, alice, conv, &fakeMessageStore{}, transport.NewMemoryTransport())

	_, err := e.Send(context.Background(), uuid.New(), "hello", domain.MessageTypeText)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConversationNotFound))

	err = e.MarkRead(context.Background(), uuid.New())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConversationNotFound))
}
