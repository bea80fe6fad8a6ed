// Package chat implements the message synchronization engine: an ordered,
// deduplicated in-memory log per conversation fed by the backing store and
// by live transport events.
package chat

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/domain"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/transport"
	apperrors "github.com/ceejay06s/Samp-rtc-sub009/pkg/errors"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/logger"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/metrics"
)

// MessageStore is the backing store for the append-only message log.
type MessageStore interface {
	Save(message *domain.Message) error
	// GetRecent returns the most recent messages, newest first.
	GetRecent(conversationID uuid.UUID, limit int) ([]*domain.Message, error)
	// GetBefore returns messages strictly older than before, newest first.
	GetBefore(conversationID uuid.UUID, before time.Time, limit int) ([]*domain.Message, error)
	MarkRead(conversationID uuid.UUID, messages []*domain.Message) error
	Search(conversationID uuid.UUID, q string, before time.Time, limit int) ([]*domain.Message, error)
}

// ConversationStore resolves conversations and per-participant counters.
type ConversationStore interface {
	GetByID(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error)
	UpdateLastMessage(ctx context.Context, conversationID, messageID uuid.UUID) error
	IncrementUnread(ctx context.Context, conversationID, userID uuid.UUID) error
	ResetUnread(ctx context.Context, conversationID, userID uuid.UUID) error
}

// Notifier reaches users who are not currently subscribed. Fire-and-forget.
type Notifier interface {
	MessageReceived(ctx context.Context, recipient uuid.UUID, msg *domain.Message)
}

// Presence answers whether the counterpart needs a push instead of a
// live event.
type Presence interface {
	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Config wires an Engine.
type Config struct {
	Store     MessageStore
	Convs     ConversationStore
	Transport transport.Transport
	Notifier  Notifier
	Presence  Presence
	LocalUser uuid.UUID
	PageSize  int
	// AutoRead marks inbound messages read immediately while the
	// conversation is focused.
	AutoRead bool
}

// Engine is the message synchronization engine for one local user.
// All mutations of one conversation's log are serialized through that
// conversation's lock; different conversations proceed in parallel.
type Engine struct {
	store     MessageStore
	convs     ConversationStore
	tr        transport.Transport
	notifier  Notifier
	presence  Presence
	localUser uuid.UUID
	pageSize  int
	autoRead  bool

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session

	statusCancel func()
}

type session struct {
	mu      sync.Mutex
	conv    *domain.Conversation
	log     []*domain.Message
	seen    map[uuid.UUID]*domain.Message
	cursor  time.Time // oldest loaded timestamp; pagination moves it backward
	loaded  bool
	hasMore bool
	unread  int
	focused bool
	sub     transport.Subscription

	nextFn    uint64
	unreadFns map[uint64]func(int)
	msgFns    map[uint64]func(*domain.Message)
}

// NewEngine creates an Engine and begins watching transport status so
// open conversations can request missed state after a resynchronize.
func NewEngine(cfg Config) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}

	e := &Engine{
		store:     cfg.Store,
		convs:     cfg.Convs,
		tr:        cfg.Transport,
		notifier:  cfg.Notifier,
		presence:  cfg.Presence,
		localUser: cfg.LocalUser,
		pageSize:  cfg.PageSize,
		autoRead:  cfg.AutoRead,
		sessions:  make(map[uuid.UUID]*session),
	}

	e.statusCancel = cfg.Transport.OnStatus(func(s transport.Status) {
		if s == transport.StatusResynchronized {
			e.resyncAll()
		}
	})

	return e
}

// Open subscribes the conversation's live channel. Idempotent per
// conversation.
func (e *Engine) Open(ctx context.Context, conversationID uuid.UUID) error {
	e.mu.Lock()
	if _, ok := e.sessions[conversationID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	conv, err := e.convs.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(e.localUser) {
		return apperrors.ConversationNotFoundError()
	}

	s := &session{
		conv:      conv,
		seen:      make(map[uuid.UUID]*domain.Message),
		unreadFns: make(map[uint64]func(int)),
		msgFns:    make(map[uint64]func(*domain.Message)),
	}

	sub, err := e.tr.Subscribe(ctx, transport.ConversationPrefix+conversationID.String(),
		func(_ string, payload []byte) {
			e.handleEvent(conversationID, payload)
		})
	if err != nil {
		return err
	}
	s.sub = sub

	e.mu.Lock()
	e.sessions[conversationID] = s
	e.mu.Unlock()
	return nil
}

// Close drops the live subscription and the materialized log.
func (e *Engine) Close(conversationID uuid.UUID) {
	e.mu.Lock()
	s, ok := e.sessions[conversationID]
	delete(e.sessions, conversationID)
	e.mu.Unlock()

	if ok {
		_ = e.tr.Unsubscribe(s.sub)
	}
}

// Shutdown closes every open conversation.
func (e *Engine) Shutdown() {
	if e.statusCancel != nil {
		e.statusCancel()
	}
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[uuid.UUID]*session)
	e.mu.Unlock()

	for _, s := range sessions {
		_ = e.tr.Unsubscribe(s.sub)
	}
}

func (e *Engine) session(conversationID uuid.UUID) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[conversationID]
	if !ok {
		return nil, apperrors.ConversationNotFoundError()
	}
	return s, nil
}

// LoadInitial loads the most recent page, newest-last, and records the
// oldest timestamp as the backward pagination cursor.
func (e *Engine) LoadInitial(ctx context.Context, conversationID uuid.UUID, limit int) ([]*domain.Message, error) {
	s, err := e.session(conversationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.pageSize
	}

	fetched, err := e.store.GetRecent(conversationID, limit)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range fetched {
		s.insertLocked(m)
	}
	s.loaded = true
	s.hasMore = len(fetched) == limit
	if len(s.log) > 0 {
		s.cursor = s.log[0].CreatedAt
	}
	return s.snapshotLocked(), nil
}

// LoadMore fetches messages strictly older than the cursor and prepends
// them. Returns the full log and whether older pages remain.
func (e *Engine) LoadMore(ctx context.Context, conversationID uuid.UUID) ([]*domain.Message, bool, error) {
	s, err := e.session(conversationID)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	if !s.loaded || !s.hasMore {
		snap, hasMore := s.snapshotLocked(), s.hasMore
		s.mu.Unlock()
		return snap, hasMore, nil
	}
	cursor := s.cursor
	s.mu.Unlock()

	fetched, err := e.store.GetBefore(conversationID, cursor, e.pageSize)
	if err != nil {
		return nil, true, apperrors.DatabaseError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range fetched {
		s.insertLocked(m)
	}
	s.hasMore = len(fetched) == e.pageSize
	if len(s.log) > 0 {
		s.cursor = s.log[0].CreatedAt
	}
	return s.snapshotLocked(), s.hasMore, nil
}

// Send persists the message, appends it optimistically, and publishes it
// to the live channel. The subscription echo is deduplicated by id. On
// store failure the message stays in the log in a failed, retryable state.
func (e *Engine) Send(ctx context.Context, conversationID uuid.UUID, content, messageType string) (*domain.Message, error) {
	s, err := e.session(conversationID)
	if err != nil {
		return nil, err
	}
	if content == "" {
		return nil, apperrors.InvalidInputError("message content is required")
	}
	if messageType == "" {
		messageType = domain.MessageTypeText
	}

	msg := &domain.Message{
		MessageID:      uuid.New(),
		ConversationID: conversationID,
		SenderID:       e.localUser,
		Content:        content,
		MessageType:    messageType,
		CreatedAt:      time.Now(),
		Delivery:       domain.DeliveryPending,
	}

	s.mu.Lock()
	s.insertLocked(msg)
	s.mu.Unlock()

	return e.deliver(ctx, s, msg)
}

// RetrySend retries a message left in the failed state.
func (e *Engine) RetrySend(ctx context.Context, conversationID, messageID uuid.UUID) (*domain.Message, error) {
	s, err := e.session(conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	msg, ok := s.seen[messageID]
	if !ok || msg.Delivery != domain.DeliveryFailed {
		s.mu.Unlock()
		return nil, apperrors.NotFoundError("retryable message")
	}
	msg.Delivery = domain.DeliveryPending
	s.mu.Unlock()

	return e.deliver(ctx, s, msg)
}

func (e *Engine) deliver(ctx context.Context, s *session, msg *domain.Message) (*domain.Message, error) {
	if err := e.store.Save(msg); err != nil {
		s.mu.Lock()
		msg.Delivery = domain.DeliveryFailed
		s.mu.Unlock()
		metrics.MessageSendFailures.Inc()
		logger.Warn("Message send failed",
			zap.String("conversation_id", msg.ConversationID.String()),
			zap.String("message_id", msg.MessageID.String()),
			zap.Error(err))
		return msg, apperrors.DatabaseError(err)
	}

	s.mu.Lock()
	msg.Delivery = domain.DeliverySent
	counterpart := s.conv.Counterpart(e.localUser)
	s.mu.Unlock()
	metrics.MessagesSent.Inc()

	event := &domain.ChatEvent{
		EventID:        uuid.New(),
		Type:           domain.ChatTypeMessage,
		ConversationID: msg.ConversationID,
		SenderID:       e.localUser,
		Message:        msg,
		Timestamp:      time.Now(),
	}
	payload, _ := json.Marshal(event)
	if err := e.tr.Publish(ctx, transport.ConversationPrefix+msg.ConversationID.String(), payload); err != nil {
		// Persisted but not fanned out; the counterpart picks it up on
		// its next page load or resync.
		logger.Warn("Failed to publish message event",
			zap.String("message_id", msg.MessageID.String()),
			zap.Error(err))
	}

	if err := e.convs.UpdateLastMessage(ctx, msg.ConversationID, msg.MessageID); err != nil {
		logger.Warn("Failed to update last message pointer", zap.Error(err))
	}
	if err := e.convs.IncrementUnread(ctx, msg.ConversationID, counterpart); err != nil {
		logger.Warn("Failed to increment unread counter", zap.Error(err))
	}

	if e.notifier != nil && e.presence != nil {
		online, err := e.presence.IsOnline(ctx, counterpart)
		if err == nil && !online {
			e.notifier.MessageReceived(ctx, counterpart, msg)
		}
	}

	return msg, nil
}

// handleEvent applies one live conversation-channel event.
func (e *Engine) handleEvent(conversationID uuid.UUID, payload []byte) {
	s, err := e.session(conversationID)
	if err != nil {
		return
	}

	var event domain.ChatEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.Warn("Invalid chat event payload",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
		return
	}

	switch event.Type {
	case domain.ChatTypeMessage:
		if event.Message != nil {
			e.applyLiveMessage(s, event.Message)
		}
	case domain.ChatTypeRead:
		if event.ReadBy != uuid.Nil && event.ReadBy != e.localUser {
			e.applyReadReceipt(s, event.Timestamp)
		}
	}
}

func (e *Engine) applyLiveMessage(s *session, msg *domain.Message) {
	s.mu.Lock()

	if _, dup := s.seen[msg.MessageID]; dup {
		// Own echo or an at-least-once redelivery.
		s.mu.Unlock()
		metrics.DuplicateEvents.Inc()
		return
	}
	msg.Delivery = domain.DeliverySent
	s.insertLocked(msg)
	metrics.MessagesReceived.Inc()

	own := msg.SenderID == e.localUser
	autoRead := !own && e.autoRead && s.focused
	if !own && !autoRead {
		s.unread++
	}
	fns := s.unreadSubscribersLocked()
	msgFns := make([]func(*domain.Message), 0, len(s.msgFns))
	for _, fn := range s.msgFns {
		msgFns = append(msgFns, fn)
	}
	unread := s.unread
	s.mu.Unlock()

	for _, fn := range msgFns {
		fn(msg)
	}
	for _, fn := range fns {
		fn(unread)
	}

	if autoRead {
		if err := e.MarkRead(context.Background(), msg.ConversationID); err != nil {
			logger.Warn("Auto read receipt failed", zap.Error(err))
		}
	}
}

// applyReadReceipt flips the read flag on our own outbound messages the
// counterpart has now seen.
func (e *Engine) applyReadReceipt(s *session, upTo time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.log {
		if m.SenderID == e.localUser && !m.Read && !m.CreatedAt.After(upTo) {
			m.Read = true
		}
	}
}

// MarkRead flips the read flag on all unread inbound messages, zeroes the
// unread counter, and publishes a read receipt. Monotonic: it only ever
// touches messages already delivered into the log.
func (e *Engine) MarkRead(ctx context.Context, conversationID uuid.UUID) error {
	s, err := e.session(conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var unread []*domain.Message
	for _, m := range s.log {
		if m.SenderID != e.localUser && !m.Read {
			m.Read = true
			unread = append(unread, m)
		}
	}
	s.unread = 0
	fns := s.unreadSubscribersLocked()
	s.mu.Unlock()

	for _, fn := range fns {
		fn(0)
	}

	if len(unread) > 0 {
		if err := e.store.MarkRead(conversationID, unread); err != nil {
			return apperrors.DatabaseError(err)
		}
	}
	if err := e.convs.ResetUnread(ctx, conversationID, e.localUser); err != nil {
		logger.Warn("Failed to reset unread counter", zap.Error(err))
	}

	event := &domain.ChatEvent{
		EventID:        uuid.New(),
		Type:           domain.ChatTypeRead,
		ConversationID: conversationID,
		SenderID:       e.localUser,
		ReadBy:         e.localUser,
		Timestamp:      time.Now(),
	}
	payload, _ := json.Marshal(event)
	if err := e.tr.Publish(ctx, transport.ConversationPrefix+conversationID.String(), payload); err != nil {
		logger.Warn("Failed to publish read receipt", zap.Error(err))
	}
	return nil
}

// Search matches the materialized log plus older store pages not yet
// paged in. Best-effort substring match.
func (e *Engine) Search(ctx context.Context, conversationID uuid.UUID, q string) ([]*domain.Message, error) {
	s, err := e.session(conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	needle := strings.ToLower(q)
	var matches []*domain.Message
	for _, m := range s.log {
		if strings.Contains(strings.ToLower(m.Content), needle) {
			matches = append(matches, m)
		}
	}
	cursor, hasMore := s.cursor, s.hasMore
	s.mu.Unlock()

	if hasMore {
		older, err := e.store.Search(conversationID, q, cursor, e.pageSize)
		if err != nil {
			logger.Warn("Store search failed, returning local matches only", zap.Error(err))
		} else {
			known := make(map[uuid.UUID]struct{}, len(matches))
			for _, m := range matches {
				known[m.MessageID] = struct{}{}
			}
			for _, m := range older {
				if _, ok := known[m.MessageID]; !ok {
					matches = append(matches, m)
				}
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Before(matches[j]) })
	return matches, nil
}

// Messages returns a snapshot of the materialized log.
func (e *Engine) Messages(conversationID uuid.UUID) ([]*domain.Message, error) {
	s, err := e.session(conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

// UnreadCount returns the session unread counter.
func (e *Engine) UnreadCount(conversationID uuid.UUID) (int, error) {
	s, err := e.session(conversationID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread, nil
}

// SubscribeUnread registers fn for unread-count changes; the returned
// func removes it.
func (e *Engine) SubscribeUnread(conversationID uuid.UUID, fn func(int)) (func(), error) {
	s, err := e.session(conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.nextFn++
	id := s.nextFn
	s.unreadFns[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.unreadFns, id)
		s.mu.Unlock()
	}, nil
}

// SubscribeMessages registers fn for live messages applied to the log;
// the returned func removes it.
func (e *Engine) SubscribeMessages(conversationID uuid.UUID, fn func(*domain.Message)) (func(), error) {
	s, err := e.session(conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.nextFn++
	id := s.nextFn
	s.msgFns[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.msgFns, id)
		s.mu.Unlock()
	}, nil
}

// SetFocused marks the conversation as currently on screen. Focusing with
// auto-read enabled drains the unread counter.
func (e *Engine) SetFocused(ctx context.Context, conversationID uuid.UUID, focused bool) error {
	s, err := e.session(conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.focused = focused
	drain := focused && e.autoRead && s.unread > 0
	s.mu.Unlock()

	if drain {
		return e.MarkRead(ctx, conversationID)
	}
	return nil
}

// OnConnectionStatus exposes transport status to the UI layer.
func (e *Engine) OnConnectionStatus(fn func(transport.Status)) func() {
	return e.tr.OnStatus(fn)
}

// resyncAll requests missed state for every open conversation after a
// transport resynchronize.
func (e *Engine) resyncAll() {
	e.mu.RLock()
	ids := make([]uuid.UUID, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		fetched, err := e.store.GetRecent(id, e.pageSize)
		if err != nil {
			logger.Warn("Resync fetch failed",
				zap.String("conversation_id", id.String()),
				zap.Error(err))
			continue
		}
		s, err := e.session(id)
		if err != nil {
			continue
		}
		s.mu.Lock()
		for _, m := range fetched {
			s.insertLocked(m)
		}
		s.mu.Unlock()
	}
}

// insertLocked adds m to the ordered log unless already present.
// Fast-path append when m belongs at the tail; otherwise a binary-search
// insert keeps the (timestamp, id) invariant without a full resort.
func (s *session) insertLocked(m *domain.Message) {
	if _, dup := s.seen[m.MessageID]; dup {
		return
	}
	s.seen[m.MessageID] = m

	n := len(s.log)
	if n == 0 || s.log[n-1].Before(m) {
		s.log = append(s.log, m)
		return
	}

	i := sort.Search(n, func(i int) bool { return m.Before(s.log[i]) })
	s.log = append(s.log, nil)
	copy(s.log[i+1:], s.log[i:])
	s.log[i] = m
}

func (s *session) snapshotLocked() []*domain.Message {
	out := make([]*domain.Message, len(s.log))
	copy(out, s.log)
	return out
}

func (s *session) unreadSubscribersLocked() []func(int) {
	fns := make([]func(int), 0, len(s.unreadFns))
	for _, fn := range s.unreadFns {
		fns = append(fns, fn)
	}
	return fns
}
