package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/domain"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/service/call"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/service/chat"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/service/presence"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/transport"
	apperrors "github.com/ceejay06s/Samp-rtc-sub009/pkg/errors"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/logger"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/sched"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// command is one inbound client frame.
type command struct {
	Action         string          `json:"action"`
	ConversationID uuid.UUID       `json:"conversation_id,omitempty"`
	CallID         uuid.UUID       `json:"call_id,omitempty"`
	UserID         uuid.UUID       `json:"user_id,omitempty"`
	ReceiverID     uuid.UUID       `json:"receiver_id,omitempty"`
	MessageID      uuid.UUID       `json:"message_id,omitempty"`
	Content        string          `json:"content,omitempty"`
	MessageType    string          `json:"message_type,omitempty"`
	Kind           domain.CallKind `json:"kind,omitempty"`
	Query          string          `json:"query,omitempty"`
	Typing         bool            `json:"typing,omitempty"`
	Focused        bool            `json:"focused,omitempty"`
	Muted          bool            `json:"muted,omitempty"`
	Limit          int             `json:"limit,omitempty"`
}

// frame is one outbound client frame.
type frame struct {
	Type           string                  `json:"type"`
	ConversationID uuid.UUID               `json:"conversation_id,omitempty"`
	Messages       []*domain.Message       `json:"messages,omitempty"`
	Message        *domain.Message         `json:"message,omitempty"`
	HasMore        bool                    `json:"has_more,omitempty"`
	Unread         int                     `json:"unread,omitempty"`
	Call           *domain.Call            `json:"call,omitempty"`
	CallStatus     *domain.CallStatusChange `json:"call_status,omitempty"`
	Signal         *domain.SignalEvent     `json:"signal,omitempty"`
	Typing         *domain.TypingIndicator `json:"typing,omitempty"`
	Presence       *domain.OnlineStatus    `json:"presence,omitempty"`
	Status         string                  `json:"status,omitempty"`
	Error          *apperrors.AppError     `json:"error,omitempty"`
}

// Client is one authenticated websocket session. Every client owns its
// own service instances wired to the shared transport and stores.
type Client struct {
	userID  uuid.UUID
	conn    *websocket.Conn
	send    chan []byte
	gateway *Gateway

	engine  *chat.Engine
	machine *call.Machine
	tracker *presence.Tracker
	typing  *presence.TypingBroadcaster
	sched   *sched.Scheduler

	mu        sync.Mutex
	cancels   []func()
	heartbeat context.CancelFunc
	closed    bool
}

func (c *Client) push(f *frame) {
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		logger.Warn("Client send buffer full, dropping frame",
			zap.String("user_id", c.userID.String()),
			zap.String("frame_type", f.Type))
	}
}

func (c *Client) pushError(err error) {
	c.push(&frame{Type: "error", Error: apperrors.GetAppError(err)})
}

func (c *Client) track(cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, cancel)
}

// readPump consumes commands until the connection drops.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Websocket read error",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			c.pushError(apperrors.InvalidInputError("malformed command"))
			continue
		}
		c.dispatch(&cmd)
	}
}

// writePump drains the send channel and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(cmd *command) {
	ctx := context.Background()

	var err error
	switch cmd.Action {
	case "open_conversation":
		err = c.openConversation(ctx, cmd)
	case "close_conversation":
		c.engine.Close(cmd.ConversationID)
	case "load_more":
		var messages []*domain.Message
		var hasMore bool
		messages, hasMore, err = c.engine.LoadMore(ctx, cmd.ConversationID)
		if err == nil {
			c.push(&frame{Type: "messages", ConversationID: cmd.ConversationID, Messages: messages, HasMore: hasMore})
		}
	case "send_message":
		var msg *domain.Message
		msg, err = c.engine.Send(ctx, cmd.ConversationID, cmd.Content, cmd.MessageType)
		if msg != nil {
			c.push(&frame{Type: "message", ConversationID: cmd.ConversationID, Message: msg})
		}
	case "retry_message":
		var msg *domain.Message
		msg, err = c.engine.RetrySend(ctx, cmd.ConversationID, cmd.MessageID)
		if msg != nil {
			c.push(&frame{Type: "message", ConversationID: cmd.ConversationID, Message: msg})
		}
	case "mark_read":
		err = c.engine.MarkRead(ctx, cmd.ConversationID)
	case "set_focused":
		err = c.engine.SetFocused(ctx, cmd.ConversationID, cmd.Focused)
	case "search":
		var matches []*domain.Message
		matches, err = c.engine.Search(ctx, cmd.ConversationID, cmd.Query)
		if err == nil {
			c.push(&frame{Type: "search_results", ConversationID: cmd.ConversationID, Messages: matches})
		}
	case "typing":
		err = c.typing.SetTyping(ctx, cmd.ConversationID, cmd.Typing)
	case "watch_presence":
		err = c.watchPresence(ctx, cmd.UserID)
	case "initiate_call":
		var started *domain.Call
		started, err = c.machine.InitiateCall(ctx, cmd.ConversationID, cmd.ReceiverID, cmd.Kind)
		if started != nil {
			c.push(&frame{Type: "call", Call: started})
		}
	case "answer_call":
		var answered *domain.Call
		answered, err = c.machine.Answer(ctx, cmd.CallID)
		if answered != nil {
			c.push(&frame{Type: "call", Call: answered})
		}
	case "reject_call":
		err = c.machine.Reject(ctx, cmd.CallID)
	case "hang_up":
		err = c.machine.HangUp(ctx)
	case "mute_audio":
		err = c.machine.SetAudioMuted(ctx, cmd.Muted)
	case "mute_video":
		err = c.machine.SetVideoMuted(ctx, cmd.Muted)
	default:
		err = apperrors.InvalidInputError("unknown action: " + cmd.Action)
	}

	if err != nil {
		c.pushError(err)
	}
}

// openConversation materializes the log and wires live fan-out for one
// conversation: messages, unread counts, typing, and incoming calls.
func (c *Client) openConversation(ctx context.Context, cmd *command) error {
	conversationID := cmd.ConversationID
	if err := c.engine.Open(ctx, conversationID); err != nil {
		return err
	}

	messages, err := c.engine.LoadInitial(ctx, conversationID, cmd.Limit)
	if err != nil {
		return err
	}
	c.push(&frame{Type: "messages", ConversationID: conversationID, Messages: messages})

	cancel, err := c.engine.SubscribeMessages(conversationID, func(msg *domain.Message) {
		c.push(&frame{Type: "message", ConversationID: conversationID, Message: msg})
	})
	if err != nil {
		return err
	}
	c.track(cancel)

	cancel, err = c.engine.SubscribeUnread(conversationID, func(n int) {
		c.push(&frame{Type: "unread", ConversationID: conversationID, Unread: n})
	})
	if err != nil {
		return err
	}
	c.track(cancel)

	cancel, err = c.typing.WatchTyping(ctx, conversationID, func(ti domain.TypingIndicator) {
		c.push(&frame{Type: "typing", ConversationID: conversationID, Typing: &ti})
	})
	if err != nil {
		return err
	}
	c.track(cancel)

	cancel, err = c.machine.WatchConversation(ctx, conversationID, func(incoming *domain.Call) {
		c.push(&frame{Type: "incoming_call", Call: incoming})
	})
	if err != nil {
		return err
	}
	c.track(cancel)

	return nil
}

func (c *Client) watchPresence(ctx context.Context, userID uuid.UUID) error {
	cancel, err := c.tracker.Watch(ctx, userID, func(status domain.OnlineStatus) {
		c.push(&frame{Type: "presence", Presence: &status})
	})
	if err != nil {
		return err
	}
	c.track(cancel)
	return nil
}

// start brings the session online and wires session-wide fan-out.
func (c *Client) start() {
	ctx := context.Background()

	c.track(c.machine.SubscribeStatus(func(change domain.CallStatusChange) {
		c.push(&frame{Type: "call_status", CallStatus: &change})
	}))
	c.track(c.machine.SubscribeSignals(func(event *domain.SignalEvent) {
		c.push(&frame{Type: "signal", Signal: event})
	}))
	c.track(c.engine.OnConnectionStatus(func(status transport.Status) {
		c.push(&frame{Type: "connection_status", Status: string(status)})
	}))

	if err := c.tracker.GoOnline(ctx); err != nil {
		logger.Warn("Failed to mark user online",
			zap.String("user_id", c.userID.String()),
			zap.Error(err))
	}
	hbCtx, cancel := context.WithCancel(context.Background())
	c.heartbeat = cancel
	go c.tracker.RunHeartbeat(hbCtx)

	go c.writePump()
	go c.readPump()
}

// close tears the session down exactly once: hang up any live call, go
// offline, and release every subscription.
func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.machine.HangUp(ctx); err != nil {
		logger.Warn("Failed to hang up on disconnect", zap.Error(err))
	}
	if c.heartbeat != nil {
		c.heartbeat()
	}
	if err := c.tracker.GoOffline(ctx); err != nil {
		logger.Warn("Failed to mark user offline", zap.Error(err))
	}

	for _, fn := range cancels {
		fn()
	}
	c.engine.Shutdown()
	c.sched.Stop()
	close(c.send)
	_ = c.conn.Close()

	c.gateway.removeClient(c)
	logger.Info("Client disconnected", zap.String("user_id", c.userID.String()))
}
