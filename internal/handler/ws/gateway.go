// Package ws is the websocket gateway: it upgrades client connections
// and wires a per-session service stack over the shared transport and
// stores.
package ws

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/config"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/domain"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/service/call"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/service/chat"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/service/peer"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/service/presence"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/transport"
	apperrors "github.com/ceejay06s/Samp-rtc-sub009/pkg/errors"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/logger"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/push"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/sched"
)

// ConversationStore extends the engine's store with the listing and
// soft-hide operations the REST surface needs.
type ConversationStore interface {
	chat.ConversationStore
	GetForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Conversation, error)
	GetUnread(ctx context.Context, conversationID, userID uuid.UUID) (int, error)
	Hide(ctx context.Context, conversationID, userID uuid.UUID) error
}

// PresenceStore extends the tracker's store with the bulk listing the
// REST surface needs.
type PresenceStore interface {
	presence.Store
	GetOnlineUsers(ctx context.Context) ([]uuid.UUID, error)
}

// TokenStore registers device push tokens so offline users can be
// reached about messages and calls.
type TokenStore interface {
	Register(ctx context.Context, userID uuid.UUID, token string) error
}

// Deps carries the shared collaborators every client session builds on.
// Authentication is an external concern; the gateway trusts the user id
// the auth middleware resolved upstream.
type Deps struct {
	Transport transport.Transport
	Messages  chat.MessageStore
	Convs     ConversationStore
	Calls     call.CallStore
	Signals   call.SignalStore
	Presence  PresenceStore
	Notifier  *push.Notifier
	Tokens    TokenStore
	Media     peer.MediaSource
	Cfg       *config.Config
}

// Gateway upgrades websocket connections and serves the REST surface.
type Gateway struct {
	deps     Deps
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// New creates a Gateway.
func New(deps Deps) *Gateway {
	if deps.Media == nil {
		deps.Media = peer.StaticSource{}
	}
	return &Gateway{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*Client]struct{}),
	}
}

// Register mounts all routes.
func (g *Gateway) Register(r *gin.Engine) {
	r.GET("/health", g.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", g.handleWS)

	api := r.Group("/api")
	{
		api.GET("/conversations/:id/messages", g.handleMessages)
		api.DELETE("/conversations/:id", g.handleHideConversation)
		api.GET("/users/:id/conversations", g.handleConversations)
		api.GET("/users/:id/calls", g.handleCallHistory)
		api.POST("/users/:id/push-tokens", g.handleRegisterToken)
		api.GET("/calls/:id", g.handleCallDetail)
		api.GET("/presence/online", g.handleOnlineUsers)
	}
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (g *Gateway) handleWS(c *gin.Context) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		respondError(c, apperrors.InvalidInputError("valid user_id is required"))
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	client := g.newClient(userID, conn)
	g.mu.Lock()
	g.clients[client] = struct{}{}
	g.mu.Unlock()

	logger.Info("Client connected", zap.String("user_id", userID.String()))
	client.start()
}

// newClient builds the per-session service stack. Each session gets its
// own scheduler and state machines; only the transport and the stores
// are shared.
func (g *Gateway) newClient(userID uuid.UUID, conn *websocket.Conn) *Client {
	scheduler := sched.New()
	cfg := g.deps.Cfg

	var chatNotifier chat.Notifier
	var callNotifier call.Notifier
	if g.deps.Notifier != nil {
		chatNotifier = g.deps.Notifier
		callNotifier = g.deps.Notifier
	}

	engine := chat.NewEngine(chat.Config{
		Store:     g.deps.Messages,
		Convs:     g.deps.Convs,
		Transport: g.deps.Transport,
		Notifier:  chatNotifier,
		Presence:  g.deps.Presence,
		LocalUser: userID,
		PageSize:  cfg.PageSize,
		AutoRead:  cfg.AutoRead,
	})

	machine := call.NewMachine(call.Config{
		Calls:          g.deps.Calls,
		Signals:        g.deps.Signals,
		Transport:      g.deps.Transport,
		Scheduler:      scheduler,
		NewSession:     g.sessionFactory(),
		Notifier:       callNotifier,
		Presence:       g.deps.Presence,
		LocalUser:      userID,
		AnswerTimeout:  cfg.AnswerTimeout,
		SampleInterval: cfg.SampleInterval,
	})

	tracker := presence.NewTracker(presence.TrackerConfig{
		Store:     g.deps.Presence,
		Transport: g.deps.Transport,
		Scheduler: scheduler,
		LocalUser: userID,
		Grace:     cfg.PresenceGrace,
		Heartbeat: cfg.Heartbeat,
	})

	typing := presence.NewTypingBroadcaster(g.deps.Transport, scheduler, userID, cfg.TypingTTL)

	return &Client{
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, 256),
		gateway: g,
		engine:  engine,
		machine: machine,
		tracker: tracker,
		typing:  typing,
		sched:   scheduler,
	}
}

// sessionFactory adapts the media-plane controller to the signaling
// machine's callbacks.
func (g *Gateway) sessionFactory() call.SessionFactory {
	return func(events call.SessionEvents) call.PeerSession {
		return peer.NewController(peer.Config{
			Source:     g.deps.Media,
			ICEServers: g.deps.Cfg.ICEServers,
			OnCandidate: func(init webrtc.ICECandidateInit) {
				if events.OnCandidate == nil {
					return
				}
				var mlineIndex uint16
				if init.SDPMLineIndex != nil {
					mlineIndex = *init.SDPMLineIndex
				}
				events.OnCandidate(init.Candidate, mlineIndex)
			},
			OnStateChange: func(state webrtc.PeerConnectionState) {
				switch state {
				case webrtc.PeerConnectionStateConnected:
					if events.OnConnected != nil {
						events.OnConnected()
					}
				case webrtc.PeerConnectionStateFailed:
					if events.OnFailed != nil {
						events.OnFailed()
					}
				}
			},
		})
	}
}

func (g *Gateway) removeClient(c *Client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
}

// Shutdown closes every live client session.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	clients := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (g *Gateway) handleMessages(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperrors.InvalidInputError("valid conversation id is required"))
		return
	}
	limit := queryInt(c, "limit", 50)

	messages, err := g.deps.Messages.GetRecent(conversationID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (g *Gateway) handleConversations(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperrors.InvalidInputError("valid user id is required"))
		return
	}

	conversations, err := g.deps.Convs.GetForUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	responses := make([]*domain.ConversationResponse, 0, len(conversations))
	for _, conv := range conversations {
		resp := &domain.ConversationResponse{
			ConversationID: conv.ConversationID,
			Participants:   []uuid.UUID{conv.ParticipantA, conv.ParticipantB},
			CreatedAt:      conv.CreatedAt,
		}
		if unread, err := g.deps.Convs.GetUnread(c.Request.Context(), conv.ConversationID, userID); err == nil {
			resp.UnreadCount = unread
		}
		if recent, err := g.deps.Messages.GetRecent(conv.ConversationID, 1); err == nil && len(recent) > 0 {
			resp.LastMessage = recent[0]
		}
		responses = append(responses, resp)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": responses})
}

// handleHideConversation soft-hides a conversation for one participant.
// Nothing is structurally deleted; the counterpart still sees the thread.
func (g *Gateway) handleHideConversation(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperrors.InvalidInputError("valid conversation id is required"))
		return
	}
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		respondError(c, apperrors.InvalidInputError("valid user_id is required"))
		return
	}

	if err := g.deps.Convs.Hide(c.Request.Context(), conversationID, userID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hidden": true})
}

type registerTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// handleRegisterToken associates a device push token with a user so the
// notifier can reach them while they have no live connection.
func (g *Gateway) handleRegisterToken(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperrors.InvalidInputError("valid user id is required"))
		return
	}
	var req registerTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInputError("token is required"))
		return
	}

	if err := g.deps.Tokens.Register(c.Request.Context(), userID, req.Token); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": true})
}

func (g *Gateway) handleCallDetail(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperrors.InvalidInputError("valid call id is required"))
		return
	}

	detail, err := g.deps.Calls.GetByID(c.Request.Context(), callID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": detail})
}

func (g *Gateway) handleOnlineUsers(c *gin.Context) {
	users, err := g.deps.Presence.GetOnlineUsers(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": users})
}

func (g *Gateway) handleCallHistory(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperrors.InvalidInputError("valid user id is required"))
		return
	}
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	calls, err := g.deps.Calls.GetUserCalls(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls})
}

func respondError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	c.JSON(appErr.StatusCode, gin.H{"error": appErr})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
