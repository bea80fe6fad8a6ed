package push

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/domain"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// TokenRepository resolves a user's registered device tokens
type TokenRepository interface {
	GetActiveTokens(ctx context.Context, userID uuid.UUID) ([]string, error)
	MarkInvalid(ctx context.Context, token string) error
}

// Notifier delivers push notifications fire-and-forget when a message or
// call event should reach a user who is not currently subscribed. Send
// failures are logged and never propagated to the realtime path.
type Notifier struct {
	provider Provider
	tokens   TokenRepository
}

// NewNotifier creates a new Notifier
func NewNotifier(provider Provider, tokens TokenRepository) *Notifier {
	return &Notifier{provider: provider, tokens: tokens}
}

// MessageReceived notifies recipient of a new message
func (n *Notifier) MessageReceived(ctx context.Context, recipient uuid.UUID, msg *domain.Message) {
	body := msg.Content
	if msg.MessageType != domain.MessageTypeText {
		body = fmt.Sprintf("Sent you a %s", msg.MessageType)
	}

	n.deliver(ctx, recipient, &Notification{
		Title:    "New message",
		Body:     body,
		Priority: "high",
		Sound:    "default",
		Data: map[string]string{
			"type":            "message",
			"conversation_id": msg.ConversationID.String(),
			"message_id":      msg.MessageID.String(),
			"sender_id":       msg.SenderID.String(),
		},
	})
}

// IncomingCall notifies the receiver of a ringing call
func (n *Notifier) IncomingCall(ctx context.Context, call *domain.Call) {
	n.deliver(ctx, call.ReceiverID, &Notification{
		Title:    "Incoming call",
		Body:     fmt.Sprintf("Incoming %s call", call.Kind),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":            "call",
			"call_id":         call.CallID.String(),
			"conversation_id": call.ConversationID.String(),
			"caller_id":       call.CallerID.String(),
			"kind":            string(call.Kind),
		},
	})
}

// MissedCall notifies the receiver of a call that rang out
func (n *Notifier) MissedCall(ctx context.Context, call *domain.Call) {
	n.deliver(ctx, call.ReceiverID, &Notification{
		Title:    "Missed call",
		Body:     fmt.Sprintf("You missed a %s call", call.Kind),
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":      "missed_call",
			"call_id":   call.CallID.String(),
			"caller_id": call.CallerID.String(),
		},
	})
}

func (n *Notifier) deliver(ctx context.Context, userID uuid.UUID, notification *Notification) {
	tokens, err := n.tokens.GetActiveTokens(ctx, userID)
	if err != nil {
		logger.Warn("Failed to get push tokens for user",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}
	if len(tokens) == 0 {
		return
	}

	result, err := n.provider.Send(ctx, notification, tokens)
	if err != nil {
		logger.Error("Failed to send push notification",
			zap.String("user_id", userID.String()),
			zap.Int("token_count", len(tokens)),
			zap.Error(err))
		return
	}

	logger.Info("Push notification sent",
		zap.String("user_id", userID.String()),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount))

	for _, tok := range result.InvalidTokens {
		if err := n.tokens.MarkInvalid(ctx, tok); err != nil {
			logger.Warn("Failed to mark token invalid", zap.Error(err))
		}
	}
}

// MockProvider is a mock implementation for development/testing
type MockProvider struct {
	NotificationsSent int
}

// Send implements Provider interface
func (m *MockProvider) Send(_ context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.NotificationsSent++

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}
