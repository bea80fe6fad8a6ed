package push

import (
	"context"
	"fmt"

	"github.com/sideshow/apns2"
	apnspayload "github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// APNsProvider implements Provider for Apple Push Notification Service
type APNsProvider struct {
	client   *apns2.Client
	bundleID string
}

// APNsConfig contains configuration for APNs provider
type APNsConfig struct {
	KeyPath    string // Path to .p8 private key file
	KeyID      string // 10-character Key ID
	TeamID     string // 10-character Team ID
	BundleID   string // Bundle ID of the app
	Production bool   // Production endpoint vs sandbox
}

// NewAPNsProvider creates a new APNs provider using token authentication
func NewAPNsProvider(config *APNsConfig) (*APNsProvider, error) {
	if config == nil || config.BundleID == "" {
		return nil, fmt.Errorf("APNs bundle id is required")
	}

	authKey, err := token.AuthKeyFromFile(config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load APNs auth key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   config.KeyID,
		TeamID:  config.TeamID,
	})
	if config.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	return &APNsProvider{client: client, bundleID: config.BundleID}, nil
}

// Send implements Provider for APNs
func (a *APNsProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	p := apnspayload.NewPayload().
		AlertTitle(notification.Title).
		AlertBody(notification.Body).
		Sound(notification.Sound)
	for k, v := range notification.Data {
		p = p.Custom(k, v)
	}
	if notification.Category != "" {
		p = p.Category(notification.Category)
	}

	result := &SendResult{}
	for _, deviceToken := range tokens {
		n := &apns2.Notification{
			DeviceToken: deviceToken,
			Topic:       a.bundleID,
			Payload:     p,
			Priority:    apns2.PriorityHigh,
		}

		resp, err := a.client.PushWithContext(ctx, n)
		if err != nil {
			result.FailureCount++
			continue
		}
		if resp.Sent() {
			result.SuccessCount++
			continue
		}
		result.FailureCount++
		if resp.Reason == apns2.ReasonBadDeviceToken || resp.Reason == apns2.ReasonUnregistered {
			result.InvalidTokens = append(result.InvalidTokens, deviceToken)
		}
	}

	return result, nil
}
