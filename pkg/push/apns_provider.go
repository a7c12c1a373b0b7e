package push

import (
	"context"
	"fmt"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"go.uber.org/zap"

	"knockknock-core/pkg/logger"
)

// APNsProvider implements Provider interface for Apple Push Notification Service.
// Call pushes go out as VoIP pushes on the "<bundle>.voip" topic.
type APNsProvider struct {
	client     *apns2.Client
	production bool
	bundleID   string
}

// APNsConfig contains configuration for APNs provider
type APNsConfig struct {
	// Certificate-based authentication (legacy)
	CertificatePath     string // Path to .p12 certificate file
	CertificatePassword string // Password for .p12 certificate

	// Token-based authentication (recommended)
	KeyPath string // Path to .p8 private key file
	KeyID   string // 10-character Key ID from Apple Developer Portal
	TeamID  string // 10-character Team ID from Apple Developer Portal

	BundleID   string // Bundle ID of the app (e.g., com.example.app)
	Production bool   // Use production APNs endpoint (true) or sandbox (false)
}

// NewAPNsProvider creates a new APNs provider
func NewAPNsProvider(config *APNsConfig) (*APNsProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("APNs config is required")
	}

	if config.BundleID == "" {
		return nil, fmt.Errorf("BundleID is required")
	}

	var client *apns2.Client

	// Prefer token-based authentication
	if config.KeyPath != "" && config.KeyID != "" && config.TeamID != "" {
		authKey, keyErr := token.AuthKeyFromFile(config.KeyPath)
		if keyErr != nil {
			logger.Error("Failed to load APNs key file",
				zap.Error(keyErr),
				zap.String("key_path", config.KeyPath),
				zap.String("key_id", config.KeyID))
			return nil, fmt.Errorf("failed to load APNs key: %w", keyErr)
		}

		client = apns2.NewTokenClient(&token.Token{
			AuthKey: authKey,
			KeyID:   config.KeyID,
			TeamID:  config.TeamID,
		})
	} else if config.CertificatePath != "" {
		cert, certErr := certificate.FromP12File(config.CertificatePath, config.CertificatePassword)
		if certErr != nil {
			logger.Error("Failed to load APNs certificate",
				zap.Error(certErr),
				zap.String("cert_path", config.CertificatePath))
			return nil, fmt.Errorf("failed to load certificate: %w", certErr)
		}
		client = apns2.NewClient(cert)
	} else {
		return nil, fmt.Errorf("either token-based (KeyPath, KeyID, TeamID) or certificate-based (CertificatePath) authentication must be provided")
	}

	if config.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	logger.Info("APNs provider initialized",
		zap.String("bundle_id", config.BundleID),
		zap.Bool("production", config.Production))

	return &APNsProvider{
		client:     client,
		production: config.Production,
		bundleID:   config.BundleID,
	}, nil
}

// Send implements Provider interface for APNs
func (a *APNsProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	if a.client == nil {
		return nil, fmt.Errorf("APNs client is not initialized")
	}

	result := &SendResult{
		InvalidTokens: []string{},
		Errors:        []error{},
	}

	for _, deviceToken := range tokens {
		resp, err := a.client.PushWithContext(ctx, a.buildNotification(notification, deviceToken))
		if err != nil {
			result.FailureCount++
			result.Errors = append(result.Errors, err)
			logger.Warn("Failed to send APNs notification",
				zap.Error(err),
				zap.String("token_prefix", maskPushToken(deviceToken)))
			continue
		}

		if resp.Sent() {
			result.SuccessCount++
			continue
		}

		result.FailureCount++
		result.Errors = append(result.Errors, fmt.Errorf("APNs error: %s", resp.Reason))
		if resp.StatusCode == 410 ||
			resp.Reason == apns2.ReasonUnregistered ||
			resp.Reason == apns2.ReasonBadDeviceToken ||
			resp.Reason == apns2.ReasonDeviceTokenNotForTopic {
			result.InvalidTokens = append(result.InvalidTokens, deviceToken)
		}

		logger.Warn("APNs notification failed",
			zap.Int("status_code", resp.StatusCode),
			zap.String("reason", resp.Reason),
			zap.String("token_prefix", maskPushToken(deviceToken)))
	}

	return result, nil
}

func (a *APNsProvider) buildNotification(n *Notification, deviceToken string) *apns2.Notification {
	p := payload.NewPayload()
	if n.VoIP {
		p.ContentAvailable()
	} else {
		p.AlertTitle(n.Title).AlertBody(n.Body)
		if n.Sound != "" {
			p.Sound(n.Sound)
		}
		if n.Category != "" {
			p.Category(n.Category)
		}
	}
	for key, value := range n.Data {
		p.Custom(key, value)
	}

	msg := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       a.bundleID,
		Payload:     p,
		Priority:    apns2.PriorityLow,
		PushType:    apns2.PushTypeAlert,
	}
	if n.Priority == "high" {
		msg.Priority = apns2.PriorityHigh
	}
	if n.VoIP {
		msg.Topic = a.bundleID + ".voip"
		msg.PushType = apns2.PushTypeVOIP
		msg.Priority = apns2.PriorityHigh
	}
	return msg
}
