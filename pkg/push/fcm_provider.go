package push

import (
	"context"
	"fmt"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"knockknock-core/pkg/logger"
)

// FCMProvider implements Provider interface for Firebase Cloud Messaging.
// Call pushes are sent as data messages so the background handler runs even
// when the app is killed.
type FCMProvider struct {
	app    *firebase.App
	client *messaging.Client
}

// FCMConfig contains configuration for FCM provider
type FCMConfig struct {
	CredentialsPath string // Path to service account JSON file
	CredentialsJSON []byte // Service account JSON content (alternative to file path)
	ProjectID       string // Firebase Project ID
}

// NewFCMProvider creates a new FCM provider
func NewFCMProvider(ctx context.Context, config *FCMConfig) (*FCMProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("FCM config is required")
	}

	var opts []option.ClientOption

	// Use credentials from JSON content if provided
	if len(config.CredentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(config.CredentialsJSON))
	} else if config.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	} else {
		return nil, fmt.Errorf("either CredentialsPath or CredentialsJSON must be provided")
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID: config.ProjectID,
	}, opts...)
	if err != nil {
		logger.Error("Failed to initialize Firebase app",
			zap.Error(err),
			zap.String("project_id", config.ProjectID))
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	logger.Info("FCM provider initialized successfully",
		zap.String("project_id", config.ProjectID))

	return &FCMProvider{
		app:    app,
		client: client,
	}, nil
}

// Send implements Provider interface for FCM
func (f *FCMProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	if f.client == nil {
		return nil, fmt.Errorf("FCM client is not initialized")
	}

	if len(tokens) == 0 {
		return &SendResult{}, nil
	}

	messages := make([]*messaging.Message, len(tokens))
	for i, token := range tokens {
		messages[i] = buildMessage(notification, token)
	}

	response, err := f.client.SendEach(ctx, messages)
	if err != nil {
		logger.Error("Failed to send FCM messages",
			zap.Error(err),
			zap.Int("token_count", len(tokens)))
		return nil, fmt.Errorf("failed to send FCM message: %w", err)
	}

	result := &SendResult{
		SuccessCount:  response.SuccessCount,
		FailureCount:  response.FailureCount,
		InvalidTokens: []string{},
		Errors:        []error{},
	}

	for i, resp := range response.Responses {
		if resp.Success || resp.Error == nil {
			continue
		}
		result.Errors = append(result.Errors, resp.Error)
		logger.Warn("FCM send failed for token",
			zap.String("token_prefix", maskPushToken(tokens[i])),
			zap.Error(resp.Error))

		if messaging.IsUnregistered(resp.Error) || messaging.IsInvalidArgument(resp.Error) {
			result.InvalidTokens = append(result.InvalidTokens, tokens[i])
		}
	}

	logger.Info("FCM message sent",
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)),
		zap.String("type", notification.Data["type"]))

	return result, nil
}

// buildMessage constructs a data-only Firebase message from a notification
func buildMessage(notification *Notification, token string) *messaging.Message {
	data := make(map[string]string, len(notification.Data)+3)
	for k, v := range notification.Data {
		data[k] = v
	}
	data["title"] = notification.Title
	data["body"] = notification.Body
	data["timestamp"] = strconv.FormatInt(time.Now().Unix(), 10)

	priority := "normal"
	apnsPriority := "5"
	if notification.Priority == "high" {
		priority = "high"
		apnsPriority = "10"
	}

	ttl := 30 * time.Second
	return &messaging.Message{
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: priority,
			TTL:      &ttl,
			Data:     data,
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": apnsPriority,
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					ContentAvailable: true,
					Sound:            notification.Sound,
					Category:         notification.Category,
				},
			},
		},
		Token: token,
	}
}
