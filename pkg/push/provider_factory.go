package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"knockknock-core/pkg/logger"
)

// ProviderType represents the type of push notification provider
type ProviderType string

const (
	ProviderTypeMock ProviderType = "mock"
	ProviderTypeFCM  ProviderType = "fcm"
	ProviderTypeAPNs ProviderType = "apns"
)

// FactoryConfig selects and configures a provider
type FactoryConfig struct {
	Provider ProviderType
	FCM      FCMConfig
	APNs     APNsConfig
}

// NewProvider creates a push notification provider based on configuration
func NewProvider(ctx context.Context, cfg FactoryConfig) (Provider, error) {
	logger.Info("Initializing push notification provider",
		zap.String("provider_type", string(cfg.Provider)))

	switch cfg.Provider {
	case ProviderTypeFCM:
		if cfg.FCM.ProjectID == "" {
			return nil, fmt.Errorf("FCM project ID is required for FCM provider")
		}
		return NewFCMProvider(ctx, &cfg.FCM)
	case ProviderTypeAPNs:
		return NewAPNsProvider(&cfg.APNs)
	case ProviderTypeMock, "":
		logger.Info("Using mock push notification provider")
		return &MockProvider{}, nil
	default:
		logger.Warn("Unknown push provider type, falling back to mock",
			zap.String("provider_type", string(cfg.Provider)))
		return &MockProvider{}, nil
	}
}
