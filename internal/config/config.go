package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"knockknock-core/internal/database"
	"knockknock-core/internal/domain"
	"knockknock-core/internal/service/call"
	"knockknock-core/internal/signaling"
	"knockknock-core/pkg/constants"
	"knockknock-core/pkg/env"
	"knockknock-core/pkg/logger"
	"knockknock-core/pkg/push"
	"knockknock-core/pkg/resilience"
)

// EnvPrefix prefixes every environment override, e.g. KNOCKKNOCK_REDIS_ADDR
const EnvPrefix = "KNOCKKNOCK"

// Config holds all configuration for a call agent process
type Config struct {
	Identity  IdentityConfig  `mapstructure:"identity"`
	Server    ServerConfig    `mapstructure:"server"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store"`
	Push      PushConfig      `mapstructure:"push"`
	Call      CallConfig      `mapstructure:"call"`
	Log       LogConfig       `mapstructure:"log"`
}

// IdentityConfig identifies the local user and device
type IdentityConfig struct {
	UserID      string `mapstructure:"user_id"`
	DeviceID    string `mapstructure:"device_id"`
	DisplayName string `mapstructure:"display_name"`
	FCMToken    string `mapstructure:"fcm_token"`
	Platform    string `mapstructure:"platform"` // ios, android
}

// ServerConfig holds control API configuration
type ServerConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	Environment    string        `mapstructure:"environment"` // development, staging, production
	ServiceName    string        `mapstructure:"service_name"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SignalingConfig holds relay connection configuration
type SignalingConfig struct {
	URL               string        `mapstructure:"url"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	PongWait          time.Duration `mapstructure:"pong_wait"`
	WriteWait         time.Duration `mapstructure:"write_wait"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
}

// RedisConfig holds presence registry configuration
type RedisConfig struct {
	Addr                string        `mapstructure:"addr"`
	Password            string        `mapstructure:"password"`
	DB                  int           `mapstructure:"db"`
	PoolSize            int           `mapstructure:"pool_size"`
	Timeout             time.Duration `mapstructure:"timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// StoreConfig holds durable call store configuration
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// PushConfig holds push provider configuration
type PushConfig struct {
	Provider string     `mapstructure:"provider"` // mock, fcm, apns
	FCM      FCMConfig  `mapstructure:"fcm"`
	APNs     APNsConfig `mapstructure:"apns"`
}

// FCMConfig holds Firebase configuration
type FCMConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsPath string `mapstructure:"credentials_path"`
}

// APNsConfig holds APNs configuration
type APNsConfig struct {
	CertificatePath     string `mapstructure:"certificate_path"`
	CertificatePassword string `mapstructure:"certificate_password"`
	KeyPath             string `mapstructure:"key_path"`
	KeyID               string `mapstructure:"key_id"`
	TeamID              string `mapstructure:"team_id"`
	BundleID            string `mapstructure:"bundle_id"`
	Production          bool   `mapstructure:"production"`
}

// CallConfig holds call machine behaviour and timings
type CallConfig struct {
	AutoAnswer        bool          `mapstructure:"auto_answer"`
	OptimisticRestore bool          `mapstructure:"optimistic_restore"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	RingTimeout       time.Duration `mapstructure:"ring_timeout"`
	AlertPollInterval time.Duration `mapstructure:"alert_poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PresenceCacheTTL  time.Duration `mapstructure:"presence_cache_ttl"`
	ExpirySweepSpec   string        `mapstructure:"expiry_sweep_spec"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string `mapstructure:"level"`  // debug, info, warn, error
	Format   string `mapstructure:"format"` // json, text
	Output   string `mapstructure:"output"` // stdout, file
	FilePath string `mapstructure:"file_path"`
}

func setDefaults(v *viper.Viper) {
	// Keys without a default are invisible to AutomaticEnv during Unmarshal
	v.SetDefault("identity.user_id", "")
	v.SetDefault("identity.device_id", "")
	v.SetDefault("identity.display_name", "")
	v.SetDefault("identity.fcm_token", "")
	v.SetDefault("identity.platform", "android")

	v.SetDefault("server.listen_addr", "127.0.0.1:8089")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.service_name", "call-agent")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.request_timeout", constants.DefaultTimeout)

	v.SetDefault("signaling.url", "ws://localhost:3000/ws")
	v.SetDefault("signaling.ping_interval", constants.WebSocketPingInterval)
	v.SetDefault("signaling.pong_wait", constants.WebSocketPongWait)
	v.SetDefault("signaling.write_wait", constants.WebSocketWriteWait)
	v.SetDefault("signaling.reconnect_attempts", constants.MaxConnectionAttempts)
	v.SetDefault("signaling.reconnect_backoff", time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.timeout", 5*time.Second)
	v.SetDefault("redis.health_check_interval", 10*time.Second)

	v.SetDefault("store.path", "data/knockknock.db")

	v.SetDefault("push.provider", string(push.ProviderTypeMock))
	v.SetDefault("push.fcm.project_id", "")
	v.SetDefault("push.fcm.credentials_path", "")
	v.SetDefault("push.apns.certificate_path", "")
	v.SetDefault("push.apns.certificate_password", "")
	v.SetDefault("push.apns.key_path", "")
	v.SetDefault("push.apns.key_id", "")
	v.SetDefault("push.apns.team_id", "")
	v.SetDefault("push.apns.bundle_id", "")
	v.SetDefault("push.apns.production", false)

	v.SetDefault("call.auto_answer", true)
	v.SetDefault("call.optimistic_restore", false)
	v.SetDefault("call.connection_timeout", constants.ConnectionTimeout)
	v.SetDefault("call.ring_timeout", constants.RingTimeout)
	v.SetDefault("call.alert_poll_interval", constants.AlertPollInterval)
	v.SetDefault("call.heartbeat_interval", constants.HeartbeatInterval)
	v.SetDefault("call.presence_cache_ttl", constants.PresenceCacheTTL)
	v.SetDefault("call.expiry_sweep_spec", constants.ExpirySweepSpec)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "logs/knockknock.log")
}

// Load reads knockknock.toml from path (or the default search paths when empty),
// applies KNOCKKNOCK_* environment overrides and validates the result.
// A missing config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("knockknock")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/knockknock")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Docker secrets
	cfg.Redis.Password = env.GetStringFromFile(EnvPrefix+"_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Push.APNs.CertificatePassword = env.GetStringFromFile(EnvPrefix+"_PUSH_APNS_CERTIFICATE_PASSWORD", cfg.Push.APNs.CertificatePassword)
	cfg.Identity.FCMToken = env.GetStringFromFile(EnvPrefix+"_IDENTITY_FCM_TOKEN", cfg.Identity.FCMToken)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Identity.UserID == "" {
		return fmt.Errorf("identity.user_id must be set")
	}
	if c.Identity.DeviceID == "" {
		return fmt.Errorf("identity.device_id must be set")
	}
	if c.Signaling.URL == "" {
		return fmt.Errorf("signaling.url must be set")
	}
	if c.Call.ConnectionTimeout <= 0 {
		return fmt.Errorf("call.connection_timeout must be positive")
	}
	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("call.ring_timeout must be positive")
	}
	if c.Call.AlertPollInterval <= 0 || c.Call.HeartbeatInterval <= 0 {
		return fmt.Errorf("call timer intervals must be positive")
	}

	switch push.ProviderType(c.Push.Provider) {
	case push.ProviderTypeMock:
	case push.ProviderTypeFCM:
		if c.Push.FCM.ProjectID == "" {
			return fmt.Errorf("push.fcm.project_id must be set for the fcm provider")
		}
	case push.ProviderTypeAPNs:
		if c.Push.APNs.BundleID == "" {
			return fmt.Errorf("push.apns.bundle_id must be set for the apns provider")
		}
	default:
		return fmt.Errorf("unknown push provider %q", c.Push.Provider)
	}

	if c.Server.Environment == "production" && c.Push.Provider == string(push.ProviderTypeMock) {
		fmt.Println("⚠️  WARNING: Using the mock push provider in production. Offline peers will never ring!")
	}

	return nil
}

// LocalIdentity returns the configured identity of this device
func (c *Config) LocalIdentity() domain.LocalIdentity {
	return domain.LocalIdentity{
		UserID:      c.Identity.UserID,
		DeviceID:    c.Identity.DeviceID,
		DisplayName: c.Identity.DisplayName,
		FCMToken:    c.Identity.FCMToken,
		Platform:    c.Identity.Platform,
	}
}

// LoggerConfig converts the log section for logger.Init
func (c *Config) LoggerConfig() *logger.Config {
	return &logger.Config{
		Level:    c.Log.Level,
		Format:   c.Log.Format,
		Output:   c.Log.Output,
		FilePath: c.Log.FilePath,
	}
}

// RedisClientConfig converts the redis section for database.NewRedisDB
func (c *Config) RedisClientConfig() *database.RedisConfig {
	return &database.RedisConfig{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		PoolSize: c.Redis.PoolSize,
		Timeout:  c.Redis.Timeout,
	}
}

// PushFactoryConfig converts the push section for push.NewProvider
func (c *Config) PushFactoryConfig() push.FactoryConfig {
	return push.FactoryConfig{
		Provider: push.ProviderType(c.Push.Provider),
		FCM: push.FCMConfig{
			ProjectID:       c.Push.FCM.ProjectID,
			CredentialsPath: c.Push.FCM.CredentialsPath,
		},
		APNs: push.APNsConfig{
			CertificatePath:     c.Push.APNs.CertificatePath,
			CertificatePassword: c.Push.APNs.CertificatePassword,
			KeyPath:             c.Push.APNs.KeyPath,
			KeyID:               c.Push.APNs.KeyID,
			TeamID:              c.Push.APNs.TeamID,
			BundleID:            c.Push.APNs.BundleID,
			Production:          c.Push.APNs.Production,
		},
	}
}

// SignalingClientConfig converts the signaling section for signaling.NewClient
func (c *Config) SignalingClientConfig() signaling.ClientConfig {
	return signaling.ClientConfig{
		URL:          c.Signaling.URL,
		PingInterval: c.Signaling.PingInterval,
		PongWait:     c.Signaling.PongWait,
		WriteWait:    c.Signaling.WriteWait,
	}
}

// ReconnectPolicy is the retry policy for relay reconnects
func (c *Config) ReconnectPolicy() resilience.Policy {
	return resilience.Policy{
		Attempts:   c.Signaling.ReconnectAttempts,
		Backoff:    c.Signaling.ReconnectBackoff,
		Multiplier: 2,
		MaxBackoff: 30 * time.Second,
	}
}

// CallMachineConfig converts the call section for the call machine
func (c *Config) CallMachineConfig() call.Config {
	cfg := call.DefaultConfig()
	cfg.AutoAnswer = c.Call.AutoAnswer
	cfg.OptimisticRestore = c.Call.OptimisticRestore
	cfg.ConnectionTimeout = c.Call.ConnectionTimeout
	cfg.RingTimeout = c.Call.RingTimeout
	cfg.AlertPollInterval = c.Call.AlertPollInterval
	cfg.HeartbeatInterval = c.Call.HeartbeatInterval
	cfg.ReconnectRetry = c.ReconnectPolicy()
	return cfg
}
