package process

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"knockknock-core/internal/config"
	"knockknock-core/internal/database"
	"knockknock-core/internal/media"
	redisrepo "knockknock-core/internal/repository/redis"
	sqliterepo "knockknock-core/internal/repository/sqlite"
	"knockknock-core/internal/signaling"
	"knockknock-core/pkg/logger"
	"knockknock-core/pkg/metrics"
	"knockknock-core/pkg/push"
)

// Runtime is a Context together with the connections it was built on
type Runtime struct {
	*Context
	Redis    *database.RedisClient
	DB       *sql.DB
	Provider push.Provider
	Metrics  *metrics.Metrics
}

// Open connects the presence registry, the call store and the push provider
// described by cfg and builds a Context for role on top of them. Redis being
// down is not fatal; the client runs degraded until a health check passes.
// The health check stops when ctx is done.
func Open(ctx context.Context, cfg *config.Config, role Role, reg prometheus.Registerer) (*Runtime, error) {
	m := metrics.NewMetrics(cfg.Server.ServiceName, reg)

	redisDB, err := database.NewRedisDB(cfg.RedisClientConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	redisDB.Instrument(m)
	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Presence registry unreachable, starting degraded", zap.Error(err))
	}
	if cfg.Redis.HealthCheckInterval > 0 {
		redisDB.StartHealthCheck(ctx, cfg.Redis.HealthCheckInterval)
	}

	db, err := database.OpenSQLite(&database.SQLiteConfig{Path: cfg.Store.Path})
	if err != nil {
		redisDB.Close()
		return nil, fmt.Errorf("failed to open call store: %w", err)
	}

	provider, err := push.NewProvider(ctx, cfg.PushFactoryConfig())
	if err != nil {
		db.Close()
		redisDB.Close()
		return nil, fmt.Errorf("failed to create push provider: %w", err)
	}

	sweep := ""
	if role == RoleForeground {
		sweep = cfg.Call.ExpirySweepSpec
	}

	pc, err := New(Options{
		Role:      role,
		Identity:  cfg.LocalIdentity(),
		Channel:   signaling.NewClient(cfg.SignalingClientConfig(), m),
		Presence:  redisrepo.NewPresenceRepository(redisDB),
		Friends:   redisrepo.NewFriendRepository(redisDB),
		Store:     sqliterepo.NewCallStore(db),
		Engine:    media.NewHeadlessEngine(),
		Alerter:   media.LogAlerter{},
		Push:      provider,
		Metrics:   m,
		Call:      cfg.CallMachineConfig(),
		CacheTTL:  cfg.Call.PresenceCacheTTL,
		SweepSpec: sweep,
		Reconnect: cfg.ReconnectPolicy(),
	})
	if err != nil {
		db.Close()
		redisDB.Close()
		return nil, err
	}

	return &Runtime{
		Context:  pc,
		Redis:    redisDB,
		DB:       db,
		Provider: provider,
		Metrics:  m,
	}, nil
}

// Close closes the context and then its connections
func (r *Runtime) Close() error {
	err := r.Context.Close()
	if dbErr := r.DB.Close(); dbErr != nil && err == nil {
		err = dbErr
	}
	r.Redis.Close()
	return err
}

// Degraded reports dependencies that are not healthy, keyed by name
func (r *Runtime) Degraded() map[string]string {
	degraded := map[string]string{}
	if r.Redis.IsDegraded() {
		degraded["redis"] = "degraded"
	}
	if !r.Channel().Connected() {
		degraded["signaling"] = "disconnected"
	}
	return degraded
}
