package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"knockknock-core/internal/config"
	"knockknock-core/internal/database"
	callHandler "knockknock-core/internal/handler/http/call"
	"knockknock-core/internal/middleware"
	"knockknock-core/internal/process"
	"knockknock-core/pkg/constants"
	"knockknock-core/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to knockknock.toml (default: search . and /etc/knockknock)")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Initialize logger
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Open presence registry, call store, push provider and signaling channel
	database.InitRedisMetrics()
	rt, err := process.Open(ctx, cfg, process.RoleForeground, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("Failed to open call runtime", zap.Error(err))
	}
	defer rt.Close()
	log.Println("✅ Call runtime ready")

	// 4. Connect, recover any persisted call and start the expiry sweep
	if err := rt.Start(ctx); err != nil {
		logger.Fatal("Failed to start call context", zap.Error(err))
	}
	log.Printf("✅ Call context started (state %s)", rt.Machine().State())

	// 5. Setup Gin Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.HealthCheck(cfg.Server.ServiceName, rt.Degraded))
	router.Use(middleware.NewPrometheusMiddleware(rt.Metrics).Handler())
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	router.GET(middleware.GetMetricsPath(), middleware.MetricsHandler(prometheus.DefaultGatherer))
	callHandler.NewHandler(rt.Machine(), rt.Admission(), rt.Context).Register(router)

	// 6. Start server
	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("🚀 Call agent control API listening on %s", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// 7. Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down control API...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Call agent stopped with error", zap.Error(err))
	}
	log.Println("Call agent exited")
}
