package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"knockknock-core/internal/config"
	"knockknock-core/internal/domain"
	"knockknock-core/internal/process"
	"knockknock-core/pkg/logger"
)

// pollInterval is how often the handler checks whether the call it woke for is over
const pollInterval = time.Second

func main() {
	configPath := flag.String("config", "", "Path to knockknock.toml (default: search . and /etc/knockknock)")
	payload := flag.String("payload", "", "Push payload JSON (default: read from stdin)")
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

	// 3. Read the push payload
	raw := []byte(*payload)
	if len(raw) == 0 {
		if raw, err = io.ReadAll(os.Stdin); err != nil {
			log.Fatalf("Failed to read push payload: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Open the background call context
	rt, err := process.Open(ctx, cfg, process.RoleBackground, prometheus.NewRegistry())
	if err != nil {
		logger.Fatal("Failed to open call runtime", zap.Error(err))
	}
	defer rt.Close()

	if err := rt.Start(ctx); err != nil {
		logger.Error("Failed to start background call context", zap.Error(err))
		return
	}

	// 5. Route the push
	if err := rt.HandlePushJSON(ctx, raw); err != nil {
		logger.Warn("Push not handled", zap.Error(err))
		return
	}

	// 6. Stay up until the call is over and torn down
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for rt.Machine().State() != domain.StateIdle {
		select {
		case <-ctx.Done():
			logger.Info("Background call context interrupted")
			return
		case <-ticker.C:
		}
	}
	logger.Info("Background call context finished",
		zap.String("last_reason", string(rt.Machine().Status().LastReason)))
}
