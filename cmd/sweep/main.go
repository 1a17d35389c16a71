// Command sweep runs one maintenance pass over availability and exits.
// It is meant for cron-style schedulers.
package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/hsematch/scheduling/internal/app/bootstrap"
	appconfig "github.com/hsematch/scheduling/internal/config"
	sweepworker "github.com/hsematch/scheduling/internal/worker/sweep"
	"github.com/hsematch/scheduling/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	slotStore, err := bootstrap.BuildSlotStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build slot store", "error", err)
		os.Exit(1)
	}
	defer slotStore.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	svc := bootstrap.BuildService(cfg, slotStore.Store, bootstrap.BuildCache(redisClient, cfg, logger), nil, logger)
	if _, err := sweepworker.New(svc, logger).RunOnce(ctx); err != nil {
		logger.Error("sweep failed", "error", err)
		os.Exit(1)
	}
}
