package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	supa "github.com/supabase-community/supabase-go"

	"github.com/hsematch/scheduling/internal/availability"
	appconfig "github.com/hsematch/scheduling/internal/config"
	"github.com/hsematch/scheduling/internal/observability/metrics"
	"github.com/hsematch/scheduling/internal/slotcache"
	"github.com/hsematch/scheduling/internal/slotstore/memory"
	"github.com/hsematch/scheduling/internal/slotstore/postgres"
	"github.com/hsematch/scheduling/internal/slotstore/postgrest"
	"github.com/hsematch/scheduling/pkg/logging"
)

// Slot store backends selectable through SLOT_STORE.
const (
	StorePostgres  = "postgres"
	StorePostgREST = "postgrest"
	StoreMemory    = "memory"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available, using in-process availability cache", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildCache picks the Redis cache when a client is available and the
// process-local cache otherwise.
func BuildCache(client *redis.Client, cfg *appconfig.Config, logger *logging.Logger) availability.Cache {
	ttl := slotcache.DefaultTTL
	if cfg != nil && cfg.AvailabilityCacheTTL > 0 {
		ttl = cfg.AvailabilityCacheTTL
	}
	if client != nil {
		return slotcache.NewRedis(client, ttl, logger)
	}
	return slotcache.NewMemory(ttl)
}

// SlotStore is the selected persistence backend plus what it holds open.
type SlotStore struct {
	Store   availability.Store
	Backend string
	// Pool is set for the postgres backend so callers can health-check it.
	Pool *pgxpool.Pool
}

// Close releases backend resources.
func (s *SlotStore) Close() {
	if s != nil && s.Pool != nil {
		s.Pool.Close()
	}
}

// BuildSlotStore connects the backend named by cfg.SlotStore.
func BuildSlotStore(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*SlotStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	switch cfg.SlotStore {
	case StorePostgres, "":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("bootstrap: DATABASE_URL is required for the postgres slot store")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
		}
		logger.Info("slot store ready", "backend", StorePostgres)
		return &SlotStore{Store: postgres.NewStore(pool), Backend: StorePostgres, Pool: pool}, nil

	case StorePostgREST:
		if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
			return nil, fmt.Errorf("bootstrap: SUPABASE_URL and SUPABASE_SERVICE_KEY are required for the postgrest slot store")
		}
		client, err := supa.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, nil)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: supabase client: %w", err)
		}
		logger.Info("slot store ready", "backend", StorePostgREST)
		return &SlotStore{Store: postgrest.NewStore(client), Backend: StorePostgREST}, nil

	case StoreMemory:
		logger.Warn("using in-memory slot store; data is lost on restart")
		return &SlotStore{Store: memory.New(), Backend: StoreMemory}, nil

	default:
		return nil, fmt.Errorf("bootstrap: unknown SLOT_STORE %q", cfg.SlotStore)
	}
}

// BuildService wires the availability service from configuration.
func BuildService(cfg *appconfig.Config, store availability.Store, cache availability.Cache, m *metrics.SchedulingMetrics, logger *logging.Logger) *availability.Service {
	opts := availability.Options{
		Cache:   cache,
		Logger:  logger.Component("availability"),
		Metrics: m,
	}
	if cfg != nil {
		opts.Location = cfg.Location()
		opts.HorizonDays = cfg.GenerationHorizonDays
		opts.PoolSize = cfg.SuggestionPoolSize
		opts.HistoryWindowDays = cfg.HistoryWindowDays
		opts.HistoryLimit = cfg.HistoryLimit
	}
	return availability.NewService(store, opts)
}
