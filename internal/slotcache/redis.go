package slotcache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hsematch/scheduling/internal/availability"
	"github.com/hsematch/scheduling/pkg/logging"
)

const scanBatch = 200

// Redis shares availability answers across API replicas.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewRedis creates a redis-backed cache; ttl <= 0 uses DefaultTTL.
func NewRedis(client *redis.Client, ttl time.Duration, logger *logging.Logger) *Redis {
	if client == nil {
		panic("slotcache: redis client required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Redis{client: client, ttl: ttl, logger: logger}
}

func (r *Redis) Get(ctx context.Context, key string) ([]availability.Slot, bool) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		r.logger.Warn("slotcache: get failed", "key", key, "error", err)
		return nil, false
	}
	var slots []availability.Slot
	if err := json.Unmarshal(data, &slots); err != nil {
		r.logger.Warn("slotcache: corrupt entry", "key", key, "error", err)
		return nil, false
	}
	return slots, true
}

func (r *Redis) Set(ctx context.Context, key string, slots []availability.Slot) {
	if slots == nil {
		slots = []availability.Slot{}
	}
	data, err := json.Marshal(slots)
	if err != nil {
		r.logger.Warn("slotcache: marshal failed", "key", key, "error", err)
		return
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		r.logger.Warn("slotcache: set failed", "key", key, "error", err)
	}
}

// InvalidateProvider deletes every key whose name contains providerID.
func (r *Redis) InvalidateProvider(ctx context.Context, providerID string) {
	if providerID == "" {
		return
	}
	pattern := "*" + escapeGlob(providerID) + "*"
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn("slotcache: scan failed", "provider_id", providerID, "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.logger.Warn("slotcache: invalidate failed", "provider_id", providerID, "keys", len(keys), "error", err)
	}
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
