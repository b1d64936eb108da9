package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

// Daily counter keys expire after two days so stale providers age out
const usageTTL = 48 * time.Hour

// UsageStore accumulates per-provider daily usage counters in Redis
type UsageStore struct {
	client *redis.Client
	logger *utils.Logger
}

// NewUsageStore connects to Redis and verifies the connection
func NewUsageStore(cfg types.RedisConfig, logger *utils.Logger) (*UsageStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Usage counter store connected")
	return &UsageStore{client: client, logger: logger}, nil
}

// AddUsage increments the provider's daily counters and returns the
// running daily spend.
func (s *UsageStore) AddUsage(ctx context.Context, provider string, tokens int, spend float64) (float64, error) {
	day := time.Now().UTC().Format("2006-01-02")
	costKey := fmt.Sprintf("usage:cost:%s:%s", provider, day)
	tokenKey := fmt.Sprintf("usage:tokens:%s:%s", provider, day)
	requestKey := fmt.Sprintf("usage:requests:%s:%s", provider, day)

	pipe := s.client.Pipeline()
	costCmd := pipe.IncrByFloat(ctx, costKey, spend)
	pipe.IncrBy(ctx, tokenKey, int64(tokens))
	pipe.Incr(ctx, requestKey)
	pipe.Expire(ctx, costKey, usageTTL)
	pipe.Expire(ctx, tokenKey, usageTTL)
	pipe.Expire(ctx, requestKey, usageTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to record usage for provider %s: %w", provider, err)
	}
	return costCmd.Val(), nil
}

// DailyUsage reports the provider's counters for today
func (s *UsageStore) DailyUsage(ctx context.Context, provider string) (requests, tokens int64, spend float64, err error) {
	day := time.Now().UTC().Format("2006-01-02")

	pipe := s.client.Pipeline()
	reqCmd := pipe.Get(ctx, fmt.Sprintf("usage:requests:%s:%s", provider, day))
	tokCmd := pipe.Get(ctx, fmt.Sprintf("usage:tokens:%s:%s", provider, day))
	costCmd := pipe.Get(ctx, fmt.Sprintf("usage:cost:%s:%s", provider, day))

	if _, pipeErr := pipe.Exec(ctx); pipeErr != nil && pipeErr != redis.Nil {
		return 0, 0, 0, fmt.Errorf("failed to read usage for provider %s: %w", provider, pipeErr)
	}

	requests, _ = reqCmd.Int64()
	tokens, _ = tokCmd.Int64()
	spend, _ = costCmd.Float64()
	return requests, tokens, spend, nil
}

// Close closes the Redis connection
func (s *UsageStore) Close() error {
	return s.client.Close()
}
