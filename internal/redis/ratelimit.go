package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding window limiter over Redis sorted sets.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
	seq    atomic.Uint64
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow records one request for key if the window has room.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN records n requests for key if the window has room for all of them.
// The trim, add and count run in one MULTI so concurrent gateways see a
// consistent window; a rejected batch is removed again.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	windowStart := now.Add(-r.config.Window)
	redisKey := "ratelimit:" + key

	members := make([]redis.Z, n)
	names := make([]interface{}, n)
	for i := range members {
		name := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(r.seq.Add(1), 10)
		members[i] = redis.Z{Score: float64(now.UnixNano()) + float64(i), Member: name}
		names[i] = name
	}

	var countCmd *redis.IntCmd
	_, err := r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
		pipe.ZAdd(ctx, redisKey, members...)
		countCmd = pipe.ZCard(ctx, redisKey)
		pipe.Expire(ctx, redisKey, r.config.Window+time.Second)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	count := int(countCmd.Val())
	result := &RateLimitResult{
		Limit:   r.config.Limit,
		ResetAt: now.Add(r.config.Window),
	}

	if count > r.config.Limit {
		if err := r.client.rdb.ZRem(ctx, redisKey, names...).Err(); err != nil {
			return nil, fmt.Errorf("redis zrem failed: %w", err)
		}
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", count-n),
			zap.Int("limit", r.config.Limit),
		)
		result.Remaining = max(0, r.config.Limit-(count-n))
		return result, nil
	}

	result.Allowed = true
	result.Remaining = r.config.Limit - count
	return result, nil
}
