package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/metrics"
)

// Scopes partition the key space so a client key can never collide with a provider event id.
const (
	ScopeAcceptance   = "accept"
	ScopePaymentEvent = "payment-event"
)

const (
	// KeyTTL keeps client Idempotency-Key results for a day.
	KeyTTL = 24 * time.Hour
	// EventTTL outlives the provider's retry schedule (three days for Stripe).
	EventTTL = 72 * time.Hour

	processingTTL    = 2 * time.Minute
	processingMarker = "processing"
)

// ErrInFlight means another caller holds the key and has not finished.
var ErrInFlight = errors.New("idempotency key is already being processed")

// releaseScript deletes a key only while it still holds the processing marker,
// so a late Release never drops a completed result.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Result is what a completed key replays.
type Result struct {
	ResourceID string          `json:"resource_id,omitempty"`
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
	CreatedAt  int64           `json:"created_at"`
}

// IdempotencyService claims keys with SET NX and caches results.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(scope, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, key)
}

// Claim takes ownership of key. It returns (nil, nil) when the caller now owns
// the key, the stored Result when the key already completed, or ErrInFlight
// while another caller is still working on it.
func (s *IdempotencyService) Claim(ctx context.Context, scope, key string) (*Result, error) {
	redisKey := s.buildKey(scope, key)

	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := s.client.rdb.SetNX(ctx, redisKey, processingMarker, processingTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx failed: %w", err)
		}
		if claimed {
			return nil, nil
		}

		val, err := s.client.rdb.Get(ctx, redisKey).Result()
		if errors.Is(err, redis.Nil) {
			// released or expired between SETNX and GET
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get failed: %w", err)
		}

		if val == processingMarker {
			return nil, ErrInFlight
		}

		var result Result
		if err := json.Unmarshal([]byte(val), &result); err != nil {
			return nil, fmt.Errorf("invalid cached result: %w", err)
		}

		s.logger.Debug("idempotency cache hit",
			zap.String("scope", scope),
			zap.String("key", key),
			zap.String("resource_id", result.ResourceID),
		)
		metrics.RecordIdempotencyHit()

		return &result, nil
	}

	return nil, ErrInFlight
}

// Complete replaces the claim with result for ttl.
func (s *IdempotencyService) Complete(ctx context.Context, scope, key string, result *Result, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(scope, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Release gives up a claim after a failure so a retry can run.
func (s *IdempotencyService) Release(ctx context.Context, scope, key string) error {
	if err := releaseScript.Run(ctx, s.client.rdb, []string{s.buildKey(scope, key)}, processingMarker).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}
