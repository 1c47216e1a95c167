package rate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds limiter tuning parameters. MaxStarts <= 0 disables limiting.
type Config struct {
	MaxStarts int
	Window    time.Duration
}

// Limiter counts forced sign-in starts using Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// Enabled reports whether the limiter enforces anything.
func (l *Limiter) Enabled() bool {
	return l != nil && l.redis != nil && l.config.MaxStarts > 0
}

// AllowStart records one forced start for the channel user and reports
// ErrRateLimited once the window budget is exceeded.
func (l *Limiter) AllowStart(ctx context.Context, channelID, userID string) error {
	if !l.Enabled() {
		return nil
	}
	count, err := l.incrementWithTTL(ctx, startKey(channelID, userID), l.config.Window)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxStarts) {
		return ErrRateLimited
	}
	return nil
}

// Starts returns the current start counter. Missing keys return zero.
func (l *Limiter) Starts(ctx context.Context, channelID, userID string) (int, error) {
	if l == nil || l.redis == nil {
		return 0, nil
	}
	count, err := l.redis.Get(ctx, startKey(channelID, userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// Reset clears the start counter, e.g. after an explicit state reset.
func (l *Limiter) Reset(ctx context.Context, channelID, userID string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	if err := l.redis.Del(ctx, startKey(channelID, userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

func startKey(channelID, userID string) string {
	return "gss:" + url.QueryEscape(channelID) + ":" + url.QueryEscape(userID)
}
