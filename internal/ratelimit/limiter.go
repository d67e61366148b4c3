package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/spiral/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyProcessSubscription = "spiral:process:subscription:%s"
	keySubscriptionLock    = "spiral:lock:subscription:%s"
)

// ErrThrottled is returned when the process endpoint is called faster than
// the configured rate for one subscription.
var ErrThrottled = errors.New("rate_limited")

// Limiter throttles manual materialization and hands out per-subscription
// worker locks. A nil *Limiter allows everything.
type Limiter struct {
	client redis.UniversalClient
	bucket *TokenBucket
	locker *Locker

	processRate  float64
	processBurst int
	lockTTL      time.Duration
}

// NewLimiter returns nil when rate limiting is disabled.
func NewLimiter(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*Limiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.ProcessRate <= 0 || limitCfg.ProcessBurst <= 0 {
		return nil, errors.New("process rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})
	limiter := newLimiter(client, limitCfg)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := client.Ping(ctx).Err(); err != nil {
					log.Warn("redis unreachable, throttling fails open", zap.String("addr", addr), zap.Error(err))
				}
				return nil
			},
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}
	return limiter, nil
}

func newLimiter(client redis.UniversalClient, cfg config.RateLimitConfig) *Limiter {
	lockTTL := time.Duration(cfg.SubscriptionLockTTLSeconds) * time.Second
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Limiter{
		client:       client,
		bucket:       NewTokenBucket(client),
		locker:       NewLocker(client),
		processRate:  cfg.ProcessRate,
		processBurst: cfg.ProcessBurst,
		lockTTL:      lockTTL,
	}
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.client != nil
}

// AllowProcess takes a token for one manual process call on subscriptionID.
func (l *Limiter) AllowProcess(ctx context.Context, subscriptionID string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, ProcessKey(subscriptionID), l.processRate, l.processBurst)
}

// TryLockSubscription reports acquired=true with an empty token when locking
// is disabled.
func (l *Limiter) TryLockSubscription(ctx context.Context, subscriptionID string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, LockKey(subscriptionID), l.lockTTL)
}

func (l *Limiter) ReleaseSubscription(ctx context.Context, subscriptionID, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, LockKey(subscriptionID), token)
}

func ProcessKey(subscriptionID string) string {
	return fmt.Sprintf(keyProcessSubscription, strings.TrimSpace(subscriptionID))
}

func LockKey(subscriptionID string) string {
	return fmt.Sprintf(keySubscriptionLock, strings.TrimSpace(subscriptionID))
}
