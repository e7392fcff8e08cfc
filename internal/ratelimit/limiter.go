// Package ratelimit throttles the public claim endpoint with a Redis fixed window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultPrefix = "bitdrop:rate_limit"
	minimumWindow = time.Second
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

var errMissingClient = errors.New("ratelimit: redis client is required")

// Config configures a Limiter.
type Config struct {
	Prefix string
	Limit  int
	Window time.Duration
	Logger *zap.Logger
}

// Decision is the outcome of one Consume call.
type Decision struct {
	Allowed           bool
	Count             int
	RetryAfterSeconds int
}

// Limiter counts requests per scope and subject within a fixed window. A nil Limiter
// allows everything.
type Limiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	logger *zap.Logger
}

// Dial connects to redisURL and returns a Limiter. An empty URL disables limiting and
// returns a nil Limiter.
func Dial(ctx context.Context, redisURL string, cfg Config) (*Limiter, error) {
	trimmed := strings.TrimSpace(redisURL)
	if trimmed == "" {
		return nil, nil
	}
	options, err := redis.ParseURL(trimmed)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return New(client, cfg)
}

// New wraps an existing Redis client.
func New(client redis.UniversalClient, cfg Config) (*Limiter, error) {
	if client == nil {
		return nil, errMissingClient
	}
	prefix := strings.TrimSuffix(strings.TrimSpace(cfg.Prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	window := cfg.Window
	if window < minimumWindow {
		window = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		client: client,
		prefix: prefix,
		limit:  cfg.Limit,
		window: window,
		logger: logger,
	}, nil
}

// Consume counts one request for subject in scope.
func (l *Limiter) Consume(ctx context.Context, scope, subject string) (Decision, error) {
	if l == nil || l.limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return Decision{Allowed: true}, nil
	}

	windowMs := l.window.Milliseconds()
	key := fmt.Sprintf("%s:%s:%s", l.prefix, normalizedScope, normalizedSubject)
	raw, err := fixedWindowScript.Run(ctx, l.client, []string{key}, windowMs).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: run script: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected response shape %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unexpected count type %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}
	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}

	decision := Decision{
		Allowed:           int(count) <= l.limit,
		Count:             int(count),
		RetryAfterSeconds: retryAfter,
	}
	if !decision.Allowed {
		l.logger.Debug("rate limit exceeded",
			zap.String("scope", normalizedScope),
			zap.Int("count", decision.Count),
			zap.Int("retry_after_s", retryAfter),
		)
	}
	return decision, nil
}

// Close releases the Redis client.
func (l *Limiter) Close() error {
	if l == nil {
		return nil
	}
	return l.client.Close()
}
