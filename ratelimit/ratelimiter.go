package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucketLimiter limits request rates per client key. It uses Redis for
// a shared bucket across instances and falls back to in-memory buckets when
// Redis is unavailable.
type TokenBucketLimiter struct {
	redisClient   *redis.Client
	inMemoryStore *inMemoryStore
	useRedis      bool

	maxTokens       int
	refillRate      int
	refillInterval  time.Duration
	keyPrefix       string
	whitelistedKeys map[string]bool
	mu              sync.RWMutex
}

type Config struct {
	MaxTokens            int
	RefillRate           int
	RefillInterval       time.Duration
	KeyPrefix            string
	WhitelistedKeys      []string
	ConservativeFallback bool
}

func DefaultConfig() Config {
	return Config{
		MaxTokens:      100,
		RefillRate:     10,
		RefillInterval: 1 * time.Second,
		KeyPrefix:      "ratelimit:",
	}
}

// Result reports the outcome of one rate limit check
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// tokenBucketScript atomically refills and takes one token. KEYS[1] is the
// bucket hash; ARGV: max tokens, refill per second, now (unix ms).
var tokenBucketScript = redis.NewScript(`
local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local max_tokens = tonumber(ARGV[1])
local refill_per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])
if tokens == nil then
  tokens = max_tokens
  last_refill = now_ms
end

local elapsed = (now_ms - last_refill) / 1000.0
tokens = math.min(max_tokens, tokens + elapsed * refill_per_sec)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HMSET', KEYS[1], 'tokens', tokens, 'last_refill', now_ms)
redis.call('PEXPIRE', KEYS[1], 600000)

return {allowed, tostring(tokens)}
`)

func NewTokenBucketLimiter(redisClient *redis.Client, config Config) *TokenBucketLimiter {
	if config.MaxTokens == 0 {
		config.MaxTokens = 100
	}
	if config.RefillRate == 0 {
		config.RefillRate = 10
	}
	if config.RefillInterval == 0 {
		config.RefillInterval = 1 * time.Second
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "ratelimit:"
	}

	limiter := &TokenBucketLimiter{
		redisClient:     redisClient,
		maxTokens:       config.MaxTokens,
		refillRate:      config.RefillRate,
		refillInterval:  config.RefillInterval,
		keyPrefix:       config.KeyPrefix,
		whitelistedKeys: make(map[string]bool),
	}

	for _, key := range config.WhitelistedKeys {
		limiter.whitelistedKeys[key] = true
	}

	if redisClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := redisClient.Ping(ctx).Err(); err == nil {
			limiter.useRedis = true
		}
	}

	if !limiter.useRedis {
		if config.ConservativeFallback {
			// Without the shared bucket each instance limits independently,
			// so halve the per-instance budget.
			limiter.maxTokens = max(config.MaxTokens/2, 10)
			limiter.refillRate = max(config.RefillRate/2, 1)
		}
		limiter.inMemoryStore = newInMemoryStore()
	}

	return limiter
}

// Allow checks whether a request from clientKey may proceed
func (tbl *TokenBucketLimiter) Allow(ctx context.Context, clientKey string) (*Result, error) {
	tbl.mu.RLock()
	whitelisted := tbl.whitelistedKeys[clientKey]
	tbl.mu.RUnlock()

	if whitelisted {
		return &Result{Allowed: true, Remaining: tbl.maxTokens}, nil
	}

	if tbl.useRedis {
		return tbl.allowRedis(ctx, clientKey)
	}
	return tbl.inMemoryStore.allow(clientKey, tbl.maxTokens, tbl.refillPerSecond()), nil
}

func (tbl *TokenBucketLimiter) refillPerSecond() float64 {
	return float64(tbl.refillRate) / tbl.refillInterval.Seconds()
}

func (tbl *TokenBucketLimiter) allowRedis(ctx context.Context, clientKey string) (*Result, error) {
	key := tbl.keyPrefix + clientKey
	nowMs := time.Now().UnixMilli()

	values, err := tokenBucketScript.Run(ctx, tbl.redisClient, []string{key},
		tbl.maxTokens, tbl.refillPerSecond(), nowMs).Slice()
	if err != nil {
		return nil, err
	}

	allowed := values[0].(int64) == 1
	result := &Result{Allowed: allowed}
	if !allowed {
		result.RetryAfter = time.Duration(float64(time.Second) / tbl.refillPerSecond())
	}
	return result, nil
}

type inMemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func newInMemoryStore() *inMemoryStore {
	return &inMemoryStore{
		buckets: make(map[string]*bucket),
	}
}

func (s *inMemoryStore) allow(key string, maxTokens int, refillPerSec float64) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(maxTokens), lastRefill: now}
		s.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = minFloat(float64(maxTokens), b.tokens+elapsed*refillPerSec)
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return &Result{Allowed: true, Remaining: int(b.tokens)}
	}
	return &Result{
		Allowed:    false,
		RetryAfter: time.Duration(float64(time.Second) / refillPerSec),
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
