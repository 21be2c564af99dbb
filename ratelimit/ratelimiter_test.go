package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryFallbackExhaustsBucket(t *testing.T) {
	limiter := NewTokenBucketLimiter(nil, Config{
		MaxTokens:      3,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})
	if limiter.useRedis {
		t.Fatal("limiter should fall back to in-memory buckets without redis")
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, "ip:10.0.0.1")
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	result, err := limiter.Allow(ctx, "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if result.Allowed {
		t.Error("fourth request should be rejected")
	}
	if result.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %s, want > 0", result.RetryAfter)
	}
}

func TestBucketsAreIndependentPerKey(t *testing.T) {
	limiter := NewTokenBucketLimiter(nil, Config{
		MaxTokens:      1,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})

	ctx := context.Background()
	if result, _ := limiter.Allow(ctx, "ip:10.0.0.1"); !result.Allowed {
		t.Fatal("first key should be allowed")
	}
	if result, _ := limiter.Allow(ctx, "ip:10.0.0.1"); result.Allowed {
		t.Fatal("first key should now be exhausted")
	}
	if result, _ := limiter.Allow(ctx, "ip:10.0.0.2"); !result.Allowed {
		t.Error("second key has its own bucket and should be allowed")
	}
}

func TestBucketRefills(t *testing.T) {
	store := newInMemoryStore()

	if result := store.allow("k", 1, 100); !result.Allowed {
		t.Fatal("first request should be allowed")
	}
	if result := store.allow("k", 1, 100); result.Allowed {
		t.Fatal("bucket should be empty")
	}

	// 100 tokens/sec refill; 50ms restores the single-token bucket.
	time.Sleep(50 * time.Millisecond)
	if result := store.allow("k", 1, 100); !result.Allowed {
		t.Error("bucket should have refilled")
	}
}

func TestWhitelistBypassesLimit(t *testing.T) {
	limiter := NewTokenBucketLimiter(nil, Config{
		MaxTokens:       1,
		RefillRate:      1,
		RefillInterval:  time.Hour,
		WhitelistedKeys: []string{"api:monitoring"},
	})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		result, err := limiter.Allow(ctx, "api:monitoring")
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("whitelisted request %d should be allowed", i+1)
		}
	}
}

func TestConservativeFallbackHalvesBudget(t *testing.T) {
	limiter := NewTokenBucketLimiter(nil, Config{
		MaxTokens:            100,
		RefillRate:           10,
		RefillInterval:       time.Second,
		ConservativeFallback: true,
	})

	if limiter.maxTokens != 50 {
		t.Errorf("maxTokens = %d, want 50", limiter.maxTokens)
	}
	if limiter.refillRate != 5 {
		t.Errorf("refillRate = %d, want 5", limiter.refillRate)
	}
}
