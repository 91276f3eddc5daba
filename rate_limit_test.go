package main

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func fixedLimiter(limit int, now *time.Time) *memoryRateLimiter {
	l := newMemoryRateLimiter(limit)
	l.now = func() time.Time { return *now }
	l.random = func() float64 { return 1 }
	return l
}

func TestMemoryRateLimiterAllowsUpToLimitPerBucket(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 5, 0, time.UTC)
	l := fixedLimiter(3, &now)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if !l.Allow(ctx, "10.0.0.1") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow(ctx, "10.0.0.1") {
		t.Fatalf("4th request should be rejected")
	}
	if !l.Allow(ctx, "10.0.0.2") {
		t.Fatalf("other clients keep their own counter")
	}

	// same minute, later second
	now = now.Add(50 * time.Second)
	if l.Allow(ctx, "10.0.0.1") {
		t.Fatalf("counter must hold for the whole minute")
	}

	now = now.Add(10 * time.Second)
	if !l.Allow(ctx, "10.0.0.1") {
		t.Fatalf("a new minute bucket starts from zero")
	}
}

func TestMemoryRateLimiterSweepsOldBuckets(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := fixedLimiter(10, &now)
	ctx := context.Background()

	l.Allow(ctx, "a")
	now = now.Add(time.Minute)
	l.Allow(ctx, "b")
	if got := l.size(); got != 2 {
		t.Fatalf("expected 2 buckets, got %d", got)
	}

	now = now.Add(time.Minute)
	l.random = func() float64 { return 0 }
	l.Allow(ctx, "c")
	// a is two minutes old and goes; b is one minute old and stays
	if got := l.size(); got != 2 {
		t.Fatalf("expected 2 buckets after sweep, got %d", got)
	}
	if _, ok := l.counts[rateLimitKey("a", minuteBucket(now.Add(-2*time.Minute)))]; ok {
		t.Fatalf("expected bucket of a swept")
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name       string
		forwarded  string
		remoteAddr string
		want       string
	}{
		{"socket", "", "192.0.2.1:5555", "192.0.2.1"},
		{"forwarded", "203.0.113.7, 10.0.0.1", "192.0.2.1:5555", "203.0.113.7"},
		{"blank forwarded", " ", "192.0.2.1:5555", "192.0.2.1"},
		{"no port", "", "192.0.2.9", "192.0.2.9"},
		{"ipv6", "", "[2001:db8::1]:443", "2001:db8::1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/api/convert", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := clientIP(r); got != tc.want {
				t.Fatalf("clientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRedisRateLimiterFallsBackToMemory(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fallback := fixedLimiter(1, &now)
	l := newRedisRateLimiter(client, 1, fallback, discardLogger())

	ctx := context.Background()
	if !l.Allow(ctx, "10.0.0.1") {
		t.Fatalf("first request should be allowed by the fallback")
	}
	if l.Allow(ctx, "10.0.0.1") {
		t.Fatalf("second request should be rejected by the fallback")
	}
	if fallback.size() != 1 {
		t.Fatalf("expected the fallback to hold the counter")
	}
}

func TestConnectRedisWithoutAddress(t *testing.T) {
	if c := connectRedis(context.Background(), &Config{}, discardLogger()); c != nil {
		t.Fatalf("expected nil client without REDIS_ADDR")
	}
}
