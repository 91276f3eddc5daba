package main

import (
	"context"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// bucketWidth is the window of one rate limit counter.
const bucketWidth = time.Minute

// RateLimiter decides whether a client may start another conversion in the
// current minute bucket.
type RateLimiter interface {
	Allow(ctx context.Context, clientIP string) bool
}

type bucketCount struct {
	bucket int64
	count  int
}

// memoryRateLimiter counts requests per clientIP:minuteBucket in process
// memory. Old buckets are swept on a small random fraction of calls, so the
// map is bounded only approximately.
type memoryRateLimiter struct {
	limit      int
	sweepRatio float64

	mu     sync.Mutex
	counts map[string]*bucketCount
	now    func() time.Time
	random func() float64
}

func newMemoryRateLimiter(limit int) *memoryRateLimiter {
	return &memoryRateLimiter{
		limit:      limit,
		sweepRatio: 0.01,
		counts:     make(map[string]*bucketCount),
		now:        time.Now,
		random:     rand.Float64,
	}
}

func minuteBucket(t time.Time) int64 {
	return t.Unix() / int64(bucketWidth/time.Second)
}

func rateLimitKey(clientIP string, bucket int64) string {
	return clientIP + ":" + strconv.FormatInt(bucket, 10)
}

func (l *memoryRateLimiter) Allow(_ context.Context, clientIP string) bool {
	bucket := minuteBucket(l.now())
	key := rateLimitKey(clientIP, bucket)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.random() < l.sweepRatio {
		l.sweepLocked(bucket)
	}
	entry, ok := l.counts[key]
	if !ok {
		entry = &bucketCount{bucket: bucket}
		l.counts[key] = entry
	}
	entry.count++
	return entry.count <= l.limit
}

// sweepLocked drops buckets that started two or more minutes ago.
func (l *memoryRateLimiter) sweepLocked(current int64) {
	for key, entry := range l.counts {
		if current-entry.bucket >= 2 {
			delete(l.counts, key)
		}
	}
}

func (l *memoryRateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counts)
}

// clientIP prefers the first X-Forwarded-For entry and falls back to the
// socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
