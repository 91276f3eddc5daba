package main

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// CacheEntry memoizes a finished conversion. Outputs point at the job
// directory of the conversion that produced them.
type CacheEntry struct {
	Manifest Manifest
	StoredAt time.Time
}

// ConversionCache maps (file bytes, format set) to a finished manifest.
// Entries expire lazily on lookup; when full, the oldest inserted entry is
// evicted. Lookups never refresh an entry.
type ConversionCache struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, CacheEntry]
	ttl time.Duration
	now func() time.Time
}

func NewConversionCache(maxSize int, ttl time.Duration) *ConversionCache {
	if maxSize < 1 {
		maxSize = 1
	}
	lru, err := simplelru.NewLRU[string, CacheEntry](maxSize, nil)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &ConversionCache{lru: lru, ttl: ttl, now: time.Now}
}

// CacheKey hashes the decoded upload and appends the sorted format set, so
// the order formats were requested in does not matter.
func CacheKey(data []byte, formats []string) string {
	sum := sha256.Sum256(data)
	sorted := slices.Clone(formats)
	slices.Sort(sorted)
	return hex.EncodeToString(sum[:]) + ":" + strings.Join(sorted, ",")
}

func (c *ConversionCache) Get(key string) (Manifest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Peek(key)
	if !ok {
		return Manifest{}, false
	}
	if c.now().Sub(entry.StoredAt) > c.ttl {
		c.lru.Remove(key)
		return Manifest{}, false
	}
	return entry.Manifest, true
}

func (c *ConversionCache) Put(key string, m Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// a re-put counts as a fresh insertion
	c.lru.Remove(key)
	c.lru.Add(key, CacheEntry{Manifest: m, StoredAt: c.now()})
}

func (c *ConversionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
