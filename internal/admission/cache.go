package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"workflow-gateway/backend/pkg/models"
)

// CacheKey derives the deterministic cache key for a dispatch: a hash of the
// workflow name and the canonical encoding of its parameter set.
func CacheKey(workflow string, params *models.ParameterSet) string {
	h := sha256.New()
	h.Write([]byte(workflow))
	h.Write([]byte{0})
	h.Write(params.CanonicalJSON())
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	result  *models.DispatchResult
	expires time.Time
}

// ResponseCache stores successful dispatch results by cache key with a TTL
// and coalesces concurrent identical executions through singleflight, so an
// identical in-flight request never triggers the executor twice.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	group   singleflight.Group
	now     func() time.Time
}

// NewResponseCache creates a cache with the given entry TTL. A non-positive
// TTL disables storage; singleflight coalescing still applies.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached result for a key, if present and fresh.
func (c *ResponseCache) Get(key string) (*models.DispatchResult, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return entry.result, true
}

// Put stores a result. Only successful results are worth caching; callers
// enforce that.
func (c *ResponseCache) Put(key string, result *models.DispatchResult) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{result: result, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Do runs fn once per in-flight key; concurrent callers for the same key
// await the shared result. The shared flag reports whether this caller
// received a result produced by another in-flight call.
func (c *ResponseCache) Do(key string, fn func() (*models.DispatchResult, error)) (*models.DispatchResult, bool, error) {
	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, shared, err
	}
	return v.(*models.DispatchResult), shared, nil
}

// CacheStage is the pipeline-visible face of the response cache. It always
// admits; the dispatcher consults the cache before invoking the executor.
// Its presence in the pipeline exists so cache lookups show up in stage
// metrics alongside the other gates.
type CacheStage struct {
	cache *ResponseCache
}

// NewCacheStage wraps a ResponseCache as a pipeline stage.
func NewCacheStage(cache *ResponseCache) *CacheStage {
	return &CacheStage{cache: cache}
}

// Name implements Stage.
func (s *CacheStage) Name() string { return "cache" }

// Evaluate implements Stage. Always allows.
func (s *CacheStage) Evaluate(ctx context.Context, req *models.DispatchRequest) models.AdmissionDecision {
	return models.Allowed(s.Name())
}

// Cache exposes the underlying ResponseCache for the dispatcher.
func (s *CacheStage) Cache() *ResponseCache { return s.cache }
