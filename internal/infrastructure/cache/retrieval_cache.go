package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
)

type Config struct {
	ScopeTTL     time.Duration
	EmbeddingTTL time.Duration
	MaxEntries   int
}

func DefaultConfig() Config {
	return Config{
		ScopeTTL:     5 * time.Minute,
		EmbeddingTTL: 15 * time.Minute,
		MaxEntries:   4096,
	}
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()
	if out.ScopeTTL <= 0 {
		out.ScopeTTL = def.ScopeTTL
	}
	if out.EmbeddingTTL <= 0 {
		out.EmbeddingTTL = def.EmbeddingTTL
	}
	if out.MaxEntries <= 0 {
		out.MaxEntries = def.MaxEntries
	}
	return out
}

type scopeEntry struct {
	scope     domain.PermittedScope
	expiresAt time.Time
}

type embeddingEntry struct {
	vector    []float32
	expiresAt time.Time
}

// RetrievalCache holds permitted-scope and query-embedding entries in process
// memory with per-class TTLs. Concurrent lookups of the same key collapse into
// one backend call via singleflight, so a burst of requests from one user
// resolves permissions once.
type RetrievalCache struct {
	cfg        Config
	cacheTotal *prometheus.CounterVec

	mu         sync.Mutex
	scopes     map[string]scopeEntry
	embeddings map[string]embeddingEntry

	scopeGroup     singleflight.Group
	embeddingGroup singleflight.Group

	now func() time.Time
}

// New creates a retrieval cache. cacheTotal is a counter vec with labels
// "class" and "result"; nil disables counting.
func New(cfg Config, cacheTotal *prometheus.CounterVec) *RetrievalCache {
	return &RetrievalCache{
		cfg:        cfg.normalize(),
		cacheTotal: cacheTotal,
		scopes:     make(map[string]scopeEntry),
		embeddings: make(map[string]embeddingEntry),
		now:        time.Now,
	}
}

func (c *RetrievalCache) GetOrResolve(
	ctx context.Context,
	userID string,
	resolve func(context.Context) (domain.PermittedScope, error),
) (domain.PermittedScope, error) {
	if scope, ok := c.lookupScope(userID); ok {
		c.count("scope", "hit")
		return scope, nil
	}
	c.count("scope", "miss")

	value, err, _ := c.scopeGroup.Do(userID, func() (any, error) {
		if scope, ok := c.lookupScope(userID); ok {
			return scope, nil
		}
		scope, err := resolve(ctx)
		if err != nil {
			return domain.PermittedScope{}, err
		}
		c.storeScope(userID, scope)
		return scope, nil
	})
	if err != nil {
		return domain.PermittedScope{}, err
	}
	return value.(domain.PermittedScope), nil
}

func (c *RetrievalCache) InvalidateScope(userID string) {
	c.mu.Lock()
	delete(c.scopes, userID)
	c.mu.Unlock()
}

// InvalidateAllScopes drops every cached scope. Used when a permission-change
// event does not name the affected users.
func (c *RetrievalCache) InvalidateAllScopes() {
	c.mu.Lock()
	c.scopes = make(map[string]scopeEntry)
	c.mu.Unlock()
}

func (c *RetrievalCache) GetOrCompute(
	ctx context.Context,
	queryText string,
	compute func(context.Context) ([]float32, error),
) ([]float32, error) {
	key := embeddingKey(queryText)

	if vector, ok := c.lookupEmbedding(key); ok {
		c.count("embedding", "hit")
		return vector, nil
	}
	c.count("embedding", "miss")

	value, err, _ := c.embeddingGroup.Do(key, func() (any, error) {
		if vector, ok := c.lookupEmbedding(key); ok {
			return vector, nil
		}
		vector, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.storeEmbedding(key, vector)
		return vector, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]float32), nil
}

func (c *RetrievalCache) lookupScope(userID string) (domain.PermittedScope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.scopes[userID]
	if !ok {
		return domain.PermittedScope{}, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.scopes, userID)
		return domain.PermittedScope{}, false
	}
	return entry.scope, true
}

func (c *RetrievalCache) storeScope(userID string, scope domain.PermittedScope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.scopes) >= c.cfg.MaxEntries {
		c.evictExpiredScopesLocked()
	}
	if len(c.scopes) >= c.cfg.MaxEntries {
		return
	}
	c.scopes[userID] = scopeEntry{scope: scope, expiresAt: c.now().Add(c.cfg.ScopeTTL)}
}

func (c *RetrievalCache) lookupEmbedding(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.embeddings[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.embeddings, key)
		return nil, false
	}
	return entry.vector, true
}

func (c *RetrievalCache) storeEmbedding(key string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.embeddings) >= c.cfg.MaxEntries {
		c.evictExpiredEmbeddingsLocked()
	}
	if len(c.embeddings) >= c.cfg.MaxEntries {
		return
	}
	c.embeddings[key] = embeddingEntry{vector: vector, expiresAt: c.now().Add(c.cfg.EmbeddingTTL)}
}

func (c *RetrievalCache) evictExpiredScopesLocked() {
	now := c.now()
	for key, entry := range c.scopes {
		if now.After(entry.expiresAt) {
			delete(c.scopes, key)
		}
	}
}

func (c *RetrievalCache) evictExpiredEmbeddingsLocked() {
	now := c.now()
	for key, entry := range c.embeddings {
		if now.After(entry.expiresAt) {
			delete(c.embeddings, key)
		}
	}
}

func (c *RetrievalCache) count(class, result string) {
	if c.cacheTotal != nil {
		c.cacheTotal.WithLabelValues(class, result).Inc()
	}
}

// embeddingKey normalizes whitespace and case before hashing so trivially
// reworded repeats of the same query share one entry.
func embeddingKey(queryText string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(queryText)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
