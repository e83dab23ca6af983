package ports

import (
	"context"

	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
)

// VectorSearcher queries one KB's dense embedding index. Implementations must
// exclude soft-deleted/archived content via a payload filter.
type VectorSearcher interface {
	SearchVector(ctx context.Context, kbID string, queryVector []float32, topK int) ([]domain.Fragment, error)
}

// LexicalSearcher queries one KB's BM25/inverted index.
type LexicalSearcher interface {
	SearchLexical(ctx context.Context, kbID string, queryText string, topK int) ([]domain.Fragment, error)
}

// GraphSearcher runs the two-phase graph retrieval for one KB: seed-entity
// lookup by name/alias match, then bounded-hop traversal returning
// entity-anchored text spans.
type GraphSearcher interface {
	SearchGraph(ctx context.Context, kbID string, seedTerms []string, maxHops, topK int) ([]domain.Fragment, error)
}

// EmbeddingProvider builds a vector for normalized query text.
type EmbeddingProvider interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// PermissionStore reads the authoritative set of read-permitted KB ids.
type PermissionStore interface {
	ListPermittedKBs(ctx context.Context, userID string) ([]string, error)
}

// CatalogStore reads KB retrieval configuration and resolves display metadata
// for citations in a single batched round trip.
type CatalogStore interface {
	ListKBConfigs(ctx context.Context, kbIDs []string) (map[string]domain.KBConfig, error)
	ResolveDocuments(ctx context.Context, keys []domain.DocumentKey) (map[domain.DocumentKey]domain.DocumentMetadata, error)
}

// ScopeCache memoizes permission resolution with a short TTL. GetOrResolve
// must guarantee that concurrent misses for the same user trigger exactly one
// upstream resolution.
type ScopeCache interface {
	GetOrResolve(ctx context.Context, userID string, resolve func(context.Context) (domain.PermittedScope, error)) (domain.PermittedScope, error)
	InvalidateScope(userID string)
}

// EmbeddingCache memoizes query embeddings keyed by a hash of normalized
// query text, with the same singleflight guarantee as ScopeCache.
type EmbeddingCache interface {
	GetOrCompute(ctx context.Context, text string, compute func(context.Context) ([]float32, error)) ([]float32, error)
}
