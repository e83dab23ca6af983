package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
)

type CatalogStore struct {
	db *sql.DB
}

func NewCatalogStore(db *sql.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

func (s *CatalogStore) ListKBConfigs(ctx context.Context, kbIDs []string) (map[string]domain.KBConfig, error) {
	if len(kbIDs) == 0 {
		return map[string]domain.KBConfig{}, nil
	}

	query := fmt.Sprintf(`
SELECT id, name, has_embedding_index, hybrid_enabled, has_domain_schema
FROM knowledge_bases
WHERE id IN (%s)
`, placeholders(1, len(kbIDs)))

	args := make([]any, 0, len(kbIDs))
	for _, kbID := range kbIDs {
		args = append(args, kbID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query kb configs: %w", err)
	}
	defer rows.Close()

	configs := make(map[string]domain.KBConfig, len(kbIDs))
	for rows.Next() {
		var cfg domain.KBConfig
		if err := rows.Scan(&cfg.KBID, &cfg.Name, &cfg.HasEmbeddingIndex, &cfg.HybridEnabled, &cfg.HasDomainSchema); err != nil {
			return nil, fmt.Errorf("scan kb config: %w", err)
		}
		configs[cfg.KBID] = cfg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kb configs: %w", err)
	}
	return configs, nil
}

// ResolveDocuments fetches document and KB display names for every key in one
// round trip. Keys without a matching row are simply absent from the result.
func (s *CatalogStore) ResolveDocuments(ctx context.Context, keys []domain.DocumentKey) (map[domain.DocumentKey]domain.DocumentMetadata, error) {
	if len(keys) == 0 {
		return map[domain.DocumentKey]domain.DocumentMetadata{}, nil
	}

	query := fmt.Sprintf(`
SELECT d.kb_id, d.id, d.name, kb.name
FROM documents d
JOIN knowledge_bases kb ON kb.id = d.kb_id
WHERE (d.kb_id, d.id) IN (%s)
`, pairPlaceholders(len(keys)))

	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key.KBID, key.DocumentID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query document metadata: %w", err)
	}
	defer rows.Close()

	metadata := make(map[domain.DocumentKey]domain.DocumentMetadata, len(keys))
	for rows.Next() {
		var key domain.DocumentKey
		var meta domain.DocumentMetadata
		if err := rows.Scan(&key.KBID, &key.DocumentID, &meta.DocumentName, &meta.KBName); err != nil {
			return nil, fmt.Errorf("scan document metadata: %w", err)
		}
		metadata[key] = meta
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document metadata: %w", err)
	}
	return metadata, nil
}

func pairPlaceholders(pairs int) string {
	out := ""
	for i := 0; i < pairs; i++ {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("($%d,$%d)", i*2+1, i*2+2)
	}
	return out
}
