package neo4j

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
	"github.com/kirillkom/kb-retrieval-engine/internal/infrastructure/resilience"
)

const maxSupportedHops = 3

// Searcher answers graph-modality queries over a per-KB knowledge graph.
// Entity nodes carry names and aliases, MENTIONED_IN edges point at the chunk
// nodes the entity occurs in. A query seeds on term matches and walks a
// bounded number of relation hops outward; chunks reached through fewer hops
// score higher.
type Searcher struct {
	driver   neo4j.DriverWithContext
	database string
	guard    *resilience.Guard
}

func NewSearcher(uri, username, password, database string, policy resilience.Policy) (*Searcher, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Searcher{
		driver:   driver,
		database: database,
		guard:    resilience.NewGuard("neo4j", policy, classifyNeo4jError),
	}, nil
}

func (s *Searcher) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Searcher) SearchGraph(ctx context.Context, kbID string, seedTerms []string, maxHops, topK int) ([]domain.Fragment, error) {
	if len(seedTerms) == 0 {
		return nil, nil
	}
	query, err := buildTraversalQuery(maxHops)
	if err != nil {
		return nil, err
	}

	terms := make([]string, 0, len(seedTerms))
	for _, term := range seedTerms {
		terms = append(terms, strings.ToLower(term))
	}
	params := map[string]any{
		"kb_id": kbID,
		"terms": terms,
		"limit": topK,
	}

	var fragments []domain.Fragment
	err = s.guard.Do(ctx, func(ctx context.Context) error {
		session := s.driver.NewSession(ctx, neo4j.SessionConfig{
			AccessMode:   neo4j.AccessModeRead,
			DatabaseName: s.database,
		})
		defer session.Close(ctx)

		records, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]*neo4j.Record, error) {
			result, err := tx.Run(ctx, query, params)
			if err != nil {
				return nil, err
			}
			return result.Collect(ctx)
		})
		if err != nil {
			return fmt.Errorf("graph traversal for kb %s: %w", kbID, err)
		}

		fragments = make([]domain.Fragment, 0, len(records))
		for _, record := range records {
			fragments = append(fragments, recordToFragment(record))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fragments, nil
}

// buildTraversalQuery renders the hop bound into the pattern; variable-length
// bounds cannot be passed as parameters. Hops outside 1..3 are rejected
// rather than clamped so a misconfiguration is visible.
func buildTraversalQuery(maxHops int) (string, error) {
	if maxHops < 1 || maxHops > maxSupportedHops {
		return "", fmt.Errorf("graph traversal: max hops %d outside 1..%d", maxHops, maxSupportedHops)
	}
	return fmt.Sprintf(`
MATCH (seed:Entity {kb_id: $kb_id})
WHERE toLower(seed.name) IN $terms
   OR any(alias IN coalesce(seed.aliases, []) WHERE toLower(alias) IN $terms)
MATCH path = (seed)-[:RELATES_TO*0..%d]-(entity:Entity {kb_id: $kb_id})
MATCH (entity)-[:MENTIONED_IN]->(chunk:Chunk {kb_id: $kb_id})
WITH chunk, min(length(path)) AS hops
RETURN chunk.document_id AS document_id,
       chunk.chunk_id    AS chunk_id,
       chunk.char_start  AS char_start,
       chunk.char_end    AS char_end,
       chunk.page        AS page,
       chunk.text        AS text,
       1.0 / (1.0 + hops) AS score
ORDER BY score DESC, document_id ASC, chunk_id ASC
LIMIT $limit`, maxHops), nil
}

func recordToFragment(record *neo4j.Record) domain.Fragment {
	return domain.Fragment{
		DocumentID: recordString(record, "document_id"),
		ChunkID:    recordString(record, "chunk_id"),
		CharStart:  recordInt(record, "char_start"),
		CharEnd:    recordInt(record, "char_end"),
		PageNumber: recordInt(record, "page"),
		Text:       recordString(record, "text"),
		RawScore:   recordFloat(record, "score"),
	}
}

func recordString(record *neo4j.Record, key string) string {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func recordInt(record *neo4j.Record, key string) int {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func recordFloat(record *neo4j.Record, key string) float64 {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func classifyNeo4jError(err error) resilience.Outcome {
	if err == nil {
		return resilience.Outcome{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.Outcome{Retry: false, CountsAsFailure: false}
	}
	if neo4j.IsConnectivityError(err) || neo4j.IsRetryable(err) {
		return resilience.Outcome{Retry: true, CountsAsFailure: true}
	}
	return resilience.Outcome{Retry: false, CountsAsFailure: true}
}
