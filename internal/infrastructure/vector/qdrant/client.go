package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
	"github.com/kirillkom/kb-retrieval-engine/internal/infrastructure/resilience"
)

const lexicalVectorName = "lexical"

// Client searches qdrant over its REST API. Each knowledge base maps to its
// own collection named <prefix><kb_id>; dense and sparse vectors live in the
// same collection under named vectors.
type Client struct {
	baseURL          string
	collectionPrefix string
	httpClient       *http.Client
	guard            *resilience.Guard
}

func New(baseURL, collectionPrefix string, policy resilience.Policy) *Client {
	return &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		collectionPrefix: collectionPrefix,
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		guard:            resilience.NewGuard("qdrant", policy, ClassifyError),
	}
}

func (c *Client) SearchVector(ctx context.Context, kbID string, queryVector []float32, topK int) ([]domain.Fragment, error) {
	if len(queryVector) == 0 {
		return nil, fmt.Errorf("qdrant dense search: empty query vector")
	}
	reqBody := map[string]any{
		"query":        queryVector,
		"limit":        topK,
		"with_payload": true,
		"filter":       activeChunksFilter(),
	}
	return c.searchPoints(ctx, "dense search", kbID, reqBody)
}

func (c *Client) SearchLexical(ctx context.Context, kbID string, queryText string, topK int) ([]domain.Fragment, error) {
	sparse := encodeSparseQuery(queryText)
	if len(sparse.Indices) == 0 {
		return nil, nil
	}
	reqBody := map[string]any{
		"query":        sparse,
		"using":        lexicalVectorName,
		"limit":        topK,
		"with_payload": true,
		"filter":       activeChunksFilter(),
	}
	return c.searchPoints(ctx, "sparse search", kbID, reqBody)
}

func (c *Client) searchPoints(ctx context.Context, operation, kbID string, reqBody map[string]any) ([]domain.Fragment, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", operation, err)
	}

	var fragments []domain.Fragment
	err = c.guard.Do(ctx, func(ctx context.Context) error {
		url := fmt.Sprintf("%s/collections/%s/points/query", c.baseURL, c.collection(kbID))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("qdrant %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &HTTPStatusError{
				Operation:  operation,
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Body:       string(respBody),
			}
		}

		fragments, err = decodeFragments(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return fragments, nil
}

func (c *Client) collection(kbID string) string {
	return c.collectionPrefix + kbID
}

// Archived chunks stay in the collection until the next compaction; exclude
// them at query time.
func activeChunksFilter() map[string]any {
	return map[string]any{
		"must_not": []map[string]any{
			{
				"key":   "archived",
				"match": map[string]any{"value": true},
			},
		},
	}
}

func decodeFragments(r io.Reader) ([]domain.Fragment, error) {
	var queryResp struct {
		Result struct {
			Points []struct {
				Score   float64        `json:"score"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
		} `json:"result"`
	}
	if err := json.NewDecoder(r).Decode(&queryResp); err != nil {
		return nil, fmt.Errorf("decode qdrant query response: %w", err)
	}

	out := make([]domain.Fragment, 0, len(queryResp.Result.Points))
	for _, p := range queryResp.Result.Points {
		out = append(out, domain.Fragment{
			DocumentID: getStringPayload(p.Payload, "doc_id"),
			ChunkID:    getStringPayload(p.Payload, "chunk_id"),
			CharStart:  getIntPayload(p.Payload, "char_start"),
			CharEnd:    getIntPayload(p.Payload, "char_end"),
			PageNumber: getIntPayload(p.Payload, "page"),
			Text:       getStringPayload(p.Payload, "text"),
			RawScore:   p.Score,
		})
	}
	return out, nil
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int {
	v, ok := payload[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
