package ollama

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

// Embedder computes query embeddings through an ollama server.
type Embedder struct {
	baseURL    string
	model      string
	httpClient *http.Client
	guard      *resilience.Guard
}

func New(baseURL, model string, policy resilience.Policy) *Embedder {
	return &Embedder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		guard:      resilience.NewGuard("ollama", policy, classifyEmbedError),
	}
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "embed_query", fmt.Errorf("empty text"))
	}

	request := map[string]any{
		"model": e.model,
		"input": []string{text},
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := e.guard.Do(ctx, func(ctx context.Context) error {
		return e.postJSON(ctx, "/api/embed", request, &response, "embed")
	})
	if err != nil {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed_query", err)
	}
	if len(response.Embeddings) == 0 || len(response.Embeddings[0]) == 0 {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed_query", fmt.Errorf("empty embedding result"))
	}
	return response.Embeddings[0], nil
}

func (e *Embedder) postJSON(ctx context.Context, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama %s request: %w", operation, err)
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
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}
