package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kirillkom/kb-retrieval-engine/internal/infrastructure/resilience"
)

func testPolicy() resilience.Policy {
	return resilience.Policy{RetryAttempts: 1, RetryBaseDelay: 1, RetryMaxDelay: 1}
}

func queryResponse(points ...map[string]any) string {
	body, _ := json.Marshal(map[string]any{
		"result": map[string]any{"points": points},
	})
	return string(body)
}

func TestSearchVectorDecodesFragments(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(queryResponse(map[string]any{
			"score": 0.87,
			"payload": map[string]any{
				"doc_id":     "doc-1",
				"chunk_id":   "c42",
				"char_start": 120,
				"char_end":   480,
				"page":       3,
				"text":       "token validation flow",
			},
		})))
	}))
	defer server.Close()

	client := New(server.URL, "kb_", testPolicy())
	fragments, err := client.SearchVector(context.Background(), "eng-docs", []float32{0.1, 0.2}, 10)
	if err != nil {
		t.Fatalf("SearchVector() error = %v", err)
	}
	if gotPath != "/collections/kb_eng-docs/points/query" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if _, hasFilter := gotBody["filter"]; !hasFilter {
		t.Fatalf("expected archived-exclusion filter in request body")
	}
	if len(fragments) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(fragments))
	}
	f := fragments[0]
	if f.DocumentID != "doc-1" || f.ChunkID != "c42" || f.CharStart != 120 || f.CharEnd != 480 || f.PageNumber != 3 {
		t.Fatalf("payload not decoded: %+v", f)
	}
	if f.RawScore != 0.87 {
		t.Fatalf("expected raw score 0.87, got %f", f.RawScore)
	}
}

func TestSearchLexicalUsesSparseVector(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(queryResponse()))
	}))
	defer server.Close()

	client := New(server.URL, "kb_", testPolicy())
	if _, err := client.SearchLexical(context.Background(), "eng-docs", "authentication approach", 10); err != nil {
		t.Fatalf("SearchLexical() error = %v", err)
	}
	if gotBody["using"] != lexicalVectorName {
		t.Fatalf("expected named sparse vector, got %v", gotBody["using"])
	}
	query, ok := gotBody["query"].(map[string]any)
	if !ok {
		t.Fatalf("expected sparse query object, got %T", gotBody["query"])
	}
	if indices, ok := query["indices"].([]any); !ok || len(indices) != 2 {
		t.Fatalf("expected 2 sparse terms, got %v", query["indices"])
	}
}

func TestSearchLexicalSkipsEmptyQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("no request expected for a query with no tokens")
	}))
	defer server.Close()

	client := New(server.URL, "kb_", testPolicy())
	fragments, err := client.SearchLexical(context.Background(), "eng-docs", "!!! ...", 10)
	if err != nil {
		t.Fatalf("SearchLexical() error = %v", err)
	}
	if fragments != nil {
		t.Fatalf("expected nil fragments, got %v", fragments)
	}
}

func TestSearchVectorStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "collection not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := New(server.URL, "kb_", testPolicy())
	_, err := client.SearchVector(context.Background(), "missing", []float32{0.1}, 10)
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected HTTPStatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", statusErr.StatusCode)
	}
}

func TestSearchVectorRetriesServerError(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(queryResponse()))
	}))
	defer server.Close()

	policy := testPolicy()
	policy.RetryAttempts = 2
	client := New(server.URL, "kb_", policy)
	if _, err := client.SearchVector(context.Background(), "eng-docs", []float32{0.1}, 10); err != nil {
		t.Fatalf("expected retried success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}
