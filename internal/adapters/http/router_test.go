package httpadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
)

type retrieverFake struct {
	outcome *domain.RetrievalOutcome
	err     error
	lastReq domain.RetrievalRequest
	calls   int
}

func (f *retrieverFake) Retrieve(_ context.Context, req domain.RetrievalRequest) (*domain.RetrievalOutcome, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.outcome, nil
}

func postRetrieve(t *testing.T, handler http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/retrieve", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRetrieveEndpoint(t *testing.T) {
	fake := &retrieverFake{outcome: &domain.RetrievalOutcome{
		Citations: []domain.Citation{{
			Number:       1,
			DocumentID:   "doc-1",
			DocumentName: "auth-design.md",
			KBID:         "kb-a",
			KBName:       "Engineering",
			QuotedText:   "tokens are rotated hourly",
			CharStart:    100,
			CharEnd:      140,
			Confidence:   1.0,
		}},
		Partial: true,
		FailedBranches: []domain.FailedBranch{
			{KBID: "kb-b", Modality: domain.ModalityGraph, Reason: domain.FailureTimeout},
		},
	}}
	router := NewRouter(fake, nil, 0, 0)

	rec := postRetrieve(t, router.Handler(),
		`{"query_text":"authentication approach","kb_ids":["kb-a","kb-b"],"limit":5,"per_kb_limit":3}`,
		map[string]string{"X-User-Id": "user-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp retrieveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Citations) != 1 || resp.Citations[0].DocumentName != "auth-design.md" {
		t.Fatalf("unexpected citations %+v", resp.Citations)
	}
	if !resp.Partial || len(resp.FailedBranches) != 1 || resp.FailedBranches[0].Reason != "timeout" {
		t.Fatalf("partial outcome not surfaced: %+v", resp)
	}
	if fake.lastReq.UserID != "user-1" || len(fake.lastReq.ExplicitKBIDs) != 2 {
		t.Fatalf("request not mapped: %+v", fake.lastReq)
	}
	if fake.lastReq.Limit != 5 || fake.lastReq.PerKBLimit != 3 {
		t.Fatalf("limits not mapped: %+v", fake.lastReq)
	}
	if !fake.lastReq.Modalities.Vector || !fake.lastReq.Modalities.Lexical || !fake.lastReq.Modalities.Graph {
		t.Fatalf("empty modality list must enable all, got %+v", fake.lastReq.Modalities)
	}
}

func TestRetrieveEndpointModalitySubset(t *testing.T) {
	fake := &retrieverFake{outcome: &domain.RetrievalOutcome{Citations: []domain.Citation{}}}
	router := NewRouter(fake, nil, 0, 0)

	rec := postRetrieve(t, router.Handler(),
		`{"query_text":"q","modalities":["vector","graph"]}`,
		map[string]string{"X-User-Id": "user-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if fake.lastReq.Modalities.Lexical {
		t.Fatalf("lexical must be off: %+v", fake.lastReq.Modalities)
	}
	if !fake.lastReq.Modalities.Vector || !fake.lastReq.Modalities.Graph {
		t.Fatalf("vector and graph must be on: %+v", fake.lastReq.Modalities)
	}
}

func TestRetrieveEndpointUnknownModality(t *testing.T) {
	fake := &retrieverFake{}
	router := NewRouter(fake, nil, 0, 0)

	rec := postRetrieve(t, router.Handler(),
		`{"query_text":"q","modalities":["telepathy"]}`,
		map[string]string{"X-User-Id": "user-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if fake.calls != 0 {
		t.Fatalf("invalid request must not reach the use case")
	}
}

func TestRetrieveEndpointPermissionDenied(t *testing.T) {
	fake := &retrieverFake{err: domain.WrapError(domain.ErrPermissionDenied, "resolve", domain.ErrPermissionDenied)}
	router := NewRouter(fake, nil, 0, 0)

	rec := postRetrieve(t, router.Handler(),
		`{"query_text":"q","kb_ids":["kb-forbidden"]}`,
		map[string]string{"X-User-Id": "user-1"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRetrieveEndpointRequiresUser(t *testing.T) {
	router := NewRouter(&retrieverFake{}, nil, 0, 0)

	rec := postRetrieve(t, router.Handler(), `{"query_text":"q"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRetrieveEndpointInvalidInput(t *testing.T) {
	fake := &retrieverFake{err: domain.WrapError(domain.ErrInvalidInput, "retrieve", domain.ErrInvalidInput)}
	router := NewRouter(fake, nil, 0, 0)

	rec := postRetrieve(t, router.Handler(), `{"query_text":""}`,
		map[string]string{"X-User-Id": "user-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRequestIDEchoedAndGenerated(t *testing.T) {
	fake := &retrieverFake{outcome: &domain.RetrievalOutcome{Citations: []domain.Citation{}}}
	router := NewRouter(fake, nil, 0, 0)

	rec := postRetrieve(t, router.Handler(), `{"query_text":"q"}`,
		map[string]string{"X-User-Id": "user-1", "X-Request-Id": "req-42"})
	if got := rec.Header().Get("X-Request-Id"); got != "req-42" {
		t.Fatalf("expected echoed request id, got %q", got)
	}

	rec = postRetrieve(t, router.Handler(), `{"query_text":"q"}`,
		map[string]string{"X-User-Id": "user-1"})
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestRateLimitReturns429(t *testing.T) {
	fake := &retrieverFake{outcome: &domain.RetrievalOutcome{Citations: []domain.Citation{}}}
	router := NewRouter(fake, nil, 1, 1)
	handler := router.Handler()

	first := postRetrieve(t, handler, `{"query_text":"q"}`, map[string]string{"X-User-Id": "user-1"})
	if first.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", first.Code)
	}
	second := postRetrieve(t, handler, `{"query_text":"q"}`, map[string]string{"X-User-Id": "user-1"})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestHealthz(t *testing.T) {
	router := NewRouter(&retrieverFake{}, nil, 0, 0)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
