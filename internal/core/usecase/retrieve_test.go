package usecase

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
)

type retrieveHarness struct {
	store    *permissionStoreFake
	catalog  *catalogStoreFake
	vector   *vectorSearcherFake
	lexical  *lexicalSearcherFake
	graph    *graphSearcherFake
	embedder *embedderFake
	uc       *RetrieveUseCase
}

func newRetrieveHarness(permitted []string, configs map[string]domain.KBConfig, metadata map[domain.DocumentKey]domain.DocumentMetadata) *retrieveHarness {
	h := &retrieveHarness{
		store:    &permissionStoreFake{kbIDs: permitted},
		catalog:  &catalogStoreFake{configs: configs, metadata: metadata},
		vector:   &vectorSearcherFake{fragments: map[string][]domain.Fragment{}},
		lexical:  &lexicalSearcherFake{fragments: map[string][]domain.Fragment{}},
		graph:    &graphSearcherFake{fragments: map[string][]domain.Fragment{}},
		embedder: &embedderFake{vector: []float32{0.1, 0.2}},
	}
	dispatcher := NewQueryDispatcher(h.vector, h.lexical, h.graph, h.embedder, nil, DispatchConfig{
		PerCallTimeout: 100 * time.Millisecond,
	})
	h.uc = NewRetrieveUseCase(
		NewPermissionResolver(h.store, nil),
		dispatcher,
		NewCitationAssembler(h.catalog),
		h.catalog,
		DefaultFusionConfig(),
		0,
	)
	return h
}

func TestRetrieveDeniedIssuesZeroBackendCalls(t *testing.T) {
	h := newRetrieveHarness([]string{"kb-a"}, hybridKBConfigs("kb-a"), nil)

	_, err := h.uc.Retrieve(context.Background(), domain.RetrievalRequest{
		QueryText:     "anything",
		UserID:        "user-1",
		ExplicitKBIDs: []string{"kb-c"},
	})
	if !domain.IsKind(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if h.vector.calls.Load() != 0 || h.lexical.calls.Load() != 0 || h.graph.calls.Load() != 0 {
		t.Fatalf("backends must not be queried on denial")
	}
	if h.embedder.calls.Load() != 0 {
		t.Fatalf("embedding must not be computed on denial")
	}
}

func TestRetrieveEmptyScopeReturnsEmptyOutcome(t *testing.T) {
	h := newRetrieveHarness(nil, nil, nil)

	outcome, err := h.uc.Retrieve(context.Background(), domain.RetrievalRequest{
		QueryText: "anything",
		UserID:    "user-1",
	})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if outcome.Partial {
		t.Fatalf("empty permitted set is not a partial result")
	}
	if len(outcome.Citations) != 0 {
		t.Fatalf("expected no citations, got %d", len(outcome.Citations))
	}
}

func TestRetrievePartialOnGraphTimeout(t *testing.T) {
	metadata := map[domain.DocumentKey]domain.DocumentMetadata{}
	for _, kb := range []string{"kb-a", "kb-b"} {
		key, meta := docMeta(kb, "doc-"+kb)
		metadata[key] = meta
	}
	h := newRetrieveHarness([]string{"kb-a", "kb-b"}, hybridKBConfigs("kb-a", "kb-b"), metadata)
	h.vector.fragments["kb-a"] = []domain.Fragment{frag("kb-a", "doc-kb-a", "c1", 0.9, domain.ModalityVector)}
	h.vector.fragments["kb-b"] = []domain.Fragment{frag("kb-b", "doc-kb-b", "c1", 0.8, domain.ModalityVector)}
	h.graph.delays = map[string]time.Duration{"kb-b": time.Second}

	outcome, err := h.uc.Retrieve(context.Background(), domain.RetrievalRequest{
		QueryText: "authentication approach",
		UserID:    "user-1",
		Limit:     5,
	})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if !outcome.Partial {
		t.Fatalf("expected partial outcome")
	}
	want := []domain.FailedBranch{{KBID: "kb-b", Modality: domain.ModalityGraph, Reason: domain.FailureTimeout}}
	if !reflect.DeepEqual(outcome.FailedBranches, want) {
		t.Fatalf("expected failed branches %v, got %v", want, outcome.FailedBranches)
	}
	if len(outcome.Citations) != 2 {
		t.Fatalf("expected citations from surviving branches, got %d", len(outcome.Citations))
	}
	if len(outcome.SucceededBranches) != 5 {
		t.Fatalf("expected 5 succeeded branches, got %v", outcome.SucceededBranches)
	}
	if outcome.FusedResults != 2 {
		t.Fatalf("expected 2 fused results, got %d", outcome.FusedResults)
	}
}

func TestRetrieveLimitAppliedAcrossAllKBs(t *testing.T) {
	kbIDs := make([]string, 0, 10)
	metadata := map[domain.DocumentKey]domain.DocumentMetadata{}
	for i := 0; i < 10; i++ {
		kbIDs = append(kbIDs, fmt.Sprintf("kb-%02d", i))
	}
	h := newRetrieveHarness(kbIDs, hybridKBConfigs(kbIDs...), metadata)
	for i, kb := range kbIDs {
		doc := fmt.Sprintf("doc-%02d", i)
		key, meta := docMeta(kb, doc)
		metadata[key] = meta
		// Later KBs get higher raw scores.
		h.vector.fragments[kb] = []domain.Fragment{
			frag(kb, doc, "c1", float64(i+1)/10.0, domain.ModalityVector),
		}
	}

	outcome, err := h.uc.Retrieve(context.Background(), domain.RetrievalRequest{
		QueryText: "query",
		UserID:    "user-1",
		Limit:     5,
	})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(outcome.Citations) != 5 {
		t.Fatalf("expected exactly 5 citations, got %d", len(outcome.Citations))
	}
	// The 5 emitted must be the 5 system-wide best ranks, not 0.5 per KB.
	for i, citation := range outcome.Citations {
		wantDoc := fmt.Sprintf("doc-%02d", 9-i)
		if citation.DocumentID != wantDoc {
			t.Fatalf("citation %d: expected %s, got %s", i+1, wantDoc, citation.DocumentID)
		}
	}
}

func TestRetrieveDeterministicUnderInjectedDelays(t *testing.T) {
	run := func(delays map[string]time.Duration) []domain.Citation {
		metadata := map[domain.DocumentKey]domain.DocumentMetadata{}
		h := newRetrieveHarness([]string{"kb-a", "kb-b"}, hybridKBConfigs("kb-a", "kb-b"), metadata)
		for _, kb := range []string{"kb-a", "kb-b"} {
			doc := "doc-" + kb
			key, meta := docMeta(kb, doc)
			metadata[key] = meta
			h.vector.fragments[kb] = []domain.Fragment{frag(kb, doc, "c1", 0.9, domain.ModalityVector)}
			h.lexical.fragments[kb] = []domain.Fragment{frag(kb, doc, "c1", 0.5, domain.ModalityLexical)}
		}
		h.vector.delays = delays

		outcome, err := h.uc.Retrieve(context.Background(), domain.RetrievalRequest{
			QueryText: "query",
			UserID:    "user-1",
			Limit:     5,
		})
		if err != nil {
			t.Fatalf("Retrieve() error = %v", err)
		}
		return outcome.Citations
	}

	first := run(map[string]time.Duration{"kb-a": 40 * time.Millisecond})
	second := run(map[string]time.Duration{"kb-b": 40 * time.Millisecond})
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("citation ordering depends on completion order:\n%v\n%v", first, second)
	}
}

func TestRetrieveKBConfigFailureDegrades(t *testing.T) {
	h := newRetrieveHarness([]string{"kb-a"}, nil, nil)
	h.catalog.configErr = fmt.Errorf("catalog unavailable")

	outcome, err := h.uc.Retrieve(context.Background(), domain.RetrievalRequest{
		QueryText: "query",
		UserID:    "user-1",
	})
	if err != nil {
		t.Fatalf("config failure must degrade, not fail: %v", err)
	}
	if !outcome.Partial {
		t.Fatalf("expected partial outcome")
	}
	if len(outcome.FailedBranches) != 3 {
		t.Fatalf("expected one failed branch per modality, got %v", outcome.FailedBranches)
	}
}

func TestRetrieveRequiresQueryText(t *testing.T) {
	h := newRetrieveHarness([]string{"kb-a"}, nil, nil)

	_, err := h.uc.Retrieve(context.Background(), domain.RetrievalRequest{UserID: "user-1"})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
