package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
	"github.com/kirillkom/kb-retrieval-engine/internal/core/ports"
)

type DispatchConfig struct {
	PerCallTimeout time.Duration
	PerKBLimit     int
	MaxInFlight    int64
	GraphMaxHops   int
	GraphSeedLimit int
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		PerCallTimeout: 3 * time.Second,
		PerKBLimit:     20,
		MaxInFlight:    16,
		GraphMaxHops:   2,
		GraphSeedLimit: 8,
	}
}

func (c DispatchConfig) normalize() DispatchConfig {
	out := c
	def := DefaultDispatchConfig()
	if out.PerCallTimeout <= 0 {
		out.PerCallTimeout = def.PerCallTimeout
	}
	if out.PerKBLimit <= 0 {
		out.PerKBLimit = def.PerKBLimit
	}
	if out.MaxInFlight <= 0 {
		out.MaxInFlight = def.MaxInFlight
	}
	if out.GraphMaxHops <= 0 {
		out.GraphMaxHops = def.GraphMaxHops
	}
	if out.GraphSeedLimit <= 0 {
		out.GraphSeedLimit = def.GraphSeedLimit
	}
	return out
}

// QueryDispatcher fans one request out over every permitted (kb, modality)
// pair, bounded by a global in-flight cap and a per-call timeout. A branch
// that errors or times out becomes a FailedBranch value; it never fails the
// dispatch. The join sorts fragments so the output set order is independent
// of branch completion order.
type QueryDispatcher struct {
	vector     ports.VectorSearcher
	lexical    ports.LexicalSearcher
	graph      ports.GraphSearcher
	embedder   ports.EmbeddingProvider
	embeddings ports.EmbeddingCache
	inflight   *semaphore.Weighted
	cfg        DispatchConfig
}

func NewQueryDispatcher(
	vector ports.VectorSearcher,
	lexical ports.LexicalSearcher,
	graph ports.GraphSearcher,
	embedder ports.EmbeddingProvider,
	embeddings ports.EmbeddingCache,
	cfg DispatchConfig,
) *QueryDispatcher {
	cfg = cfg.normalize()
	return &QueryDispatcher{
		vector:     vector,
		lexical:    lexical,
		graph:      graph,
		embedder:   embedder,
		embeddings: embeddings,
		inflight:   semaphore.NewWeighted(cfg.MaxInFlight),
		cfg:        cfg,
	}
}

type dispatchBranch struct {
	kbID     string
	modality domain.Modality
}

type branchResult struct {
	branch    dispatchBranch
	fragments []domain.Fragment
	err       error
}

func (d *QueryDispatcher) Dispatch(
	ctx context.Context,
	req domain.RetrievalRequest,
	scope domain.PermittedScope,
	configs map[string]domain.KBConfig,
) ([]domain.Fragment, []domain.BranchRef, []domain.FailedBranch) {
	branches, failed := d.planBranches(req, scope, configs)

	queryVector, failed := d.resolveQueryVector(ctx, req, branches, failed)
	if queryVector == nil {
		branches = withoutModality(branches, domain.ModalityVector)
	}

	if len(branches) == 0 {
		return nil, nil, sortedFailures(failed)
	}

	seedTerms := seedTermsFromQuery(req.QueryText, d.cfg.GraphSeedLimit)
	perKBLimit := req.PerKBLimit
	if perKBLimit <= 0 {
		perKBLimit = d.cfg.PerKBLimit
	}

	results := make(chan branchResult, len(branches))
	for _, branch := range branches {
		go d.runBranch(ctx, branch, req.QueryText, queryVector, seedTerms, perKBLimit, results)
	}

	fragments := make([]domain.Fragment, 0, len(branches)*perKBLimit)
	succeeded := make([]domain.BranchRef, 0, len(branches))
	for range branches {
		res := <-results
		if res.err != nil {
			failed = append(failed, domain.FailedBranch{
				KBID:     res.branch.kbID,
				Modality: res.branch.modality,
				Reason:   classifyBranchFailure(res.err),
			})
			slog.Warn("retrieval_branch_failed",
				"kb_id", res.branch.kbID,
				"modality", string(res.branch.modality),
				"error", res.err,
			)
			continue
		}
		succeeded = append(succeeded, domain.BranchRef{KBID: res.branch.kbID, Modality: res.branch.modality})
		fragments = append(fragments, clampBranchFragments(res.branch, res.fragments, perKBLimit)...)
	}

	// Completion order is nondeterministic; the sort restores a stable
	// pre-fusion order for identical backend responses.
	sort.Slice(fragments, func(i, j int) bool {
		if fragments[i].KBID != fragments[j].KBID {
			return fragments[i].KBID < fragments[j].KBID
		}
		if fragments[i].Modality != fragments[j].Modality {
			return fragments[i].Modality < fragments[j].Modality
		}
		if fragments[i].ChunkID != fragments[j].ChunkID {
			return fragments[i].ChunkID < fragments[j].ChunkID
		}
		return fragments[i].DocumentID < fragments[j].DocumentID
	})

	return fragments, sortedBranchRefs(succeeded), sortedFailures(failed)
}

// planBranches applies the per-KB modality selection rules: vector needs an
// embedding index, lexical needs hybrid mode, graph needs a domain schema.
func (d *QueryDispatcher) planBranches(
	req domain.RetrievalRequest,
	scope domain.PermittedScope,
	configs map[string]domain.KBConfig,
) ([]dispatchBranch, []domain.FailedBranch) {
	branches := make([]dispatchBranch, 0, len(scope.KBIDs)*3)
	var failed []domain.FailedBranch

	for _, kbID := range scope.KBIDs {
		cfg, ok := configs[kbID]
		if !ok {
			for _, m := range enabledModalities(req.Modalities) {
				failed = append(failed, domain.FailedBranch{
					KBID:     kbID,
					Modality: m,
					Reason:   domain.FailureConfigUnavailable,
				})
			}
			continue
		}
		if req.Modalities.Vector && cfg.HasEmbeddingIndex {
			branches = append(branches, dispatchBranch{kbID: kbID, modality: domain.ModalityVector})
		}
		if req.Modalities.Lexical && cfg.HybridEnabled {
			branches = append(branches, dispatchBranch{kbID: kbID, modality: domain.ModalityLexical})
		}
		if req.Modalities.Graph && cfg.HasDomainSchema {
			branches = append(branches, dispatchBranch{kbID: kbID, modality: domain.ModalityGraph})
		}
	}
	return branches, failed
}

// resolveQueryVector returns nil when embeddings are unavailable; every
// planned vector branch is then recorded as failed and the request degrades
// to lexical+graph.
func (d *QueryDispatcher) resolveQueryVector(
	ctx context.Context,
	req domain.RetrievalRequest,
	branches []dispatchBranch,
	failed []domain.FailedBranch,
) ([]float32, []domain.FailedBranch) {
	if len(req.QueryEmbedding) > 0 {
		return req.QueryEmbedding, failed
	}
	if !hasModality(branches, domain.ModalityVector) {
		return nil, failed
	}

	compute := func(ctx context.Context) ([]float32, error) {
		return d.embedder.EmbedQuery(ctx, req.QueryText)
	}

	var vector []float32
	var err error
	if d.embeddings != nil {
		vector, err = d.embeddings.GetOrCompute(ctx, req.QueryText, compute)
	} else {
		vector, err = compute(ctx)
	}
	if err != nil || len(vector) == 0 {
		slog.Warn("embedding_unavailable", "error", err)
		for _, branch := range branches {
			if branch.modality != domain.ModalityVector {
				continue
			}
			failed = append(failed, domain.FailedBranch{
				KBID:     branch.kbID,
				Modality: domain.ModalityVector,
				Reason:   domain.FailureEmbeddingUnavailable,
			})
		}
		return nil, failed
	}
	return vector, failed
}

func (d *QueryDispatcher) runBranch(
	ctx context.Context,
	branch dispatchBranch,
	queryText string,
	queryVector []float32,
	seedTerms []string,
	topK int,
	results chan<- branchResult,
) {
	if err := d.inflight.Acquire(ctx, 1); err != nil {
		results <- branchResult{branch: branch, err: err}
		return
	}
	defer d.inflight.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.PerCallTimeout)
	defer cancel()

	var fragments []domain.Fragment
	var err error
	switch branch.modality {
	case domain.ModalityVector:
		fragments, err = d.vector.SearchVector(callCtx, branch.kbID, queryVector, topK)
	case domain.ModalityLexical:
		fragments, err = d.lexical.SearchLexical(callCtx, branch.kbID, queryText, topK)
	case domain.ModalityGraph:
		fragments, err = d.graph.SearchGraph(callCtx, branch.kbID, seedTerms, d.cfg.GraphMaxHops, topK)
	}

	results <- branchResult{branch: branch, fragments: fragments, err: err}
}

func clampBranchFragments(branch dispatchBranch, fragments []domain.Fragment, topK int) []domain.Fragment {
	if len(fragments) > topK {
		fragments = fragments[:topK]
	}
	for i := range fragments {
		fragments[i].KBID = branch.kbID
		fragments[i].Modality = branch.modality
	}
	return fragments
}

// classifyBranchFailure separates backend slowness from caller aborts: a
// deadline hit is the per-call timeout, a cancellation came from upstream.
func classifyBranchFailure(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.FailureTimeout
	case errors.Is(err, context.Canceled):
		return domain.FailureCancelled
	default:
		return domain.FailureBackendError
	}
}

func enabledModalities(flags domain.ModalityFlags) []domain.Modality {
	out := make([]domain.Modality, 0, 3)
	for _, m := range []domain.Modality{domain.ModalityVector, domain.ModalityLexical, domain.ModalityGraph} {
		if flags.Enabled(m) {
			out = append(out, m)
		}
	}
	return out
}

func hasModality(branches []dispatchBranch, m domain.Modality) bool {
	for _, branch := range branches {
		if branch.modality == m {
			return true
		}
	}
	return false
}

func withoutModality(branches []dispatchBranch, m domain.Modality) []dispatchBranch {
	out := branches[:0]
	for _, branch := range branches {
		if branch.modality != m {
			out = append(out, branch)
		}
	}
	return out
}

func sortedBranchRefs(refs []domain.BranchRef) []domain.BranchRef {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].KBID != refs[j].KBID {
			return refs[i].KBID < refs[j].KBID
		}
		return refs[i].Modality < refs[j].Modality
	})
	return refs
}

func sortedFailures(failed []domain.FailedBranch) []domain.FailedBranch {
	sort.Slice(failed, func(i, j int) bool {
		if failed[i].KBID != failed[j].KBID {
			return failed[i].KBID < failed[j].KBID
		}
		return failed[i].Modality < failed[j].Modality
	})
	return failed
}
