package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
	"github.com/kirillkom/kb-retrieval-engine/internal/core/ports"
)

const defaultCitationLimit = 8

// RetrieveUseCase drives the request lifecycle:
// permissions -> dispatch -> fusion -> assembly. Permission resolution is the
// only hard-failure point; every later stage degrades into a partial outcome.
type RetrieveUseCase struct {
	permissions  *PermissionResolver
	dispatcher   *QueryDispatcher
	assembler    *CitationAssembler
	catalog      ports.CatalogStore
	fusion       FusionConfig
	defaultLimit int
	now          func() time.Time
}

func NewRetrieveUseCase(
	permissions *PermissionResolver,
	dispatcher *QueryDispatcher,
	assembler *CitationAssembler,
	catalog ports.CatalogStore,
	fusion FusionConfig,
	defaultLimit int,
) *RetrieveUseCase {
	if defaultLimit <= 0 {
		defaultLimit = defaultCitationLimit
	}
	return &RetrieveUseCase{
		permissions:  permissions,
		dispatcher:   dispatcher,
		assembler:    assembler,
		catalog:      catalog,
		fusion:       fusion,
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
}

func (uc *RetrieveUseCase) Retrieve(ctx context.Context, req domain.RetrievalRequest) (*domain.RetrievalOutcome, error) {
	if strings.TrimSpace(req.QueryText) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", fmt.Errorf("query_text is required"))
	}
	if req.Limit <= 0 {
		req.Limit = uc.defaultLimit
	}
	if req.Modalities == (domain.ModalityFlags{}) {
		req.Modalities = domain.AllModalities()
	}

	var timings domain.StageTimings

	resolveStart := uc.now()
	scope, err := uc.permissions.Resolve(ctx, req.UserID, req.ExplicitKBIDs)
	timings.Resolve = time.Since(resolveStart)
	if err != nil {
		return nil, err
	}
	if len(scope.KBIDs) == 0 {
		return &domain.RetrievalOutcome{Citations: []domain.Citation{}, Timings: timings}, nil
	}

	dispatchStart := uc.now()
	configs, err := uc.catalog.ListKBConfigs(ctx, scope.KBIDs)
	if err != nil {
		// Without KB configs nothing can be dispatched; degrade, don't fail.
		slog.Warn("kb_config_lookup_failed", "kb_count", len(scope.KBIDs), "error", err)
		timings.Dispatch = time.Since(dispatchStart)
		return &domain.RetrievalOutcome{
			Citations:      []domain.Citation{},
			Partial:        true,
			FailedBranches: allBranchesFailed(scope, req.Modalities),
			Timings:        timings,
		}, nil
	}

	fragments, succeeded, failed := uc.dispatcher.Dispatch(ctx, req, scope, configs)
	timings.Dispatch = time.Since(dispatchStart)

	fuseStart := uc.now()
	fused := FuseFragments(fragments, uc.fusion)
	timings.Fuse = time.Since(fuseStart)

	assembleStart := uc.now()
	citations, dropped := uc.assembler.Assemble(ctx, fused, req.Limit)
	timings.Assemble = time.Since(assembleStart)
	if citations == nil {
		citations = []domain.Citation{}
	}

	return &domain.RetrievalOutcome{
		Citations:         citations,
		Partial:           len(failed) > 0,
		FailedBranches:    failed,
		DroppedCitations:  dropped,
		SucceededBranches: succeeded,
		FusedResults:      len(fused),
		Timings:           timings,
	}, nil
}

func allBranchesFailed(scope domain.PermittedScope, flags domain.ModalityFlags) []domain.FailedBranch {
	failed := make([]domain.FailedBranch, 0, len(scope.KBIDs)*3)
	for _, kbID := range scope.KBIDs {
		for _, m := range enabledModalities(flags) {
			failed = append(failed, domain.FailedBranch{
				KBID:     kbID,
				Modality: m,
				Reason:   domain.FailureConfigUnavailable,
			})
		}
	}
	return failed
}
