package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
	"github.com/kirillkom/kb-retrieval-engine/internal/core/ports"
)

// PermissionResolver maps (user, optional explicit KB set) to the
// authoritative scope the user may query. Explicit ids are always
// intersected with the store's permitted set, never trusted verbatim.
type PermissionResolver struct {
	store ports.PermissionStore
	cache ports.ScopeCache
	now   func() time.Time
}

func NewPermissionResolver(store ports.PermissionStore, cache ports.ScopeCache) *PermissionResolver {
	return &PermissionResolver{
		store: store,
		cache: cache,
		now:   time.Now,
	}
}

// Resolve returns the permitted scope for the request. It fails with
// ErrPermissionDenied only when explicit ids were requested and none of them
// are readable; an all-KBs request against an empty permitted set yields an
// empty scope, not an error.
func (r *PermissionResolver) Resolve(ctx context.Context, userID string, explicitKBIDs []string) (domain.PermittedScope, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.PermittedScope{}, domain.WrapError(domain.ErrInvalidInput, "resolve permissions", fmt.Errorf("user_id is required"))
	}

	permitted, err := r.lookupPermitted(ctx, userID)
	if err != nil {
		return domain.PermittedScope{}, fmt.Errorf("resolve permissions: %w", err)
	}

	if explicitKBIDs == nil {
		return permitted, nil
	}

	intersection := intersectKBIDs(permitted.KBIDs, explicitKBIDs)
	if len(intersection) == 0 && len(explicitKBIDs) > 0 {
		// Not-found and not-permitted are indistinguishable on purpose.
		return domain.PermittedScope{}, domain.WrapError(domain.ErrPermissionDenied, "resolve permissions", fmt.Errorf("no readable knowledge bases in requested set"))
	}

	return domain.PermittedScope{
		UserID:     userID,
		KBIDs:      intersection,
		ResolvedAt: permitted.ResolvedAt,
	}, nil
}

func (r *PermissionResolver) lookupPermitted(ctx context.Context, userID string) (domain.PermittedScope, error) {
	resolve := func(ctx context.Context) (domain.PermittedScope, error) {
		kbIDs, err := r.store.ListPermittedKBs(ctx, userID)
		if err != nil {
			return domain.PermittedScope{}, fmt.Errorf("list permitted kbs: %w", err)
		}
		return domain.PermittedScope{
			UserID:     userID,
			KBIDs:      sortedUniqueKBIDs(kbIDs),
			ResolvedAt: r.now().UTC(),
		}, nil
	}

	if r.cache == nil {
		return resolve(ctx)
	}
	return r.cache.GetOrResolve(ctx, userID, resolve)
}

func sortedUniqueKBIDs(kbIDs []string) []string {
	out := make([]string, 0, len(kbIDs))
	seen := make(map[string]struct{}, len(kbIDs))
	for _, id := range kbIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func intersectKBIDs(permitted, requested []string) []string {
	allowed := make(map[string]struct{}, len(permitted))
	for _, id := range permitted {
		allowed[id] = struct{}{}
	}

	out := make([]string, 0, len(requested))
	seen := make(map[string]struct{}, len(requested))
	for _, id := range requested {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := allowed[id]; !ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
