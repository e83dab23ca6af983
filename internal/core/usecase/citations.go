package usecase

import (
	"context"
	"log/slog"

	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
	"github.com/kirillkom/kb-retrieval-engine/internal/core/ports"
)

// overlapDropThreshold: two selected spans of the same document whose
// character ranges overlap by more than this fraction (of the shorter span)
// are near-duplicates from chunk-overlap at ingestion; only the
// higher-ranked one is kept.
const overlapDropThreshold = 0.5

// CitationAssembler converts fused results into numbered citations with
// display metadata resolved in a single batched lookup.
type CitationAssembler struct {
	catalog ports.CatalogStore
}

func NewCitationAssembler(catalog ports.CatalogStore) *CitationAssembler {
	return &CitationAssembler{catalog: catalog}
}

// Assemble returns the final citations plus the count of candidates dropped
// because their metadata could not be resolved. Metadata failures degrade the
// response; they never fail it.
func (a *CitationAssembler) Assemble(ctx context.Context, fused []domain.FusedResult, limit int) ([]domain.Citation, int) {
	if len(fused) == 0 || limit <= 0 {
		return nil, 0
	}
	if limit > len(fused) {
		limit = len(fused)
	}

	kept := dedupeOverlapping(fused[:limit])
	if len(kept) == 0 {
		return nil, 0
	}

	metadata, err := a.catalog.ResolveDocuments(ctx, documentKeys(kept))
	if err != nil {
		slog.Warn("citation_metadata_lookup_failed", "candidates", len(kept), "error", err)
		return nil, len(kept)
	}

	citations := make([]domain.Citation, 0, len(kept))
	dropped := 0
	topScore := 0.0
	for _, result := range kept {
		key := domain.DocumentKey{KBID: result.Fragment.KBID, DocumentID: result.Fragment.DocumentID}
		meta, ok := metadata[key]
		if !ok {
			dropped++
			slog.Warn("citation_metadata_unresolved",
				"kb_id", key.KBID,
				"document_id", key.DocumentID,
			)
			continue
		}

		if topScore <= 0 {
			topScore = result.FusedScore
		}
		confidence := 1.0
		if topScore > 0 {
			confidence = result.FusedScore / topScore
		}

		citations = append(citations, domain.Citation{
			Number:       len(citations) + 1,
			DocumentID:   result.Fragment.DocumentID,
			DocumentName: meta.DocumentName,
			KBID:         result.Fragment.KBID,
			KBName:       meta.KBName,
			PageNumber:   result.Fragment.PageNumber,
			QuotedText:   result.Fragment.Text,
			CharStart:    result.Fragment.CharStart,
			CharEnd:      result.Fragment.CharEnd,
			Confidence:   confidence,
		})
	}

	return citations, dropped
}

// dedupeOverlapping keeps the higher-ranked result when two selected spans
// from the same document overlap beyond the threshold.
func dedupeOverlapping(selected []domain.FusedResult) []domain.FusedResult {
	kept := make([]domain.FusedResult, 0, len(selected))
	for _, candidate := range selected {
		duplicate := false
		for _, existing := range kept {
			if existing.Fragment.KBID != candidate.Fragment.KBID ||
				existing.Fragment.DocumentID != candidate.Fragment.DocumentID {
				continue
			}
			if spanOverlapRatio(existing.Fragment, candidate.Fragment) > overlapDropThreshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, candidate)
		}
	}
	return kept
}

// spanOverlapRatio measures [start, end) overlap relative to the shorter span.
func spanOverlapRatio(a, b domain.Fragment) float64 {
	lenA := a.CharEnd - a.CharStart
	lenB := b.CharEnd - b.CharStart
	if lenA <= 0 || lenB <= 0 {
		return 0
	}

	start := a.CharStart
	if b.CharStart > start {
		start = b.CharStart
	}
	end := a.CharEnd
	if b.CharEnd < end {
		end = b.CharEnd
	}
	if end <= start {
		return 0
	}

	shorter := lenA
	if lenB < shorter {
		shorter = lenB
	}
	return float64(end-start) / float64(shorter)
}

func documentKeys(results []domain.FusedResult) []domain.DocumentKey {
	keys := make([]domain.DocumentKey, 0, len(results))
	seen := make(map[domain.DocumentKey]struct{}, len(results))
	for _, result := range results {
		key := domain.DocumentKey{KBID: result.Fragment.KBID, DocumentID: result.Fragment.DocumentID}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}
