package usecase

import (
	"sort"

	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
)

type FusionConfig struct {
	// RRFK is the reciprocal-rank damping constant (Cormack et al. 2009).
	RRFK    int
	Weights map[domain.Modality]float64
}

func DefaultFusionConfig() FusionConfig {
	return FusionConfig{RRFK: 60}
}

// weight returns the configured modality weight. An explicit zero disables
// the modality's contribution; only an absent entry falls back to 1.0.
func (c FusionConfig) weight(m domain.Modality) float64 {
	if w, ok := c.Weights[m]; ok {
		if w < 0 {
			return 0
		}
		return w
	}
	return 1.0
}

func (c FusionConfig) normalize() FusionConfig {
	out := c
	if out.RRFK <= 0 {
		out.RRFK = 60
	}
	return out
}

type fusionKey struct {
	documentID string
	chunkID    string
}

// FuseFragments merges per-modality result streams into one globally ranked
// list via weighted Reciprocal Rank Fusion. Each fragment contributes
// weight/(k+rank) per modality it appears in; a fragment found by several
// modalities accumulates every contribution. Fragments absent from all
// modalities are absent from the output, never scored as zero.
func FuseFragments(fragments []domain.Fragment, cfg FusionConfig) []domain.FusedResult {
	if len(fragments) == 0 {
		return nil
	}
	cfg = cfg.normalize()

	acc := make(map[fusionKey]*domain.FusedResult, len(fragments))
	for _, modality := range []domain.Modality{domain.ModalityVector, domain.ModalityLexical, domain.ModalityGraph} {
		ranked := rankModality(fragments, modality)
		weight := cfg.weight(modality)
		for i, fragment := range ranked {
			rank := i + 1
			fragment.SourceRank = rank
			key := fusionKey{documentID: fragment.DocumentID, chunkID: fragment.ChunkID}

			entry, ok := acc[key]
			if !ok {
				entry = &domain.FusedResult{
					Fragment: fragment,
					Ranks:    make(map[domain.Modality]int, 2),
				}
				acc[key] = entry
			} else {
				entry.Fragment = preferRicherFragment(entry.Fragment, fragment)
			}
			entry.FusedScore += weight / float64(cfg.RRFK+rank)
			entry.Modalities = append(entry.Modalities, modality)
			entry.Ranks[modality] = rank
		}
	}

	out := make([]domain.FusedResult, 0, len(acc))
	for _, entry := range acc {
		out = append(out, *entry)
	}

	// Equal fused scores must order the same way on every run.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		fi, fj := out[i].Fragment, out[j].Fragment
		if fi.KBID != fj.KBID {
			return fi.KBID < fj.KBID
		}
		if fi.DocumentID != fj.DocumentID {
			return fi.DocumentID < fj.DocumentID
		}
		return fi.ChunkID < fj.ChunkID
	})

	return out
}

// rankModality orders one modality's fragments by raw score descending with
// a deterministic (kb_id, chunk_id) tie-break. Raw scores are only ever
// compared within a single modality here; fused scores derive from ranks.
func rankModality(fragments []domain.Fragment, modality domain.Modality) []domain.Fragment {
	ranked := make([]domain.Fragment, 0, len(fragments))
	for _, fragment := range fragments {
		if fragment.Modality == modality {
			ranked = append(ranked, fragment)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].RawScore != ranked[j].RawScore {
			return ranked[i].RawScore > ranked[j].RawScore
		}
		if ranked[i].KBID != ranked[j].KBID {
			return ranked[i].KBID < ranked[j].KBID
		}
		return ranked[i].ChunkID < ranked[j].ChunkID
	})
	return ranked
}

func preferRicherFragment(current, candidate domain.Fragment) domain.Fragment {
	if current.Text == "" && candidate.Text != "" {
		current.Text = candidate.Text
	}
	if current.PageNumber == 0 && candidate.PageNumber != 0 {
		current.PageNumber = candidate.PageNumber
	}
	if current.CharEnd == 0 && candidate.CharEnd != 0 {
		current.CharStart = candidate.CharStart
		current.CharEnd = candidate.CharEnd
	}
	return current
}
