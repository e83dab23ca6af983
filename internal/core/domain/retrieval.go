package domain

import "time"

type Modality string

const (
	ModalityVector  Modality = "vector"
	ModalityLexical Modality = "lexical"
	ModalityGraph   Modality = "graph"
)

// ModalityFlags selects which retrieval strategies a request allows.
// The per-KB configuration further narrows what actually runs.
type ModalityFlags struct {
	Vector  bool `json:"vector"`
	Lexical bool `json:"lexical"`
	Graph   bool `json:"graph"`
}

func AllModalities() ModalityFlags {
	return ModalityFlags{Vector: true, Lexical: true, Graph: true}
}

func (f ModalityFlags) Enabled(m Modality) bool {
	switch m {
	case ModalityVector:
		return f.Vector
	case ModalityLexical:
		return f.Lexical
	case ModalityGraph:
		return f.Graph
	default:
		return false
	}
}

// RetrievalRequest is immutable once constructed. ExplicitKBIDs == nil means
// "every knowledge base the user is permitted to read".
type RetrievalRequest struct {
	QueryText      string
	QueryEmbedding []float32
	ExplicitKBIDs  []string
	UserID         string
	Limit          int
	PerKBLimit     int
	Modalities     ModalityFlags
}

// PermittedScope is the authoritative KB set for one user, resolved through
// the permission store. KBIDs is kept sorted for deterministic dispatch order.
type PermittedScope struct {
	UserID     string
	KBIDs      []string
	ResolvedAt time.Time
}

func (s PermittedScope) Contains(kbID string) bool {
	for _, id := range s.KBIDs {
		if id == kbID {
			return true
		}
	}
	return false
}

// KBConfig describes which retrieval backends exist for one knowledge base.
type KBConfig struct {
	KBID              string
	Name              string
	HasEmbeddingIndex bool
	HybridEnabled     bool
	HasDomainSchema   bool
}

// Fragment is the atomic retrieval unit returned by a single backend.
// PageNumber == 0 means unknown.
type Fragment struct {
	KBID       string   `json:"kb_id"`
	DocumentID string   `json:"document_id"`
	ChunkID    string   `json:"chunk_id"`
	CharStart  int      `json:"char_start"`
	CharEnd    int      `json:"char_end"`
	PageNumber int      `json:"page_number,omitempty"`
	Text       string   `json:"text"`
	RawScore   float64  `json:"raw_score"`
	Modality   Modality `json:"modality"`
	SourceRank int      `json:"source_rank"`
}

// FusedResult carries a fragment with its rank-derived fused score.
// FusedScore is computed from contributing ranks only, never from raw
// backend scores, so it is comparable across KBs and modalities.
type FusedResult struct {
	Fragment   Fragment
	FusedScore float64
	Modalities []Modality
	Ranks      map[Modality]int
}

// BranchRef identifies one dispatched (kb, modality) branch.
type BranchRef struct {
	KBID     string
	Modality Modality
}

// FailedBranch identifies one (kb, modality) call that was excluded from
// results due to timeout, backend error, or embedding unavailability.
type FailedBranch struct {
	KBID     string   `json:"kb_id"`
	Modality Modality `json:"modality"`
	Reason   string   `json:"reason"`
}

const (
	FailureTimeout              = "timeout"
	FailureCancelled            = "cancelled"
	FailureBackendError         = "backend_error"
	FailureEmbeddingUnavailable = "embedding_unavailable"
	FailureConfigUnavailable    = "config_unavailable"
)

type StageTimings struct {
	Resolve  time.Duration `json:"resolve"`
	Dispatch time.Duration `json:"dispatch"`
	Fuse     time.Duration `json:"fuse"`
	Assemble time.Duration `json:"assemble"`
}

// RetrievalOutcome is the engine's only output. Partial=true means one or
// more branches were excluded; callers must render that distinctly from an
// empty result with no failures. SucceededBranches and FusedResults feed the
// pipeline metrics and are not part of the response payload.
type RetrievalOutcome struct {
	Citations         []Citation     `json:"citations"`
	Partial           bool           `json:"partial"`
	FailedBranches    []FailedBranch `json:"failed_branches,omitempty"`
	DroppedCitations  int            `json:"dropped_citations,omitempty"`
	SucceededBranches []BranchRef    `json:"-"`
	FusedResults      int            `json:"-"`
	Timings           StageTimings   `json:"timings"`
}
