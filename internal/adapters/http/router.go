package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
	"github.com/kirillkom/kb-retrieval-engine/internal/core/ports"
	"github.com/kirillkom/kb-retrieval-engine/internal/observability/metrics"
)

const serviceName = "kb-retrieval-engine"

type Router struct {
	retriever ports.Retriever
	metrics   *metrics.ServerMetrics
	limiter   *rateLimiter
}

func NewRouter(retriever ports.Retriever, serverMetrics *metrics.ServerMetrics, rps float64, burst int) *Router {
	return &Router{
		retriever: retriever,
		metrics:   serverMetrics,
		limiter:   newRateLimiter(rps, burst),
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/retrieve", rt.retrieve)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = rt.limiter.middleware(handler)
	handler = accessLogMiddleware(handler)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = requestIDMiddleware(handler)
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type retrieveRequest struct {
	QueryText  string   `json:"query_text"`
	UserID     string   `json:"user_id"`
	KBIDs      []string `json:"kb_ids"`
	Limit      int      `json:"limit"`
	PerKBLimit int      `json:"per_kb_limit"`
	Modalities []string `json:"modalities"`
}

type citationDTO struct {
	Number       int     `json:"number"`
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	KBID         string  `json:"kb_id"`
	KBName       string  `json:"kb_name"`
	PageNumber   int     `json:"page_number,omitempty"`
	QuotedText   string  `json:"quoted_text"`
	CharStart    int     `json:"char_start"`
	CharEnd      int     `json:"char_end"`
	Confidence   float64 `json:"confidence"`
}

type failedBranchDTO struct {
	KBID     string `json:"kb_id"`
	Modality string `json:"modality"`
	Reason   string `json:"reason"`
}

type retrieveResponse struct {
	Citations        []citationDTO     `json:"citations"`
	Partial          bool              `json:"partial"`
	FailedBranches   []failedBranchDTO `json:"failed_branches,omitempty"`
	DroppedCitations int               `json:"dropped_citations,omitempty"`
}

func (rt *Router) retrieve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if userID := strings.TrimSpace(r.Header.Get("X-User-Id")); userID != "" {
		req.UserID = userID
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}

	flags, err := parseModalities(req.Modalities)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	outcome, err := rt.retriever.Retrieve(r.Context(), domain.RetrievalRequest{
		QueryText:     req.QueryText,
		UserID:        req.UserID,
		ExplicitKBIDs: req.KBIDs,
		Limit:         req.Limit,
		PerKBLimit:    req.PerKBLimit,
		Modalities:    flags,
	})
	if err != nil {
		status := mapErrorToHTTPStatus(err)
		if status >= 500 {
			slog.Error("retrieve_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	if rt.metrics != nil {
		rt.metrics.RecordOutcome(serviceName, outcome)
	}
	writeJSON(w, http.StatusOK, toRetrieveResponse(outcome))
}

func toRetrieveResponse(outcome *domain.RetrievalOutcome) retrieveResponse {
	citations := make([]citationDTO, 0, len(outcome.Citations))
	for _, c := range outcome.Citations {
		citations = append(citations, citationDTO{
			Number:       c.Number,
			DocumentID:   c.DocumentID,
			DocumentName: c.DocumentName,
			KBID:         c.KBID,
			KBName:       c.KBName,
			PageNumber:   c.PageNumber,
			QuotedText:   c.QuotedText,
			CharStart:    c.CharStart,
			CharEnd:      c.CharEnd,
			Confidence:   c.Confidence,
		})
	}

	var failed []failedBranchDTO
	for _, f := range outcome.FailedBranches {
		failed = append(failed, failedBranchDTO{
			KBID:     f.KBID,
			Modality: string(f.Modality),
			Reason:   f.Reason,
		})
	}

	return retrieveResponse{
		Citations:        citations,
		Partial:          outcome.Partial,
		FailedBranches:   failed,
		DroppedCitations: outcome.DroppedCitations,
	}
}

// parseModalities maps the request's modality names onto flags; an empty list
// means all modalities.
func parseModalities(names []string) (domain.ModalityFlags, error) {
	if len(names) == 0 {
		return domain.AllModalities(), nil
	}
	var flags domain.ModalityFlags
	for _, name := range names {
		switch domain.Modality(strings.ToLower(strings.TrimSpace(name))) {
		case domain.ModalityVector:
			flags.Vector = true
		case domain.ModalityLexical:
			flags.Lexical = true
		case domain.ModalityGraph:
			flags.Graph = true
		default:
			return domain.ModalityFlags{}, domain.WrapError(domain.ErrInvalidInput, "parse_modalities",
				&unknownModalityError{name: name})
		}
	}
	return flags, nil
}

type unknownModalityError struct {
	name string
}

func (e *unknownModalityError) Error() string {
	return "unknown modality: " + e.name
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
