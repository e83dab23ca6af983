package domain

// Citation is the externally visible, numbered unit derived from a fragment
// after fusion, deduplication, and metadata enrichment. Numbers are 1-indexed
// in final rank order and stable for the lifetime of one response.
//
// Confidence is normalized against the top fused score of the same response,
// so the highest-ranked citation is always 1.0. It is comparable within one
// response only, never across responses.
type Citation struct {
	Number       int     `json:"citation_number"`
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

// DocumentKey identifies one document within one knowledge base.
type DocumentKey struct {
	KBID       string
	DocumentID string
}

// DocumentMetadata is the display metadata resolved in one batched lookup.
type DocumentMetadata struct {
	DocumentName string
	KBName       string
}
