package qdrant

import (
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"
)

type sparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

const (
	queryBM25K     = 1.2
	maxSparseTerms = 128
)

// encodeSparseQuery maps query tokens into the same hashed BM25 term space
// the indexer writes chunks with. Term weights saturate with frequency so a
// repeated word does not dominate the match.
func encodeSparseQuery(query string) sparseVector {
	tokens := tokenizeAlphaNum(query)
	if len(tokens) == 0 {
		return sparseVector{}
	}

	termFreq := make(map[uint32]float64, len(tokens))
	for _, token := range tokens {
		termFreq[hashTerm(token)]++
	}

	indices := make([]uint32, 0, len(termFreq))
	for idx := range termFreq {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	if len(indices) > maxSparseTerms {
		indices = indices[:maxSparseTerms]
	}

	values := make([]float32, 0, len(indices))
	for _, idx := range indices {
		tf := termFreq[idx]
		weight := (tf * (queryBM25K + 1.0)) / (tf + queryBM25K)
		if math.IsNaN(weight) || math.IsInf(weight, 0) {
			weight = 0
		}
		values = append(values, float32(weight))
	}

	return sparseVector{Indices: indices, Values: values}
}

func hashTerm(term string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(term))
	sum := h.Sum32()
	// Index 0 is reserved by the indexer.
	if sum == 0 {
		return 1
	}
	return sum
}

func tokenizeAlphaNum(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
