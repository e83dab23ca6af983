package qdrant

import (
	"sort"
	"testing"
)

func TestEncodeSparseQueryDeduplicatesTerms(t *testing.T) {
	single := encodeSparseQuery("token")
	repeated := encodeSparseQuery("token token token")

	if len(single.Indices) != 1 || len(repeated.Indices) != 1 {
		t.Fatalf("expected one term, got %d and %d", len(single.Indices), len(repeated.Indices))
	}
	if single.Indices[0] != repeated.Indices[0] {
		t.Fatalf("same term must hash to same index")
	}
	if repeated.Values[0] <= single.Values[0] {
		t.Fatalf("term frequency must increase weight: %f vs %f", repeated.Values[0], single.Values[0])
	}
	// Saturation: tf=3 must be well under 3x the tf=1 weight.
	if repeated.Values[0] >= 3*single.Values[0] {
		t.Fatalf("weight must saturate with frequency, got %f vs %f", repeated.Values[0], single.Values[0])
	}
}

func TestEncodeSparseQueryIndicesSorted(t *testing.T) {
	v := encodeSparseQuery("how does the authentication approach handle token refresh")
	if len(v.Indices) == 0 {
		t.Fatalf("expected sparse terms")
	}
	if !sort.SliceIsSorted(v.Indices, func(i, j int) bool { return v.Indices[i] < v.Indices[j] }) {
		t.Fatalf("indices must be sorted: %v", v.Indices)
	}
	if len(v.Indices) != len(v.Values) {
		t.Fatalf("indices/values mismatch: %d vs %d", len(v.Indices), len(v.Values))
	}
}

func TestEncodeSparseQueryEmpty(t *testing.T) {
	if v := encodeSparseQuery("  ... !!"); len(v.Indices) != 0 {
		t.Fatalf("expected empty vector, got %v", v.Indices)
	}
}

func TestTokenizeAlphaNumLowercasesAndSplits(t *testing.T) {
	tokens := tokenizeAlphaNum("OAuth2.0 Token-Refresh")
	want := []string{"oauth2", "0", "token", "refresh"}
	if len(tokens) != len(want) {
		t.Fatalf("expected %v, got %v", want, tokens)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, tokens)
		}
	}
}
