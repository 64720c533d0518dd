package cache

import (
	"math"

	"github.com/pmezard/go-difflib/difflib"
)

// runes splits s into one-element strings so difflib compares characters, not lines.
func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// similarityScorer compares one query against many candidates. The query side is
// indexed once; each candidate first goes through difflib's cheap upper bounds and
// only pays for the full matching-blocks ratio when it could still reach min.
type similarityScorer struct {
	m   *difflib.SequenceMatcher
	min float64
}

func newSimilarityScorer(query string, min float64) *similarityScorer {
	m := difflib.NewMatcher(nil, nil)
	// SequenceMatcher caches details about the second sequence.
	m.SetSeq2(runes(query))
	return &similarityScorer{m: m, min: min}
}

// score returns the similarity of candidate to the query in [0,1], or 0 when an
// upper bound already rules the candidate out.
func (s *similarityScorer) score(candidate string) float64 {
	s.m.SetSeq1(runes(candidate))
	if s.m.RealQuickRatio() < s.min {
		return 0
	}
	if s.m.QuickRatio() < s.min {
		return 0
	}
	return s.m.Ratio()
}

// cosineSimilarity returns 0 for mismatched or zero-length vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
