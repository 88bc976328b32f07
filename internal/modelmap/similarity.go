package modelmap

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// FamilyBoost multiplies the similarity of candidates that share a family
// keyword with the input.
const FamilyBoost = 1.5

// Ratio returns the SequenceMatcher similarity of two strings in [0, 1].
// Two empty strings are identical (1.0).
func Ratio(a, b string) float64 {
	m := difflib.NewMatcher(strings.Split(a, ""), strings.Split(b, ""))
	return m.Ratio()
}

// Score rates a normalized catalog candidate against a normalized input
// token. Same-family candidates get FamilyBoost, so scores may exceed 1.
func Score(input, candidate string) float64 {
	s := Ratio(input, candidate)
	if sharedFamily(input, candidate) {
		s *= FamilyBoost
	}
	return s
}

// bestMatch returns the highest scoring catalog entry for token. Ties keep
// the first entry seen.
func bestMatch(token string, catalog []string) (string, float64) {
	var (
		best      string
		bestScore float64
	)
	for _, id := range catalog {
		s := Score(token, Normalize(id))
		if s > bestScore {
			best, bestScore = id, s
		}
	}
	return best, bestScore
}
