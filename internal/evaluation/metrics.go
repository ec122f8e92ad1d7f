package evaluation

import "math"

// Rank is the 1-based position of the first matching candidate.
type Rank int

// NotFound is the infinite rank of a row with no match within top-k.
const NotFound Rank = math.MaxInt

func (r Rank) Found() bool { return r >= 1 && r != NotFound }

// Reciprocal is 1/rank, and 0 for NotFound.
func (r Rank) Reciprocal() float64 {
	if !r.Found() {
		return 0
	}
	return 1 / float64(r)
}

// MRR is the mean reciprocal rank; 0 for no ranks.
func MRR(ranks []Rank) float64 {
	if len(ranks) == 0 {
		return 0
	}
	var sum float64
	for _, r := range ranks {
		sum += r.Reciprocal()
	}
	return sum / float64(len(ranks))
}

// RecallAt is the fraction of ranks that are at most k.
func RecallAt(ranks []Rank, k int) float64 {
	if len(ranks) == 0 {
		return 0
	}
	hits := 0
	for _, r := range ranks {
		if r.Found() && int(r) <= k {
			hits++
		}
	}
	return float64(hits) / float64(len(ranks))
}

// FirstMatch scans candidates in order and returns the rank of the first
// one accepted by match.
func FirstMatch[T any](candidates []T, match func(T) bool) Rank {
	for i, c := range candidates {
		if match(c) {
			return Rank(i + 1)
		}
	}
	return NotFound
}
