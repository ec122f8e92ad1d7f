// Package fusion combines the per-modality hit lists of one request into a
// single result list.
package fusion

import (
	"log/slog"
	"sort"

	"github.com/bdougie/framesearch/internal/models"
)

// DefaultRRFConstant is the usual reciprocal-rank smoothing constant.
const DefaultRRFConstant = 60

// Order tells a ranking strategy how to sort a list by its own score.
type Order int

const (
	// Unranked lists are taken in the order the backend returned them.
	Unranked Order = iota
	HigherIsBetter
	LowerIsBetter
)

// List is the output of one modality branch.
type List struct {
	Modality string
	Hits     []models.ScoredHit
	Order    Order
	// Weight scales the list's reciprocal-rank contribution; 0 means 1.
	Weight float64
}

// Strategy fuses lists into one. Implementations never fail: malformed
// records are dropped and logged.
type Strategy interface {
	Name() string
	Fuse(lists []List) []models.ScoredHit
}

// Intersect keeps only keyframes present in every list. The surviving
// record always comes from the first list, so later lists contribute
// membership but none of their fields. Output follows first-list order.
type Intersect struct {
	Logger *slog.Logger
}

// Name identifies the strategy in logs.
func (Intersect) Name() string { return "intersect" }

// Fuse intersects the lists. A keyframe repeated within the first list keeps
// its first occurrence.
func (s Intersect) Fuse(lists []List) []models.ScoredHit {
	logger := loggerOrDefault(s.Logger)

	switch len(lists) {
	case 0:
		return []models.ScoredHit{}
	case 1:
		return lists[0].Hits
	}

	first := lists[0]
	lookup := make(map[models.KeyframeRef]models.ScoredHit, len(first.Hits))
	order := make([]models.KeyframeRef, 0, len(first.Hits))
	for _, h := range first.Hits {
		if !h.Valid() {
			logger.Warn("dropping malformed hit", "modality", first.Modality, "ref", h.KeyframeRef.String())
			continue
		}
		if _, dup := lookup[h.KeyframeRef]; dup {
			continue
		}
		lookup[h.KeyframeRef] = h
		order = append(order, h.KeyframeRef)
	}

	running := make(map[models.KeyframeRef]struct{}, len(lookup))
	for ref := range lookup {
		running[ref] = struct{}{}
	}

	for _, l := range lists[1:] {
		if len(running) == 0 {
			break
		}
		ids := make(map[models.KeyframeRef]struct{}, len(l.Hits))
		for _, h := range l.Hits {
			if !h.Valid() {
				logger.Warn("dropping malformed hit", "modality", l.Modality, "ref", h.KeyframeRef.String())
				continue
			}
			ids[h.KeyframeRef] = struct{}{}
		}
		for ref := range running {
			if _, ok := ids[ref]; !ok {
				delete(running, ref)
			}
		}
	}

	out := make([]models.ScoredHit, 0, len(running))
	for _, ref := range order {
		if _, ok := running[ref]; ok {
			out = append(out, lookup[ref])
		}
	}
	return out
}

// ReciprocalRankFusion ranks the union of all lists by the weighted sum of
// 1/(rank+K) over the lists that contain each keyframe, rank being 1-based.
// The record kept for a keyframe is the one from the earliest list holding it.
type ReciprocalRankFusion struct {
	K      int
	Logger *slog.Logger
}

// Name identifies the strategy in logs.
func (ReciprocalRankFusion) Name() string { return "rrf" }

func (s ReciprocalRankFusion) Fuse(lists []List) []models.ScoredHit {
	logger := loggerOrDefault(s.Logger)
	k := s.K
	if k <= 0 {
		k = DefaultRRFConstant
	}

	type entry struct {
		hit   models.ScoredHit
		score float64
		seq   int
	}
	merged := make(map[models.KeyframeRef]*entry)

	for _, l := range lists {
		weight := l.Weight
		if weight == 0 {
			weight = 1
		}
		for rank, h := range rankList(l, logger) {
			contrib := weight / float64(rank+1+k)
			if e, ok := merged[h.KeyframeRef]; ok {
				e.score += contrib
				continue
			}
			merged[h.KeyframeRef] = &entry{hit: h, score: contrib, seq: len(merged)}
		}
	}

	entries := make([]*entry, 0, len(merged))
	for _, e := range merged {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].seq < entries[j].seq
	})

	out := make([]models.ScoredHit, len(entries))
	for i, e := range entries {
		out[i] = e.hit
		out[i].FusionScore = models.Float(e.score)
	}
	return out
}

// rankList returns the valid, de-duplicated hits of l sorted best first.
func rankList(l List, logger *slog.Logger) []models.ScoredHit {
	hits := make([]models.ScoredHit, 0, len(l.Hits))
	seen := make(map[models.KeyframeRef]struct{}, len(l.Hits))
	for _, h := range l.Hits {
		if !h.Valid() {
			logger.Warn("dropping malformed hit", "modality", l.Modality, "ref", h.KeyframeRef.String())
			continue
		}
		if _, dup := seen[h.KeyframeRef]; dup {
			continue
		}
		seen[h.KeyframeRef] = struct{}{}
		hits = append(hits, h)
	}

	if l.Order == Unranked {
		return hits
	}

	// Hits without a score keep their relative order behind scored ones.
	sort.SliceStable(hits, func(i, j int) bool {
		a, aok := score(hits[i])
		b, bok := score(hits[j])
		if aok != bok {
			return aok
		}
		if !aok {
			return false
		}
		if l.Order == LowerIsBetter {
			return a < b
		}
		return a > b
	})
	return hits
}

func score(h models.ScoredHit) (float64, bool) {
	switch {
	case h.ClipScore != nil:
		return *h.ClipScore, true
	case h.TranscriptScore != nil:
		return *h.TranscriptScore, true
	}
	return 0, false
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
