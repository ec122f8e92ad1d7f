package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/predicate"
)

// KeyframeRecord is one keyframe as held by the in-memory backends. Any of
// Vector, Objects and Text may be empty.
type KeyframeRecord struct {
	models.KeyframeRef
	Vector  []float32          `json:"vector,omitempty"`
	Objects []models.Detection `json:"objects,omitempty"`
	Start   *float64           `json:"start,omitempty"`
	End     *float64           `json:"end,omitempty"`
	Text    string             `json:"text,omitempty"`
}

// LoadRecords reads a JSON array of KeyframeRecord.
func LoadRecords(path string) ([]KeyframeRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyframe records: %w", err)
	}
	var records []KeyframeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal keyframe records: %w", err)
	}
	return records, nil
}

// MemoryVectors is a brute-force vector backend.
type MemoryVectors struct {
	records []KeyframeRecord
	metric  Metric
}

func NewMemoryVectors(records []KeyframeRecord, metric Metric) *MemoryVectors {
	if metric == "" {
		metric = Cosine
	}
	var withVec []KeyframeRecord
	for _, r := range records {
		if len(r.Vector) > 0 {
			withVec = append(withVec, r)
		}
	}
	return &MemoryVectors{records: withVec, metric: metric}
}

func (m *MemoryVectors) Metric() Metric { return m.metric }

func (m *MemoryVectors) Search(ctx context.Context, vec []float32, topK int) ([]models.ScoredHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hits := make([]models.ScoredHit, 0, len(m.records))
	for _, r := range m.records {
		if len(r.Vector) != len(vec) {
			return nil, fmt.Errorf("keyframe %s has dimension %d, query has %d", r.KeyframeRef, len(r.Vector), len(vec))
		}
		var s float64
		if m.metric == L2 {
			s = l2(vec, r.Vector)
		} else {
			s = cosine(vec, r.Vector)
		}
		hits = append(hits, models.ScoredHit{KeyframeRef: r.KeyframeRef, ClipScore: models.Float(s)})
	}

	higher := m.metric.HigherIsBetter()
	sort.SliceStable(hits, func(i, j int) bool {
		if higher {
			return *hits[i].ClipScore > *hits[j].ClipScore
		}
		return *hits[i].ClipScore < *hits[j].ClipScore
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// MemoryObjects evaluates predicates with predicate.Eval.
type MemoryObjects struct {
	records []KeyframeRecord
}

func NewMemoryObjects(records []KeyframeRecord) *MemoryObjects {
	return &MemoryObjects{records: records}
}

func (m *MemoryObjects) Aggregate(ctx context.Context, p predicate.Predicate, proj Projection) ([]models.ScoredHit, error) {
	var hits []models.ScoredHit
	for _, r := range m.records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := predicate.Eval(p, r.Objects)
		if err != nil {
			return nil, fmt.Errorf("evaluate predicate on %s: %w", r.KeyframeRef, err)
		}
		if !ok {
			continue
		}
		hit := models.ScoredHit{KeyframeRef: r.KeyframeRef}
		if proj.Objects {
			hit.Objects = append([]models.Detection(nil), r.Objects...)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// MemoryTranscripts approximates the full-text backend: each query term that
// matches a transcript term within the AUTO edit distance scores 1, an
// exact phrase match adds 2, and a prefix match of the last query term adds
// 0.5.
type MemoryTranscripts struct {
	records []KeyframeRecord
}

func NewMemoryTranscripts(records []KeyframeRecord) *MemoryTranscripts {
	var withText []KeyframeRecord
	for _, r := range records {
		if strings.TrimSpace(r.Text) != "" {
			withText = append(withText, r)
		}
	}
	return &MemoryTranscripts{records: withText}
}

func (m *MemoryTranscripts) Search(ctx context.Context, text string, size int) ([]models.ScoredHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := tokenize(text)
	if len(query) == 0 {
		return []models.ScoredHit{}, nil
	}
	phrase := strings.Join(query, " ")

	hits := []models.ScoredHit{}
	for _, r := range m.records {
		terms := tokenize(r.Text)
		s := relevance(query, phrase, terms)
		if s <= 0 {
			continue
		}
		hits = append(hits, models.ScoredHit{
			KeyframeRef:     r.KeyframeRef,
			TranscriptScore: models.Float(s),
			Start:           r.Start,
			End:             r.End,
			TranscriptText:  r.Text,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return *hits[i].TranscriptScore > *hits[j].TranscriptScore
	})
	if size > 0 && len(hits) > size {
		hits = hits[:size]
	}
	return hits, nil
}

func relevance(query []string, phrase string, terms []string) float64 {
	var s float64
	for _, q := range query {
		for _, t := range terms {
			if levenshtein(q, t) <= autoFuzziness(q) {
				s++
				break
			}
		}
	}
	if strings.Contains(" "+strings.Join(terms, " ")+" ", " "+phrase+" ") {
		s += 2
	}
	last := query[len(query)-1]
	for _, t := range terms {
		if t != last && strings.HasPrefix(t, last) {
			s += 0.5
			break
		}
	}
	return s
}

// autoFuzziness mirrors the full-text engine's AUTO setting.
func autoFuzziness(term string) int {
	switch n := len([]rune(term)); {
	case n <= 2:
		return 0
	case n <= 5:
		return 1
	default:
		return 2
	}
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
