// Package storage holds the backend adapters. Each adapter is a thin typed
// client for one capability and returns hits keyed by (video_id,
// keyframe_index). Adapters never fuse or re-rank.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/predicate"
)

// Metric is the similarity measure a vector backend ranks by.
type Metric string

const (
	Cosine Metric = "COSINE"
	L2     Metric = "L2"
)

// HigherIsBetter reports whether larger scores mean closer matches.
func (m Metric) HigherIsBetter() bool {
	return m != L2
}

// ParseMetric accepts COSINE or L2, case-insensitively.
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToUpper(s)) {
	case Cosine, "":
		return Cosine, nil
	case L2:
		return L2, nil
	}
	return "", fmt.Errorf("unknown metric %q", s)
}

// VectorBackend returns the topK nearest keyframes to vec, best first.
// ClipScore carries the backend's similarity or distance under Metric.
type VectorBackend interface {
	Search(ctx context.Context, vec []float32, topK int) ([]models.ScoredHit, error)
	Metric() Metric
}

// Projection selects the fields an object aggregation returns.
type Projection struct {
	Objects bool
}

// ObjectBackend returns every keyframe whose detected objects satisfy p.
// Hits carry no score.
type ObjectBackend interface {
	Aggregate(ctx context.Context, p predicate.Predicate, proj Projection) ([]models.ScoredHit, error)
}

// TranscriptBackend runs a fuzzy full-text query and returns at most size
// hits ordered by relevance, with TranscriptScore set.
type TranscriptBackend interface {
	Search(ctx context.Context, text string, size int) ([]models.ScoredHit, error)
}
