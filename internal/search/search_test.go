package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bdougie/framesearch/internal/fusion"
	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/predicate"
	"github.com/bdougie/framesearch/internal/storage"
)

type fakeEncoder struct{ err error }

func (f fakeEncoder) Encode(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

type fakeVectors struct {
	hits    []models.ScoredHit
	err     error
	metric  storage.Metric
	gotTopK int
	wait    func(ctx context.Context) error
}

func (f *fakeVectors) Search(ctx context.Context, _ []float32, topK int) ([]models.ScoredHit, error) {
	f.gotTopK = topK
	if f.wait != nil {
		if err := f.wait(ctx); err != nil {
			return nil, err
		}
	}
	return f.hits, f.err
}

func (f *fakeVectors) Metric() storage.Metric {
	if f.metric == "" {
		return storage.Cosine
	}
	return f.metric
}

type fakeObjects struct {
	hits []models.ScoredHit
	err  error
	wait func(ctx context.Context) error
}

func (f *fakeObjects) Aggregate(ctx context.Context, _ predicate.Predicate, _ storage.Projection) ([]models.ScoredHit, error) {
	if f.wait != nil {
		if err := f.wait(ctx); err != nil {
			return nil, err
		}
	}
	return f.hits, f.err
}

type fakeTranscripts struct {
	hits []models.ScoredHit
	err  error
}

func (f *fakeTranscripts) Search(context.Context, string, int) ([]models.ScoredHit, error) {
	return f.hits, f.err
}

type fakeFPS map[string]float64

func (f fakeFPS) FPS(videoID string) float64 {
	if v, ok := f[videoID]; ok {
		return v
	}
	return models.DefaultFPS
}

func ref(video string, idx int) models.KeyframeRef {
	return models.KeyframeRef{VideoID: video, KeyframeIndex: idx}
}

func clip(video string, idx int, s float64) models.ScoredHit {
	return models.ScoredHit{KeyframeRef: ref(video, idx), ClipScore: models.Float(s)}
}

func obj(video string, idx int) models.ScoredHit {
	return models.ScoredHit{KeyframeRef: ref(video, idx)}
}

func carConstraint() []models.ObjectConstraint {
	return []models.ObjectConstraint{{Label: "car", MinConfidence: 0.5, MinInstances: models.Int(1)}}
}

func refs(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.KeyframeRef.String()
	}
	return out
}

// barrier blocks each caller until n callers have arrived or ctx ends.
func barrier(n int) func(ctx context.Context) error {
	var mu sync.Mutex
	arrived := 0
	all := make(chan struct{})
	return func(ctx context.Context) error {
		mu.Lock()
		arrived++
		if arrived == n {
			close(all)
		}
		mu.Unlock()
		select {
		case <-all:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	s := New(Backends{Encoder: fakeEncoder{}, Vectors: &fakeVectors{}}, nil, Options{}, nil)
	if _, err := s.Search(context.Background(), Query{Description: "   "}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestSearchInvalidConstraint(t *testing.T) {
	s := New(Backends{Encoder: fakeEncoder{}, Objects: &fakeObjects{}}, nil, Options{}, nil)
	_, err := s.Search(context.Background(), Query{Objects: []models.ObjectConstraint{{Label: "car"}}})
	if !errors.Is(err, predicate.ErrInvalidConstraint) {
		t.Fatalf("expected ErrInvalidConstraint, got %v", err)
	}
}

func TestSearchUnavailable(t *testing.T) {
	tests := []struct {
		name     string
		backends Backends
	}{
		{"no encoder", Backends{Vectors: &fakeVectors{}, Objects: &fakeObjects{}}},
		{"no backends", Backends{Encoder: fakeEncoder{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.backends, nil, Options{}, nil)
			if s.Available() {
				t.Fatal("expected searcher to be unavailable")
			}
			if _, err := s.Search(context.Background(), Query{Description: "dog"}); !errors.Is(err, ErrUnavailable) {
				t.Errorf("expected ErrUnavailable, got %v", err)
			}
		})
	}
}

func TestSearchObjectsOnlyReturnsObjectResult(t *testing.T) {
	objects := []models.ScoredHit{obj("V2", 7), obj("V1", 3), obj("V1", 1)}
	s := New(Backends{
		Encoder: fakeEncoder{},
		Vectors: &fakeVectors{hits: []models.ScoredHit{clip("V9", 9, 0.9)}},
		Objects: &fakeObjects{hits: objects},
	}, fakeFPS{"V1": 30}, Options{}, nil)

	results, err := s.Search(context.Background(), Query{Objects: carConstraint()})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}

	want := []Result{
		{ScoredHit: obj("V2", 7), FPS: models.DefaultFPS},
		{ScoredHit: obj("V1", 3), FPS: 30},
		{ScoredHit: obj("V1", 1), FPS: 30},
	}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchIntersectsInFixedOrder(t *testing.T) {
	s := New(Backends{
		Encoder:     fakeEncoder{},
		Vectors:     &fakeVectors{hits: []models.ScoredHit{clip("V1", 1, 0.9), clip("V1", 2, 0.8), clip("V2", 5, 0.7)}},
		Objects:     &fakeObjects{hits: []models.ScoredHit{obj("V2", 5), obj("V1", 1)}},
		Transcripts: &fakeTranscripts{hits: []models.ScoredHit{{KeyframeRef: ref("V1", 1), TranscriptScore: models.Float(3)}, {KeyframeRef: ref("V2", 5), TranscriptScore: models.Float(1)}}},
	}, nil, Options{}, nil)

	results, err := s.Search(context.Background(), Query{
		Description: "a red car",
		Objects:     carConstraint(),
		Transcript:  "engine",
	})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"V1/1", "V2/5"}, refs(results)); diff != "" {
		t.Errorf("refs mismatch (-want +got):\n%s", diff)
	}
	for _, r := range results {
		if r.ClipScore == nil || r.TranscriptScore != nil {
			t.Errorf("expected the vector record to survive, got %+v", r.ScoredHit)
		}
	}
}

func TestSearchDegradedModality(t *testing.T) {
	s := New(Backends{
		Encoder:     fakeEncoder{},
		Vectors:     &fakeVectors{hits: []models.ScoredHit{clip("V1", 1, 0.9), clip("V1", 2, 0.8)}},
		Objects:     &fakeObjects{wait: func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }},
		Transcripts: &fakeTranscripts{err: errors.New("connection refused")},
	}, nil, Options{Timeout: 20 * time.Millisecond}, nil)

	results, err := s.Search(context.Background(), Query{
		Description: "a red car",
		Objects:     carConstraint(),
		Transcript:  "engine",
	})
	if err != nil {
		t.Fatalf("degraded request should succeed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("failed modalities should empty the intersection, got %v", refs(results))
	}
}

func TestSearchDegradedModalityRRF(t *testing.T) {
	s := New(Backends{
		Encoder:     fakeEncoder{},
		Vectors:     &fakeVectors{hits: []models.ScoredHit{clip("V1", 1, 0.9), clip("V1", 2, 0.8)}},
		Transcripts: &fakeTranscripts{err: errors.New("connection refused")},
	}, nil, Options{Strategy: fusion.ReciprocalRankFusion{K: fusion.DefaultRRFConstant}}, nil)

	results, err := s.Search(context.Background(), Query{Description: "a red car", Transcript: "engine"})
	if err != nil {
		t.Fatalf("degraded request should succeed: %v", err)
	}
	if diff := cmp.Diff([]string{"V1/1", "V1/2"}, refs(results)); diff != "" {
		t.Errorf("refs mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchEmptyModalityEmptiesIntersection(t *testing.T) {
	s := New(Backends{
		Encoder: fakeEncoder{},
		Vectors: &fakeVectors{hits: []models.ScoredHit{clip("V1", 1, 0.9)}},
		Objects: &fakeObjects{hits: []models.ScoredHit{}},
	}, nil, Options{}, nil)

	results, err := s.Search(context.Background(), Query{Description: "car", Objects: carConstraint()})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %v", refs(results))
	}
}

func TestSearchAllModalitiesFailed(t *testing.T) {
	s := New(Backends{
		Encoder:     fakeEncoder{err: errors.New("encoder down")},
		Vectors:     &fakeVectors{},
		Transcripts: &fakeTranscripts{err: errors.New("index missing")},
	}, nil, Options{}, nil)

	results, err := s.Search(context.Background(), Query{Description: "car", Transcript: "engine"})
	if err != nil {
		t.Fatalf("branch failures should not fail the request: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %v", refs(results))
	}
}

func TestSearchRunsModalitiesConcurrently(t *testing.T) {
	wait := barrier(2)
	s := New(Backends{
		Encoder: fakeEncoder{},
		Vectors: &fakeVectors{hits: []models.ScoredHit{clip("V1", 1, 0.9)}, wait: wait},
		Objects: &fakeObjects{hits: []models.ScoredHit{obj("V1", 1)}, wait: wait},
	}, nil, Options{Timeout: 2 * time.Second}, nil)

	results, err := s.Search(context.Background(), Query{Description: "car", Objects: carConstraint()})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected both branches to finish, got %v", refs(results))
	}
}

func TestSearchRRFWithDistanceMetric(t *testing.T) {
	s := New(Backends{
		Encoder: fakeEncoder{},
		Vectors: &fakeVectors{
			metric: storage.L2,
			hits:   []models.ScoredHit{clip("V1", 1, 0.9), clip("V1", 2, 0.1)},
		},
	}, nil, Options{Strategy: fusion.ReciprocalRankFusion{K: fusion.DefaultRRFConstant}}, nil)

	results, err := s.Search(context.Background(), Query{Description: "car"})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"V1/2", "V1/1"}, refs(results)); diff != "" {
		t.Errorf("smaller distance should rank first (-want +got):\n%s", diff)
	}
}

func TestSearchReranks(t *testing.T) {
	scorer := scorerFunc(func(hit models.ScoredHit) (float64, error) {
		return float64(hit.KeyframeIndex), nil
	})
	s := New(Backends{
		Encoder: fakeEncoder{},
		Vectors: &fakeVectors{hits: []models.ScoredHit{clip("V1", 1, 0.9), clip("V1", 2, 0.8), clip("V1", 3, 0.7)}},
	}, nil, Options{Reranker: &fusion.Reranker{Scorer: scorer}, RerankTopK: 2}, nil)

	results, err := s.Search(context.Background(), Query{Description: "car"})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"V1/3", "V1/2"}, refs(results)); diff != "" {
		t.Errorf("refs mismatch (-want +got):\n%s", diff)
	}
}

type scorerFunc func(models.ScoredHit) (float64, error)

func (f scorerFunc) Score(_ context.Context, _ string, hit models.ScoredHit) (float64, error) {
	return f(hit)
}

func TestVectorSearch(t *testing.T) {
	vectors := &fakeVectors{hits: []models.ScoredHit{clip("V1", 1, 0.9)}}
	s := New(Backends{Encoder: fakeEncoder{}, Vectors: vectors}, nil, Options{}, nil)

	hits, err := s.VectorSearch(context.Background(), "car", 200)
	if err != nil {
		t.Fatalf("VectorSearch() failed: %v", err)
	}
	if vectors.gotTopK != 200 || len(hits) != 1 {
		t.Errorf("unexpected call: topK=%d hits=%d", vectors.gotTopK, len(hits))
	}

	vectors.err = errors.New("milvus down")
	if _, err := s.VectorSearch(context.Background(), "car", 200); err == nil {
		t.Error("expected backend error to propagate")
	}
}
