// Package search runs one retrieval request end to end: it compiles object
// constraints, queries every requested modality concurrently, fuses the
// lists, optionally re-ranks, and attaches each video's frame rate.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bdougie/framesearch/internal/embeddings"
	"github.com/bdougie/framesearch/internal/fusion"
	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/predicate"
	"github.com/bdougie/framesearch/internal/storage"
)

const (
	DefaultClipTopK       = 500
	DefaultTranscriptTopK = 200
	DefaultTimeout        = 10 * time.Second
)

var (
	// ErrEmptyQuery means no modality was requested.
	ErrEmptyQuery = errors.New("query has no description, objects or transcript")

	// ErrUnavailable means the encoder or every backend failed at startup.
	ErrUnavailable = errors.New("search service unavailable")
)

// Modality names, in the fixed order their lists are handed to fusion.
const (
	ModalityVector     = "vector"
	ModalityObjects    = "objects"
	ModalityTranscript = "transcript"
)

// Query is one search request. Empty fields are inactive modalities.
type Query struct {
	Description string                    `json:"description,omitempty"`
	Objects     []models.ObjectConstraint `json:"objects,omitempty"`
	Transcript  string                    `json:"transcript,omitempty"`
}

// Result is a fused hit annotated with its video's frame rate.
type Result struct {
	models.ScoredHit
	FPS float64 `json:"fps"`
}

// FPSProvider resolves a video's frame rate, falling back to a default.
type FPSProvider interface {
	FPS(videoID string) float64
}

// Backends are the adapters a Searcher may use. Nil members are disabled.
type Backends struct {
	Encoder     embeddings.Encoder
	Vectors     storage.VectorBackend
	Objects     storage.ObjectBackend
	Transcripts storage.TranscriptBackend
}

// Options tune a Searcher. Zero values take the package defaults.
type Options struct {
	ClipTopK       int
	TranscriptTopK int
	Timeout        time.Duration
	Strategy       fusion.Strategy
	Reranker       *fusion.Reranker
	// RerankTopK truncates the re-ranked list; 0 keeps every candidate.
	RerankTopK int
}

// Searcher fans a query out to the configured backends and fuses the lists.
type Searcher struct {
	backends Backends
	opts     Options
	fps      FPSProvider
	logger   *slog.Logger
}

// New creates a Searcher. Options left at zero take the package defaults.
func New(backends Backends, fps FPSProvider, opts Options, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ClipTopK <= 0 {
		opts.ClipTopK = DefaultClipTopK
	}
	if opts.TranscriptTopK <= 0 {
		opts.TranscriptTopK = DefaultTranscriptTopK
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Strategy == nil {
		opts.Strategy = fusion.Intersect{Logger: logger}
	}

	s := &Searcher{backends: backends, opts: opts, fps: fps, logger: logger}
	if !s.Available() {
		logger.Error("search is unavailable",
			"encoder", backends.Encoder != nil,
			"vectors", backends.Vectors != nil,
			"objects", backends.Objects != nil,
			"transcripts", backends.Transcripts != nil)
	}
	return s
}

// Available is false when the encoder or every backend failed at startup.
func (s *Searcher) Available() bool {
	b := s.backends
	return b.Encoder != nil && (b.Vectors != nil || b.Objects != nil || b.Transcripts != nil)
}

// Modalities lists the enabled modalities in fusion order.
func (s *Searcher) Modalities() []string {
	var out []string
	if s.backends.Encoder != nil && s.backends.Vectors != nil {
		out = append(out, ModalityVector)
	}
	if s.backends.Objects != nil {
		out = append(out, ModalityObjects)
	}
	if s.backends.Transcripts != nil {
		out = append(out, ModalityTranscript)
	}
	return out
}

type branch struct {
	modality string
	order    fusion.Order
	run      func(ctx context.Context) ([]models.ScoredHit, error)

	hits []models.ScoredHit
	err  error
}

// Search answers one query. A modality whose backend is missing, fails or
// times out is logged and fused as an empty list, so under intersection the
// request returns nothing rather than failing.
func (s *Searcher) Search(ctx context.Context, q Query) ([]Result, error) {
	q.Description = strings.TrimSpace(q.Description)
	q.Transcript = strings.TrimSpace(q.Transcript)
	if q.Description == "" && len(q.Objects) == 0 && q.Transcript == "" {
		return nil, ErrEmptyQuery
	}

	var pred predicate.Predicate
	if len(q.Objects) > 0 {
		var err error
		if pred, err = predicate.Compile(q.Objects); err != nil {
			return nil, fmt.Errorf("invalid object constraints: %w", err)
		}
	}

	if !s.Available() {
		return nil, ErrUnavailable
	}

	logger := s.logger.With("request_id", uuid.NewString())
	start := time.Now()

	var branches []*branch
	if q.Description != "" {
		order := fusion.HigherIsBetter
		if s.backends.Vectors != nil && !s.backends.Vectors.Metric().HigherIsBetter() {
			order = fusion.LowerIsBetter
		}
		branches = append(branches, &branch{
			modality: ModalityVector,
			order:    order,
			run: func(ctx context.Context) ([]models.ScoredHit, error) {
				return s.vectorSearch(ctx, q.Description, s.opts.ClipTopK)
			},
		})
	}
	if len(q.Objects) > 0 {
		branches = append(branches, &branch{
			modality: ModalityObjects,
			order:    fusion.Unranked,
			run: func(ctx context.Context) ([]models.ScoredHit, error) {
				if s.backends.Objects == nil {
					return nil, errors.New("object backend is not configured")
				}
				return s.backends.Objects.Aggregate(ctx, pred, storage.Projection{})
			},
		})
	}
	if q.Transcript != "" {
		branches = append(branches, &branch{
			modality: ModalityTranscript,
			order:    fusion.HigherIsBetter,
			run: func(ctx context.Context) ([]models.ScoredHit, error) {
				if s.backends.Transcripts == nil {
					return nil, errors.New("transcript backend is not configured")
				}
				return s.backends.Transcripts.Search(ctx, q.Transcript, s.opts.TranscriptTopK)
			},
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range branches {
		g.Go(func() error {
			bctx, cancel := context.WithTimeout(gctx, s.opts.Timeout)
			defer cancel()
			b.hits, b.err = b.run(bctx)
			// Don't return error - the other modalities still count
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lists := make([]fusion.List, 0, len(branches))
	degraded := 0
	for _, b := range branches {
		hits := b.hits
		if b.err != nil {
			// A failed modality contributes an empty list
			logger.Warn("modality degraded", "modality", b.modality, "error", b.err)
			degraded++
			hits = nil
		} else {
			logger.Debug("modality finished", "modality", b.modality, "hits", len(hits))
		}
		lists = append(lists, fusion.List{Modality: b.modality, Hits: hits, Order: b.order})
	}

	fused := s.opts.Strategy.Fuse(lists)
	if s.opts.Reranker != nil && q.Description != "" {
		fused = s.opts.Reranker.Rerank(ctx, q.Description, fused, s.opts.RerankTopK)
	}

	results := make([]Result, len(fused))
	for i, h := range fused {
		results[i] = Result{ScoredHit: h, FPS: s.videoFPS(h.VideoID)}
	}

	logger.Info("search finished",
		"modalities", len(lists),
		"degraded", degraded,
		"strategy", s.opts.Strategy.Name(),
		"results", len(results),
		"elapsed", time.Since(start))
	return results, nil
}

// VectorSearch runs the description modality alone. Unlike Search, a backend
// failure is returned to the caller.
func (s *Searcher) VectorSearch(ctx context.Context, text string, topK int) ([]models.ScoredHit, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyQuery
	}
	if !s.Available() {
		return nil, ErrUnavailable
	}
	return s.vectorSearch(ctx, text, topK)
}

func (s *Searcher) vectorSearch(ctx context.Context, text string, topK int) ([]models.ScoredHit, error) {
	if s.backends.Vectors == nil {
		return nil, errors.New("vector backend is not configured")
	}
	vec, err := s.backends.Encoder.Encode(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	return s.backends.Vectors.Search(ctx, vec, topK)
}

func (s *Searcher) videoFPS(videoID string) float64 {
	if s.fps == nil {
		return models.DefaultFPS
	}
	return s.fps.FPS(videoID)
}
