package embeddings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultWarmup are common queries embedded once at startup.
var DefaultWarmup = []string{"person", "car", "building"}

// ErrQueueFull is returned when every worker is busy and the queue is full.
var ErrQueueFull = errors.New("embedding queue is full, try again later")

// Result is the outcome of one embedding request
type Result struct {
	Content   string
	Embedding []float32
	Error     error
}

// Work is a unit of embedding work
type Work struct {
	Ctx     context.Context
	Content string
	Result  chan<- Result
}

// Service bounds concurrent encoder calls with a worker pool and serves
// warm-up queries from a cache that is read-only after construction.
type Service struct {
	encoder    Encoder
	numWorkers int
	workQueue  chan Work
	warm       map[string][]float32
	logger     *slog.Logger
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewService embeds every warm-up query, then starts numWorkers workers.
// A warm-up failure is logged and that query is left uncached.
func NewService(ctx context.Context, encoder Encoder, numWorkers, queueSize int, warmup []string, logger *slog.Logger) *Service {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	warm := make(map[string][]float32, len(warmup))
	for _, q := range warmup {
		vec, err := encoder.Encode(ctx, q)
		if err != nil {
			logger.Warn("failed to precompute query embedding", "query", q, "error", err)
			continue
		}
		warm[q] = vec
	}

	s := &Service{
		encoder:    encoder,
		numWorkers: numWorkers,
		workQueue:  make(chan Work, queueSize),
		warm:       warm,
		logger:     logger,
	}
	s.startWorkers()
	return s
}

func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				if err := work.Ctx.Err(); err != nil {
					work.Result <- Result{Content: work.Content, Error: err}
					continue
				}
				embedding, err := s.encoder.Encode(work.Ctx, work.Content)
				work.Result <- Result{
					Content:   work.Content,
					Embedding: embedding,
					Error:     err,
				}
			}
		}()
	}
}

// GetEmbedding requests an embedding asynchronously. The channel receives
// exactly one Result.
func (s *Service) GetEmbedding(ctx context.Context, content string) <-chan Result {
	resultChan := make(chan Result, 1)

	if vec, ok := s.warm[content]; ok {
		resultChan <- Result{Content: content, Embedding: vec}
		return resultChan
	}

	select {
	case s.workQueue <- Work{Ctx: ctx, Content: content, Result: resultChan}:
	default:
		resultChan <- Result{Content: content, Error: ErrQueueFull}
	}
	return resultChan
}

// Encode makes Service usable wherever an Encoder is expected.
func (s *Service) Encode(ctx context.Context, text string) ([]float32, error) {
	select {
	case res := <-s.GetEmbedding(ctx, text):
		if res.Error != nil {
			return nil, fmt.Errorf("failed to encode query: %w", res.Error)
		}
		return res.Embedding, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cached reports whether text was precomputed at startup.
func (s *Service) Cached(text string) bool {
	_, ok := s.warm[text]
	return ok
}

// Close shuts down the embedding service and waits for all workers to finish
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.workQueue)
	})
	s.wg.Wait()
}
