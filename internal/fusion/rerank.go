package fusion

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/bdougie/framesearch/internal/models"
)

const defaultRerankWorkers = 4

// Scorer rates how well a keyframe matches the free-text query. Higher is better.
type Scorer interface {
	Score(ctx context.Context, query string, hit models.ScoredHit) (float64, error)
}

// Reranker is the optional stage run after fusion: it rescores the first
// TopM candidates with a cross-modal Scorer, leaves the rest in place behind
// them, and truncates to topK.
type Reranker struct {
	Scorer  Scorer
	TopM    int
	Workers int
	Logger  *slog.Logger
}

type rerankItem struct {
	pos   int
	score float64
	err   error
}

// Rerank never fails; a candidate the scorer cannot rate keeps its fused
// position among the other unrated candidates, after every rated one.
func (r *Reranker) Rerank(ctx context.Context, query string, hits []models.ScoredHit, topK int) []models.ScoredHit {
	logger := loggerOrDefault(r.Logger)

	m := r.TopM
	if m <= 0 || m > len(hits) {
		m = len(hits)
	}
	workers := r.Workers
	if workers <= 0 {
		workers = defaultRerankWorkers
	}

	candidates := make([]models.ScoredHit, m)
	copy(candidates, hits[:m])

	workChan := make(chan int, m)
	resultsChan := make(chan rerankItem, m)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pos := range workChan {
				s, err := r.Scorer.Score(ctx, query, candidates[pos])
				resultsChan <- rerankItem{pos: pos, score: s, err: err}
			}
		}()
	}

	for i := range candidates {
		workChan <- i
	}
	close(workChan)
	wg.Wait()
	close(resultsChan)

	rated := make(map[int]float64, m)
	for item := range resultsChan {
		if item.err != nil {
			logger.Warn("rerank scoring failed", "ref", candidates[item.pos].KeyframeRef.String(), "error", item.err)
			continue
		}
		rated[item.pos] = item.score
		candidates[item.pos].RerankScore = models.Float(item.score)
	}

	idx := make([]int, m)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		sa, aok := rated[idx[a]]
		sb, bok := rated[idx[b]]
		if aok != bok {
			return aok
		}
		return aok && sa > sb
	})

	out := make([]models.ScoredHit, 0, len(hits))
	for _, i := range idx {
		out = append(out, candidates[i])
	}
	out = append(out, hits[m:]...)

	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}
