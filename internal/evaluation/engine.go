package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/framesearch/internal/models"
)

const (
	DefaultWorkers = 8
	DefaultTopK    = 200
)

// DefaultRecallAt are the Recall@K thresholds reported unless configured.
var DefaultRecallAt = []int{1, 5, 10, 20, 30, 50, 80, 100, 150, 200}

// Querier runs the vector-search branch for one text query.
type Querier interface {
	VectorSearch(ctx context.Context, text string, topK int) ([]models.ScoredHit, error)
}

// RowState follows PENDING -> QUERIED -> MATCHED | UNMATCHED.
type RowState string

const (
	StatePending   RowState = "pending"
	StateQueried   RowState = "queried"
	StateMatched   RowState = "matched"
	StateUnmatched RowState = "unmatched"
)

// RowResult is the outcome of one ground-truth row.
type RowResult struct {
	Row     models.GroundTruthRow `json:"row"`
	State   RowState              `json:"state"`
	Rank    Rank                  `json:"-"`
	Latency time.Duration         `json:"-"`
	Error   string                `json:"error,omitempty"`

	RankValue *int    `json:"rank"`
	LatencyMS float64 `json:"latency_ms"`
}

// TimingFailed reports a query that took no measurable time, which only
// happens when it errored. Such rows are left out of latency statistics.
func (r RowResult) TimingFailed() bool { return r.Latency <= 0 }

// RecallPoint is Recall@K for one K.
type RecallPoint struct {
	K     int     `json:"k"`
	Value float64 `json:"value"`
}

// Report aggregates an evaluation run.
type Report struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	TopK       int           `json:"top_k"`
	Workers    int           `json:"workers"`
	Queries    int           `json:"queries"`
	Matched    int           `json:"matched"`
	Unmatched  int           `json:"unmatched"`
	Failed     int           `json:"failed"`
	MRR        float64       `json:"mrr"`
	Recall     []RecallPoint `json:"recall"`

	MeanLatencyMS float64 `json:"mean_latency_ms"`
	// Throughput estimates queries per second as timed rows / total
	// latency, scaled by the worker count.
	Throughput float64 `json:"throughput_qps"`

	Rows []RowResult `json:"rows,omitempty"`
}

// Engine evaluates ground-truth rows concurrently with a bounded pool.
type Engine struct {
	querier  Querier
	matcher  Matcher
	workers  int
	topK     int
	recallAt []int
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithWorkers(n int) Option     { return func(e *Engine) { e.workers = n } }
func WithTopK(k int) Option        { return func(e *Engine) { e.topK = k } }
func WithRecallAt(ks []int) Option { return func(e *Engine) { e.recallAt = ks } }

// NewEngine creates an engine; matcher providers may be nil.
func NewEngine(querier Querier, matcher Matcher, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		querier:  querier,
		matcher:  matcher,
		workers:  DefaultWorkers,
		topK:     DefaultTopK,
		recallAt: DefaultRecallAt,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers <= 0 {
		e.workers = DefaultWorkers
	}
	if e.topK <= 0 {
		e.topK = DefaultTopK
	}
	return e
}

type workItem struct {
	pos int
	row models.GroundTruthRow
}

type workResult struct {
	pos    int
	result RowResult
}

// Evaluate runs every row and aggregates the metrics. Query errors never
// abort the run; they leave the row unmatched.
func (e *Engine) Evaluate(ctx context.Context, rows []models.GroundTruthRow) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		TopK:      e.topK,
		Workers:   e.workers,
		Queries:   len(rows),
	}

	e.logger.Info("starting evaluation", "run_id", report.RunID, "queries", len(rows), "workers", e.workers, "top_k", e.topK)

	workChan := make(chan workItem, len(rows))
	resultsChan := make(chan workResult, len(rows))

	var wg sync.WaitGroup
	remaining := atomic.Int64{}
	remaining.Store(int64(len(rows)))

	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for work := range workChan {
				if ctx.Err() != nil {
					continue
				}
				resultsChan <- workResult{pos: work.pos, result: e.evaluateRow(ctx, work.row)}

				left := remaining.Add(-1)
				e.logger.Debug("evaluated row", "remaining", left, "total", len(rows))
			}
		}()
	}

	for i, row := range rows {
		workChan <- workItem{pos: i, row: row}
	}
	close(workChan)

	wg.Wait()
	close(resultsChan)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("evaluation interrupted: %w", err)
	}

	results := make([]RowResult, len(rows))
	for r := range resultsChan {
		results[r.pos] = r.result
	}

	e.aggregate(report, results)
	report.FinishedAt = time.Now()

	e.logger.Info("evaluation finished",
		"run_id", report.RunID,
		"mrr", report.MRR,
		"matched", report.Matched,
		"failed", report.Failed,
		"mean_latency_ms", report.MeanLatencyMS)
	return report, nil
}

func (e *Engine) evaluateRow(ctx context.Context, row models.GroundTruthRow) RowResult {
	res := RowResult{Row: row, State: StatePending, Rank: NotFound}
	target := models.KeyframeRef{VideoID: row.VideoID, KeyframeIndex: row.TargetFrame}

	start := time.Now()
	hits, err := e.querier.VectorSearch(ctx, row.Query, e.topK)
	if err != nil {
		e.logger.Warn("evaluation query failed", "query", row.Query, "error", err)
		res.State = StateUnmatched
		res.Error = err.Error()
		return res
	}
	res.Latency = time.Since(start)
	res.State = StateQueried

	if len(hits) > e.topK {
		hits = hits[:e.topK]
	}
	res.Rank = FirstMatch(hits, func(h models.ScoredHit) bool {
		return e.matcher.Match(h.KeyframeRef, target)
	})

	if res.Rank.Found() {
		res.State = StateMatched
	} else {
		res.State = StateUnmatched
	}
	return res
}

func (e *Engine) aggregate(report *Report, results []RowResult) {
	ranks := make([]Rank, 0, len(results))
	var total time.Duration
	timed := 0

	for i := range results {
		r := &results[i]
		ranks = append(ranks, r.Rank)

		switch {
		case r.Error != "":
			report.Failed++
		case r.State == StateMatched:
			report.Matched++
		default:
			report.Unmatched++
		}

		if r.Rank.Found() {
			v := int(r.Rank)
			r.RankValue = &v
		}
		if !r.TimingFailed() {
			total += r.Latency
			timed++
			r.LatencyMS = float64(r.Latency) / float64(time.Millisecond)
		}
	}

	report.MRR = MRR(ranks)
	for _, k := range e.recallAt {
		report.Recall = append(report.Recall, RecallPoint{K: k, Value: RecallAt(ranks, k)})
	}
	if timed > 0 {
		report.MeanLatencyMS = float64(total) / float64(timed) / float64(time.Millisecond)
		report.Throughput = float64(timed) / total.Seconds() * float64(e.workers)
	}
	report.Rows = results
}
