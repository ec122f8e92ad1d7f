package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bdougie/framesearch/internal/analyzer"
	"github.com/bdougie/framesearch/internal/config"
	"github.com/bdougie/framesearch/internal/embeddings"
	"github.com/bdougie/framesearch/internal/fusion"
	"github.com/bdougie/framesearch/internal/metadata"
	"github.com/bdougie/framesearch/internal/search"
	"github.com/bdougie/framesearch/internal/storage"
)

const connectTimeout = 15 * time.Second

// app holds everything built from the config. Close releases connections.
type app struct {
	searcher *search.Searcher
	catalog  *metadata.Catalog
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp connects every configured backend. A backend that cannot be
// reached is logged and left out; the searcher reports itself unavailable
// when too little is left.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) *app {
	a := &app{}

	a.catalog = metadata.NewCatalog(metadata.FFProbe{Binary: cfg.Metadata.FFProbe}, logger)
	if err := a.catalog.Rebuild(ctx, cfg.Metadata.VideosDir); err != nil {
		logger.Warn("video metadata unavailable, using default fps", "error", err)
	}

	var records []storage.KeyframeRecord
	if cfg.Memory.Records != "" {
		var err error
		if records, err = storage.LoadRecords(cfg.Memory.Records); err != nil {
			logger.Warn("failed to load in-memory records", "error", err)
		}
	}

	metric, err := storage.ParseMetric(cfg.Vector.Metric)
	if err != nil {
		logger.Warn("falling back to cosine", "error", err)
		metric = storage.Cosine
	}

	var backends search.Backends
	backends.Encoder = a.buildEncoder(ctx, cfg, logger)

	var pool *pgxpool.Pool
	postgres := func() *pgxpool.Pool {
		if pool != nil {
			return pool
		}
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		p, err := storage.NewPostgresPool(cctx, storage.PostgresConfig{URL: cfg.Postgres.URL})
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			return nil
		}
		if cfg.Postgres.InitSchema {
			if err := storage.InitSchema(cctx, p, cfg.Encoder.Dimension); err != nil {
				logger.Error("failed to initialize schema", "error", err)
			}
		}
		pool = p
		a.closers = append(a.closers, p.Close)
		return pool
	}

	switch cfg.Vector.Backend {
	case "milvus":
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		mv, err := storage.NewMilvusVectors(cctx, storage.MilvusConfig{
			Address:     cfg.Vector.Milvus.Address,
			Username:    cfg.Vector.Milvus.Username,
			Password:    cfg.Vector.Milvus.Password,
			APIKey:      cfg.Vector.Milvus.APIKey,
			Collection:  cfg.Vector.Milvus.Collection,
			VectorField: cfg.Vector.Milvus.VectorField,
			Metric:      metric,
			NProbe:      cfg.Vector.Milvus.NProbe,
		}, logger)
		cancel()
		if err != nil {
			logger.Error("vector modality disabled", "backend", "milvus", "error", err)
		} else {
			backends.Vectors = mv
			a.closers = append(a.closers, func() { _ = mv.Close() })
		}
	case "pgvector":
		if p := postgres(); p != nil {
			backends.Vectors = storage.NewPostgresVectors(p, metric)
		} else {
			logger.Error("vector modality disabled", "backend", "pgvector")
		}
	case "memory":
		backends.Vectors = storage.NewMemoryVectors(records, metric)
	}

	switch cfg.Objects.Backend {
	case "mongo":
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		mo, err := storage.NewMongoObjects(cctx, storage.MongoConfig{
			URI:        cfg.Objects.Mongo.URI,
			Database:   cfg.Objects.Mongo.Database,
			Collection: cfg.Objects.Mongo.Collection,
		}, logger)
		cancel()
		if err != nil {
			logger.Error("object modality disabled", "backend", "mongo", "error", err)
		} else {
			backends.Objects = mo
			a.closers = append(a.closers, func() { _ = mo.Close(context.Background()) })
		}
	case "postgres":
		if p := postgres(); p != nil {
			backends.Objects = storage.NewPostgresObjects(p, logger)
		} else {
			logger.Error("object modality disabled", "backend", "postgres")
		}
	case "memory":
		backends.Objects = storage.NewMemoryObjects(records)
	}

	switch cfg.Transcripts.Backend {
	case "elastic":
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		et, err := storage.NewElasticTranscripts(cctx, storage.ElasticConfig{
			Addresses: cfg.Transcripts.Elastic.Addresses,
			Username:  cfg.Transcripts.Elastic.Username,
			Password:  cfg.Transcripts.Elastic.Password,
			APIKey:    cfg.Transcripts.Elastic.APIKey,
			Index:     cfg.Transcripts.Elastic.Index,
		}, logger)
		cancel()
		if err != nil {
			logger.Error("transcript modality disabled", "backend", "elastic", "error", err)
		} else {
			backends.Transcripts = et
		}
	case "memory":
		backends.Transcripts = storage.NewMemoryTranscripts(records)
	}

	var strategy fusion.Strategy = fusion.Intersect{Logger: logger}
	if cfg.Search.Fusion == "rrf" {
		strategy = fusion.ReciprocalRankFusion{K: cfg.Search.RRFConstant, Logger: logger}
	}

	a.searcher = search.New(backends, a.catalog, search.Options{
		ClipTopK:       cfg.Vector.TopK,
		TranscriptTopK: cfg.Transcripts.TopK,
		Timeout:        cfg.Search.Timeout,
		Strategy:       strategy,
		Reranker:       buildReranker(ctx, cfg, logger),
		RerankTopK:     cfg.Rerank.TopK,
	}, logger)
	return a
}

// buildEncoder returns nil when no warm-up query could be embedded, which
// marks the encoder as unreachable.
func (a *app) buildEncoder(ctx context.Context, cfg config.Config, logger *slog.Logger) embeddings.Encoder {
	enc := embeddings.NewOpenAIEncoder(embeddings.OpenAIConfig{
		BaseURL:   cfg.Encoder.BaseURL,
		APIKey:    cfg.Encoder.APIKey,
		Model:     cfg.Encoder.Model,
		Dimension: cfg.Encoder.Dimension,
	})

	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	svc := embeddings.NewService(cctx, enc, cfg.Encoder.Workers, cfg.Encoder.QueueSize, cfg.Encoder.Warmup, logger)
	a.closers = append(a.closers, svc.Close)

	cached := 0
	for _, q := range cfg.Encoder.Warmup {
		if svc.Cached(q) {
			cached++
		}
	}
	if len(cfg.Encoder.Warmup) > 0 && cached == 0 {
		logger.Error("encoder unreachable", "base_url", cfg.Encoder.BaseURL)
		return nil
	}
	logger.Info("encoder ready", "model", cfg.Encoder.Model, "warm_queries", cached)
	return svc
}

func buildReranker(ctx context.Context, cfg config.Config, logger *slog.Logger) *fusion.Reranker {
	if !cfg.Rerank.Enabled {
		return nil
	}
	newAgent, err := analyzer.NewAgentFactory(ctx, analyzer.OllamaConfig{
		BaseURL: cfg.Rerank.OllamaURL,
		Port:    cfg.Rerank.OllamaPort,
		Model:   cfg.Rerank.Model,
	}, logger)
	if err != nil {
		logger.Warn("re-ranking disabled", "error", err)
		return nil
	}
	return &fusion.Reranker{
		Scorer:  analyzer.NewVisionScorer(analyzer.AgentAsker(newAgent), cfg.Rerank.KeyframesDir, logger),
		TopM:    cfg.Rerank.TopM,
		Workers: cfg.Rerank.Workers,
		Logger:  logger,
	}
}
