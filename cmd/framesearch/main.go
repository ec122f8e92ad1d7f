package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/bdougie/framesearch/internal/config"
	"github.com/bdougie/framesearch/internal/evaluation"
	"github.com/bdougie/framesearch/internal/metadata"
	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/search"
	"github.com/bdougie/framesearch/internal/server"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	configPath string
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "framesearch",
		Short: "Multi-modal keyframe retrieval and evaluation",
		Long: `framesearch answers keyframe queries by combining CLIP vector search,
structured object constraints and fuzzy transcript search, and measures
retrieval quality against ground-truth captions.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("framesearch %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(newSearchCmd(), newEvaluateCmd(), newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	// Configure logger
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}),
	)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newSearchCmd() *cobra.Command {
	var (
		description string
		transcript  string
		objectsJSON string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run one query against every configured modality",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			q := search.Query{Description: description, Transcript: transcript}
			if objectsJSON != "" {
				if err := json.Unmarshal([]byte(objectsJSON), &q.Objects); err != nil {
					return fmt.Errorf("invalid --objects: %w", err)
				}
			}

			ctx := cmd.Context()
			a := buildApp(ctx, cfg, logger)
			defer a.Close()

			results, err := a.searcher.Search(ctx, q)
			if err != nil {
				return err
			}
			if limit > 0 && len(results) > limit {
				results = results[:limit]
			}

			if jsonOutput {
				printJSON(results)
				return nil
			}
			for i, r := range results {
				fmt.Printf("%3d  %-20s %6d  fps=%-6.2f%s\n", i+1, r.VideoID, r.KeyframeIndex, r.FPS, describeScores(r.ScoredHit))
			}
			fmt.Printf("%d results\n", len(results))
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "Free-text description for CLIP search")
	cmd.Flags().StringVarP(&transcript, "transcript", "t", "", "Spoken text to match fuzzily")
	cmd.Flags().StringVarP(&objectsJSON, "objects", "o", "", `Object constraints as JSON, e.g. '[{"label":"car","confidence":0.5,"min_instances":1}]'`)
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum results to print (0 for all)")
	return cmd
}

func describeScores(h models.ScoredHit) string {
	var parts []string
	if h.ClipScore != nil {
		parts = append(parts, fmt.Sprintf("clip=%.4f", *h.ClipScore))
	}
	if h.TranscriptScore != nil {
		parts = append(parts, fmt.Sprintf("text=%.2f", *h.TranscriptScore))
	}
	if h.FusionScore != nil {
		parts = append(parts, fmt.Sprintf("fused=%.5f", *h.FusionScore))
	}
	if h.RerankScore != nil {
		parts = append(parts, fmt.Sprintf("rerank=%.2f", *h.RerankScore))
	}
	if len(parts) == 0 {
		return ""
	}
	return "  " + strings.Join(parts, " ")
}

func newEvaluateCmd() *cobra.Command {
	var (
		workers int
		topK    int
		keep    bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate <ground_truth.csv>",
		Short: "Measure MRR and Recall@K of description search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Evaluation.Workers = workers
			}
			if topK > 0 {
				cfg.Evaluation.TopK = topK
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rows, err := evaluation.LoadGroundTruthFile(args[0], logger)
			if err != nil {
				return err
			}

			a := buildApp(ctx, cfg, logger)
			defer a.Close()
			if !a.searcher.Available() {
				return search.ErrUnavailable
			}

			shots, err := metadata.LoadShots(cfg.Metadata.ShotsDir, logger)
			if err != nil {
				return err
			}

			engine := evaluation.NewEngine(a.searcher, evaluation.Matcher{Shots: shots, FPS: a.catalog}, logger,
				evaluation.WithWorkers(cfg.Evaluation.Workers),
				evaluation.WithTopK(cfg.Evaluation.TopK),
				evaluation.WithRecallAt(cfg.Evaluation.RecallAt),
			)
			report, err := engine.Evaluate(ctx, rows)
			if err != nil {
				return err
			}

			var sink evaluation.Sink
			if cfg.Evaluation.S3Bucket != "" {
				s3sink, err := evaluation.NewS3Sink(ctx, cfg.Evaluation.S3Bucket, cfg.Evaluation.S3Prefix)
				if err != nil {
					logger.Warn("report upload disabled", "error", err)
				} else {
					sink = s3sink
				}
			}
			path, err := evaluation.NewReportWriter(cfg.Evaluation.ReportDir, sink, logger).Write(ctx, report)
			if err != nil {
				return err
			}

			if !keep {
				report.Rows = nil
			}
			if jsonOutput {
				printJSON(report)
				return nil
			}
			printReport(report, path)
			return nil
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Concurrent queries (default from config)")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Results retrieved per query (default from config)")
	cmd.Flags().BoolVar(&keep, "rows", false, "Include per-row outcomes in JSON output")
	return cmd
}

func printReport(r *evaluation.Report, path string) {
	fmt.Printf("run %s: %d queries, %d matched, %d unmatched, %d failed\n",
		r.RunID, r.Queries, r.Matched, r.Unmatched, r.Failed)
	fmt.Printf("MRR: %.4f\n", r.MRR)
	for _, p := range r.Recall {
		fmt.Printf("Recall@%-4d %.4f\n", p.K, p.Value)
	}
	fmt.Printf("mean latency: %.1f ms, throughput: %.2f q/s\n", r.MeanLatencyMS, r.Throughput)
	fmt.Printf("report written to %s\n", path)
}

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the search API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := buildApp(ctx, cfg, logger)
			defer a.Close()

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           server.New(a.searcher, logger).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", "addr", cfg.Server.Addr, "modalities", a.searcher.Modalities())
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
