package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const historyFile = "runs.json"

// Sink receives a copy of every written report, e.g. an object store.
type Sink interface {
	Put(ctx context.Context, key string, body []byte) error
}

// ReportWriter saves reports under Dir as <run_id>.json and appends a
// summary of each run to runs.json.
type ReportWriter struct {
	dir    string
	sink   Sink
	logger *slog.Logger
	mu     sync.Mutex
}

// NewReportWriter creates a writer; sink may be nil.
func NewReportWriter(dir string, sink Sink, logger *slog.Logger) *ReportWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportWriter{dir: dir, sink: sink, logger: logger}
}

// Write stores report and returns the path of the full report file.
// A sink failure is logged and does not fail the write.
func (w *ReportWriter) Write(ctx context.Context, report *Report) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory '%s': %w", w.dir, err)
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}

	name := report.RunID + ".json"
	reportPath := filepath.Join(w.dir, name)
	if err := os.WriteFile(reportPath, body, 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}

	if err := w.appendHistory(report); err != nil {
		return "", err
	}

	if w.sink != nil {
		if err := w.sink.Put(ctx, name, body); err != nil {
			w.logger.Warn("failed to upload report", "run_id", report.RunID, "error", err)
		}
	}
	return reportPath, nil
}

func (w *ReportWriter) appendHistory(report *Report) error {
	historyPath := filepath.Join(w.dir, historyFile)

	var runs []Report
	if data, err := os.ReadFile(historyPath); err == nil {
		if err := json.Unmarshal(data, &runs); err != nil {
			return fmt.Errorf("failed to unmarshal run history: %w", err)
		}
	}

	summary := *report
	summary.Rows = nil
	runs = append(runs, summary)

	file, err := os.Create(historyPath)
	if err != nil {
		return fmt.Errorf("failed to create run history: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(runs); err != nil {
		return fmt.Errorf("failed to encode run history: %w", err)
	}
	return nil
}
