package evaluation

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/bdougie/framesearch/internal/models"
)

// Ground-truth CSV columns.
const (
	colCaption  = "caption"
	colVideoID  = "video_id"
	colKeyframe = "keyframe_id"
)

// ParseKeyframeIndex accepts a bare integer or a keyframe file name such as
// "keyframe_123.webp".
func ParseKeyframeIndex(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}

	parts := strings.Split(s, "_")
	if len(parts) < 2 {
		return 0, fmt.Errorf("unrecognised keyframe id %q", s)
	}
	stem, _, _ := strings.Cut(parts[1], ".")
	n, err := strconv.Atoi(stem)
	if err != nil {
		return 0, fmt.Errorf("unrecognised keyframe id %q", s)
	}
	return n, nil
}

// LoadGroundTruthFile reads a ground-truth CSV from disk.
func LoadGroundTruthFile(path string, logger *slog.Logger) ([]models.GroundTruthRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ground truth '%s': %w", path, err)
	}
	defer f.Close()
	return LoadGroundTruth(f, logger)
}

// LoadGroundTruth parses rows with caption, video_id and keyframe_id
// columns. Rows whose keyframe id cannot be parsed are skipped and logged.
func LoadGroundTruth(r io.Reader, logger *slog.Logger) ([]models.GroundTruthRow, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read ground truth header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, name := range []string{colCaption, colVideoID, colKeyframe} {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("ground truth is missing column %q", name)
		}
	}

	var rows []models.GroundTruthRow
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read ground truth line %d: %w", line, err)
		}

		get := func(name string) string {
			i := cols[name]
			if i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		frame, err := ParseKeyframeIndex(get(colKeyframe))
		if err != nil {
			logger.Warn("skipping ground truth row", "line", line, "error", err)
			continue
		}
		rows = append(rows, models.GroundTruthRow{
			Query:       get(colCaption),
			VideoID:     get(colVideoID),
			TargetFrame: frame,
		})
	}
	return rows, nil
}
