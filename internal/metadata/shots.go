package metadata

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bdougie/framesearch/internal/models"
)

const shotsSuffix = "_shots.json"

type shotFile struct {
	Items []models.ShotRange `json:"items"`
}

// ShotIndex maps video ids to their ordered shot ranges. Read-only once built.
type ShotIndex struct {
	shots map[string][]models.ShotRange
}

// NewShotIndex builds an index from an existing map, sorting each video's
// ranges by start frame.
func NewShotIndex(shots map[string][]models.ShotRange) *ShotIndex {
	idx := &ShotIndex{shots: make(map[string][]models.ShotRange, len(shots))}
	for id, ranges := range shots {
		sorted := append([]models.ShotRange(nil), ranges...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartFrame < sorted[j].StartFrame })
		idx.shots[id] = sorted
	}
	return idx
}

// Shots returns the shot ranges of a video and whether any were loaded.
func (s *ShotIndex) Shots(videoID string) ([]models.ShotRange, bool) {
	if s == nil {
		return nil, false
	}
	r, ok := s.shots[videoID]
	return r, ok
}

// Len reports how many videos have shot data.
func (s *ShotIndex) Len() int {
	if s == nil {
		return 0
	}
	return len(s.shots)
}

// LoadShots reads every <video_id>_shots.json under dir. A missing directory
// or an unreadable file is logged and skipped; evaluation then falls back to
// frame tolerance for the affected videos.
func LoadShots(dir string, logger *slog.Logger) (*ShotIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	shots := map[string][]models.ShotRange{}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Warn("shot directory not found, using tolerance matching", "dir", dir)
		return NewShotIndex(shots), nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*"+shotsSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list shot files in '%s': %w", dir, err)
	}

	for _, path := range files {
		videoID := strings.TrimSuffix(filepath.Base(path), shotsSuffix)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping shot file", "path", path, "error", err)
			continue
		}
		var f shotFile
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Warn("skipping shot file", "path", path, "error", err)
			continue
		}
		shots[videoID] = f.Items
	}

	logger.Info("shot data loaded", "videos", len(shots))
	return NewShotIndex(shots), nil
}
