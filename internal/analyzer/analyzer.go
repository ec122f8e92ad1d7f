// Package analyzer rates keyframes against a text query with a vision
// language model, for the optional re-ranking stage after fusion.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/bdougie/framesearch/internal/models"
)

const maxRating = 10.0

// Asker sends one prompt with one image to a vision model and returns its
// raw reply.
type Asker func(ctx context.Context, prompt, imagePath string) (string, error)

// VisionScorer implements the re-ranking Scorer by asking a vision model to
// rate each keyframe image from 0 to 10. Scores are normalised to [0, 1].
type VisionScorer struct {
	ask          Asker
	keyframesDir string
	logger       *slog.Logger
}

func NewVisionScorer(ask Asker, keyframesDir string, logger *slog.Logger) *VisionScorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &VisionScorer{ask: ask, keyframesDir: keyframesDir, logger: logger}
}

// KeyframePath returns <dir>/<video_id>/keyframe_<index>.webp.
func KeyframePath(dir string, ref models.KeyframeRef) string {
	return filepath.Join(dir, ref.VideoID, fmt.Sprintf("keyframe_%d.webp", ref.KeyframeIndex))
}

func (s *VisionScorer) Score(ctx context.Context, query string, hit models.ScoredHit) (float64, error) {
	imagePath := KeyframePath(s.keyframesDir, hit.KeyframeRef)
	if _, err := os.Stat(imagePath); err != nil {
		return 0, fmt.Errorf("keyframe image: %w", err)
	}

	prompt := fmt.Sprintf("On a scale from 0 to 10, how well does this image match the description %q? Reply with the number only.", query)
	reply, err := s.ask(ctx, prompt, imagePath)
	if err != nil {
		return 0, fmt.Errorf("vision model failed: %w", err)
	}

	score, err := ParseScore(reply)
	if err != nil {
		s.logger.Debug("unparseable rating", "ref", hit.KeyframeRef.String(), "reply", reply)
		return 0, err
	}
	return score, nil
}

var numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

// ParseScore extracts the first number of a model reply, clamps it to
// [0, 10] and scales it to [0, 1].
func ParseScore(reply string) (float64, error) {
	m := numberPattern.FindString(reply)
	if m == "" {
		return 0, fmt.Errorf("no rating in reply %q", reply)
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rating %q: %w", m, err)
	}
	v = min(max(v, 0), maxRating)
	return v / maxRating, nil
}
