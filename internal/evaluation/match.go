// Package evaluation scores retrieval quality against ground truth, treating
// nearby frames of the same visual moment as equivalent.
package evaluation

import (
	"math"

	"github.com/bdougie/framesearch/internal/models"
)

// NoShot is the shot id of a frame that no shot range covers.
const NoShot = -1

// ShotProvider returns a video's ordered, non-overlapping shot ranges.
type ShotProvider interface {
	Shots(videoID string) ([]models.ShotRange, bool)
}

// FPSProvider returns a video's frame rate, or the default when unknown.
type FPSProvider interface {
	FPS(videoID string) float64
}

// ShotID returns the index of the range containing frame, or NoShot.
func ShotID(ranges []models.ShotRange, frame int) int {
	for i, r := range ranges {
		if r.Contains(frame) {
			return i
		}
	}
	return NoShot
}

// Matcher decides whether a predicted keyframe hits a target keyframe.
// Either provider may be nil.
type Matcher struct {
	Shots ShotProvider
	FPS   FPSProvider
}

// Match requires the same video. When both frames resolve to a shot the
// shots must be equal; otherwise the frames must lie within round(fps) of
// each other, about one second.
func (m Matcher) Match(pred, target models.KeyframeRef) bool {
	if pred.VideoID != target.VideoID {
		return false
	}

	if m.Shots != nil {
		if ranges, ok := m.Shots.Shots(target.VideoID); ok && len(ranges) > 0 {
			ps, ts := ShotID(ranges, pred.KeyframeIndex), ShotID(ranges, target.KeyframeIndex)
			if ps != NoShot && ts != NoShot {
				return ps == ts
			}
		}
	}

	fps := models.DefaultFPS
	if m.FPS != nil {
		fps = m.FPS.FPS(target.VideoID)
	}
	tolerance := int(math.Round(fps))
	delta := pred.KeyframeIndex - target.KeyframeIndex
	if delta < 0 {
		delta = -delta
	}
	return delta <= tolerance
}
