package models

import "fmt"

// DefaultFPS is used whenever a video's frame rate is unknown or unreadable.
const DefaultFPS = 25.0

// KeyframeRef identifies a keyframe across every backend
type KeyframeRef struct {
	VideoID       string `json:"video_id" bson:"video_id"`
	KeyframeIndex int    `json:"keyframe_index" bson:"keyframe_index"`
}

// Valid reports whether both identity fields are present.
// Adapters set KeyframeIndex to -1 when the backend record lacks it.
func (r KeyframeRef) Valid() bool {
	return r.VideoID != "" && r.KeyframeIndex >= 0
}

func (r KeyframeRef) String() string {
	return fmt.Sprintf("%s/%d", r.VideoID, r.KeyframeIndex)
}

// Detection is a single detected object on a keyframe
type Detection struct {
	Label      string  `json:"label" bson:"class"`
	Confidence float64 `json:"confidence" bson:"confidence"`
}

// ScoredHit is one record returned by a backend adapter for one request.
// Only the fields of the producing modality are set.
type ScoredHit struct {
	KeyframeRef

	ClipScore       *float64 `json:"clip_score,omitempty"`
	TranscriptScore *float64 `json:"transcript_score,omitempty"`
	FusionScore     *float64 `json:"fusion_score,omitempty"`
	RerankScore     *float64 `json:"rerank_score,omitempty"`

	Start          *float64    `json:"start,omitempty"`
	End            *float64    `json:"end,omitempty"`
	TranscriptText string      `json:"transcript_text,omitempty"`
	Objects        []Detection `json:"objects,omitempty"`
}

// ObjectConstraint is one structured object-presence condition.
// At least one of MinInstances and MaxInstances must be set.
type ObjectConstraint struct {
	Label         string  `json:"label"`
	MinConfidence float64 `json:"confidence"`
	MinInstances  *int    `json:"min_instances,omitempty"`
	MaxInstances  *int    `json:"max_instances,omitempty"`
}

// ShotRange is an inclusive frame range of one continuous camera take
type ShotRange struct {
	StartFrame int `json:"start_frame"`
	EndFrame   int `json:"end_frame"`
}

// Contains reports whether frame lies inside the range, bounds included.
func (s ShotRange) Contains(frame int) bool {
	return s.StartFrame <= frame && frame <= s.EndFrame
}

// GroundTruthRow is a single evaluation query with its expected keyframe
type GroundTruthRow struct {
	Query       string `json:"query"`
	VideoID     string `json:"video_id"`
	TargetFrame int    `json:"target_frame"`
}

// Float returns a pointer to v, for the optional score fields.
func Float(v float64) *float64 {
	return &v
}

// Int returns a pointer to v, for the optional instance bounds.
func Int(v int) *int {
	return &v
}
