package models

import (
	"image"
	"math"

	"github.com/google/uuid"
)

// LandmarkCount is the number of points in a full pose landmark set
const LandmarkCount = 33

// Frame is one decoded video frame. It is owned by a single loop iteration.
type Frame struct {
	Index     uint64
	Timestamp float64 // seconds from the start of the video
	Image     image.Image
	// Err is set when the source could not decode this frame
	Err error
}

// TimeMS is the frame timestamp rounded to the nearest millisecond.
func (f Frame) TimeMS() int64 {
	return int64(math.Round(f.Timestamp * 1000))
}

// Landmark is a single estimated body joint position
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// LandmarkSet holds all 33 points of a detected pose, or none at all.
type LandmarkSet struct {
	Points   [LandmarkCount]Landmark
	Detected bool
}

// NoPose is the landmark set for a frame where no pose was detected
var NoPose = LandmarkSet{}

// ImagePoint is a normalized image-space landmark used for overlays
type ImagePoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// AngleMeasurement holds the joint angles computed for one frame.
// A nil angle means it could not be measured on that frame.
type AngleMeasurement struct {
	FrameIndex uint64       `json:"frame_index"`
	TimeMS     int64        `json:"time_ms"`
	TimeS      float64      `json:"time_s"`
	LeftElbow  *float64     `json:"left_elbow_deg"`
	RightElbow *float64     `json:"right_elbow_deg"`
	LeftHip    *float64     `json:"left_hip_deg"`
	RightHip   *float64     `json:"right_hip_deg"`
	LeftKnee   *float64     `json:"left_knee_deg"`
	RightKnee  *float64     `json:"right_knee_deg"`
	Landmarks  []ImagePoint `json:"landmarks,omitempty"`
}

// AnalysisRun is the per-request state of one video analysis
type AnalysisRun struct {
	ID              uuid.UUID
	FrameSkip       int
	MaxDim          int
	MaxFrames       int
	TotalFramesSeen int
	Sampled         int
	Truncated       bool
}

// Result is the buffered outcome of a video analysis
type Result struct {
	Measurements []AngleMeasurement `json:"frames"`
	TotalFrames  int                `json:"total_frames"`
	Truncated    bool               `json:"truncated"`
}

// QuaternionSample is one row of an inertial sensor export
type QuaternionSample struct {
	Timestamp  string
	Seconds    float64
	HasSeconds bool
	W, X, Y, Z float64
}

// AngleSample is one point of a quaternion-derived angle series
type AngleSample struct {
	Timestamp string  `json:"timestamp"`
	AngleDeg  float64 `json:"angle_deg"`
}

// IMUResult is the outcome of aligning two quaternion streams
type IMUResult struct {
	Angles           []AngleSample `json:"angles"`
	Skipped          int           `json:"skipped_rows"`
	SkippedReference int           `json:"skipped_reference_rows"`
	SkippedSegment   int           `json:"skipped_segment_rows"`
	Unpaired         int           `json:"unpaired_samples"`
	Alignment        string        `json:"alignment"`
}

// RunSummary records the outcome of one video in a batch
type RunSummary struct {
	Video     string `json:"video"`
	Frames    int    `json:"frames"`
	Truncated bool   `json:"truncated"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}
