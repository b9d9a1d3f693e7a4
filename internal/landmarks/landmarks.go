// Package landmarks normalizes raw pose detections into fixed-shape landmark
// sets and measures joint angles from them.
package landmarks

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/bdougie/jointvision/internal/geometry"
	"github.com/bdougie/jointvision/internal/models"
	"github.com/bdougie/jointvision/internal/pose"
)

// MinVisibility is the visibility below which a landmark is not trusted
const MinVisibility = 0.5

// Pose landmark indices
const (
	LeftShoulder  = 11
	RightShoulder = 12
	LeftElbow     = 13
	RightElbow    = 14
	LeftWrist     = 15
	RightWrist    = 16
	LeftHip       = 23
	RightHip      = 24
	LeftKnee      = 25
	RightKnee     = 26
	LeftAnkle     = 27
	RightAnkle    = 28
)

// Joint names one measured angle
type Joint int

const (
	JointLeftElbow Joint = iota
	JointRightElbow
	JointLeftHip
	JointRightHip
	JointLeftKnee
	JointRightKnee
	jointCount
)

func (j Joint) String() string {
	switch j {
	case JointLeftElbow:
		return "left_elbow"
	case JointRightElbow:
		return "right_elbow"
	case JointLeftHip:
		return "left_hip"
	case JointRightHip:
		return "right_hip"
	case JointLeftKnee:
		return "left_knee"
	case JointRightKnee:
		return "right_knee"
	default:
		return "unknown"
	}
}

// Triples maps each joint to the landmarks forming it; the angle is taken
// at the middle point.
var Triples = [jointCount][3]int{
	JointLeftElbow:  {LeftShoulder, LeftElbow, LeftWrist},
	JointRightElbow: {RightShoulder, RightElbow, RightWrist},
	JointLeftHip:    {LeftShoulder, LeftHip, LeftKnee},
	JointRightHip:   {RightShoulder, RightHip, RightKnee},
	JointLeftKnee:   {LeftHip, LeftKnee, LeftAnkle},
	JointRightKnee:  {RightHip, RightKnee, RightAnkle},
}

// Angles holds one optional angle per joint
type Angles [jointCount]*float64

// Adapt converts a raw detection into the set used for geometry and the set
// in image space. World landmarks are preferred for geometry when complete.
func Adapt(det *pose.Detection) (geom, img models.LandmarkSet) {
	if det == nil {
		return models.NoPose, models.NoPose
	}

	img = fromPoints(det.Landmarks)
	if world := fromPoints(det.WorldLandmarks); world.Detected {
		return world, img
	}
	return img, img
}

// fromPoints accepts exactly LandmarkCount finite points; anything else is no pose.
func fromPoints(points []pose.Point) models.LandmarkSet {
	if len(points) != models.LandmarkCount {
		return models.NoPose
	}

	var set models.LandmarkSet
	for i, p := range points {
		if !finite(p.X, p.Y, p.Z, p.Visibility) {
			return models.NoPose
		}
		set.Points[i] = models.Landmark{X: p.X, Y: p.Y, Z: p.Z, Visibility: p.Visibility}
	}
	set.Detected = true
	return set
}

// Measure computes every joint angle of the set independently.
func Measure(set models.LandmarkSet) Angles {
	var out Angles
	if !set.Detected {
		return out
	}
	for j, tr := range Triples {
		a, b, c := set.Points[tr[0]], set.Points[tr[1]], set.Points[tr[2]]
		if a.Visibility < MinVisibility || b.Visibility < MinVisibility || c.Visibility < MinVisibility {
			continue
		}
		if deg, ok := geometry.JointAngle(vec(a), vec(b), vec(c)); ok {
			out[j] = &deg
		}
	}
	return out
}

// Apply copies the angles onto a measurement.
func (a Angles) Apply(m *models.AngleMeasurement) {
	m.LeftElbow = a[JointLeftElbow]
	m.RightElbow = a[JointRightElbow]
	m.LeftHip = a[JointLeftHip]
	m.RightHip = a[JointRightHip]
	m.LeftKnee = a[JointLeftKnee]
	m.RightKnee = a[JointRightKnee]
}

// ImagePoints returns the set's points rounded for overlay drawing.
func ImagePoints(set models.LandmarkSet) []models.ImagePoint {
	if !set.Detected {
		return nil
	}
	out := make([]models.ImagePoint, models.LandmarkCount)
	for i, p := range set.Points {
		out[i] = models.ImagePoint{
			X: geometry.RoundTo(p.X, 5),
			Y: geometry.RoundTo(p.Y, 5),
			Z: geometry.RoundTo(p.Z, 5),
		}
	}
	return out
}

func vec(l models.Landmark) mgl64.Vec3 {
	return mgl64.Vec3{l.X, l.Y, l.Z}
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
