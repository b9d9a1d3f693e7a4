package landmarks

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/jointvision/internal/models"
	"github.com/bdougie/jointvision/internal/pose"
)

// straightPose returns a full detection with every limb fully extended
// along the y axis and the arms raised.
func straightPose() []pose.Point {
	pts := make([]pose.Point, models.LandmarkCount)
	for i := range pts {
		pts[i] = pose.Point{X: 0.5, Y: 0.5, Visibility: 0.9}
	}
	for _, side := range []struct{ shoulder, elbow, wrist, hip, knee, ankle int; x float64 }{
		{LeftShoulder, LeftElbow, LeftWrist, LeftHip, LeftKnee, LeftAnkle, 0.4},
		{RightShoulder, RightElbow, RightWrist, RightHip, RightKnee, RightAnkle, 0.6},
	} {
		pts[side.wrist] = pose.Point{X: side.x, Y: 0.0, Visibility: 0.9}
		pts[side.elbow] = pose.Point{X: side.x, Y: 0.1, Visibility: 0.9}
		pts[side.shoulder] = pose.Point{X: side.x, Y: 0.2, Visibility: 0.9}
		pts[side.hip] = pose.Point{X: side.x, Y: 0.5, Visibility: 0.9}
		pts[side.knee] = pose.Point{X: side.x, Y: 0.7, Visibility: 0.9}
		pts[side.ankle] = pose.Point{X: side.x, Y: 0.9, Visibility: 0.9}
	}
	return pts
}

func TestAdaptNoDetection(t *testing.T) {
	geom, img := Adapt(nil)
	assert.False(t, geom.Detected)
	assert.False(t, img.Detected)
}

func TestAdaptRejectsPartialSets(t *testing.T) {
	geom, _ := Adapt(&pose.Detection{Landmarks: straightPose()[:17]})
	assert.False(t, geom.Detected)

	pts := straightPose()
	pts[4].X = math.NaN()
	geom, _ = Adapt(&pose.Detection{Landmarks: pts})
	assert.False(t, geom.Detected)
}

func TestAdaptPrefersWorldLandmarks(t *testing.T) {
	world := straightPose()
	world[0].Z = 42
	geom, img := Adapt(&pose.Detection{Landmarks: straightPose(), WorldLandmarks: world})
	require.True(t, geom.Detected)
	require.True(t, img.Detected)
	assert.Equal(t, 42.0, geom.Points[0].Z)
	assert.Equal(t, 0.0, img.Points[0].Z)

	// incomplete world set falls back to image landmarks
	geom, _ = Adapt(&pose.Detection{Landmarks: straightPose(), WorldLandmarks: world[:10]})
	assert.Equal(t, 0.0, geom.Points[0].Z)
}

func TestMeasureStraightLimbs(t *testing.T) {
	geom, _ := Adapt(&pose.Detection{Landmarks: straightPose()})
	angles := Measure(geom)

	for j, a := range angles {
		require.NotNil(t, a, Joint(j).String())
		assert.Equal(t, 180.0, *a, Joint(j).String())
	}
}

func TestMeasureBentElbow(t *testing.T) {
	pts := straightPose()
	// forearm horizontal: right angle at the left elbow
	pts[LeftWrist] = pose.Point{X: 0.3, Y: 0.1, Visibility: 0.9}

	angles := Measure(fromPoints(pts))
	require.NotNil(t, angles[JointLeftElbow])
	assert.Equal(t, 90.0, *angles[JointLeftElbow])
	assert.Equal(t, 180.0, *angles[JointRightElbow])
}

func TestMeasureLowVisibility(t *testing.T) {
	pts := straightPose()
	pts[LeftKnee].Visibility = 0.2

	angles := Measure(fromPoints(pts))
	assert.Nil(t, angles[JointLeftKnee])
	assert.Nil(t, angles[JointLeftHip], "hip uses the knee too")
	assert.NotNil(t, angles[JointRightKnee])
	assert.NotNil(t, angles[JointLeftElbow])
}

func TestMeasureDegenerate(t *testing.T) {
	pts := straightPose()
	pts[RightWrist] = pts[RightElbow]

	angles := Measure(fromPoints(pts))
	assert.Nil(t, angles[JointRightElbow])
}

func TestMeasureNoPose(t *testing.T) {
	for _, a := range Measure(models.NoPose) {
		assert.Nil(t, a)
	}
}

func TestApplyAndImagePoints(t *testing.T) {
	set := fromPoints(straightPose())
	var m models.AngleMeasurement
	Measure(set).Apply(&m)

	require.NotNil(t, m.LeftElbow)
	require.NotNil(t, m.RightKnee)

	pts := ImagePoints(set)
	require.Len(t, pts, models.LandmarkCount)
	assert.Equal(t, 0.4, pts[LeftWrist].X)
	assert.Nil(t, ImagePoints(models.NoPose))
}
