// Package geometry computes joint angles from landmark points and relative
// rotation angles from orientation quaternions.
package geometry

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Precision is the number of decimal places every reported angle is rounded to.
const Precision = 2

// epsilon below which a ray or quaternion is treated as zero length
const epsilon = 1e-9

// JointAngle returns the angle in degrees at vertex b between the rays b->a
// and b->c. ok is false when either ray has zero length.
func JointAngle(a, b, c mgl64.Vec3) (deg float64, ok bool) {
	u := a.Sub(b)
	v := c.Sub(b)

	lu, lv := u.Len(), v.Len()
	if lu < epsilon || lv < epsilon {
		return 0, false
	}

	cos := clamp(u.Dot(v)/(lu*lv), -1, 1)
	return Round(mgl64.RadToDeg(math.Acos(cos))), true
}

// RelativeRotationAngle returns the rotation angle in degrees between two
// orientations, always in [0, 180]. ok is false when either quaternion has
// zero norm.
func RelativeRotationAngle(ref, seg mgl64.Quat) (deg float64, ok bool) {
	if ref.Len() < epsilon || seg.Len() < epsilon {
		return 0, false
	}

	// unit quaternions: inverse == conjugate
	rel := ref.Normalize().Conjugate().Mul(seg.Normalize())

	// q and -q are the same rotation
	w := clamp(math.Abs(rel.W), 0, 1)
	return Round(mgl64.RadToDeg(2 * math.Acos(w))), true
}

// Round rounds v to Precision decimal places.
func Round(v float64) float64 {
	return RoundTo(v, Precision)
}

// RoundTo rounds v to the given number of decimal places.
func RoundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
