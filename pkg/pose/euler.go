package pose

import (
	"math"

	"github.com/westphae/quaternion"
)

const gimbalLimit = 0.9999999

// Euler holds intrinsic Y-X-Z angles in degrees: yaw about world-up,
// then pitch, then roll. Each lies in (-180, 180].
type Euler struct {
	Yaw   float64
	Pitch float64
	Roll  float64
}

// NormalizeDegrees wraps a into (-180, 180].
func NormalizeDegrees(a float64) float64 {
	a = math.Mod(a, 360)
	if a > 180 {
		a -= 360
	} else if a <= -180 {
		a += 360
	}
	return a
}

// Normalize returns q scaled to unit length, or Identity for a
// degenerate (zero or non-finite) quaternion.
func Normalize(q quaternion.Quaternion) quaternion.Quaternion {
	n := q.Norm()
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Identity
	}
	return q.Unit()
}

// ToEuler converts q to Y-X-Z Euler angles. The order is fixed;
// downstream consumers read yaw as heading around +Y.
func ToEuler(q quaternion.Quaternion) Euler {
	q = Normalize(q)
	x, y, z, w := q.X, q.Y, q.Z, q.W

	m11 := 1 - 2*(y*y+z*z)
	m13 := 2 * (x*z + y*w)
	m21 := 2 * (x*y + z*w)
	m22 := 1 - 2*(x*x+z*z)
	m23 := 2 * (y*z - x*w)
	m31 := 2 * (x*z - y*w)
	m33 := 1 - 2*(x*x+y*y)

	var yaw, pitch, roll float64
	pitch = math.Asin(-clamp(m23, -1, 1))
	if math.Abs(m23) < gimbalLimit {
		yaw = math.Atan2(m13, m33)
		roll = math.Atan2(m21, m22)
	} else {
		yaw = math.Atan2(-m31, m11)
	}

	return Euler{
		Yaw:   NormalizeDegrees(degrees(yaw)),
		Pitch: NormalizeDegrees(degrees(pitch)),
		Roll:  NormalizeDegrees(degrees(roll)),
	}
}

// FromEuler builds the quaternion for yaw, then pitch, then roll
// (intrinsic Y-X-Z), all in degrees.
func FromEuler(e Euler) quaternion.Quaternion {
	hy := radians(e.Yaw) / 2
	hp := radians(e.Pitch) / 2
	hr := radians(e.Roll) / 2

	qy := quaternion.Quaternion{W: math.Cos(hy), Y: math.Sin(hy)}
	qx := quaternion.Quaternion{W: math.Cos(hp), X: math.Sin(hp)}
	qz := quaternion.Quaternion{W: math.Cos(hr), Z: math.Sin(hr)}
	return quaternion.Prod(qy, qx, qz)
}

func degrees(rad float64) float64 { return rad * 180 / math.Pi }

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
