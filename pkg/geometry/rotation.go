// Package geometry provides the rigid-body primitives used by the alignment
// search: ZYZ Euler angles, 3x3 rotation matrices and the metric on SO(3).
//
// All functions are pure. Malformed input (NaN angles) is not rejected; NaN
// simply propagates into the resulting matrix or distance, which is the usual
// behaviour of numeric code and lets a caller detect it after the fact.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// EulerAngle is an ordered (phi, theta, psi) triple in the ZYZ convention,
// in radians. The rotation it denotes is Rz(phi) * Ry(theta) * Rz(psi).
type EulerAngle [3]float64

// Vec3 is a 3-D vector in voxel units, ordered along the volume axes.
type Vec3 [3]float64

// Matrix3 represents a 3x3 matrix, in row-major order
// | 0 1 2 |
// | 3 4 5 |
// | 6 7 8 |
type Matrix3 [9]float64

// Identity is the 3x3 identity matrix.
var Identity = Matrix3{1, 0, 0, 0, 1, 0, 0, 0, 1}

// RotationMatrix returns the rotation matrix of ea, Rz(phi) * Ry(theta) * Rz(psi).
func RotationMatrix(ea EulerAngle) Matrix3 {
	return rotZ(ea[0]).Mul(rotY(ea[1])).Mul(rotZ(ea[2]))
}

func rotZ(a float64) Matrix3 {
	s, c := math.Sincos(a)
	return Matrix3{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	}
}

func rotY(a float64) Matrix3 {
	s, c := math.Sincos(a)
	return Matrix3{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	}
}

// Mul returns the matrix product a * b.
func (a Matrix3) Mul(b Matrix3) Matrix3 {
	return Matrix3{
		a[0]*b[0] + a[1]*b[3] + a[2]*b[6],
		a[0]*b[1] + a[1]*b[4] + a[2]*b[7],
		a[0]*b[2] + a[1]*b[5] + a[2]*b[8],

		a[3]*b[0] + a[4]*b[3] + a[5]*b[6],
		a[3]*b[1] + a[4]*b[4] + a[5]*b[7],
		a[3]*b[2] + a[4]*b[5] + a[5]*b[8],

		a[6]*b[0] + a[7]*b[3] + a[8]*b[6],
		a[6]*b[1] + a[7]*b[4] + a[8]*b[7],
		a[6]*b[2] + a[7]*b[5] + a[8]*b[8],
	}
}

// Transpose returns the transpose of a, which for a rotation is its inverse.
func (a Matrix3) Transpose() Matrix3 {
	return Matrix3{
		a[0], a[3], a[6],
		a[1], a[4], a[7],
		a[2], a[5], a[8],
	}
}

// Apply returns a * v.
func (a Matrix3) Apply(v Vec3) Vec3 {
	return Vec3{
		a[0]*v[0] + a[1]*v[1] + a[2]*v[2],
		a[3]*v[0] + a[4]*v[1] + a[5]*v[2],
		a[6]*v[0] + a[7]*v[1] + a[8]*v[2],
	}
}

// Trace returns the sum of the diagonal of a.
func (a Matrix3) Trace() float64 {
	return a[0] + a[4] + a[8]
}

// Dense returns a as a gonum matrix.
func (a Matrix3) Dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, a[:])
	return mat.NewDense(3, 3, data)
}

// Det returns the determinant of a.
func (a Matrix3) Det() float64 {
	return mat.Det(a.Dense())
}

// EulerFromMatrix recovers canonical ZYZ angles from a rotation matrix.
// At the gimbal poles (theta = 0 or pi) only phi +/- psi is defined, and
// psi is reported as zero.
func EulerFromMatrix(r Matrix3) EulerAngle {
	cosTheta := math.Max(-1, math.Min(1, r[8]))
	theta := math.Acos(cosTheta)
	sinTheta := math.Sqrt(r[2]*r[2] + r[5]*r[5])

	var phi, psi float64
	switch {
	case sinTheta > 1e-9:
		phi = math.Atan2(r[5], r[2])
		psi = math.Atan2(r[7], -r[6])
	case cosTheta > 0:
		phi = math.Atan2(r[3], r[0])
	default:
		phi = math.Atan2(-r[3], -r[0])
	}
	return Canonical(EulerAngle{phi, theta, psi})
}

// Canonical maps ea onto the equivalent triple with phi, psi in [0, 2pi)
// and theta in [0, pi].
func Canonical(ea EulerAngle) EulerAngle {
	phi, theta, psi := ea[0], wrap(ea[1]), ea[2]
	if theta > math.Pi {
		// Rz(a) Ry(-b) Rz(c) == Rz(a+pi) Ry(b) Rz(c+pi)
		theta = 2*math.Pi - theta
		phi += math.Pi
		psi += math.Pi
	}
	return EulerAngle{wrap(phi), theta, wrap(psi)}
}

// wrap reduces a to [0, 2pi).
func wrap(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	if a >= 2*math.Pi {
		a = 0
	}
	return a
}

// Quaternion returns the unit quaternion of ea.
func (ea EulerAngle) Quaternion() quat.Number {
	return quat.Mul(quat.Mul(quatZ(ea[0]), quatY(ea[1])), quatZ(ea[2]))
}

func quatZ(a float64) quat.Number {
	s, c := math.Sincos(a / 2)
	return quat.Number{Real: c, Kmag: s}
}

func quatY(a float64) quat.Number {
	s, c := math.Sincos(a / 2)
	return quat.Number{Real: c, Jmag: s}
}

// Distance is the geodesic distance on SO(3) between the rotations denoted by
// a and b: the angle, in [0, pi], of the rotation taking one onto the other.
func Distance(a, b EulerAngle) float64 {
	q := quat.Mul(quat.Conj(a.Quaternion()), b.Quaternion())
	v := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	return 2 * math.Atan2(v, math.Abs(q.Real))
}

// Radians converts each component of a triple given in degrees.
func Radians(deg [3]float64) EulerAngle {
	return EulerAngle{deg[0] * math.Pi / 180, deg[1] * math.Pi / 180, deg[2] * math.Pi / 180}
}

// Degrees converts ea to degrees.
func (ea EulerAngle) Degrees() [3]float64 {
	return [3]float64{ea[0] * 180 / math.Pi, ea[1] * 180 / math.Pi, ea[2] * 180 / math.Pi}
}
