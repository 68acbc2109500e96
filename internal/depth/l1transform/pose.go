package l1transform

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrInvalidPose is returned when a matrix is not a proper rigid transform.
var ErrInvalidPose = errors.New("invalid pose")

const (
	// MatrixValidationTolerance is the tolerance for checking rotation matrix validity
	MatrixValidationTolerance = 0.01
	// axisEpsilon is the shortest axis FromAxisAngle will normalise.
	axisEpsilon = 1e-12
)

// Pose is a 4x4 rigid transform stored row-major:
// m00,m01,m02,m03, m10,... The rotation occupies the top-left 3x3 block,
// the translation the top-right column and the last row is [0 0 0 1].
type Pose [16]float64

// Identity returns the identity pose.
func Identity() Pose {
	return Pose{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// FromTranslation returns a pose with identity rotation and translation t.
func FromTranslation(t Vec3) Pose {
	p := Identity()
	p[3], p[7], p[11] = t[0], t[1], t[2]
	return p
}

// FromRotation returns a pose with rotation r and zero translation.
func FromRotation(r Mat3) Pose {
	return FromRotationTranslation(r, Vec3{})
}

// FromRotationTranslation returns the pose [r | t].
func FromRotationTranslation(r Mat3, t Vec3) Pose {
	return Pose{
		r[0], r[1], r[2], t[0],
		r[3], r[4], r[5], t[1],
		r[6], r[7], r[8], t[2],
		0, 0, 0, 1,
	}
}

// FromAxisAngle returns the pure rotation of angle radians about axis
// (Rodrigues' formula). The axis is normalised internally. A zero-length
// axis has no direction, so the identity is returned instead of NaNs.
func FromAxisAngle(axis Vec3, angle float64) Pose {
	return FromRotation(RotationFromAxisAngle(axis, angle))
}

// RotationFromAxisAngle is the 3x3 form of FromAxisAngle.
func RotationFromAxisAngle(axis Vec3, angle float64) Mat3 {
	n := axis.Norm()
	if n < axisEpsilon {
		return IdentityMat3()
	}
	d := axis.Scale(1 / n)
	sina, cosa := math.Sin(angle), math.Cos(angle)

	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i*3+j] = d[i] * d[j] * (1 - cosa)
		}
		r[i*3+i] += cosa
	}
	s := d.Scale(sina)
	r[1] -= s[2]
	r[2] += s[1]
	r[3] += s[2]
	r[5] -= s[0]
	r[6] -= s[1]
	r[7] += s[0]
	return r
}

// Rotation returns the top-left 3x3 block.
func (p Pose) Rotation() Mat3 {
	return Mat3{
		p[0], p[1], p[2],
		p[4], p[5], p[6],
		p[8], p[9], p[10],
	}
}

// Translation returns the top-right column.
func (p Pose) Translation() Vec3 {
	return Vec3{p[3], p[7], p[11]}
}

// Column returns the first three entries of column i. Column 2 of a
// plane pose is its normal.
func (p Pose) Column(i int) Vec3 {
	return Vec3{p[i], p[4+i], p[8+i]}
}

// Compose returns a·b, i.e. b applied first and then a.
func Compose(a, b Pose) Pose {
	var out Pose
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i*4+j] = a[i*4]*b[j] + a[i*4+1]*b[4+j] + a[i*4+2]*b[8+j] + a[i*4+3]*b[12+j]
		}
	}
	return out
}

// Inverse returns the inverse of a rigid transform: [Rᵀ | -Rᵀt].
func (p Pose) Inverse() Pose {
	rt := p.Rotation().Transpose()
	t := rt.MulVec(p.Translation())
	return FromRotationTranslation(rt, t.Scale(-1))
}

// ApplyPoint applies p to a single point.
func (p Pose) ApplyPoint(v Vec3) Vec3 {
	return Vec3{
		p[0]*v[0] + p[1]*v[1] + p[2]*v[2] + p[3],
		p[4]*v[0] + p[5]*v[1] + p[6]*v[2] + p[7],
		p[8]*v[0] + p[9]*v[1] + p[10]*v[2] + p[11],
	}
}

// Apply transforms every point of a cloud by pose. The output has the same
// length and order as the input.
func Apply(points []Vec3, pose Pose) []Vec3 {
	out := make([]Vec3, len(points))
	for i, v := range points {
		out[i] = pose.ApplyPoint(v)
	}
	return out
}

// IsValidTransformMatrix checks if a 4x4 matrix is a valid rigid transform.
// A valid rigid transform has:
// 1. Orthonormal rotation submatrix (RᵀR ≈ I, det ≈ 1)
// 2. Last row is [0 0 0 1]
func IsValidTransformMatrix(T Pose) bool {
	r := T.Rotation()

	// Check determinant ≈ 1 (proper rotation, not reflection)
	if math.Abs(r.Det()-1.0) > MatrixValidationTolerance {
		return false
	}

	rtr := r.Transpose().Mul(r)
	id := IdentityMat3()
	for i := range rtr {
		if math.Abs(rtr[i]-id[i]) > MatrixValidationTolerance {
			return false
		}
	}

	// Check last row is [0 0 0 1]
	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > 0.001 {
		return false
	}

	return true
}

// Validate returns ErrInvalidPose when p is not a rigid transform.
func Validate(p Pose) error {
	for i, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: element %d is %v", ErrInvalidPose, i, v)
		}
	}
	if !IsValidTransformMatrix(p) {
		return fmt.Errorf("%w: rotation block is not in SO(3) or last row is not [0 0 0 1]", ErrInvalidPose)
	}
	return nil
}

// Orthonormalize projects the rotation block of p onto the nearest proper
// rotation (in the Frobenius sense) and resets the last row. Use it to
// repair poses that have drifted through repeated composition.
func Orthonormalize(p Pose) (Pose, error) {
	r := p.Rotation()
	m := mat.NewDense(3, 3, r[:])

	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return p, fmt.Errorf("%w: SVD did not converge", ErrInvalidPose)
	}
	var u, v, out mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	out.Mul(&u, v.T())

	// Flip the least significant axis to turn a reflection into a rotation.
	if mat.Det(&out) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		out.Mul(&u, v.T())
	}

	var rn Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rn[i*3+j] = out.At(i, j)
		}
	}
	return FromRotationTranslation(rn, p.Translation()), nil
}
