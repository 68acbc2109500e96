package l1transform

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// QuaternionToRotation converts a unit quaternion (Real = w, Imag/Jmag/Kmag
// = x/y/z) into a rotation matrix mapping the local frame into the parent
// frame.
func QuaternionToRotation(q quat.Number) Mat3 {
	q0, q1, q2, q3 := q.Real, q.Imag, q.Jmag, q.Kmag
	return Mat3{
		2*(q0*q0+q1*q1) - 1, 2 * (q1*q2 - q0*q3), 2 * (q1*q3 + q0*q2),
		2 * (q1*q2 + q0*q3), 2*(q0*q0+q2*q2) - 1, 2 * (q2*q3 - q0*q1),
		2 * (q1*q3 - q0*q2), 2 * (q2*q3 + q0*q1), 2*(q0*q0+q3*q3) - 1,
	}
}

// RotationToQuaternion converts a rotation matrix into a unit quaternion.
//
// Four trace-derived candidates are formed and the one with the largest
// denominator is chosen: the sign of m22 splits the cases, then the relative
// magnitude of m00 and m11 picks within each half. The chosen candidate is
// scaled by 0.5/sqrt(t). A single formula loses precision (and the sign)
// whenever the corresponding quaternion component approaches zero.
func RotationToQuaternion(m Mat3) quat.Number {
	var t float64
	var q quat.Number
	if m.At(2, 2) < 0 {
		if m.At(0, 0) > m.At(1, 1) {
			t = 1 + m.At(0, 0) - m.At(1, 1) - m.At(2, 2)
			q = quat.Number{
				Real: m.At(2, 1) - m.At(1, 2),
				Imag: t,
				Jmag: m.At(1, 0) + m.At(0, 1),
				Kmag: m.At(0, 2) + m.At(2, 0),
			}
		} else {
			t = 1 - m.At(0, 0) + m.At(1, 1) - m.At(2, 2)
			q = quat.Number{
				Real: m.At(0, 2) - m.At(2, 0),
				Imag: m.At(1, 0) + m.At(0, 1),
				Jmag: t,
				Kmag: m.At(2, 1) + m.At(1, 2),
			}
		}
	} else {
		if m.At(0, 0) < -m.At(1, 1) {
			t = 1 - m.At(0, 0) - m.At(1, 1) + m.At(2, 2)
			q = quat.Number{
				Real: m.At(1, 0) - m.At(0, 1),
				Imag: m.At(0, 2) + m.At(2, 0),
				Jmag: m.At(2, 1) + m.At(1, 2),
				Kmag: t,
			}
		} else {
			t = 1 + m.At(0, 0) + m.At(1, 1) + m.At(2, 2)
			q = quat.Number{
				Real: t,
				Imag: m.At(2, 1) - m.At(1, 2),
				Jmag: m.At(0, 2) - m.At(2, 0),
				Kmag: m.At(1, 0) - m.At(0, 1),
			}
		}
	}
	return quat.Scale(0.5/math.Sqrt(t), q)
}

// FromQuaternion returns the pose with rotation q and translation t.
func FromQuaternion(q quat.Number, t Vec3) Pose {
	if n := quat.Abs(q); n > 0 && n != 1 {
		q = quat.Scale(1/n, q)
	}
	return FromRotationTranslation(QuaternionToRotation(q), t)
}
