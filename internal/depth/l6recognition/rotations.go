package l6recognition

import (
	"errors"
	"math"

	"github.com/banshee-data/depthpose/internal/depth/l1transform"
	"github.com/banshee-data/depthpose/internal/depth/l2scene"
	"github.com/banshee-data/depthpose/internal/depth/l3render"
)

// ErrEmptyObservation is returned when an observation has no valid pixels.
var ErrEmptyObservation = errors.New("observation has no valid pixels")

// goldenAngle is π(3-√5), the azimuth step of a Fibonacci lattice.
var goldenAngle = math.Pi * (3 - math.Sqrt(5))

// FibonacciSphere returns n near-uniform unit directions.
func FibonacciSphere(n int) []l1transform.Vec3 {
	out := make([]l1transform.Vec3, n)
	for i := range out {
		y := 1 - 2*(float64(i)+0.5)/float64(n)
		r := math.Sqrt(1 - y*y)
		phi := goldenAngle * float64(i)
		out[i] = l1transform.Vec3{math.Cos(phi) * r, y, math.Sin(phi) * r}
	}
	return out
}

// alignZ returns the shortest rotation taking +z onto d.
func alignZ(d l1transform.Vec3) l1transform.Pose {
	z := l1transform.Vec3{0, 0, 1}
	axis := z.Cross(d)
	if axis.Norm() < 1e-12 {
		if d[2] > 0 {
			return l1transform.Identity()
		}
		return l1transform.FromAxisAngle(l1transform.Vec3{1, 0, 0}, math.Pi)
	}
	return l1transform.FromAxisAngle(axis, math.Acos(math.Max(-1, math.Min(1, z.Dot(d)))))
}

// RotationGrid enumerates numDirections × numAngles rotations: +z is
// aligned with each Fibonacci direction, then spun about it by each of
// numAngles evenly spaced angles.
func RotationGrid(numDirections, numAngles int) []l1transform.Pose {
	if numDirections <= 0 || numAngles <= 0 {
		return nil
	}
	out := make([]l1transform.Pose, 0, numDirections*numAngles)
	for _, d := range FibonacciSphere(numDirections) {
		align := alignZ(d)
		for k := 0; k < numAngles; k++ {
			spin := l1transform.FromAxisAngle(d, 2*math.Pi*float64(k)/float64(numAngles))
			out = append(out, l1transform.Compose(spin, align))
		}
	}
	return out
}

// CentroidPose returns the identity-rotation pose at the centre of the
// axis-aligned bounds of the observation's valid points.
func CentroidPose(observed *l3render.CoordinateImage) (l1transform.Pose, error) {
	pts := observed.ValidPoints()
	if len(pts) == 0 {
		return l1transform.Identity(), ErrEmptyObservation
	}
	_, pose, err := l2scene.BoundingBox(pts)
	return pose, err
}

// PosesAround applies every rotation at center: center · R.
func PosesAround(center l1transform.Pose, rotations []l1transform.Pose) []l1transform.Pose {
	out := make([]l1transform.Pose, len(rotations))
	for i, r := range rotations {
		out[i] = l1transform.Compose(center, r)
	}
	return out
}
