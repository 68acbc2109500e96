package l2scene

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/depthpose/internal/depth/l1transform"
)

// NumFaces is the number of bounding planes of a box.
const NumFaces = 6

// Face indices, in contact-plane order.
const (
	FaceTop    = iota // +y
	FaceBottom        // -y
	FaceFront         // +z
	FaceBack          // -z
	FaceLeft          // -x
	FaceRight         // +x
)

var (
	// ErrInvalidShape is returned for non-positive dimensions or radii.
	ErrInvalidShape = errors.New("invalid shape")
	// ErrEmptyCloud is returned when a point cloud has no points.
	ErrEmptyCloud = errors.New("empty point cloud")
)

// Box is a rectangular prism described by its six bounding planes in the
// object frame. Each plane pose has its z axis along the outward face
// normal, and HalfExtents[i] bounds the face in the plane's own x/y axes.
// A Box carries no pose of its own; see l3render for posed rendering.
type Box struct {
	Dims        l1transform.Vec3
	Planes      [NumFaces]l1transform.Pose
	HalfExtents [NumFaces][2]float64
}

// Sphere is a ball of the given radius centred on its pose's translation.
type Sphere struct {
	Radius float64
}

// Shape is a primitive that can be placed by a pose and rendered.
type Shape interface {
	// BoundingRadius is the radius of the smallest origin-centred ball
	// containing the shape.
	BoundingRadius() float64
}

// BoundingRadius returns half the box diagonal.
func (b Box) BoundingRadius() float64 { return b.Dims.Norm() / 2 }

// BoundingRadius returns the radius.
func (s Sphere) BoundingRadius() float64 { return s.Radius }

// NewBox builds a box with full side lengths dims (x, y, z).
func NewBox(dims l1transform.Vec3) (Box, error) {
	for i, d := range dims {
		if !(d > 0) || math.IsInf(d, 0) {
			return Box{}, fmt.Errorf("%w: dimension %d is %v", ErrInvalidShape, i, d)
		}
	}
	b := Box{Dims: dims, Planes: ContactPlanes(dims)}
	half := dims.Scale(0.5)
	for i, plane := range b.Planes {
		ax, ay := plane.Column(0), plane.Column(1)
		b.HalfExtents[i] = [2]float64{absDot(ax, half), absDot(ay, half)}
	}
	return b, nil
}

// NewCube builds a box with equal sides.
func NewCube(side float64) (Box, error) {
	return NewBox(l1transform.Vec3{side, side, side})
}

// MustNewBox is NewBox for fixtures; it panics on invalid dimensions.
func MustNewBox(dims l1transform.Vec3) Box {
	b, err := NewBox(dims)
	if err != nil {
		panic(err)
	}
	return b
}

// NewSphere validates and returns a sphere.
func NewSphere(radius float64) (Sphere, error) {
	if !(radius > 0) || math.IsInf(radius, 0) {
		return Sphere{}, fmt.Errorf("%w: radius is %v", ErrInvalidShape, radius)
	}
	return Sphere{Radius: radius}, nil
}

// Corners returns the eight corners of the box in the object frame.
func (b Box) Corners() [8]l1transform.Vec3 {
	h := b.Dims.Scale(0.5)
	var out [8]l1transform.Vec3
	for i := 0; i < 8; i++ {
		for k := 0; k < 3; k++ {
			if i&(1<<k) != 0 {
				out[i][k] = h[k]
			} else {
				out[i][k] = -h[k]
			}
		}
	}
	return out
}

// SurfacePoints samples an n×n grid on every face (object frame). It stands
// in for an asset point cloud in tests and demos.
func (b Box) SurfacePoints(n int) []l1transform.Vec3 {
	if n < 2 {
		n = 2
	}
	pts := make([]l1transform.Vec3, 0, NumFaces*n*n)
	for f, plane := range b.Planes {
		hx, hy := b.HalfExtents[f][0], b.HalfExtents[f][1]
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				u := -hx + 2*hx*float64(i)/float64(n-1)
				v := -hy + 2*hy*float64(j)/float64(n-1)
				pts = append(pts, plane.ApplyPoint(l1transform.Vec3{u, v, 0}))
			}
		}
	}
	return pts
}

// BoundingBox returns the axis-aligned extent of a point cloud and the pose
// of its centre (identity rotation).
func BoundingBox(points []l1transform.Vec3) (l1transform.Vec3, l1transform.Pose, error) {
	if len(points) == 0 {
		return l1transform.Vec3{}, l1transform.Identity(), ErrEmptyCloud
	}
	var lo, hi l1transform.Vec3
	col := make([]float64, len(points))
	for k := 0; k < 3; k++ {
		for i, p := range points {
			col[i] = p[k]
		}
		lo[k], hi[k] = floats.Min(col), floats.Max(col)
	}
	dims := hi.Sub(lo)
	center := lo.Add(hi).Scale(0.5)
	return dims, l1transform.FromTranslation(center), nil
}

// BoxFromPointCloud fits an axis-aligned box around a cloud. It returns the
// box and the pose that places it over the cloud.
func BoxFromPointCloud(points []l1transform.Vec3) (Box, l1transform.Pose, error) {
	dims, pose, err := BoundingBox(points)
	if err != nil {
		return Box{}, pose, err
	}
	b, err := NewBox(dims)
	if err != nil {
		return Box{}, pose, fmt.Errorf("degenerate cloud bounds: %w", err)
	}
	return b, pose, nil
}

func absDot(a, b l1transform.Vec3) float64 {
	return math.Abs(a[0])*b[0] + math.Abs(a[1])*b[1] + math.Abs(a[2])*b[2]
}
