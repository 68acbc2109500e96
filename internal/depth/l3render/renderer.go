package l3render

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/depthpose/internal/depth/l1transform"
	"github.com/banshee-data/depthpose/internal/depth/l2scene"
)

// rayEpsilon is added to ray/plane denominators so rays parallel to a
// plane produce a far, out-of-bounds hit instead of a division by zero.
const rayEpsilon = 1e-10

// ErrUnsupportedShape is returned by Render for shapes with no ray caster.
var ErrUnsupportedShape = errors.New("unsupported shape")

// Renderer casts one ray per pixel of its camera. It is immutable after
// construction and safe for concurrent use.
type Renderer struct {
	cam     Camera
	workers int
	dirs    []l1transform.Vec3 // z = 1
	units   []l1transform.Vec3 // normalised dirs
}

// NewRenderer precomputes the camera rays. workers bounds batch
// parallelism; values < 1 mean GOMAXPROCS.
func NewRenderer(cam Camera, workers int) (*Renderer, error) {
	if err := cam.Validate(); err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	r := &Renderer{
		cam:     cam,
		workers: workers,
		dirs:    make([]l1transform.Vec3, cam.NumPixels()),
		units:   make([]l1transform.Vec3, cam.NumPixels()),
	}
	for row := 0; row < cam.Height; row++ {
		for col := 0; col < cam.Width; col++ {
			d := cam.RayDirection(row, col)
			i := row*cam.Width + col
			r.dirs[i] = d
			r.units[i] = d.Scale(1 / d.Norm())
		}
	}
	return r, nil
}

// MustNewRenderer panics on an invalid camera.
func MustNewRenderer(cam Camera, workers int) *Renderer {
	r, err := NewRenderer(cam, workers)
	if err != nil {
		panic(err)
	}
	return r
}

// Camera returns the bound intrinsics.
func (r *Renderer) Camera() Camera { return r.cam }

// Workers returns the batch parallelism bound.
func (r *Renderer) Workers() int { return r.workers }

// posedPlane is one bounded face placed in the camera frame.
type posedPlane struct {
	origin l1transform.Vec3
	normal l1transform.Vec3
	ax, ay l1transform.Vec3
	num    float64
	hx, hy float64
}

func appendPlanes(dst []posedPlane, pose l1transform.Pose, box l2scene.Box) []posedPlane {
	for i, local := range box.Planes {
		p := l1transform.Compose(pose, local)
		pl := posedPlane{
			origin: p.Translation(),
			normal: p.Column(2),
			ax:     p.Column(0),
			ay:     p.Column(1),
			hx:     box.HalfExtents[i][0],
			hy:     box.HalfExtents[i][1],
		}
		pl.num = pl.origin.Dot(pl.normal)
		dst = append(dst, pl)
	}
	return dst
}

// intersect returns the hit of the ray dir with the plane and whether it
// lies inside the face and in front of the camera.
func (pl *posedPlane) intersect(dir l1transform.Vec3) (l1transform.Vec3, bool) {
	d := pl.num / (dir.Dot(pl.normal) + rayEpsilon)
	hit := dir.Scale(d)
	if !finitePositive(hit[2]) {
		return hit, false
	}
	rel := hit.Sub(pl.origin)
	return hit, math.Abs(rel.Dot(pl.ax)) < pl.hx && math.Abs(rel.Dot(pl.ay)) < pl.hy
}

func (r *Renderer) castPlanes(planes []posedPlane) *CoordinateImage {
	im := NewCoordinateImage(r.cam.Height, r.cam.Width)
	for i, dir := range r.dirs {
		var best l1transform.Vec3
		found := false
		for k := range planes {
			hit, ok := planes[k].intersect(dir)
			if ok && (!found || hit[2] < best[2]) {
				best, found = hit, true
			}
		}
		if found {
			im.Set(i/r.cam.Width, i%r.cam.Width, best)
		}
	}
	return im
}

// RenderPlanes renders a box placed at pose (object frame → camera frame).
func (r *Renderer) RenderPlanes(pose l1transform.Pose, box l2scene.Box) *CoordinateImage {
	return r.castPlanes(appendPlanes(make([]posedPlane, 0, l2scene.NumFaces), pose, box))
}

// RenderPlanesMultiObject renders several boxes into one image; each pixel
// keeps the nearest hit over all objects.
func (r *Renderer) RenderPlanesMultiObject(poses []l1transform.Pose, boxes []l2scene.Box) (*CoordinateImage, error) {
	if len(poses) != len(boxes) {
		return nil, fmt.Errorf("%w: %d poses for %d boxes", ErrShapeMismatch, len(poses), len(boxes))
	}
	planes := make([]posedPlane, 0, l2scene.NumFaces*len(boxes))
	for i := range boxes {
		planes = appendPlanes(planes, poses[i], boxes[i])
	}
	return r.castPlanes(planes), nil
}

type posedSphere struct {
	center l1transform.Vec3
	c2r2   float64 // |c|² − r²
}

// intersect returns the near hit of the unit ray u with the sphere.
func (s *posedSphere) intersect(u l1transform.Vec3) (l1transform.Vec3, bool) {
	b := u.Dot(s.center)
	nabla := b*b - s.c2r2
	if !(nabla > 0) {
		return l1transform.Vec3{}, false
	}
	d := b - math.Sqrt(nabla)
	if !finitePositive(d) {
		return l1transform.Vec3{}, false
	}
	return u.Scale(d), true
}

func (r *Renderer) castSpheres(spheres []posedSphere) *CoordinateImage {
	im := NewCoordinateImage(r.cam.Height, r.cam.Width)
	for i, u := range r.units {
		var best l1transform.Vec3
		found := false
		for k := range spheres {
			hit, ok := spheres[k].intersect(u)
			if ok && (!found || hit[2] < best[2]) {
				best, found = hit, true
			}
		}
		if found {
			im.Set(i/r.cam.Width, i%r.cam.Width, best)
		}
	}
	return im
}

func placeSphere(pose l1transform.Pose, s l2scene.Sphere) posedSphere {
	c := pose.Translation()
	return posedSphere{center: c, c2r2: c.Dot(c) - s.Radius*s.Radius}
}

// RenderSphere renders a sphere centred on the translation of pose.
func (r *Renderer) RenderSphere(pose l1transform.Pose, s l2scene.Sphere) *CoordinateImage {
	return r.castSpheres([]posedSphere{placeSphere(pose, s)})
}

// RenderSpheres renders several spheres with nearest-hit selection.
func (r *Renderer) RenderSpheres(poses []l1transform.Pose, spheres []l2scene.Sphere) (*CoordinateImage, error) {
	if len(poses) != len(spheres) {
		return nil, fmt.Errorf("%w: %d poses for %d spheres", ErrShapeMismatch, len(poses), len(spheres))
	}
	placed := make([]posedSphere, len(spheres))
	for i := range spheres {
		placed[i] = placeSphere(poses[i], spheres[i])
	}
	return r.castSpheres(placed), nil
}

// RenderCloud splats an object point cloud placed at pose. Each point
// covers the pixels within ±smudge of its projection and every pixel keeps
// the nearest point.
func (r *Renderer) RenderCloud(points []l1transform.Vec3, pose l1transform.Pose, smudge int) *CoordinateImage {
	if smudge < 0 {
		smudge = 0
	}
	im := NewCoordinateImage(r.cam.Height, r.cam.Width)
	limit := float64(smudge + 1)
	for _, p := range points {
		q := pose.ApplyPoint(p)
		row, col, ok := r.cam.Project(q)
		if !ok || !(row > -limit && row < float64(r.cam.Height)+limit) || !(col > -limit && col < float64(r.cam.Width)+limit) {
			continue
		}
		pr, pc := int(math.Round(row)), int(math.Round(col))
		for rr := max(pr-smudge, 0); rr <= min(pr+smudge, r.cam.Height-1); rr++ {
			for cc := max(pc-smudge, 0); cc <= min(pc+smudge, r.cam.Width-1); cc++ {
				if !im.Valid(rr, cc) || q[2] < im.Data[im.offset(rr, cc)+2] {
					im.Set(rr, cc, q)
				}
			}
		}
	}
	return im
}

// Render dispatches on the concrete shape type. A pose that is not a rigid
// transform is rejected with l1transform.ErrInvalidPose.
func (r *Renderer) Render(pose l1transform.Pose, shape l2scene.Shape) (*CoordinateImage, error) {
	if err := l1transform.Validate(pose); err != nil {
		return nil, err
	}
	switch s := shape.(type) {
	case l2scene.Box:
		return r.RenderPlanes(pose, s), nil
	case *l2scene.Box:
		return r.RenderPlanes(pose, *s), nil
	case l2scene.Sphere:
		return r.RenderSphere(pose, s), nil
	case *l2scene.Sphere:
		return r.RenderSphere(pose, *s), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedShape, shape)
	}
}

// RenderBatch renders shape at every pose in parallel. out[i] corresponds
// to poses[i].
func (r *Renderer) RenderBatch(ctx context.Context, poses []l1transform.Pose, shape l2scene.Shape) ([]*CoordinateImage, error) {
	out := make([]*CoordinateImage, len(poses))
	err := ParallelFor(ctx, r.workers, len(poses), func(i int) error {
		im, err := r.Render(poses[i], shape)
		if err != nil {
			return err
		}
		out[i] = im
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RenderPlanesBatch renders one box at many poses in parallel.
func (r *Renderer) RenderPlanesBatch(ctx context.Context, poses []l1transform.Pose, box l2scene.Box) ([]*CoordinateImage, error) {
	return r.RenderBatch(ctx, poses, box)
}

// ParallelFor runs fn(0..n-1) on at most workers goroutines and returns the
// first error. Cancellation of ctx stops scheduling further indices.
func ParallelFor(ctx context.Context, workers, n int, fn func(i int) error) error {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}
