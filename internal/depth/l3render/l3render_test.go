package l3render

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/depthpose/internal/config"
	"github.com/banshee-data/depthpose/internal/depth/l1transform"
	"github.com/banshee-data/depthpose/internal/depth/l2scene"
)

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(DefaultCamera(), 4)
	require.NoError(t, err)
	return r
}

func at(x, y, z float64) l1transform.Pose {
	return l1transform.FromTranslation(l1transform.Vec3{x, y, z})
}

func TestCameraValidate(t *testing.T) {
	require.NoError(t, DefaultCamera().Validate())

	tests := []struct {
		name string
		cam  Camera
	}{
		{"zero height", Camera{Height: 0, Width: 10, Fx: 1, Fy: 1}},
		{"negative focal", Camera{Height: 10, Width: 10, Fx: -1, Fy: 1}},
		{"nan focal", Camera{Height: 10, Width: 10, Fx: math.NaN(), Fy: 1}},
		{"nan principal point", Camera{Height: 10, Width: 10, Fx: 1, Fy: 1, Cx: math.NaN()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.cam.Validate(), ErrInvalidCamera)
			_, err := NewRenderer(tt.cam, 1)
			assert.ErrorIs(t, err, ErrInvalidCamera)
		})
	}
}

func TestProjectInvertsRayDirection(t *testing.T) {
	cam := DefaultCamera()
	for _, px := range [][2]int{{0, 0}, {60, 80}, {119, 159}, {17, 101}} {
		p := cam.RayDirection(px[0], px[1]).Scale(3.2)
		row, col, ok := cam.Project(p)
		require.True(t, ok)
		assert.InDelta(t, float64(px[0]), row, 1e-9)
		assert.InDelta(t, float64(px[1]), col, 1e-9)
	}
	_, _, ok := cam.Project(l1transform.Vec3{0, 0, -1})
	assert.False(t, ok)
}

func TestRenderPlanesFaceCentredDepth(t *testing.T) {
	r := newTestRenderer(t)
	cube, err := l2scene.NewCube(1.0)
	require.NoError(t, err)

	im := r.RenderPlanes(at(0, 0, 2), cube)
	assert.Equal(t, [Channels]float64{0, 0, 1.5, 1}, roundPixel(im.At(60, 80)))

	// Side faces are hidden behind the front face from a centred camera,
	// so the silhouette is the projected front face: |x| < 0.5 at z = 1.5.
	for col := 0; col < 160; col++ {
		x := (float64(col) - 80) / 200 * 1.5
		if math.Abs(math.Abs(x)-0.5) < 1e-6 {
			continue
		}
		assert.Equal(t, math.Abs(x) < 0.5, im.Valid(60, col), "col %d", col)
	}
}

func roundPixel(p [Channels]float64) [Channels]float64 {
	for i := range p {
		p[i] = math.Round(p[i]*1e9) / 1e9
	}
	return p
}

func TestRenderPlanesSilhouetteMissIsZero(t *testing.T) {
	r := newTestRenderer(t)
	cube := l2scene.MustNewBox(l1transform.Vec3{1, 1, 1})

	im := r.RenderPlanes(at(0, 0, 2), cube)
	assert.Equal(t, [Channels]float64{}, im.At(0, 0))
	assert.Equal(t, [Channels]float64{}, im.At(119, 159))
	assert.False(t, im.Valid(0, 0))
	assert.Greater(t, im.ValidCount(), 0)

	behind := r.RenderPlanes(at(0, 0, -2), cube)
	assert.Equal(t, 0, behind.ValidCount())
	for _, v := range behind.Data {
		require.Equal(t, 0.0, v)
	}
}

func TestRenderPlanesRotatedBoxIsFinite(t *testing.T) {
	r := newTestRenderer(t)
	box := l2scene.MustNewBox(l1transform.Vec3{0.4, 1, 0.7})

	// The bottom face plane y = 0 passes through the camera centre, so
	// row 60 rays run parallel to it.
	poses := []l1transform.Pose{
		at(0, 0.5, 3),
		l1transform.Compose(at(0.1, -0.2, 2.5), l1transform.FromAxisAngle(l1transform.Vec3{1, 1, 0}, 0.7)),
	}
	for _, pose := range poses {
		im := r.RenderPlanes(pose, box)
		assert.Greater(t, im.ValidCount(), 0)
		for i := 0; i < len(im.Data); i += Channels {
			p := im.Data[i : i+Channels]
			for _, v := range p {
				require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
			}
			if p[3] != 0 {
				require.Equal(t, 1.0, p[3])
				require.Greater(t, p[2], 0.0)
			} else {
				require.Equal(t, []float64{0, 0, 0, 0}, p)
			}
		}
	}
}

func TestRenderPlanesMultiObjectNearestWins(t *testing.T) {
	r := newTestRenderer(t)
	near := l2scene.MustNewBox(l1transform.Vec3{0.5, 0.5, 0.5})
	far := l2scene.MustNewBox(l1transform.Vec3{2, 2, 2})

	for _, order := range []bool{true, false} {
		poses := []l1transform.Pose{at(0, 0, 2), at(0, 0, 5)}
		boxes := []l2scene.Box{near, far}
		if !order {
			poses[0], poses[1] = poses[1], poses[0]
			boxes[0], boxes[1] = boxes[1], boxes[0]
		}
		im, err := r.RenderPlanesMultiObject(poses, boxes)
		require.NoError(t, err)
		assert.InDelta(t, 1.75, im.At(60, 80)[2], 1e-9)
		// Outside the near cube but inside the far one.
		assert.InDelta(t, 4.0, im.At(60, 120)[2], 1e-9)
	}

	_, err := r.RenderPlanesMultiObject([]l1transform.Pose{at(0, 0, 2)}, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestRenderSphere(t *testing.T) {
	r := newTestRenderer(t)
	ball, err := l2scene.NewSphere(0.5)
	require.NoError(t, err)

	im := r.RenderSphere(at(0, 0, 2), ball)
	assert.InDelta(t, 1.5, im.At(60, 80)[2], 1e-9)
	assert.Equal(t, 1.0, im.At(60, 80)[3])
	assert.False(t, im.Valid(0, 0))

	// Every hit lies on the sphere surface.
	centre := l1transform.Vec3{0, 0, 2}
	for _, p := range im.ValidPoints() {
		assert.InDelta(t, 0.5, p.Sub(centre).Norm(), 1e-9)
	}

	assert.Equal(t, 0, r.RenderSphere(at(0, 0, -2), ball).ValidCount())
	// Camera inside the sphere: the near root is behind the camera.
	assert.Equal(t, 0, r.RenderSphere(at(0, 0, 0.1), l2scene.Sphere{Radius: 1}).ValidCount())
}

func TestRenderSpheresNearestWins(t *testing.T) {
	r := newTestRenderer(t)
	im, err := r.RenderSpheres(
		[]l1transform.Pose{at(0, 0, 6), at(0, 0, 3)},
		[]l2scene.Sphere{{Radius: 2}, {Radius: 0.5}},
	)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, im.At(60, 80)[2], 1e-9)

	_, err = r.RenderSpheres([]l1transform.Pose{at(0, 0, 3)}, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestRenderCloud(t *testing.T) {
	r := newTestRenderer(t)
	cube := l2scene.MustNewBox(l1transform.Vec3{1, 1, 1})
	cloud := cube.SurfacePoints(5)

	im := r.RenderCloud(cloud, at(0, 0, 2), 1)
	assert.InDelta(t, 1.5, im.At(60, 80)[2], 1e-9)
	assert.True(t, im.Valid(59, 81))
	assert.False(t, im.Valid(0, 0))

	none := r.RenderCloud(cloud, at(0, 0, -3), 2)
	assert.Equal(t, 0, none.ValidCount())
}

func TestRenderDispatch(t *testing.T) {
	r := newTestRenderer(t)
	cube := l2scene.MustNewBox(l1transform.Vec3{1, 1, 1})

	got, err := r.Render(at(0, 0, 2), cube)
	require.NoError(t, err)
	assert.Equal(t, r.RenderPlanes(at(0, 0, 2), cube), got)

	got, err = r.Render(at(0, 0, 2), &l2scene.Sphere{Radius: 0.3})
	require.NoError(t, err)
	assert.InDelta(t, 1.7, got.At(60, 80)[2], 1e-9)

	_, err = r.Render(at(0, 0, 2), nil)
	assert.ErrorIs(t, err, ErrUnsupportedShape)
}

func TestRenderRejectsNonRigidPose(t *testing.T) {
	r := newTestRenderer(t)
	cube := l2scene.MustNewBox(l1transform.Vec3{1, 1, 1})
	sheared := at(0, 0, 2)
	sheared[0], sheared[1] = 2, 0.7

	_, err := r.Render(sheared, cube)
	assert.ErrorIs(t, err, l1transform.ErrInvalidPose)

	_, err = r.RenderBatch(context.Background(), []l1transform.Pose{at(0, 0, 2), sheared}, cube)
	assert.ErrorIs(t, err, l1transform.ErrInvalidPose)

	scaled := at(0, 0, 2)
	scaled[0], scaled[5], scaled[10] = 1.1, 1.1, 1.1
	_, err = r.Render(scaled, &l2scene.Sphere{Radius: 0.3})
	assert.ErrorIs(t, err, l1transform.ErrInvalidPose)
}

func TestRenderPlanesBatchMatchesSequential(t *testing.T) {
	r := newTestRenderer(t)
	cube := l2scene.MustNewBox(l1transform.Vec3{1, 1, 1})
	poses := make([]l1transform.Pose, 9)
	for i := range poses {
		poses[i] = at(-1+0.25*float64(i), 0, 2)
	}

	batch, err := r.RenderPlanesBatch(context.Background(), poses, cube)
	require.NoError(t, err)
	require.Len(t, batch, len(poses))
	for i, pose := range poses {
		if diff := cmp.Diff(r.RenderPlanes(pose, cube), batch[i]); diff != "" {
			t.Fatalf("pose %d differs (-sequential +batch):\n%s", i, diff)
		}
	}
}

func TestRenderBatchCancelled(t *testing.T) {
	r := newTestRenderer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.RenderBatch(ctx, []l1transform.Pose{at(0, 0, 2)}, l2scene.Sphere{Radius: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParallelFor(t *testing.T) {
	var calls atomic.Int64
	err := ParallelFor(context.Background(), 3, 50, func(i int) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(50), calls.Load())

	boom := errors.New("boom")
	err = ParallelFor(context.Background(), 2, 10, func(i int) error {
		if i == 4 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestDepthToCoordinatesRoundTrip(t *testing.T) {
	r := newTestRenderer(t)
	box := l2scene.MustNewBox(l1transform.Vec3{0.6, 0.8, 0.4})
	pose := l1transform.Compose(at(0.2, 0.1, 2.2), l1transform.FromAxisAngle(l1transform.Vec3{0, 1, 0}, 0.5))
	im := r.RenderPlanes(pose, box)

	lifted, err := DepthToCoordinates(im.Depth(), r.Camera())
	require.NoError(t, err)
	if diff := cmp.Diff(im, lifted, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("lifted image differs (-rendered +lifted):\n%s", diff)
	}

	_, err = DepthToCoordinates(make([]float64, 3), r.Camera())
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestCoordinateImageHelpers(t *testing.T) {
	im := NewCoordinateImage(2, 3)
	im.Set(1, 2, l1transform.Vec3{1, 2, 3})
	assert.True(t, im.Valid(1, 2))
	assert.Equal(t, l1transform.Vec3{1, 2, 3}, im.Point(1, 2))
	assert.Equal(t, 1, im.ValidCount())
	assert.Equal(t, []float64{0, 0, 0, 0, 0, 3}, im.Depth())

	cp := im.Clone()
	im.Clear(1, 2)
	assert.Equal(t, 0, im.ValidCount())
	assert.Equal(t, 1, cp.ValidCount())

	assert.NoError(t, CheckSameShape(im, cp))
	assert.ErrorIs(t, CheckSameShape(im, NewCoordinateImage(3, 2)), ErrShapeMismatch)
	assert.ErrorIs(t, CheckSameShape(im, nil), ErrShapeMismatch)
}

func TestCameraFromConfig(t *testing.T) {
	assert.Equal(t, DefaultCamera(), CameraFromConfig(config.EmptyInferenceConfig()))

	cfg := config.EmptyInferenceConfig()
	h, fx := 30, 50.0
	cfg.CameraHeight = &h
	cfg.CameraFx = &fx
	cam := CameraFromConfig(cfg)
	assert.Equal(t, 30, cam.Height)
	assert.Equal(t, 50.0, cam.Fx)
	assert.Equal(t, 160, cam.Width)
}
