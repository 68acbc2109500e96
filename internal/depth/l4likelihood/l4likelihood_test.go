package l4likelihood

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/depthpose/internal/config"
	"github.com/banshee-data/depthpose/internal/depth/l1transform"
	"github.com/banshee-data/depthpose/internal/depth/l2scene"
	"github.com/banshee-data/depthpose/internal/depth/l3render"
)

func smallCamera() l3render.Camera {
	return l3render.Camera{Height: 30, Width: 40, Fx: 50, Fy: 50, Cx: 20, Cy: 15}
}

func newScorer(t *testing.T) *PoseScorer {
	t.Helper()
	r, err := l3render.NewRenderer(smallCamera(), 2)
	require.NoError(t, err)
	s, err := NewPoseScorer(ScorerConfig{
		Renderer:    r,
		Shape:       l2scene.MustNewBox(l1transform.Vec3{1, 1, 1}),
		Model:       DefaultModel(),
		StateToPose: TranslationX(l1transform.FromTranslation(l1transform.Vec3{0, 0, 2})),
		StateDim:    1,
	})
	require.NoError(t, err)
	return s
}

func TestModelValidate(t *testing.T) {
	require.NoError(t, DefaultModel().Validate())

	tests := []struct {
		name  string
		model Model
	}{
		{"zero noise", Model{PointNoise: 0, OutlierProb: 0.1, OutlierVolume: 1}},
		{"negative prob", Model{PointNoise: 0.1, OutlierProb: -0.1, OutlierVolume: 1}},
		{"prob above one", Model{PointNoise: 0.1, OutlierProb: 1.1, OutlierVolume: 1}},
		{"nan prob", Model{PointNoise: 0.1, OutlierProb: math.NaN(), OutlierVolume: 1}},
		{"zero volume", Model{PointNoise: 0.1, OutlierProb: 0.1, OutlierVolume: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.model.Validate(), ErrInvalidModel)
		})
	}
}

func TestModelFromConfig(t *testing.T) {
	cfg := config.EmptyInferenceConfig()
	assert.Equal(t, DefaultModel(), ModelFromConfig(cfg))
}

func TestPixelLogDensity(t *testing.T) {
	m := Model{PointNoise: 0.5, OutlierProb: 0.2, OutlierVolume: 4}
	for _, r2 := range []float64{0, 0.01, 0.3, 2, 50} {
		gauss := math.Exp(-r2/(2*0.25)) / math.Pow(2*math.Pi*0.25, 1.5)
		want := math.Log(0.8*gauss + 0.2/4)
		assert.InDelta(t, want, m.PixelLogDensity(r2), 1e-12, "r2=%v", r2)
	}

	// Far residuals bottom out at the outlier floor.
	assert.InDelta(t, math.Log(0.2/4), m.PixelLogDensity(1e6), 1e-12)

	// Without an outlier component the density is the pure Gaussian.
	pure := Model{PointNoise: 1, OutlierProb: 0, OutlierVolume: 1}
	assert.InDelta(t, -1.5*math.Log(2*math.Pi)-0.5, pure.PixelLogDensity(1), 1e-12)
}

func TestLogLikelihoodMaximisedAtZeroResidual(t *testing.T) {
	s := newScorer(t)
	observed, err := s.Render([]float64{0})
	require.NoError(t, err)

	best, err := s.Model().LogLikelihood(observed, observed)
	require.NoError(t, err)

	for _, x := range []float64{-0.5, -0.105, 0.015, 0.045, 0.3, 3} {
		im, err := s.Render([]float64{x})
		require.NoError(t, err)
		got, err := s.Model().LogLikelihood(observed, im)
		require.NoError(t, err)
		assert.Less(t, got, best, "x=%v", x)
	}

	// Any single-pixel perturbation also lowers the score.
	perturbed := observed.Clone()
	p := perturbed.Point(15, 20)
	perturbed.Set(15, 20, p.Add(l1transform.Vec3{0, 0, 0.05}))
	got, err := s.Model().LogLikelihood(observed, perturbed)
	require.NoError(t, err)
	assert.Less(t, got, best)
}

func TestLogLikelihoodPeaksNearTruth(t *testing.T) {
	s := newScorer(t)
	observed, err := s.Render([]float64{0.3})
	require.NoError(t, err)

	states := [][]float64{{-0.5}, {0}, {0.25}, {0.3}, {0.35}, {0.6}}
	scores, err := s.LogLikelihoods(context.Background(), states, observed)
	require.NoError(t, err)
	require.Len(t, scores, len(states))

	best := 0
	for i := range scores {
		if scores[i] > scores[best] {
			best = i
		}
	}
	assert.Equal(t, 3, best)
	assert.Less(t, scores[0], scores[2])
}

func TestLogLikelihoodsMatchSequential(t *testing.T) {
	s := newScorer(t)
	observed, err := s.Render([]float64{-0.2})
	require.NoError(t, err)

	states := make([][]float64, 17)
	for i := range states {
		states[i] = []float64{-1 + 0.125*float64(i)}
	}
	batch, err := s.LogLikelihoods(context.Background(), states, observed)
	require.NoError(t, err)
	for i, st := range states {
		want, err := s.Score(st, observed)
		require.NoError(t, err)
		assert.Equal(t, want, batch[i])
	}
}

func TestShapeMismatch(t *testing.T) {
	s := newScorer(t)
	observed, err := s.Render([]float64{0})
	require.NoError(t, err)

	_, err = s.Model().LogLikelihood(observed, l3render.NewCoordinateImage(2, 2))
	assert.ErrorIs(t, err, l3render.ErrShapeMismatch)

	_, err = s.LogLikelihoods(context.Background(), [][]float64{{0}}, l3render.NewCoordinateImage(3, 3))
	assert.ErrorIs(t, err, l3render.ErrShapeMismatch)

	_, err = s.LogLikelihoods(context.Background(), [][]float64{{0}, {1, 2}}, observed)
	assert.ErrorIs(t, err, l3render.ErrShapeMismatch)

	_, err = s.Render(nil)
	assert.ErrorIs(t, err, l3render.ErrShapeMismatch)
}

func TestPoseScorerRejectsNonRigidPose(t *testing.T) {
	r, err := l3render.NewRenderer(smallCamera(), 2)
	require.NoError(t, err)
	shear := func(state []float64) l1transform.Pose {
		p := TranslationX(l1transform.FromTranslation(l1transform.Vec3{0, 0, 2}))(state)
		p[0], p[1] = 2, 0.7
		return p
	}
	s, err := NewPoseScorer(ScorerConfig{
		Renderer:    r,
		Shape:       l2scene.MustNewBox(l1transform.Vec3{1, 1, 1}),
		Model:       DefaultModel(),
		StateToPose: shear,
		StateDim:    1,
	})
	require.NoError(t, err)

	_, err = s.Pose([]float64{0})
	assert.ErrorIs(t, err, l1transform.ErrInvalidPose)
	_, err = s.Render([]float64{0})
	assert.ErrorIs(t, err, l1transform.ErrInvalidPose)

	observed, err := newScorer(t).Render([]float64{0})
	require.NoError(t, err)
	_, err = s.Score([]float64{0}, observed)
	assert.ErrorIs(t, err, l1transform.ErrInvalidPose)
	_, err = s.LogLikelihoods(context.Background(), [][]float64{{0}, {0.1}}, observed)
	assert.ErrorIs(t, err, l1transform.ErrInvalidPose)
}

func TestNewPoseScorerRejectsIncompleteConfig(t *testing.T) {
	r := l3render.MustNewRenderer(smallCamera(), 1)
	box := l2scene.MustNewBox(l1transform.Vec3{1, 1, 1})
	toPose := TranslationX(l1transform.Identity())

	_, err := NewPoseScorer(ScorerConfig{Shape: box, Model: DefaultModel(), StateToPose: toPose})
	assert.ErrorIs(t, err, ErrInvalidScorer)
	_, err = NewPoseScorer(ScorerConfig{Renderer: r, Model: DefaultModel(), StateToPose: toPose})
	assert.ErrorIs(t, err, ErrInvalidScorer)
	_, err = NewPoseScorer(ScorerConfig{Renderer: r, Shape: box, Model: DefaultModel()})
	assert.ErrorIs(t, err, ErrInvalidScorer)
	_, err = NewPoseScorer(ScorerConfig{Renderer: r, Shape: box, StateToPose: toPose})
	assert.ErrorIs(t, err, ErrInvalidModel)
}

func TestStateToPose(t *testing.T) {
	base := l1transform.FromTranslation(l1transform.Vec3{1, 2, 3})
	assert.Equal(t, l1transform.Vec3{-0.5, 2, 3}, TranslationX(base)([]float64{-0.5}).Translation())
	assert.Equal(t, l1transform.Vec3{1.5, 1, 3.25}, TranslationXYZ(base)([]float64{0.5, -1, 0.25}).Translation())
}
