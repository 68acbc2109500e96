package l4likelihood

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/depthpose/internal/config"
	"github.com/banshee-data/depthpose/internal/depth/l3render"
)

// ErrInvalidModel is returned for out-of-range noise parameters.
var ErrInvalidModel = errors.New("invalid likelihood model")

// log(2π)
var log2Pi = math.Log(2 * math.Pi)

// Model is the per-pixel mixture of an isotropic Gaussian around the
// rendered point and a uniform outlier density over OutlierVolume.
type Model struct {
	PointNoise    float64 // Gaussian standard deviation per axis
	OutlierProb   float64 // mixture weight of the outlier component
	OutlierVolume float64 // the outlier density is 1/OutlierVolume
}

// DefaultModel returns the model used by the tracking experiment.
func DefaultModel() Model {
	return Model{PointNoise: 0.2, OutlierProb: 0.01, OutlierVolume: 1.0}
}

// ModelFromConfig builds a Model from the inference config.
func ModelFromConfig(cfg *config.InferenceConfig) Model {
	return Model{
		PointNoise:    cfg.GetPointNoise(),
		OutlierProb:   cfg.GetOutlierProb(),
		OutlierVolume: cfg.GetOutlierVolume(),
	}
}

// Validate checks the parameters.
func (m Model) Validate() error {
	if !(m.PointNoise > 0) || math.IsInf(m.PointNoise, 0) {
		return fmt.Errorf("%w: point noise %v", ErrInvalidModel, m.PointNoise)
	}
	if !(m.OutlierProb >= 0 && m.OutlierProb <= 1) {
		return fmt.Errorf("%w: outlier probability %v", ErrInvalidModel, m.OutlierProb)
	}
	if !(m.OutlierVolume > 0) || math.IsInf(m.OutlierVolume, 0) {
		return fmt.Errorf("%w: outlier volume %v", ErrInvalidModel, m.OutlierVolume)
	}
	return nil
}

// pixelTerms holds the residual-independent parts of the per-pixel density.
type pixelTerms struct {
	logInlier  float64 // log(1-p) + log N(0; 0, σ²I₃)
	logOutlier float64 // log(p) - log(V)
	invTwoVar  float64 // 1 / (2σ²)
}

func (m Model) terms() pixelTerms {
	v := m.PointNoise * m.PointNoise
	return pixelTerms{
		logInlier:  math.Log1p(-m.OutlierProb) - 1.5*(log2Pi+math.Log(v)),
		logOutlier: math.Log(m.OutlierProb) - math.Log(m.OutlierVolume),
		invTwoVar:  1 / (2 * v),
	}
}

// PixelLogDensity returns the log mixture density of one observed point
// given squared residual distance r2 to its rendered point.
func (m Model) PixelLogDensity(r2 float64) float64 {
	return m.terms().pixel(r2)
}

func (t pixelTerms) pixel(r2 float64) float64 {
	parts := [2]float64{t.logInlier - r2*t.invTwoVar, t.logOutlier}
	return floats.LogSumExp(parts[:])
}

// LogLikelihood sums the per-pixel mixture log-density of observed given
// rendered. Pixels are compared by xyz channel; invalid pixels carry the
// zero vector on both sides, so a miss in both images scores as an exact
// match. The result is maximised when observed equals rendered.
func (m Model) LogLikelihood(observed, rendered *l3render.CoordinateImage) (float64, error) {
	if err := l3render.CheckSameShape(observed, rendered); err != nil {
		return 0, err
	}
	t := m.terms()
	total := 0.0
	obs, ren := observed.Data, rendered.Data
	for i := 0; i < len(obs); i += l3render.Channels {
		dx := obs[i] - ren[i]
		dy := obs[i+1] - ren[i+1]
		dz := obs[i+2] - ren[i+2]
		total += t.pixel(dx*dx + dy*dy + dz*dz)
	}
	return total, nil
}
