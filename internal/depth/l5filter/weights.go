package l5filter

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// LogNormalize returns logw shifted so that its exponentials sum to one,
// together with the log of the original total mass.
func LogNormalize(logw []float64) ([]float64, float64, error) {
	if len(logw) == 0 {
		return nil, 0, fmt.Errorf("%w: no weights", ErrShapeMismatch)
	}
	lse := floats.LogSumExp(logw)
	if math.IsNaN(lse) || math.IsInf(lse, 0) {
		return nil, lse, fmt.Errorf("%w: log total mass is %v", ErrDegenerateWeights, lse)
	}
	out := make([]float64, len(logw))
	for i, w := range logw {
		if math.IsNaN(w) {
			return nil, lse, fmt.Errorf("%w: weight %d is NaN", ErrDegenerateWeights, i)
		}
		out[i] = w - lse
	}
	return out, lse, nil
}

// EffectiveSampleSize returns 1/Σpᵢ² for normalised log-weights.
func EffectiveSampleSize(logp []float64) float64 {
	sum := 0.0
	for _, lp := range logp {
		p := math.Exp(lp)
		sum += p * p
	}
	if sum == 0 {
		return 0
	}
	return 1 / sum
}

// probabilities exponentiates normalised log-weights.
func probabilities(logp []float64) []float64 {
	out := make([]float64, len(logp))
	for i, lp := range logp {
		out[i] = math.Exp(lp)
	}
	return out
}

// SampleLog draws one index from the categorical distribution with
// unnormalised log-probabilities logw. logw is normalised in place.
func SampleLog(logw []float64, src rand.Source) (int, error) {
	lse := floats.LogSumExp(logw)
	if math.IsNaN(lse) || math.IsInf(lse, 0) {
		return 0, fmt.Errorf("%w: log total mass is %v", ErrDegenerateWeights, lse)
	}
	floats.AddConst(-lse, logw)
	c := distuv.NewCategorical(probabilities(logw), src)
	return int(c.Rand()), nil
}

// Resample draws n parent indices with replacement, proportional to
// exp(logw) (multinomial resampling).
func Resample(logw []float64, n int, src rand.Source) ([]int, error) {
	logp, _, err := LogNormalize(logw)
	if err != nil {
		return nil, err
	}
	c := distuv.NewCategorical(probabilities(logp), src)
	out := make([]int, n)
	for i := range out {
		out[i] = int(c.Rand())
	}
	return out, nil
}
