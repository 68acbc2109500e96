package l5filter

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/depthpose/internal/depth/l3render"
)

// Scorer returns the log-likelihood of every state given one observation.
// Implementations must evaluate states independently; l4likelihood's
// PoseScorer is the production implementation.
type Scorer interface {
	LogLikelihoods(ctx context.Context, states [][]float64, observed *l3render.CoordinateImage) ([]float64, error)
}

// StepStats summarises one filter step.
type StepStats struct {
	Step int `json:"step"`
	// Mean and StdDev are per state dimension, over the resampled particles.
	Mean   []float64 `json:"mean"`
	StdDev []float64 `json:"std_dev"`
	// ESS is the effective sample size of the updated weights before
	// resampling.
	ESS float64 `json:"ess"`
	// LogEvidence is this step's increment of the log marginal likelihood.
	LogEvidence float64 `json:"log_evidence"`
	// BestLogLikelihood is the highest likelihood among the proposals.
	BestLogLikelihood float64 `json:"best_log_likelihood"`
}

// RunResult is the output of Run.
type RunResult struct {
	// History[t][n] is particle n after step t.
	History               [][][]float64
	Stats                 []StepStats
	LogMarginalLikelihood float64
}

// Filter is the resample-move particle filter. It owns its particles,
// log-weights and random state; a Filter must not be stepped concurrently.
type Filter struct {
	cfg    Config
	dim    int
	scorer Scorer

	particles [][]float64
	weights   []float64
	rng       *rand.Rand

	step    int
	history [][][]float64
	stats   []StepStats
}

// New builds a filter over initial particles. len(initial) must equal
// cfg.NumParticles and every particle must have the grid's dimension.
// Initial weights are uniform at log 1 = 0.
func New(cfg Config, scorer Scorer, initial [][]float64) (*Filter, error) {
	dim, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	if scorer == nil {
		return nil, fmt.Errorf("%w: nil scorer", ErrInvalidConfig)
	}
	if len(initial) != cfg.NumParticles {
		return nil, fmt.Errorf("%w: %d initial particles, config wants %d", ErrShapeMismatch, len(initial), cfg.NumParticles)
	}
	particles := make([][]float64, len(initial))
	for i, p := range initial {
		if len(p) != dim {
			return nil, fmt.Errorf("%w: particle %d has %d values, grid has %d", ErrShapeMismatch, i, len(p), dim)
		}
		particles[i] = append([]float64(nil), p...)
	}
	return &Filter{
		cfg:       cfg,
		dim:       dim,
		scorer:    scorer,
		particles: particles,
		weights:   make([]float64, len(particles)),
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// NewAt builds a filter with every particle at state.
func NewAt(cfg Config, scorer Scorer, state []float64) (*Filter, error) {
	if cfg.NumParticles < 0 {
		return nil, fmt.Errorf("%w: num particles %d", ErrInvalidConfig, cfg.NumParticles)
	}
	initial := make([][]float64, cfg.NumParticles)
	for i := range initial {
		initial[i] = state
	}
	return New(cfg, scorer, initial)
}

// Particles returns a copy of the current particle set.
func (f *Filter) Particles() [][]float64 { return cloneParticles(f.particles) }

// Weights returns a copy of the current log-weights.
func (f *Filter) Weights() []float64 { return append([]float64(nil), f.weights...) }

// Steps returns the number of completed steps.
func (f *Filter) Steps() int { return f.step }

// History returns the particle set after every completed step.
func (f *Filter) History() [][][]float64 { return f.history }

// Stats returns the diagnostics of every completed step.
func (f *Filter) Stats() []StepStats { return f.stats }

// LogMarginalLikelihood returns the running log marginal likelihood
// estimate, log(Σexp(w)) - log N.
func (f *Filter) LogMarginalLikelihood() float64 {
	return floats.LogSumExp(f.weights) - math.Log(float64(len(f.weights)))
}

// Mean returns the per-dimension particle mean.
func (f *Filter) Mean() []float64 { return ParticleMean(f.particles) }

// Step conditions the particle set on one observed frame.
func (f *Filter) Step(ctx context.Context, frame *l3render.CoordinateImage) (StepStats, error) {
	if err := ctx.Err(); err != nil {
		return StepStats{}, err
	}
	n, g, s := len(f.particles), len(f.cfg.Grid), f.cfg.DriftScale
	drift := distuv.Normal{Mu: 0, Sigma: s, Src: f.rng}

	// Drift every particle, then lay the offset grid around the drifted point.
	aux := make([][]float64, n)
	cands := make([][]float64, 0, n*g)
	for i, p := range f.particles {
		a := make([]float64, f.dim)
		for k := range a {
			a[k] = p[k] + drift.Rand()
		}
		aux[i] = a
		for _, off := range f.cfg.Grid {
			c := make([]float64, f.dim)
			floats.AddTo(c, a, off)
			cands = append(cands, c)
		}
	}

	lik, err := f.scorer.LogLikelihoods(ctx, cands, frame)
	if err != nil {
		return StepStats{}, fmt.Errorf("scoring grid candidates: %w", err)
	}
	if len(lik) != len(cands) {
		return StepStats{}, fmt.Errorf("%w: scorer returned %d values for %d candidates", ErrShapeMismatch, len(lik), len(cands))
	}

	updated := make([]float64, n)
	props := make([][]float64, n)
	fwd := make([]float64, g)
	rev := make([]float64, g)
	best := math.Inf(-1)
	for i, p := range f.particles {
		for k := 0; k < g; k++ {
			fwd[k] = lik[i*g+k] + kernelLogDensity(cands[i*g+k], p, s)
		}
		j, err := SampleLog(fwd, f.rng)
		if err != nil {
			opsf("step %d: forward grid of particle %d is degenerate", f.step, i)
			return StepStats{}, fmt.Errorf("forward grid of particle %d: %w", i, err)
		}
		prop := cands[i*g+j]

		for k, off := range f.cfg.Grid {
			rev[k] = offsetLogDensity(prop, off, s)
		}
		ri, err := SampleLog(rev, f.rng)
		if err != nil {
			return StepStats{}, fmt.Errorf("reverse grid of particle %d: %w", i, err)
		}

		updated[i] = f.weights[i] +
			lik[i*g+j] +
			kernelLogDensity(prop, p, s) -
			fwd[j] -
			kernelLogDensity(aux[i], p, s) +
			rev[ri]
		props[i] = prop
		best = math.Max(best, lik[i*g+j])
		tracef("step %d particle %d: aux=%v prop=%v j=%d i=%d w=%.4f", f.step, i, aux[i], prop, j, ri, updated[i])
	}

	logp, lse, err := LogNormalize(updated)
	if err != nil {
		opsf("step %d: updated weights are degenerate: %v", f.step, err)
		return StepStats{}, err
	}
	ess := EffectiveSampleSize(logp)

	parents, err := Resample(updated, n, f.rng)
	if err != nil {
		return StepStats{}, err
	}
	prevTotal := floats.LogSumExp(f.weights)
	next := make([][]float64, n)
	for i, parent := range parents {
		next[i] = append([]float64(nil), props[parent]...)
	}
	uniform := lse - math.Log(float64(n))
	for i := range f.weights {
		f.weights[i] = uniform
	}
	f.particles = next

	// Derive a fresh random state for the next step.
	f.rng = rand.New(rand.NewPCG(f.rng.Uint64(), f.rng.Uint64()))

	mean, std := particleMeanStd(next)
	st := StepStats{
		Step:              f.step,
		Mean:              mean,
		StdDev:            std,
		ESS:               ess,
		LogEvidence:       lse - prevTotal,
		BestLogLikelihood: best,
	}
	f.history = append(f.history, cloneParticles(next))
	f.stats = append(f.stats, st)
	diagf("step %d: mean=%v std=%v ess=%.1f log_evidence=%.3f", f.step, mean, std, ess, st.LogEvidence)
	f.step++
	return st, nil
}

// Run steps through every frame in order. Cancellation is checked between
// steps.
func (f *Filter) Run(ctx context.Context, frames []*l3render.CoordinateImage) (*RunResult, error) {
	for t, frame := range frames {
		if _, err := f.Step(ctx, frame); err != nil {
			return nil, fmt.Errorf("frame %d: %w", t, err)
		}
	}
	return &RunResult{
		History:               f.history,
		Stats:                 f.stats,
		LogMarginalLikelihood: f.LogMarginalLikelihood(),
	}, nil
}

// kernelLogDensity is Σ log φ((x-p)/s) over dimensions, φ the standard
// normal density.
func kernelLogDensity(x, p []float64, s float64) float64 {
	sum := 0.0
	for k := range x {
		sum += distuv.UnitNormal.LogProb((x[k] - p[k]) / s)
	}
	return sum
}

// offsetLogDensity is Σ log φ((x+off)/s), the reverse grid kernel.
func offsetLogDensity(x, off []float64, s float64) float64 {
	sum := 0.0
	for k := range x {
		sum += distuv.UnitNormal.LogProb((x[k] + off[k]) / s)
	}
	return sum
}

// ParticleMean returns the per-dimension mean of a particle set.
func ParticleMean(particles [][]float64) []float64 {
	mean, _ := particleMeanStd(particles)
	return mean
}

func particleMeanStd(particles [][]float64) ([]float64, []float64) {
	if len(particles) == 0 {
		return nil, nil
	}
	dim := len(particles[0])
	mean := make([]float64, dim)
	std := make([]float64, dim)
	col := make([]float64, len(particles))
	for k := 0; k < dim; k++ {
		for i, p := range particles {
			col[i] = p[k]
		}
		if len(col) > 1 {
			mean[k], std[k] = stat.MeanStdDev(col, nil)
		} else {
			mean[k] = col[0]
		}
	}
	return mean, std
}

func cloneParticles(ps [][]float64) [][]float64 {
	out := make([][]float64, len(ps))
	for i, p := range ps {
		out[i] = append([]float64(nil), p...)
	}
	return out
}
