package l5filter

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/depthpose/internal/config"
)

var (
	// ErrInvalidConfig is returned for unusable filter parameters.
	ErrInvalidConfig = errors.New("invalid filter config")
	// ErrShapeMismatch is returned when particle, weight, grid or score
	// lengths disagree.
	ErrShapeMismatch = errors.New("particle shape mismatch")
	// ErrDegenerateWeights is returned when a set of log-weights has no
	// finite total mass (all -Inf, NaN or +Inf).
	ErrDegenerateWeights = errors.New("degenerate particle weights")
)

// Config holds the filter parameters. Grid holds the offsets added to each
// drifted particle; every offset has the state dimension.
type Config struct {
	NumParticles int
	DriftScale   float64 // standard deviation of the Gaussian drift kernel
	Grid         [][]float64
	Seed         uint64
}

// DefaultConfig returns the 1-D tracking configuration: 100 particles,
// drift 0.1 and nine offsets from -1 to 1.
func DefaultConfig() Config {
	return Config{
		NumParticles: 100,
		DriftScale:   0.1,
		Grid:         UniformGrid(-1.0, 1.0, 0.25, 1),
		Seed:         3,
	}
}

// ConfigFromTuning builds a 1-D filter Config from the inference config.
func ConfigFromTuning(cfg *config.InferenceConfig) Config {
	return Config{
		NumParticles: cfg.GetNumParticles(),
		DriftScale:   cfg.GetDriftScale(),
		Grid:         UniformGrid(cfg.GetGridMin(), cfg.GetGridMax(), cfg.GetGridStep(), 1),
		Seed:         cfg.GetSeed(),
	}
}

// Validate checks the parameters and returns the state dimension implied
// by the grid.
func (c Config) Validate() (int, error) {
	if c.NumParticles <= 0 {
		return 0, fmt.Errorf("%w: num particles %d", ErrInvalidConfig, c.NumParticles)
	}
	if !(c.DriftScale > 0) || math.IsInf(c.DriftScale, 0) {
		return 0, fmt.Errorf("%w: drift scale %v", ErrInvalidConfig, c.DriftScale)
	}
	if len(c.Grid) == 0 {
		return 0, fmt.Errorf("%w: empty grid", ErrInvalidConfig)
	}
	dim := len(c.Grid[0])
	if dim == 0 {
		return 0, fmt.Errorf("%w: zero-dimensional grid offsets", ErrInvalidConfig)
	}
	for i, off := range c.Grid {
		if len(off) != dim {
			return 0, fmt.Errorf("%w: grid offset %d has %d values, want %d", ErrShapeMismatch, i, len(off), dim)
		}
		for _, v := range off {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, fmt.Errorf("%w: grid offset %d is not finite", ErrInvalidConfig, i)
			}
		}
	}
	return dim, nil
}

// UniformGrid returns the Cartesian product, over dims axes, of the values
// min, min+step, ... up to and including max (within 1e-9 of a step).
// UniformGrid(-1, 1, 0.25, 1) has nine offsets.
func UniformGrid(min, max, step float64, dims int) [][]float64 {
	if !(step > 0) || max < min || dims <= 0 {
		return nil
	}
	n := int(math.Floor((max-min)/step+1e-9)) + 1
	axis := make([]float64, n)
	for i := range axis {
		axis[i] = min + float64(i)*step
	}

	total := 1
	for d := 0; d < dims; d++ {
		total *= n
	}
	out := make([][]float64, total)
	for i := range out {
		off := make([]float64, dims)
		rem := i
		for d := dims - 1; d >= 0; d-- {
			off[d] = axis[rem%n]
			rem /= n
		}
		out[i] = off
	}
	return out
}
