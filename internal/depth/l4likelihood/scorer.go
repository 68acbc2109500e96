package l4likelihood

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/depthpose/internal/depth/l1transform"
	"github.com/banshee-data/depthpose/internal/depth/l2scene"
	"github.com/banshee-data/depthpose/internal/depth/l3render"
)

// ErrInvalidScorer is returned by NewPoseScorer for incomplete configs.
var ErrInvalidScorer = errors.New("invalid scorer config")

// StateToPose maps a filter state vector to an object pose.
type StateToPose func(state []float64) l1transform.Pose

// TranslationX places the object at base with its x translation replaced
// by state[0].
func TranslationX(base l1transform.Pose) StateToPose {
	return func(state []float64) l1transform.Pose {
		p := base
		p[3] = state[0]
		return p
	}
}

// TranslationXYZ offsets base by the first three state entries.
func TranslationXYZ(base l1transform.Pose) StateToPose {
	return func(state []float64) l1transform.Pose {
		p := base
		p[3] += state[0]
		p[7] += state[1]
		p[11] += state[2]
		return p
	}
}

// ScorerConfig binds everything a scorer needs. It is read-only once the
// scorer is built.
type ScorerConfig struct {
	Renderer    *l3render.Renderer
	Shape       l2scene.Shape
	Model       Model
	StateToPose StateToPose
	StateDim    int // required length of every state; 0 accepts any length
}

// PoseScorer renders states and scores them against an observation. It has
// no mutable state and is safe for concurrent use.
type PoseScorer struct {
	cfg ScorerConfig
}

// NewPoseScorer validates cfg and returns a bound scorer.
func NewPoseScorer(cfg ScorerConfig) (*PoseScorer, error) {
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("%w: nil renderer", ErrInvalidScorer)
	}
	if cfg.Shape == nil {
		return nil, fmt.Errorf("%w: nil shape", ErrInvalidScorer)
	}
	if cfg.StateToPose == nil {
		return nil, fmt.Errorf("%w: nil state mapping", ErrInvalidScorer)
	}
	if err := cfg.Model.Validate(); err != nil {
		return nil, err
	}
	return &PoseScorer{cfg: cfg}, nil
}

// Camera returns the camera the scorer renders with.
func (s *PoseScorer) Camera() l3render.Camera { return s.cfg.Renderer.Camera() }

// Model returns the bound likelihood model.
func (s *PoseScorer) Model() Model { return s.cfg.Model }

func (s *PoseScorer) checkState(state []float64) error {
	if len(state) == 0 || (s.cfg.StateDim > 0 && len(state) != s.cfg.StateDim) {
		return fmt.Errorf("%w: state has %d values, want %d", l3render.ErrShapeMismatch, len(state), s.cfg.StateDim)
	}
	return nil
}

// Pose maps a state to its pose. A mapping that yields a non-rigid
// transform is reported as l1transform.ErrInvalidPose.
func (s *PoseScorer) Pose(state []float64) (l1transform.Pose, error) {
	if err := s.checkState(state); err != nil {
		return l1transform.Identity(), err
	}
	pose := s.cfg.StateToPose(state)
	if err := l1transform.Validate(pose); err != nil {
		return l1transform.Identity(), fmt.Errorf("state %v: %w", state, err)
	}
	return pose, nil
}

// Render returns the coordinate image of the shape at the pose of state.
func (s *PoseScorer) Render(state []float64) (*l3render.CoordinateImage, error) {
	pose, err := s.Pose(state)
	if err != nil {
		return nil, err
	}
	return s.cfg.Renderer.Render(pose, s.cfg.Shape)
}

// Score returns the log-likelihood of observed given state.
func (s *PoseScorer) Score(state []float64, observed *l3render.CoordinateImage) (float64, error) {
	im, err := s.Render(state)
	if err != nil {
		return 0, err
	}
	return s.cfg.Model.LogLikelihood(observed, im)
}

// LogLikelihoods scores every state against observed. States are rendered
// and scored independently on the renderer's worker pool; out[i]
// corresponds to states[i].
func (s *PoseScorer) LogLikelihoods(ctx context.Context, states [][]float64, observed *l3render.CoordinateImage) ([]float64, error) {
	cam := s.Camera()
	if observed == nil || observed.Height != cam.Height || observed.Width != cam.Width {
		return nil, fmt.Errorf("%w: observation does not match the %dx%d camera", l3render.ErrShapeMismatch, cam.Height, cam.Width)
	}
	out := make([]float64, len(states))
	err := l3render.ParallelFor(ctx, s.cfg.Renderer.Workers(), len(states), func(i int) error {
		v, err := s.Score(states[i], observed)
		if err != nil {
			return fmt.Errorf("state %d: %w", i, err)
		}
		out[i] = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
