package l6recognition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/depthpose/internal/depth/l1transform"
	"github.com/banshee-data/depthpose/internal/depth/l2scene"
	"github.com/banshee-data/depthpose/internal/depth/l3render"
	"github.com/banshee-data/depthpose/internal/depth/l4likelihood"
)

// ErrNoCandidates is returned when there is nothing to rank.
var ErrNoCandidates = errors.New("no candidates or poses to score")

// Candidate is one named shape in the recognition library.
type Candidate struct {
	Name  string
	Shape l2scene.Shape
}

// Match is the best pose found for one candidate.
type Match struct {
	Name      string
	PoseIndex int
	Pose      l1transform.Pose
	Score     float64
}

// Recognizer renders candidates at candidate poses and scores them.
type Recognizer struct {
	Renderer *l3render.Renderer
	Model    l4likelihood.Model
}

// NewRecognizer validates the model and returns a Recognizer.
func NewRecognizer(r *l3render.Renderer, m l4likelihood.Model) (*Recognizer, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil renderer", l4likelihood.ErrInvalidScorer)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &Recognizer{Renderer: r, Model: m}, nil
}

// ScorePoses returns the log-likelihood of observed for shape at every pose.
// Images are rendered and scored one at a time per worker, so memory stays
// flat however many poses are enumerated.
func (rc *Recognizer) ScorePoses(ctx context.Context, observed *l3render.CoordinateImage, shape l2scene.Shape, poses []l1transform.Pose) ([]float64, error) {
	cam := rc.Renderer.Camera()
	if observed == nil || observed.Height != cam.Height || observed.Width != cam.Width {
		return nil, fmt.Errorf("%w: observation does not match the %dx%d camera", l3render.ErrShapeMismatch, cam.Height, cam.Width)
	}
	scores := make([]float64, len(poses))
	err := l3render.ParallelFor(ctx, rc.Renderer.Workers(), len(poses), func(i int) error {
		im, err := rc.Renderer.Render(poses[i], shape)
		if err != nil {
			return err
		}
		scores[i], err = rc.Model.LogLikelihood(observed, im)
		return err
	})
	if err != nil {
		return nil, err
	}
	return scores, nil
}

// Recognize scores every candidate at every pose and returns one Match
// per candidate, best score first.
func (rc *Recognizer) Recognize(ctx context.Context, observed *l3render.CoordinateImage, candidates []Candidate, poses []l1transform.Pose) ([]Match, error) {
	if len(candidates) == 0 || len(poses) == 0 {
		return nil, ErrNoCandidates
	}
	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		scores, err := rc.ScorePoses(ctx, observed, c.Shape, poses)
		if err != nil {
			return nil, fmt.Errorf("candidate %q: %w", c.Name, err)
		}
		best := 0
		for i, s := range scores {
			if s > scores[best] || math.IsNaN(scores[best]) {
				best = i
			}
		}
		m := Match{Name: c.Name, PoseIndex: best, Pose: poses[best], Score: scores[best]}
		diagf("candidate %q: best pose %d of %d, score %.2f", c.Name, best, len(poses), m.Score)
		for i, s := range scores {
			tracef("candidate %q pose %d: %.3f", c.Name, i, s)
		}
		matches = append(matches, m)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}

// RecognizeAtCentroid anchors rotations at the centroid of the observed
// points and ranks the candidates there.
func (rc *Recognizer) RecognizeAtCentroid(ctx context.Context, observed *l3render.CoordinateImage, candidates []Candidate, rotations []l1transform.Pose) ([]Match, error) {
	center, err := CentroidPose(observed)
	if err != nil {
		return nil, err
	}
	return rc.Recognize(ctx, observed, candidates, PosesAround(center, rotations))
}
