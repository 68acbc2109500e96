package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/depthpose/internal/config"
	"github.com/banshee-data/depthpose/internal/depth/l1transform"
	"github.com/banshee-data/depthpose/internal/depth/l2scene"
	"github.com/banshee-data/depthpose/internal/depth/l3render"
	"github.com/banshee-data/depthpose/internal/depth/l4likelihood"
	"github.com/banshee-data/depthpose/internal/depth/l6recognition"
	"github.com/banshee-data/depthpose/internal/timeutil"
)

// RecognitionResult is the outcome of a recognition run.
type RecognitionResult struct {
	RunID      string
	Target     string
	TruePose   l1transform.Pose
	Observed   *l3render.CoordinateImage
	NumPoses   int
	Matches    []l6recognition.Match
	Recognized bool // the best match is the target
	Elapsed    time.Duration
}

// RecognitionExperiment renders Target from the candidate library at
// TruePose and ranks the library against the observation using a rotation
// grid anchored at the observation's centroid.
type RecognitionExperiment struct {
	Config     *config.InferenceConfig
	Candidates []l6recognition.Candidate
	Target     string
	TruePose   l1transform.Pose
	Recorder   RunRecorder
	Clock      timeutil.Clock
}

// DefaultCandidates builds a small library scaled by side: a cube, a flat
// slab, a long bar and a ball.
func DefaultCandidates(side float64) ([]l6recognition.Candidate, error) {
	cube, err := l2scene.NewCube(side)
	if err != nil {
		return nil, err
	}
	slab, err := l2scene.NewBox(l1transform.Vec3{side, side, side / 4})
	if err != nil {
		return nil, err
	}
	bar, err := l2scene.NewBox(l1transform.Vec3{side * 1.5, side / 4, side / 4})
	if err != nil {
		return nil, err
	}
	ball, err := l2scene.NewSphere(side / 2)
	if err != nil {
		return nil, err
	}
	return []l6recognition.Candidate{
		{Name: "cube", Shape: cube},
		{Name: "slab", Shape: slab},
		{Name: "bar", Shape: bar},
		{Name: "ball", Shape: ball},
	}, nil
}

// NewRecognitionExperiment builds the default library from cfg and places
// the target, slightly turned, at (0, 0, cube_depth).
func NewRecognitionExperiment(cfg *config.InferenceConfig, target string) (*RecognitionExperiment, error) {
	if cfg == nil {
		cfg = config.EmptyInferenceConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inference config: %w", err)
	}
	cands, err := DefaultCandidates(cfg.GetCubeSide())
	if err != nil {
		return nil, err
	}
	pose := l1transform.Compose(
		l1transform.FromTranslation(l1transform.Vec3{0, 0, cfg.GetCubeDepth()}),
		l1transform.FromAxisAngle(l1transform.Vec3{0, 1, 0}, math.Pi/8),
	)
	return &RecognitionExperiment{
		Config:     cfg,
		Candidates: cands,
		Target:     target,
		TruePose:   pose,
		Clock:      timeutil.RealClock{},
	}, nil
}

func (e *RecognitionExperiment) target() (l2scene.Shape, error) {
	for _, c := range e.Candidates {
		if c.Name == e.Target {
			return c.Shape, nil
		}
	}
	return nil, fmt.Errorf("target %q is not in the candidate library", e.Target)
}

// Run executes the experiment.
func (e *RecognitionExperiment) Run(ctx context.Context) (*RecognitionResult, error) {
	cfg := e.Config
	clock := e.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	start := clock.Now()

	shape, err := e.target()
	if err != nil {
		return nil, err
	}
	r, err := l3render.NewRenderer(l3render.CameraFromConfig(cfg), cfg.GetWorkers())
	if err != nil {
		return nil, err
	}
	rec, err := l6recognition.NewRecognizer(r, l4likelihood.ModelFromConfig(cfg))
	if err != nil {
		return nil, err
	}
	observed, err := r.Render(e.TruePose, shape)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	if e.Recorder != nil {
		if runID, err = e.Recorder.BeginRun(KindRecognition, cfg, 0, 1); err != nil {
			return nil, err
		}
	}

	rotations := l6recognition.RotationGrid(cfg.GetRecognitionDirections(), cfg.GetRecognitionAngles())
	matches, err := rec.RecognizeAtCentroid(ctx, observed, e.Candidates, rotations)
	if err != nil {
		if e.Recorder != nil {
			if ferr := e.Recorder.FailRun(runID, err); ferr != nil {
				opsf("run %s: recording failure: %v", runID, ferr)
			}
		}
		return nil, err
	}

	res := &RecognitionResult{
		RunID:      runID,
		Target:     e.Target,
		TruePose:   e.TruePose,
		Observed:   observed,
		NumPoses:   len(rotations),
		Matches:    matches,
		Recognized: matches[0].Name == e.Target,
		Elapsed:    clock.Since(start),
	}
	if e.Recorder != nil {
		if err := e.Recorder.RecordMatches(runID, matches); err != nil {
			opsf("run %s: recording matches: %v", runID, err)
		}
		if err := e.Recorder.CompleteRun(runID, math.NaN(), math.NaN()); err != nil {
			opsf("run %s: recording completion: %v", runID, err)
		}
	}
	diagf("run %s: target %q best %q (score %.1f) over %d poses in %v",
		runID, e.Target, matches[0].Name, matches[0].Score, res.NumPoses, res.Elapsed)
	return res, nil
}
