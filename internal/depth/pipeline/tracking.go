package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/depthpose/internal/config"
	"github.com/banshee-data/depthpose/internal/depth/l1transform"
	"github.com/banshee-data/depthpose/internal/depth/l2scene"
	"github.com/banshee-data/depthpose/internal/depth/l3render"
	"github.com/banshee-data/depthpose/internal/depth/l4likelihood"
	"github.com/banshee-data/depthpose/internal/depth/l5filter"
	"github.com/banshee-data/depthpose/internal/timeutil"
)

// EvalWindow is the number of trailing frames the tracking error is
// averaged over.
const EvalWindow = 10

// StepRecord is what sinks receive after every filter step.
type StepRecord struct {
	RunID     string
	Frame     int
	Truth     []float64
	Stats     l5filter.StepStats
	AbsError  float64
	Particles [][]float64
	Observed  *l3render.CoordinateImage
}

// StepSink consumes step records as a run progresses.
type StepSink interface {
	RecordStep(ctx context.Context, rec StepRecord) error
}

// TrackingResult is the outcome of a tracking run.
type TrackingResult struct {
	RunID                 string
	Truth                 []float64
	Estimates             []float64
	AbsErrors             []float64
	MeanAbsError          float64 // over the last EvalWindow frames
	LogMarginalLikelihood float64
	Stats                 []l5filter.StepStats
	History               [][][]float64
	Observations          []*l3render.CoordinateImage
	Elapsed               time.Duration
}

// TrackingExperiment tracks a cube of side cube_side at depth cube_depth
// whose x position moves linearly from track_start to track_end over
// num_frames frames. The filter starts with every particle at initial_x.
type TrackingExperiment struct {
	Config   *config.InferenceConfig
	Sinks    []StepSink
	Recorder RunRecorder
	Clock    timeutil.Clock
}

// NewTrackingExperiment validates cfg and returns an experiment over it.
func NewTrackingExperiment(cfg *config.InferenceConfig) (*TrackingExperiment, error) {
	if cfg == nil {
		cfg = config.EmptyInferenceConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inference config: %w", err)
	}
	return &TrackingExperiment{Config: cfg, Clock: timeutil.RealClock{}}, nil
}

// Linspace returns n evenly spaced values from start to end inclusive.
func Linspace(start, end float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{start}
	}
	out := make([]float64, n)
	step := (end - start) / float64(n-1)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	out[n-1] = end
	return out
}

// TailMeanAbsError averages the last window entries of errs.
func TailMeanAbsError(errs []float64, window int) float64 {
	if len(errs) == 0 {
		return math.NaN()
	}
	if window <= 0 || window > len(errs) {
		window = len(errs)
	}
	return stat.Mean(errs[len(errs)-window:], nil)
}

// Scorer builds the pose scorer the experiment filters with: state [x]
// maps to a translation of (x, 0, cube_depth).
func (e *TrackingExperiment) Scorer() (*l4likelihood.PoseScorer, error) {
	cfg := e.Config
	r, err := l3render.NewRenderer(l3render.CameraFromConfig(cfg), cfg.GetWorkers())
	if err != nil {
		return nil, err
	}
	cube, err := l2scene.NewCube(cfg.GetCubeSide())
	if err != nil {
		return nil, err
	}
	return l4likelihood.NewPoseScorer(l4likelihood.ScorerConfig{
		Renderer:    r,
		Shape:       cube,
		Model:       l4likelihood.ModelFromConfig(cfg),
		StateToPose: l4likelihood.TranslationX(l1transform.FromTranslation(l1transform.Vec3{0, 0, cfg.GetCubeDepth()})),
		StateDim:    1,
	})
}

// Observations renders the ground-truth frames for truth.
func (e *TrackingExperiment) Observations(ctx context.Context, scorer *l4likelihood.PoseScorer, truth []float64) ([]*l3render.CoordinateImage, error) {
	frames := make([]*l3render.CoordinateImage, len(truth))
	err := l3render.ParallelFor(ctx, e.Config.GetWorkers(), len(truth), func(i int) error {
		im, err := scorer.Render([]float64{truth[i]})
		frames[i] = im
		return err
	})
	return frames, err
}

// Run executes the experiment.
func (e *TrackingExperiment) Run(ctx context.Context) (*TrackingResult, error) {
	cfg := e.Config
	clock := e.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	start := clock.Now()

	scorer, err := e.Scorer()
	if err != nil {
		return nil, err
	}
	truth := Linspace(cfg.GetTrackStart(), cfg.GetTrackEnd(), cfg.GetNumFrames())
	frames, err := e.Observations(ctx, scorer, truth)
	if err != nil {
		return nil, fmt.Errorf("rendering observations: %w", err)
	}
	diagf("rendered %d observation frames in %v", len(frames), clock.Since(start))

	fcfg := l5filter.ConfigFromTuning(cfg)
	f, err := l5filter.NewAt(fcfg, scorer, []float64{cfg.GetInitialX()})
	if err != nil {
		return nil, err
	}

	runID, err := e.begin(cfg, fcfg.NumParticles, len(frames))
	if err != nil {
		return nil, err
	}
	res := &TrackingResult{
		RunID:        runID,
		Truth:        truth,
		Estimates:    make([]float64, 0, len(frames)),
		AbsErrors:    make([]float64, 0, len(frames)),
		Observations: frames,
	}
	for t, frame := range frames {
		st, err := f.Step(ctx, frame)
		if err != nil {
			err = fmt.Errorf("frame %d: %w", t, err)
			e.fail(runID, err)
			return nil, err
		}
		est := st.Mean[0]
		absErr := math.Abs(est - truth[t])
		res.Estimates = append(res.Estimates, est)
		res.AbsErrors = append(res.AbsErrors, absErr)
		e.publish(ctx, StepRecord{
			RunID:     runID,
			Frame:     t,
			Truth:     []float64{truth[t]},
			Stats:     st,
			AbsError:  absErr,
			Particles: f.Particles(),
			Observed:  frame,
		})
	}

	res.Stats = f.Stats()
	res.History = f.History()
	res.LogMarginalLikelihood = f.LogMarginalLikelihood()
	res.MeanAbsError = TailMeanAbsError(res.AbsErrors, EvalWindow)
	res.Elapsed = clock.Since(start)
	e.complete(runID, res.LogMarginalLikelihood, res.MeanAbsError)
	diagf("run %s: %d frames, MAE(last %d)=%.4f, log Z=%.2f, %v",
		runID, len(frames), EvalWindow, res.MeanAbsError, res.LogMarginalLikelihood, res.Elapsed)
	return res, nil
}

func (e *TrackingExperiment) begin(cfg *config.InferenceConfig, particles, frames int) (string, error) {
	if e.Recorder == nil {
		return uuid.New().String(), nil
	}
	return e.Recorder.BeginRun(KindTracking, cfg, particles, frames)
}

func (e *TrackingExperiment) complete(runID string, logZ, mae float64) {
	if e.Recorder == nil {
		return
	}
	if err := e.Recorder.CompleteRun(runID, logZ, mae); err != nil {
		opsf("run %s: recording completion: %v", runID, err)
	}
}

func (e *TrackingExperiment) fail(runID string, cause error) {
	if e.Recorder == nil {
		return
	}
	if err := e.Recorder.FailRun(runID, cause); err != nil {
		opsf("run %s: recording failure: %v", runID, err)
	}
}

// publish hands rec to every sink. Sink errors are logged, never returned.
func (e *TrackingExperiment) publish(ctx context.Context, rec StepRecord) {
	for _, s := range e.Sinks {
		if err := s.RecordStep(ctx, rec); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			opsf("run %s frame %d: sink %T: %v", rec.RunID, rec.Frame, s, err)
			continue
		}
		tracef("run %s frame %d: delivered to %T", rec.RunID, rec.Frame, s)
	}
}
