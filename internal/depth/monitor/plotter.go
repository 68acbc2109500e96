package monitor

import (
	"context"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/depthpose/internal/depth/pipeline"
)

// TrajectorySample is one recorded filter step.
type TrajectorySample struct {
	Frame       int
	Truth       float64
	Mean        float64
	StdDev      float64
	AbsError    float64
	ESS         float64
	LogEvidence float64
}

// TrajectoryPlotter records the first state dimension of every step it
// receives and writes PNG plots once the run is over. It is a
// pipeline.StepSink.
type TrajectoryPlotter struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string
	samples   []TrajectorySample
}

// NewTrajectoryPlotter creates a stopped plotter.
func NewTrajectoryPlotter() *TrajectoryPlotter {
	return &TrajectoryPlotter{}
}

// Start initializes the plotter for a new run writing into outputDir.
func (tp *TrajectoryPlotter) Start(outputDir string) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	tp.outputDir = outputDir
	tp.enabled = true
	tp.samples = nil
	return nil
}

// Stop disables sampling. Call GeneratePlots to produce output files.
func (tp *TrajectoryPlotter) Stop() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.enabled = false
}

// IsEnabled returns true if the plotter is currently recording.
func (tp *TrajectoryPlotter) IsEnabled() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.enabled
}

// RecordStep implements pipeline.StepSink.
func (tp *TrajectoryPlotter) RecordStep(_ context.Context, rec pipeline.StepRecord) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if !tp.enabled || len(rec.Stats.Mean) == 0 {
		return nil
	}
	s := TrajectorySample{
		Frame:       rec.Frame,
		Mean:        rec.Stats.Mean[0],
		AbsError:    rec.AbsError,
		ESS:         rec.Stats.ESS,
		LogEvidence: rec.Stats.LogEvidence,
	}
	if len(rec.Stats.StdDev) > 0 {
		s.StdDev = rec.Stats.StdDev[0]
	}
	if len(rec.Truth) > 0 {
		s.Truth = rec.Truth[0]
	}
	tp.samples = append(tp.samples, s)
	return nil
}

// Samples returns a copy of the recorded samples in frame order.
func (tp *TrajectoryPlotter) Samples() []TrajectorySample {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	out := append([]TrajectorySample(nil), tp.samples...)
	sort.Slice(out, func(a, b int) bool { return out[a].Frame < out[b].Frame })
	return out
}

// GetOutputDir returns the current output directory for plots.
func (tp *TrajectoryPlotter) GetOutputDir() string {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.outputDir
}

// Plot file names written by GeneratePlots.
const (
	TrajectoryPlotFile = "trajectory.png"
	ErrorPlotFile      = "abs_error.png"
	ESSPlotFile        = "ess.png"
)

var (
	truthColor = color.RGBA{R: 40, G: 40, B: 40, A: 255}
	meanColor  = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	bandColor  = color.RGBA{R: 31, G: 119, B: 180, A: 110}
	errColor   = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// GeneratePlots writes the trajectory, error and ESS plots. It returns the
// paths written.
func (tp *TrajectoryPlotter) GeneratePlots() ([]string, error) {
	samples := tp.Samples()
	dir := tp.GetOutputDir()
	if dir == "" {
		return nil, fmt.Errorf("plotter was never started")
	}
	if len(samples) == 0 {
		return nil, nil
	}

	truth := make(plotter.XYs, len(samples))
	mean := make(plotter.XYs, len(samples))
	upper := make(plotter.XYs, len(samples))
	lower := make(plotter.XYs, len(samples))
	absErr := make(plotter.XYs, len(samples))
	ess := make(plotter.XYs, len(samples))
	for i, s := range samples {
		x := float64(s.Frame)
		truth[i] = plotter.XY{X: x, Y: s.Truth}
		mean[i] = plotter.XY{X: x, Y: s.Mean}
		upper[i] = plotter.XY{X: x, Y: s.Mean + s.StdDev}
		lower[i] = plotter.XY{X: x, Y: s.Mean - s.StdDev}
		absErr[i] = plotter.XY{X: x, Y: s.AbsError}
		ess[i] = plotter.XY{X: x, Y: s.ESS}
	}

	pTraj := newFramePlot("Tracked position", "x (m)")
	if err := addLine(pTraj, "truth", truth, truthColor, nil); err != nil {
		return nil, err
	}
	if err := addLine(pTraj, "particle mean", mean, meanColor, nil); err != nil {
		return nil, err
	}
	dashes := []vg.Length{vg.Points(4), vg.Points(3)}
	if err := addLine(pTraj, "mean + std", upper, bandColor, dashes); err != nil {
		return nil, err
	}
	if err := addLine(pTraj, "mean - std", lower, bandColor, dashes); err != nil {
		return nil, err
	}

	pErr := newFramePlot("Absolute tracking error", "|mean - truth| (m)")
	if err := addLine(pErr, "abs error", absErr, errColor, nil); err != nil {
		return nil, err
	}

	pESS := newFramePlot("Effective sample size", "ESS")
	if err := addLine(pESS, "ess", ess, meanColor, nil); err != nil {
		return nil, err
	}

	var written []string
	for _, out := range []struct {
		p    *plot.Plot
		name string
	}{
		{pTraj, TrajectoryPlotFile},
		{pErr, ErrorPlotFile},
		{pESS, ESSPlotFile},
	} {
		path := filepath.Join(dir, out.name)
		if err := out.p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
			return written, fmt.Errorf("save %s: %w", out.name, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func newFramePlot(title, yLabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = yLabel
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p
}

func addLine(p *plot.Plot, label string, pts plotter.XYs, c color.Color, dashes []vg.Length) error {
	l, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	l.Color = c
	l.Width = vg.Points(1)
	if dashes != nil {
		l.Dashes = dashes
	}
	p.Add(l)
	p.Legend.Add(label, l)
	return nil
}
