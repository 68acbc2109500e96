package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/banshee-data/depthpose/internal/config"
	"github.com/banshee-data/depthpose/internal/depth/l6recognition"
	"github.com/banshee-data/depthpose/internal/depth/storage/sqlite"
)

// Run kinds as stored.
const (
	KindTracking    = sqlite.KindTracking
	KindRecognition = sqlite.KindRecognition
)

// RunRecorder persists run lifecycles.
type RunRecorder interface {
	BeginRun(kind string, cfg *config.InferenceConfig, particles, frames int) (string, error)
	CompleteRun(runID string, logMarginal, meanAbsError float64) error
	FailRun(runID string, cause error) error
	RecordMatches(runID string, matches []l6recognition.Match) error
}

// StoreRecorder records runs, steps and matches in a sqlite.RunStore. It
// is both a RunRecorder and a StepSink.
type StoreRecorder struct {
	Store *sqlite.RunStore
}

// NewStoreRecorder wraps store.
func NewStoreRecorder(store *sqlite.RunStore) *StoreRecorder {
	return &StoreRecorder{Store: store}
}

// BeginRun inserts a running run carrying the config as JSON.
func (r *StoreRecorder) BeginRun(kind string, cfg *config.InferenceConfig, particles, frames int) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	run := &sqlite.Run{Kind: kind, ConfigJSON: raw, NumParticles: particles, NumFrames: frames}
	if err := r.Store.InsertRun(run); err != nil {
		return "", err
	}
	return run.RunID, nil
}

// CompleteRun marks the run complete. NaN values are stored as NULL.
func (r *StoreRecorder) CompleteRun(runID string, logMarginal, meanAbsError float64) error {
	return r.Store.CompleteRun(runID, finite(logMarginal), finite(meanAbsError))
}

// FailRun marks the run failed.
func (r *StoreRecorder) FailRun(runID string, cause error) error {
	return r.Store.FailRun(runID, cause)
}

// RecordMatches stores matches in rank order.
func (r *StoreRecorder) RecordMatches(runID string, matches []l6recognition.Match) error {
	rows := make([]sqlite.Match, len(matches))
	for i, m := range matches {
		rows[i] = sqlite.Match{
			RunID:     runID,
			Rank:      i,
			Name:      m.Name,
			PoseIndex: m.PoseIndex,
			Pose:      m.Pose,
			Score:     m.Score,
		}
	}
	return r.Store.InsertMatches(rows)
}

// RecordStep stores one filter step.
func (r *StoreRecorder) RecordStep(_ context.Context, rec StepRecord) error {
	absErr := rec.AbsError
	return r.Store.InsertStep(&sqlite.Step{
		RunID:             rec.RunID,
		Step:              rec.Frame,
		Truth:             rec.Truth,
		Mean:              rec.Stats.Mean,
		StdDev:            rec.Stats.StdDev,
		ESS:               rec.Stats.ESS,
		LogEvidence:       rec.Stats.LogEvidence,
		BestLogLikelihood: rec.Stats.BestLogLikelihood,
		AbsError:          &absErr,
	})
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
