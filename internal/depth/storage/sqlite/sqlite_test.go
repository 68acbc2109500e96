package sqlite

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/depthpose/internal/timeutil"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) (*RunStore, *timeutil.MockClock) {
	t.Helper()
	store := NewRunStore(openTestDB(t).DB)
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	store.SetClock(clock)
	return store, clock
}

func ptr(v float64) *float64 { return &v }

func TestOpenAppliesPragmas(t *testing.T) {
	db := openTestDB(t)

	var journal string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestMigrations(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	defer db.Close()

	v, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateUp())
	v, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)

	// Idempotent.
	require.NoError(t, db.MigrateUp())

	require.NoError(t, db.MigrateDown())
	v, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='depth_recognition_matches'`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='depth_runs'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRunLifecycle(t *testing.T) {
	store, clock := newTestStore(t)

	run := &Run{Kind: KindTracking, ConfigJSON: json.RawMessage(`{"num_particles":100}`), NumParticles: 100, NumFrames: 2}
	require.NoError(t, store.InsertRun(run))
	require.NotEmpty(t, run.RunID)
	assert.Equal(t, StatusRunning, run.Status)
	started := run.StartedAt
	assert.Equal(t, clock.Now().UnixNano(), started)

	for i := 0; i < 2; i++ {
		require.NoError(t, store.InsertStep(&Step{
			RunID:             run.RunID,
			Step:              i,
			Truth:             []float64{float64(i)},
			Mean:              []float64{float64(i) + 0.01},
			StdDev:            []float64{0.05},
			ESS:               80,
			LogEvidence:       -12.5,
			BestLogLikelihood: 3000,
			AbsError:          ptr(0.01),
		}))
	}

	clock.Advance(2 * time.Second)
	require.NoError(t, store.CompleteRun(run.RunID, ptr(-25.0), ptr(0.01)))

	got, err := store.GetRun(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	assert.JSONEq(t, `{"num_particles":100}`, string(got.ConfigJSON))
	require.NotNil(t, got.LogMarginalLikelihood)
	assert.Equal(t, -25.0, *got.LogMarginalLikelihood)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, 2*time.Second, time.Duration(*got.FinishedAt-started))

	steps, err := store.ListSteps(run.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[1].Step)
	assert.Equal(t, []float64{1}, steps[1].Truth)
	assert.Equal(t, []float64{1.01}, steps[1].Mean)
	require.NotNil(t, steps[1].AbsError)
	assert.InDelta(t, 0.01, *steps[1].AbsError, 1e-12)
}

func TestDuplicateStepRejected(t *testing.T) {
	store, _ := newTestStore(t)
	run := &Run{Kind: KindTracking}
	require.NoError(t, store.InsertRun(run))
	st := &Step{RunID: run.RunID, Step: 0, Mean: []float64{0}, StdDev: []float64{0}}
	require.NoError(t, store.InsertStep(st))
	assert.Error(t, store.InsertStep(st))
}

func TestStepRequiresRun(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.InsertStep(&Step{RunID: "missing", Mean: []float64{0}, StdDev: []float64{0}})
	assert.Error(t, err)
}

func TestFailRun(t *testing.T) {
	store, _ := newTestStore(t)
	run := &Run{Kind: KindTracking}
	require.NoError(t, store.InsertRun(run))
	require.NoError(t, store.FailRun(run.RunID, errors.New("degenerate weights")))

	got, err := store.GetRun(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "degenerate weights", got.ErrorMessage)
	assert.Nil(t, got.LogMarginalLikelihood)
}

func TestMatches(t *testing.T) {
	store, _ := newTestStore(t)
	run := &Run{Kind: KindRecognition}
	require.NoError(t, store.InsertRun(run))

	var pose [16]float64
	pose[0], pose[5], pose[10], pose[15] = 1, 1, 1, 1
	pose[11] = 2
	require.NoError(t, store.InsertMatches([]Match{
		{RunID: run.RunID, Rank: 1, Name: "slab", PoseIndex: 3, Pose: pose, Score: -900},
		{RunID: run.RunID, Rank: 0, Name: "cube", PoseIndex: 7, Pose: pose, Score: -10},
	}))

	got, err := store.ListMatches(run.RunID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "cube", got[0].Name)
	assert.Equal(t, 7, got[0].PoseIndex)
	assert.Equal(t, pose, got[0].Pose)
	assert.Equal(t, "slab", got[1].Name)
}

func TestListRunsNewestFirst(t *testing.T) {
	store, clock := newTestStore(t)
	var ids []string
	for i := 0; i < 3; i++ {
		r := &Run{Kind: KindTracking}
		require.NoError(t, store.InsertRun(r))
		ids = append(ids, r.RunID)
		clock.Advance(time.Minute)
	}

	runs, err := store.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[2], runs[0].RunID)
	assert.Equal(t, ids[0], runs[2].RunID)

	runs, err = store.ListRuns(2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.GetRun("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.CompleteRun("nope", nil, nil), ErrNotFound)
	assert.ErrorIs(t, store.DeleteRun("nope"), ErrNotFound)
}

func TestDeleteRunCascades(t *testing.T) {
	store, _ := newTestStore(t)
	run := &Run{Kind: KindTracking}
	require.NoError(t, store.InsertRun(run))
	require.NoError(t, store.InsertStep(&Step{RunID: run.RunID, Mean: []float64{0}, StdDev: []float64{0}}))

	require.NoError(t, store.DeleteRun(run.RunID))
	steps, err := store.ListSteps(run.RunID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}
