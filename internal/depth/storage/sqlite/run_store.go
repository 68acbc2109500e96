package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/banshee-data/depthpose/internal/timeutil"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Run kinds.
const (
	KindTracking    = "tracking"
	KindRecognition = "recognition"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Run is one persisted experiment.
type Run struct {
	RunID                 string          `json:"run_id"`
	Kind                  string          `json:"kind"`
	ConfigJSON            json.RawMessage `json:"config_json,omitempty"`
	NumParticles          int             `json:"num_particles"`
	NumFrames             int             `json:"num_frames"`
	LogMarginalLikelihood *float64        `json:"log_marginal_likelihood,omitempty"`
	MeanAbsError          *float64        `json:"mean_abs_error,omitempty"`
	Status                string          `json:"status"`
	ErrorMessage          string          `json:"error_message,omitempty"`
	StartedAt             int64           `json:"started_at"`
	FinishedAt            *int64          `json:"finished_at,omitempty"`
}

// Step is one filter step of a tracking run.
type Step struct {
	RunID             string    `json:"run_id"`
	Step              int       `json:"step"`
	Truth             []float64 `json:"truth,omitempty"`
	Mean              []float64 `json:"mean"`
	StdDev            []float64 `json:"std_dev"`
	ESS               float64   `json:"ess"`
	LogEvidence       float64   `json:"log_evidence"`
	BestLogLikelihood float64   `json:"best_log_likelihood"`
	AbsError          *float64  `json:"abs_error,omitempty"`
}

// Match is one ranked candidate of a recognition run.
type Match struct {
	RunID     string      `json:"run_id"`
	Rank      int         `json:"rank"`
	Name      string      `json:"name"`
	PoseIndex int         `json:"pose_index"`
	Pose      [16]float64 `json:"pose"`
	Score     float64     `json:"score"`
}

// RunStore persists runs, steps and recognition matches.
type RunStore struct {
	db    *sql.DB
	clock timeutil.Clock
}

// NewRunStore creates a RunStore over a migrated database.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db, clock: timeutil.RealClock{}}
}

// SetClock replaces the clock used for run timestamps.
func (s *RunStore) SetClock(c timeutil.Clock) { s.clock = c }

// InsertRun persists a new run. Empty RunID, Status and StartedAt are
// filled in with a UUID, StatusRunning and the current time.
func (s *RunStore) InsertRun(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	if run.StartedAt == 0 {
		run.StartedAt = s.clock.Now().UnixNano()
	}
	var cfg interface{}
	if len(run.ConfigJSON) > 0 {
		cfg = string(run.ConfigJSON)
	}
	_, err := s.db.Exec(`
		INSERT INTO depth_runs (
			run_id, kind, config_json, num_particles, num_frames,
			status, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Kind, cfg, run.NumParticles, run.NumFrames,
		run.Status, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// CompleteRun records the summary of a finished tracking run. Pass nil
// for values that do not apply.
func (s *RunStore) CompleteRun(runID string, logMarginal, meanAbsError *float64) error {
	return s.finish(runID, StatusComplete, "", logMarginal, meanAbsError)
}

// FailRun marks a run as failed with the error that stopped it.
func (s *RunStore) FailRun(runID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(runID, StatusFailed, msg, nil, nil)
}

func (s *RunStore) finish(runID, status, msg string, logMarginal, mae *float64) error {
	res, err := s.db.Exec(`
		UPDATE depth_runs
		SET status = ?, error_message = ?, log_marginal_likelihood = ?,
		    mean_abs_error = ?, finished_at = ?
		WHERE run_id = ?`,
		status, nullString(msg), nullFloat(logMarginal), nullFloat(mae),
		s.clock.Now().UnixNano(), runID,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return nil
}

// InsertStep persists one filter step.
func (s *RunStore) InsertStep(st *Step) error {
	truth, err := marshalOptional(st.Truth)
	if err != nil {
		return err
	}
	mean, err := json.Marshal(st.Mean)
	if err != nil {
		return fmt.Errorf("marshal mean: %w", err)
	}
	std, err := json.Marshal(st.StdDev)
	if err != nil {
		return fmt.Errorf("marshal std: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO depth_run_steps (
			run_id, step, truth_json, mean_json, std_json,
			ess, log_evidence, best_log_likelihood, abs_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.RunID, st.Step, truth, string(mean), string(std),
		st.ESS, st.LogEvidence, st.BestLogLikelihood, nullFloat(st.AbsError),
	)
	if err != nil {
		return fmt.Errorf("insert step %d of %s: %w", st.Step, st.RunID, err)
	}
	return nil
}

// InsertMatches persists the ranked matches of a recognition run in one
// transaction.
func (s *RunStore) InsertMatches(matches []Match) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, m := range matches {
		pose, err := json.Marshal(m.Pose)
		if err != nil {
			return fmt.Errorf("marshal pose: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO depth_recognition_matches (run_id, rank, name, pose_index, pose_json, score)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.RunID, m.Rank, m.Name, m.PoseIndex, string(pose), m.Score,
		); err != nil {
			return fmt.Errorf("insert match %q: %w", m.Name, err)
		}
	}
	return tx.Commit()
}

const runColumns = `run_id, kind, config_json, num_particles, num_frames,
	log_marginal_likelihood, mean_abs_error, status, error_message,
	started_at, finished_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var cfg, msg sql.NullString
	var lml, mae sql.NullFloat64
	var finished sql.NullInt64
	if err := row.Scan(
		&r.RunID, &r.Kind, &cfg, &r.NumParticles, &r.NumFrames,
		&lml, &mae, &r.Status, &msg, &r.StartedAt, &finished,
	); err != nil {
		return nil, err
	}
	if cfg.Valid {
		r.ConfigJSON = json.RawMessage(cfg.String)
	}
	if lml.Valid {
		r.LogMarginalLikelihood = &lml.Float64
	}
	if mae.Valid {
		r.MeanAbsError = &mae.Float64
	}
	r.ErrorMessage = msg.String
	if finished.Valid {
		r.FinishedAt = &finished.Int64
	}
	return &r, nil
}

// GetRun returns a single run by ID.
func (s *RunStore) GetRun(runID string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM depth_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. limit <= 0 means no limit.
func (s *RunStore) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM depth_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListSteps returns the steps of a run in order.
func (s *RunStore) ListSteps(runID string) ([]*Step, error) {
	rows, err := s.db.Query(`
		SELECT run_id, step, truth_json, mean_json, std_json,
		       ess, log_evidence, best_log_likelihood, abs_error
		FROM depth_run_steps
		WHERE run_id = ?
		ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		var st Step
		var truth sql.NullString
		var mean, std string
		var absErr sql.NullFloat64
		if err := rows.Scan(
			&st.RunID, &st.Step, &truth, &mean, &std,
			&st.ESS, &st.LogEvidence, &st.BestLogLikelihood, &absErr,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if truth.Valid {
			if err := json.Unmarshal([]byte(truth.String), &st.Truth); err != nil {
				return nil, fmt.Errorf("decode truth of step %d: %w", st.Step, err)
			}
		}
		if err := json.Unmarshal([]byte(mean), &st.Mean); err != nil {
			return nil, fmt.Errorf("decode mean of step %d: %w", st.Step, err)
		}
		if err := json.Unmarshal([]byte(std), &st.StdDev); err != nil {
			return nil, fmt.Errorf("decode std of step %d: %w", st.Step, err)
		}
		if absErr.Valid {
			v := absErr.Float64
			st.AbsError = &v
		}
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

// ListMatches returns the matches of a recognition run, best first.
func (s *RunStore) ListMatches(runID string) ([]*Match, error) {
	rows, err := s.db.Query(`
		SELECT run_id, rank, name, pose_index, pose_json, score
		FROM depth_recognition_matches
		WHERE run_id = ?
		ORDER BY rank`, runID)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	var out []*Match
	for rows.Next() {
		var m Match
		var pose string
		if err := rows.Scan(&m.RunID, &m.Rank, &m.Name, &m.PoseIndex, &pose, &m.Score); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		if err := json.Unmarshal([]byte(pose), &m.Pose); err != nil {
			return nil, fmt.Errorf("decode pose of %q: %w", m.Name, err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and, by cascade, its steps and matches.
func (s *RunStore) DeleteRun(runID string) error {
	res, err := s.db.Exec(`DELETE FROM depth_runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return nil
}

func marshalOptional(v []float64) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
