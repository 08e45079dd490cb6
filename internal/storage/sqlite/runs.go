package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/abscal/transmission-fitter/internal/params"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is one persisted calibration run.
type Run struct {
	RunID        string          `json:"run_id"`
	Label        string          `json:"label,omitempty"`
	Catalog      string          `json:"catalog,omitempty"`
	Calibrators  int             `json:"calibrators"`
	Status       string          `json:"status"`
	Error        string          `json:"error,omitempty"`
	ConfigJSON   json.RawMessage `json:"config,omitempty"`
	FinalParams  params.Set      `json:"final_params"`
	FailedStages []string        `json:"failed_stages,omitempty"`
	CreatedAt    int64           `json:"created_at"`
	CompletedAt  int64           `json:"completed_at,omitempty"`
}

// InsertRun stores a new run in the running state. An empty RunID is
// replaced by a fresh UUID.
func (s *Store) InsertRun(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = s.now()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}

	var configStr interface{}
	if len(run.ConfigJSON) > 0 {
		configStr = string(run.ConfigJSON)
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO calibration_runs (
				run_id, label, catalog, calibrators, status, config_json, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.Label, run.Catalog, run.Calibrators, run.Status, configStr, run.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// CompleteRun records the outcome of a run. A non-nil runErr marks the run
// failed.
func (s *Store) CompleteRun(runID string, final params.Set, failedStages []string, runErr error) error {
	finalJSON, err := json.Marshal(final)
	if err != nil {
		return fmt.Errorf("encode final params: %w", err)
	}
	status := RunCompleted
	var errStr interface{}
	if runErr != nil {
		status = RunFailed
		errStr = runErr.Error()
	}
	var failedStr interface{}
	if len(failedStages) > 0 {
		failedStr = strings.Join(failedStages, ",")
	}

	return retryOnBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE calibration_runs
			SET status = ?, error = ?, final_params = ?, failed_stages = ?, completed_at = ?
			WHERE run_id = ?`,
			status, errStr, string(finalJSON), failedStr, s.now(), runID,
		)
		if err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
		return requireOneRow(res, "run", runID)
	})
}

const runColumns = `run_id, label, catalog, calibrators, status, error, config_json,
	final_params, failed_stages, created_at, completed_at`

// GetRun returns a run by ID.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM calibration_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run, err
}

// ListRuns returns up to limit runs, newest first. A limit of 0 or less
// returns every run.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM calibration_runs ORDER BY created_at DESC, run_id`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and its stages.
func (s *Store) DeleteRun(runID string) error {
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM calibration_stages WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete stages: %w", err)
		}
		res, err := tx.Exec(`DELETE FROM calibration_runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		if err := requireOneRow(res, "run", runID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*Run, error) {
	var r Run
	var errStr, configStr, finalStr, failedStr sql.NullString
	var completed sql.NullInt64
	err := sc.Scan(
		&r.RunID, &r.Label, &r.Catalog, &r.Calibrators, &r.Status, &errStr, &configStr,
		&finalStr, &failedStr, &r.CreatedAt, &completed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.Error = errStr.String
	if configStr.Valid {
		r.ConfigJSON = json.RawMessage(configStr.String)
	}
	if finalStr.Valid {
		if err := json.Unmarshal([]byte(finalStr.String), &r.FinalParams); err != nil {
			return nil, fmt.Errorf("run %s: decode final params: %w", r.RunID, err)
		}
	}
	if failedStr.Valid && failedStr.String != "" {
		r.FailedStages = strings.Split(failedStr.String, ",")
	}
	r.CompletedAt = completed.Int64
	return &r, nil
}

func requireOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
