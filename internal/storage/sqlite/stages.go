package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/abscal/transmission-fitter/internal/params"
	"github.com/abscal/transmission-fitter/internal/solver"
)

// ResidualPoint is one calibrator's residual at the end of a stage.
type ResidualPoint struct {
	ID       string  `json:"id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Residual float64 `json:"residual"`
	DiffMag  float64 `json:"diff_mag"`
}

// StageRecord is one persisted stage result.
type StageRecord struct {
	RunID          string          `json:"run_id"`
	Index          int             `json:"index"`
	Name           string          `json:"name"`
	Method         string          `json:"method"`
	Status         solver.Status   `json:"status"`
	Cost           *float64        `json:"cost,omitempty"` // nil when the stage cost is not finite
	Iterations     int             `json:"iterations"`
	Evaluations    int             `json:"evaluations"`
	ClipIterations int             `json:"clip_iterations"`
	Removed        int             `json:"removed"`
	Condition      *float64        `json:"condition,omitempty"`
	Message        string          `json:"message,omitempty"`
	Params         params.Set      `json:"params"`
	Residuals      []ResidualPoint `json:"residuals,omitempty"`
	CreatedAt      int64           `json:"created_at"`
}

// NewStageRecord flattens a stage result. Residual points that are not
// finite are left out.
func NewStageRecord(runID string, index int, r solver.Result) StageRecord {
	rec := StageRecord{
		RunID:          runID,
		Index:          index,
		Name:           r.Stage,
		Method:         r.Method.String(),
		Status:         r.Status,
		Iterations:     r.Diagnostics.Iterations,
		Evaluations:    r.Diagnostics.FuncEvaluations,
		ClipIterations: r.Diagnostics.ClipIterations,
		Removed:        r.Diagnostics.Removed,
		Message:        r.Diagnostics.Message,
		Params:         r.Params,
	}
	if c := r.Cost; finite(c) {
		rec.Cost = &c
	}
	if c := r.Diagnostics.Condition; c != 0 && finite(c) {
		rec.Condition = &c
	}
	n := r.Dataset.Len()
	for i := 0; i < n && i < len(r.Residuals); i++ {
		res := r.Residuals[i]
		diff := math.NaN()
		if i < len(r.DiffMag) {
			diff = r.DiffMag[i]
		}
		if !finite(res) || !finite(diff) {
			continue
		}
		cal := r.Dataset.At(i)
		rec.Residuals = append(rec.Residuals, ResidualPoint{
			ID: cal.ID, X: cal.X, Y: cal.Y, Residual: res, DiffMag: diff,
		})
	}
	return rec
}

// InsertStage stores the result of the stage at index within a run.
func (s *Store) InsertStage(runID string, index int, r solver.Result) error {
	rec := NewStageRecord(runID, index, r)
	return s.InsertStageRecord(&rec)
}

// InsertStageRecord stores rec. A zero CreatedAt is set from the store clock.
func (s *Store) InsertStageRecord(rec *StageRecord) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = s.now()
	}
	paramsJSON, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("encode stage params: %w", err)
	}
	var residualsStr interface{}
	if len(rec.Residuals) > 0 {
		b, err := json.Marshal(rec.Residuals)
		if err != nil {
			return fmt.Errorf("encode residuals: %w", err)
		}
		residualsStr = string(b)
	}
	var cost, condition interface{}
	if rec.Cost != nil {
		cost = *rec.Cost
	}
	if rec.Condition != nil {
		condition = *rec.Condition
	}
	var message interface{}
	if rec.Message != "" {
		message = rec.Message
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO calibration_stages (
				run_id, stage_index, name, method, status, cost, iterations, evaluations,
				clip_iterations, removed, condition_number, message, params_json,
				residuals_json, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.RunID, rec.Index, rec.Name, rec.Method, rec.Status.String(), cost,
			rec.Iterations, rec.Evaluations, rec.ClipIterations, rec.Removed, condition,
			message, string(paramsJSON), residualsStr, rec.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert stage %s/%d: %w", rec.RunID, rec.Index, err)
		}
		return nil
	})
}

const stageColumns = `run_id, stage_index, name, method, status, cost, iterations, evaluations,
	clip_iterations, removed, condition_number, message, params_json, residuals_json, created_at`

// ListStages returns the stages of a run in run order.
func (s *Store) ListStages(runID string) ([]StageRecord, error) {
	rows, err := s.db.Query(`SELECT `+stageColumns+`
		FROM calibration_stages WHERE run_id = ? ORDER BY stage_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()

	var out []StageRecord
	for rows.Next() {
		rec, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// GetStage returns the stage of a run with the given name.
func (s *Store) GetStage(runID, name string) (*StageRecord, error) {
	row := s.db.QueryRow(`SELECT `+stageColumns+`
		FROM calibration_stages WHERE run_id = ? AND name = ?`, runID, name)
	rec, err := scanStage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage %s/%s: %w", runID, name, ErrNotFound)
	}
	return rec, err
}

func scanStage(sc scanner) (*StageRecord, error) {
	var rec StageRecord
	var status string
	var cost, condition sql.NullFloat64
	var message, paramsStr, residualsStr sql.NullString
	err := sc.Scan(
		&rec.RunID, &rec.Index, &rec.Name, &rec.Method, &status, &cost,
		&rec.Iterations, &rec.Evaluations, &rec.ClipIterations, &rec.Removed,
		&condition, &message, &paramsStr, &residualsStr, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan stage: %w", err)
	}
	if err := rec.Status.UnmarshalText([]byte(status)); err != nil {
		return nil, fmt.Errorf("stage %s/%d: %w", rec.RunID, rec.Index, err)
	}
	if cost.Valid {
		c := cost.Float64
		rec.Cost = &c
	}
	if condition.Valid {
		c := condition.Float64
		rec.Condition = &c
	}
	rec.Message = message.String
	if paramsStr.Valid {
		if err := json.Unmarshal([]byte(paramsStr.String), &rec.Params); err != nil {
			return nil, fmt.Errorf("stage %s/%d: decode params: %w", rec.RunID, rec.Index, err)
		}
	}
	if residualsStr.Valid {
		if err := json.Unmarshal([]byte(residualsStr.String), &rec.Residuals); err != nil {
			return nil, fmt.Errorf("stage %s/%d: decode residuals: %w", rec.RunID, rec.Index, err)
		}
	}
	return &rec, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
