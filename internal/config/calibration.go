package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/abscal/transmission-fitter/internal/dataset"
	"github.com/abscal/transmission-fitter/internal/model"
	"github.com/abscal/transmission-fitter/internal/solver"
	"github.com/abscal/transmission-fitter/internal/stage"
)

// DefaultConfigPath is the path to the canonical calibration defaults file.
const DefaultConfigPath = "config/calibration.defaults.json"

// CalibrationConfig holds the settings of one calibration run. Every field
// is optional; the Get* methods supply defaults for omitted fields.
type CalibrationConfig struct {
	// Catalog and field
	Catalog         *string  `json:"catalog,omitempty"`
	CenterRA        *float64 `json:"center_ra,omitempty"`
	CenterDec       *float64 `json:"center_dec,omitempty"`
	SearchRadiusDeg *float64 `json:"search_radius_deg,omitempty"`
	FrameWidth      *float64 `json:"frame_width,omitempty"`
	FrameHeight     *float64 `json:"frame_height,omitempty"`

	// Observing conditions for catalog rows that omit them
	Airmass      *float64 `json:"airmass,omitempty"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	PressureMbar *float64 `json:"pressure_mbar,omitempty"`

	// Wavelength grid
	GridMinNM  *float64 `json:"grid_min_nm,omitempty"`
	GridMaxNM  *float64 `json:"grid_max_nm,omitempty"`
	GridPoints *int     `json:"grid_points,omitempty"`

	// Solver
	MaxIterations      *int     `json:"max_iterations,omitempty"`
	MaxEvaluations     *int     `json:"max_evaluations,omitempty"`
	AbsTolerance       *float64 `json:"abs_tolerance,omitempty"`
	ConvergeIterations *int     `json:"converge_iterations,omitempty"`
	SimplexSize        *float64 `json:"simplex_size,omitempty"`
	SingularCondition  *float64 `json:"singular_condition,omitempty"`
	Regularization     *float64 `json:"regularization,omitempty"`
	Timeout            *string  `json:"timeout,omitempty"` // duration string like "10m"

	// Sigma clipping defaults for stages that enable it
	ClipSigma      *float64 `json:"clip_sigma,omitempty"`
	ClipIterations *int     `json:"clip_iterations,omitempty"`
	RobustClip     *bool    `json:"robust_clip,omitempty"`

	// Inputs and outputs
	StagesFile   *string `json:"stages_file,omitempty"`
	Database     *string `json:"database,omitempty"`
	OutputDir    *string `json:"output_dir,omitempty"`
	Plots        *bool   `json:"plots,omitempty"`
	ResidualMaps *bool   `json:"residual_maps,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyCalibrationConfig returns a config with every field unset.
func EmptyCalibrationConfig() *CalibrationConfig {
	return &CalibrationConfig{}
}

// LoadCalibrationConfig loads a CalibrationConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted
// from the file fall back to the Get* defaults.
func LoadCalibrationConfig(path string) (*CalibrationConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCalibrationConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. It panics if the file cannot be loaded and is
// meant for test setup.
func MustLoadDefaultConfig() *CalibrationConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/storage/sqlite/
	}
	for _, path := range candidates {
		if cfg, err := LoadCalibrationConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *CalibrationConfig) Validate() error {
	if c.SearchRadiusDeg != nil && !(*c.SearchRadiusDeg > 0 && *c.SearchRadiusDeg <= 180) {
		return fmt.Errorf("search_radius_deg must be in (0, 180], got %g", *c.SearchRadiusDeg)
	}
	if c.CenterDec != nil && math.Abs(*c.CenterDec) > 90 {
		return fmt.Errorf("center_dec must be within ±90, got %g", *c.CenterDec)
	}
	if c.FrameWidth != nil && *c.FrameWidth <= 0 {
		return fmt.Errorf("frame_width must be positive, got %g", *c.FrameWidth)
	}
	if c.FrameHeight != nil && *c.FrameHeight <= 0 {
		return fmt.Errorf("frame_height must be positive, got %g", *c.FrameHeight)
	}
	if c.Airmass != nil && *c.Airmass < 1 {
		return fmt.Errorf("airmass must be at least 1, got %g", *c.Airmass)
	}
	if c.PressureMbar != nil && *c.PressureMbar <= 0 {
		return fmt.Errorf("pressure_mbar must be positive, got %g", *c.PressureMbar)
	}
	if g := c.Grid(); g.MinNM <= 0 || g.MaxNM <= g.MinNM {
		return fmt.Errorf("wavelength grid %g-%g nm is empty", g.MinNM, g.MaxNM)
	}
	if c.GridPoints != nil && *c.GridPoints < 2 {
		return fmt.Errorf("grid_points must be at least 2, got %d", *c.GridPoints)
	}
	if c.MaxIterations != nil && *c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be positive, got %d", *c.MaxIterations)
	}
	if c.MaxEvaluations != nil && *c.MaxEvaluations < 1 {
		return fmt.Errorf("max_evaluations must be positive, got %d", *c.MaxEvaluations)
	}
	if c.AbsTolerance != nil && *c.AbsTolerance <= 0 {
		return fmt.Errorf("abs_tolerance must be positive, got %g", *c.AbsTolerance)
	}
	if c.SimplexSize != nil && *c.SimplexSize <= 0 {
		return fmt.Errorf("simplex_size must be positive, got %g", *c.SimplexSize)
	}
	if c.Regularization != nil && *c.Regularization < 0 {
		return fmt.Errorf("regularization must be non-negative, got %g", *c.Regularization)
	}
	if c.ClipSigma != nil && *c.ClipSigma <= 0 {
		return fmt.Errorf("clip_sigma must be positive, got %g", *c.ClipSigma)
	}
	if c.ClipIterations != nil && *c.ClipIterations < 1 {
		return fmt.Errorf("clip_iterations must be at least 1, got %d", *c.ClipIterations)
	}
	if c.Timeout != nil && *c.Timeout != "" {
		if _, err := time.ParseDuration(*c.Timeout); err != nil {
			return fmt.Errorf("invalid timeout '%s': %w", *c.Timeout, err)
		}
	}
	return nil
}

// GetCatalog returns the catalog path, or "" when unset.
func (c *CalibrationConfig) GetCatalog() string {
	if c.Catalog == nil {
		return ""
	}
	return *c.Catalog
}

// GetSearchRadiusDeg returns the search_radius_deg value or the default.
func (c *CalibrationConfig) GetSearchRadiusDeg() float64 {
	if c.SearchRadiusDeg == nil {
		return 1.0 // default
	}
	return *c.SearchRadiusDeg
}

// GetCenter returns the field center, (0, 0) when unset.
func (c *CalibrationConfig) GetCenter() dataset.Coord {
	var out dataset.Coord
	if c.CenterRA != nil {
		out.RA = *c.CenterRA
	}
	if c.CenterDec != nil {
		out.Dec = *c.CenterDec
	}
	return out
}

// Frame returns the detector frame, 4096x4096 by default.
func (c *CalibrationConfig) Frame() dataset.Frame {
	f := dataset.Frame{Width: 4096, Height: 4096}
	if c.FrameWidth != nil {
		f.Width = *c.FrameWidth
	}
	if c.FrameHeight != nil {
		f.Height = *c.FrameHeight
	}
	return f
}

// GetAirmass returns the airmass value or the default.
func (c *CalibrationConfig) GetAirmass() float64 {
	if c.Airmass == nil {
		return 1.0 // default
	}
	return *c.Airmass
}

// GetTemperatureC returns the temperature_c value or the default.
func (c *CalibrationConfig) GetTemperatureC() float64 {
	if c.TemperatureC == nil {
		return model.StandardTemperatureC
	}
	return *c.TemperatureC
}

// GetPressureMbar returns the pressure_mbar value or the default.
func (c *CalibrationConfig) GetPressureMbar() float64 {
	if c.PressureMbar == nil {
		return model.StandardPressureMbar
	}
	return *c.PressureMbar
}

// Loader returns the catalog loader described by the config.
func (c *CalibrationConfig) Loader() dataset.CSVLoader {
	return dataset.CSVLoader{
		Center:       c.GetCenter(),
		Frame:        c.Frame(),
		Airmass:      c.GetAirmass(),
		TemperatureC: c.GetTemperatureC(),
		PressureMbar: c.GetPressureMbar(),
	}
}

// Grid returns the wavelength grid, model.DefaultGrid for unset fields.
func (c *CalibrationConfig) Grid() model.GridConfig {
	g := model.DefaultGrid
	if c.GridMinNM != nil {
		g.MinNM = *c.GridMinNM
	}
	if c.GridMaxNM != nil {
		g.MaxNM = *c.GridMaxNM
	}
	if c.GridPoints != nil {
		g.Points = *c.GridPoints
	}
	return g
}

// SolverOptions returns the solver tolerances. Unset fields stay zero and
// take the solver's own defaults.
func (c *CalibrationConfig) SolverOptions() solver.Options {
	var o solver.Options
	if c.MaxIterations != nil {
		o.MaxIterations = *c.MaxIterations
	}
	if c.MaxEvaluations != nil {
		o.MaxEvaluations = *c.MaxEvaluations
	}
	if c.AbsTolerance != nil {
		o.AbsTolerance = *c.AbsTolerance
	}
	if c.ConvergeIterations != nil {
		o.ConvergeIterations = *c.ConvergeIterations
	}
	if c.SimplexSize != nil {
		o.SimplexSize = *c.SimplexSize
	}
	if c.SingularCondition != nil {
		o.SingularCondition = *c.SingularCondition
	}
	return o
}

// GetRegularization returns the regularization value or the default.
func (c *CalibrationConfig) GetRegularization() float64 {
	if c.Regularization == nil {
		return 0 // default
	}
	return *c.Regularization
}

// GetTimeout parses and returns the run timeout. Zero means no limit.
func (c *CalibrationConfig) GetTimeout() time.Duration {
	if c.Timeout == nil || *c.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// StageDefaults returns the settings applied to stages that leave them out.
func (c *CalibrationConfig) StageDefaults() stage.Defaults {
	d := stage.DefaultDefaults()
	if c.ClipSigma != nil {
		d.ClipSigma = *c.ClipSigma
	}
	if c.ClipIterations != nil {
		d.ClipIterations = *c.ClipIterations
	}
	if c.RobustClip != nil {
		d.Robust = *c.RobustClip
	}
	d.Regularization = c.GetRegularization()
	return d
}

// GetStagesFile returns the stage file path, or "" for the built-in
// sequence.
func (c *CalibrationConfig) GetStagesFile() string {
	if c.StagesFile == nil {
		return ""
	}
	return *c.StagesFile
}

// GetDatabase returns the results database path or the default.
func (c *CalibrationConfig) GetDatabase() string {
	if c.Database == nil || *c.Database == "" {
		return "abscal.db" // default
	}
	return *c.Database
}

// GetOutputDir returns the report directory or the default.
func (c *CalibrationConfig) GetOutputDir() string {
	if c.OutputDir == nil || *c.OutputDir == "" {
		return "reports" // default
	}
	return *c.OutputDir
}

// GetPlots returns the plots value or the default.
func (c *CalibrationConfig) GetPlots() bool {
	if c.Plots == nil {
		return true // default
	}
	return *c.Plots
}

// GetResidualMaps returns the residual_maps value or the default.
func (c *CalibrationConfig) GetResidualMaps() bool {
	if c.ResidualMaps == nil {
		return true // default
	}
	return *c.ResidualMaps
}
