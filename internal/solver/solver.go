// Package solver fits the free parameters of one calibration stage, either
// in closed form for the linear field-correction terms or by simplex search
// for everything else, with optional sigma clipping between passes.
package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/abscal/transmission-fitter/internal/dataset"
	"github.com/abscal/transmission-fitter/internal/fieldcorr"
	"github.com/abscal/transmission-fitter/internal/model"
	"github.com/abscal/transmission-fitter/internal/params"
	"github.com/abscal/transmission-fitter/internal/sigmaclip"
)

// Error classes. Errors returned by Solve wrap one of these, or the
// context's error on cancellation.
var (
	// ErrConfig marks a stage that cannot run as configured. It is raised
	// before any model evaluation.
	ErrConfig = errors.New("configuration error")
	// ErrInsufficientData marks an empty dataset, either on input or after
	// clipping removed every calibrator.
	ErrInsufficientData = errors.New("insufficient data")
)

// Method selects the solver implementation.
type Method int

const (
	MethodNonlinear Method = iota
	MethodLinear
)

func (m Method) String() string {
	switch m {
	case MethodNonlinear:
		return "nonlinear"
	case MethodLinear:
		return "linear"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// ParseMethod maps a configuration string onto a Method.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nonlinear":
		return MethodNonlinear, nil
	case "linear":
		return MethodLinear, nil
	default:
		return 0, fmt.Errorf("%w: unknown solver method %q (want linear or nonlinear)", ErrConfig, s)
	}
}

// Status is the exit status of a stage solve.
type Status int

const (
	StatusSuccess Status = iota
	// StatusIterationLimit means the search stopped at an iteration or
	// evaluation cap. The result is usable.
	StatusIterationLimit
	// StatusSingular means the linear system could not be solved without
	// regularization.
	StatusSingular
	// StatusNumerical means the model could not be evaluated at the
	// solution or the search failed.
	StatusNumerical
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusIterationLimit:
		return "iteration_limit"
	case StatusSingular:
		return "singular"
	case StatusNumerical:
		return "numerical_failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Failed reports whether the stage produced no trustworthy solution.
func (s Status) Failed() bool { return s == StatusSingular || s == StatusNumerical }

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	for _, c := range []Status{StatusSuccess, StatusIterationLimit, StatusSingular, StatusNumerical} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// Args is everything a solver needs for one stage.
type Args struct {
	Stage     string
	FreeNames []string
	// Fixed holds every parameter held constant, overrides included.
	Fixed params.Set
	// Overrides are the stage's explicit constants. They are copied into
	// the result.
	Overrides params.Set
	// Initial holds a starting value for every free name. Only the
	// nonlinear solver reads it.
	Initial        params.Set
	Clip           sigmaclip.Config
	Field          fieldcorr.Model
	Regularization float64
	Dataset        *dataset.Dataset
	Model          model.ForwardModel
}

// Diagnostics reports solver effort and conditioning.
type Diagnostics struct {
	Iterations      int     `json:"iterations"`
	FuncEvaluations int     `json:"func_evaluations"`
	ClipIterations  int     `json:"clip_iterations"`
	Removed         int     `json:"removed"`
	Condition       float64 `json:"-"` // 0 when not applicable; may be +Inf
	Message         string  `json:"message,omitempty"`
}

// Result is the outcome of one stage.
type Result struct {
	Stage       string
	Method      Method
	Params      params.Set
	Cost        float64
	Status      Status
	Diagnostics Diagnostics
	Residuals   []float64
	DiffMag     []float64
	// Dataset is the dataset the final cost was computed on.
	Dataset *dataset.Dataset
}

// Solver runs one stage.
type Solver interface {
	Method() Method
	Solve(ctx context.Context, args Args) (Result, error)
}

// Options tune both solvers. Zero values take defaults.
type Options struct {
	MaxIterations      int
	MaxEvaluations     int
	AbsTolerance       float64
	ConvergeIterations int
	SimplexSize        float64
	// SingularCondition is the condition number of the normal matrix above
	// which an unregularized linear solve is reported as singular.
	SingularCondition float64
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 5000
	}
	if o.MaxEvaluations <= 0 {
		o.MaxEvaluations = 20000
	}
	if o.AbsTolerance <= 0 {
		o.AbsTolerance = 1e-14
	}
	if o.ConvergeIterations <= 0 {
		o.ConvergeIterations = 50
	}
	if o.SimplexSize <= 0 {
		o.SimplexSize = 0.05
	}
	if o.SingularCondition <= 0 {
		o.SingularCondition = 1e12
	}
	return o
}

// New returns the solver for method.
func New(method Method, opts Options) (Solver, error) {
	opts = opts.withDefaults()
	switch method {
	case MethodNonlinear:
		return &Nonlinear{opts: opts}, nil
	case MethodLinear:
		return &Linear{opts: opts}, nil
	default:
		return nil, fmt.Errorf("%w: unknown solver method %v", ErrConfig, method)
	}
}

// validateCommon checks the arguments shared by both solvers.
func validateCommon(args Args) error {
	if args.Model == nil {
		return fmt.Errorf("%w: stage %q has no model", ErrConfig, args.Stage)
	}
	if len(args.FreeNames) == 0 {
		return fmt.Errorf("%w: stage %q has no free parameters", ErrConfig, args.Stage)
	}
	seen := make(map[string]struct{}, len(args.FreeNames))
	for _, n := range args.FreeNames {
		if _, dup := seen[n]; dup {
			return fmt.Errorf("%w: stage %q lists %q twice", ErrConfig, args.Stage, n)
		}
		seen[n] = struct{}{}
	}
	if err := args.Clip.Validate(); err != nil {
		return fmt.Errorf("%w: stage %q: %v", ErrConfig, args.Stage, err)
	}
	if args.Dataset.Len() == 0 {
		return fmt.Errorf("%w: stage %q: %v", ErrInsufficientData, args.Stage, dataset.ErrEmpty)
	}
	return nil
}

// compose builds the parameter set for an evaluation: fixed values with the
// free values laid over them.
func compose(fixed params.Set, names []string, x []float64) params.Set {
	pairs := make([]params.Pair, len(names))
	for i, n := range names {
		pairs[i] = params.Pair{Name: n, Value: x[i]}
	}
	return fixed.Merge(params.New(pairs...))
}

// resultParams is the free solution followed by the stage overrides.
func resultParams(names []string, x []float64, overrides params.Set) params.Set {
	return compose(params.Set{}, names, x).Merge(overrides)
}

func finiteCost(c float64) float64 {
	if math.IsNaN(c) {
		return math.Inf(1)
	}
	return c
}
