package solver

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/abscal/transmission-fitter/internal/dataset"
	"github.com/abscal/transmission-fitter/internal/model"
	"github.com/abscal/transmission-fitter/internal/monitoring"
)

// Nonlinear minimizes the model cost over the free parameters with a
// Nelder-Mead simplex. Free parameters are searched in units of their
// starting magnitude so one simplex size suits every parameter.
type Nonlinear struct {
	opts Options
}

// Method implements Solver.
func (*Nonlinear) Method() Method { return MethodNonlinear }

// Solve implements Solver.
func (n *Nonlinear) Solve(ctx context.Context, args Args) (Result, error) {
	if err := validateCommon(args); err != nil {
		return Result{}, err
	}
	start, err := args.Initial.Values(args.FreeNames)
	if err != nil {
		return Result{}, fmt.Errorf("%w: stage %q: missing initial guess: %v", ErrConfig, args.Stage, err)
	}
	fm := model.WithFieldModel(args.Model, args.Field)

	eval := func(ds *dataset.Dataset, x []float64) (model.Evaluation, error) {
		return fm.Evaluate(compose(args.Fixed, args.FreeNames, x), ds)
	}
	fit := func(ds *dataset.Dataset, x0 []float64) (pass, error) {
		return n.minimize(args.Stage, ds, x0, eval), nil
	}
	res, err := clipLoop(ctx, MethodNonlinear, args, start, fit, eval)
	if err != nil {
		return Result{}, err
	}
	monitoring.Logf("[solver] stage %s: nonlinear %s cost=%.6g iters=%d evals=%d n=%d",
		args.Stage, res.Status, res.Cost, res.Diagnostics.Iterations, res.Diagnostics.FuncEvaluations, res.Dataset.Len())
	return res, nil
}

func searchScale(x0 []float64) []float64 {
	s := make([]float64, len(x0))
	for i, v := range x0 {
		s[i] = math.Abs(v)
		if s[i] == 0 {
			s[i] = 1
		}
	}
	return s
}

func (n *Nonlinear) minimize(stage string, ds *dataset.Dataset, x0 []float64, eval evalFunc) pass {
	scale := searchScale(x0)
	toX := func(z []float64) []float64 {
		x := make([]float64, len(z))
		for i := range z {
			x[i] = z[i] * scale[i]
		}
		return x
	}
	z0 := make([]float64, len(x0))
	for i := range x0 {
		z0[i] = x0[i] / scale[i]
	}

	evals := 0
	problem := optimize.Problem{
		Func: func(z []float64) float64 {
			evals++
			ev, err := eval(ds, toX(z))
			if err != nil {
				monitoring.Tracef("[solver] stage %s: evaluation rejected: %v", stage, err)
				return math.Inf(1)
			}
			return finiteCost(ev.Cost)
		},
	}
	settings := &optimize.Settings{
		MajorIterations: n.opts.MaxIterations,
		FuncEvaluations: n.opts.MaxEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   n.opts.AbsTolerance,
			Iterations: n.opts.ConvergeIterations,
		},
	}
	method := &optimize.NelderMead{SimplexSize: n.opts.SimplexSize}

	p := pass{x: x0, status: StatusSuccess}
	result, err := optimize.Minimize(problem, z0, settings, method)
	if result != nil {
		p.iterations = result.Stats.MajorIterations
		if result.Location.X != nil && !math.IsInf(result.Location.F, 1) {
			p.x = toX(result.Location.X)
		}
		switch result.Status {
		case optimize.IterationLimit, optimize.FunctionEvaluationLimit:
			p.status = StatusIterationLimit
			p.message = result.Status.String()
		}
	}
	if err != nil {
		p.status = StatusNumerical
		p.message = err.Error()
	}

	ev, evErr := eval(ds, p.x)
	evals++
	p.evaluations = evals
	if evErr != nil {
		p.status = StatusNumerical
		p.message = evErr.Error()
		return p
	}
	p.eval = ev
	return p
}
