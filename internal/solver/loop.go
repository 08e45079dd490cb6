package solver

import (
	"context"
	"fmt"
	"math"

	"github.com/abscal/transmission-fitter/internal/dataset"
	"github.com/abscal/transmission-fitter/internal/model"
	"github.com/abscal/transmission-fitter/internal/monitoring"
)

// pass is the outcome of fitting one dataset without clipping.
type pass struct {
	x           []float64
	eval        model.Evaluation
	status      Status
	iterations  int
	evaluations int
	condition   float64
	message     string
}

type fitFunc func(ds *dataset.Dataset, start []float64) (pass, error)

type evalFunc func(ds *dataset.Dataset, x []float64) (model.Evaluation, error)

// clipLoop alternates fit and sigma clipping until a pass removes nothing
// or the iteration cap is reached. With clipping disabled it fits once.
// The returned result is always computed against the final dataset and the
// final parameters.
func clipLoop(ctx context.Context, method Method, args Args, start []float64, fit fitFunc, eval evalFunc) (Result, error) {
	res := Result{Stage: args.Stage, Method: method}
	ds := args.Dataset
	x := start

	var last pass
	for iter := 1; ; iter++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		p, err := fit(ds, x)
		if err != nil {
			return Result{}, err
		}
		last = p
		x = p.x
		res.Diagnostics.ClipIterations = iter
		res.Diagnostics.Iterations += p.iterations
		res.Diagnostics.FuncEvaluations += p.evaluations

		// A failed pass is only worth clipping when non-finite residuals
		// caused it.
		if !args.Clip.Enabled || (p.status.Failed() && !anyNonFinite(p.eval.Residuals)) {
			break
		}
		filtered, _, st, err := args.Clip.Clip(ds, p.eval.Residuals)
		if err != nil {
			return Result{}, fmt.Errorf("stage %q: %w", args.Stage, err)
		}
		if st.Removed == 0 {
			monitoring.Logf("[solver] stage %s: clipping converged in %d iteration(s)", args.Stage, iter)
			break
		}
		if filtered.Len() == 0 {
			return Result{}, fmt.Errorf("%w: stage %q: sigma clipping removed all %d calibrators",
				ErrInsufficientData, args.Stage, ds.Len())
		}
		monitoring.Logf("[solver] stage %s: clip pass %d removed %d of %d (loc=%.4g scale=%.4g)",
			args.Stage, iter, st.Removed, ds.Len(), st.Location, st.Scale)
		res.Diagnostics.Removed += st.Removed
		ds = filtered

		if iter >= args.Clip.MaxIterations {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			ev, err := eval(ds, x)
			res.Diagnostics.FuncEvaluations++
			if err != nil {
				last.status = StatusNumerical
				last.message = err.Error()
				last.eval = model.Evaluation{}
			} else {
				last.eval = ev
			}
			monitoring.Logf("[solver] stage %s: clipping stopped at cap of %d iterations", args.Stage, iter)
			break
		}
	}

	res.Params = resultParams(args.FreeNames, x, args.Overrides)
	res.Cost = last.eval.Cost
	res.Residuals = last.eval.Residuals
	res.DiffMag = last.eval.DiffMag
	res.Status = last.status
	res.Diagnostics.Condition = last.condition
	res.Diagnostics.Message = last.message
	res.Dataset = ds
	return res, nil
}

func anyNonFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
