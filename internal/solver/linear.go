package solver

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/abscal/transmission-fitter/internal/dataset"
	"github.com/abscal/transmission-fitter/internal/fieldcorr"
	"github.com/abscal/transmission-fitter/internal/model"
	"github.com/abscal/transmission-fitter/internal/monitoring"
)

// Linear solves for field-correction coefficients in closed form. The model
// residual is affine in those coefficients, r(x) = A·x + b, so the
// regularized least-squares problem
//
//	min ||A·x + b||² + λ||x||²
//
// is solved through the normal equations (AᵀA + λI)·x = -Aᵀb.
type Linear struct {
	opts Options
}

// Method implements Solver.
func (*Linear) Method() Method { return MethodLinear }

// Validate checks that args describe a linear stage. It never evaluates
// the model.
func (l *Linear) Validate(args Args) error {
	if args.Field == fieldcorr.ModelNone {
		return fmt.Errorf("%w: stage %q: linear method needs a field model", ErrConfig, args.Stage)
	}
	for _, n := range args.FreeNames {
		if _, ok := fieldcorr.Lookup(n); !ok {
			return fmt.Errorf("%w: stage %q: linear method cannot solve %q: not a field-correction term",
				ErrConfig, args.Stage, n)
		}
	}
	if args.Regularization < 0 || math.IsNaN(args.Regularization) {
		return fmt.Errorf("%w: stage %q: regularization must be >= 0, got %g", ErrConfig, args.Stage, args.Regularization)
	}
	return nil
}

// Solve implements Solver.
func (l *Linear) Solve(ctx context.Context, args Args) (Result, error) {
	if err := l.Validate(args); err != nil {
		return Result{}, err
	}
	if err := validateCommon(args); err != nil {
		return Result{}, err
	}
	fm := model.WithFieldModel(args.Model, args.Field)
	// The free terms are omitted from the base so the remaining fixed
	// parameters, earlier field terms included, stay in b.
	base := args.Fixed.Without(args.FreeNames...)

	eval := func(ds *dataset.Dataset, x []float64) (model.Evaluation, error) {
		return fm.Evaluate(compose(base, args.FreeNames, x), ds)
	}
	fit := func(ds *dataset.Dataset, _ []float64) (pass, error) {
		return l.fit(args, fm, ds, eval)
	}
	res, err := clipLoop(ctx, MethodLinear, args, make([]float64, len(args.FreeNames)), fit, eval)
	if err != nil {
		return Result{}, err
	}
	monitoring.Logf("[solver] stage %s: linear %s cost=%.6g cond=%.3g lambda=%g n=%d",
		args.Stage, res.Status, res.Cost, res.Diagnostics.Condition, args.Regularization, res.Dataset.Len())
	return res, nil
}

// DesignMatrix returns the weighted design matrix A for names over ds.
func DesignMatrix(fm model.ForwardModel, field fieldcorr.Model, names []string, ds *dataset.Dataset) (*mat.Dense, error) {
	a, err := field.Design(names, ds)
	if err != nil {
		return nil, err
	}
	if w := model.WeightsOf(fm, ds); w != nil {
		for i, wi := range w {
			row := a.RawRowView(i)
			for j := range row {
				row[j] *= wi
			}
		}
	}
	return a, nil
}

func (l *Linear) fit(args Args, fm model.ForwardModel, ds *dataset.Dataset, eval evalFunc) (pass, error) {
	k := len(args.FreeNames)
	zero := make([]float64, k)
	p := pass{x: zero}

	b, err := eval(ds, zero)
	p.evaluations++
	if err != nil {
		p.status = StatusNumerical
		p.message = fmt.Sprintf("base residual: %v", err)
		return p, nil
	}
	a, err := DesignMatrix(fm, args.Field, args.FreeNames, ds)
	if err != nil {
		return p, fmt.Errorf("%w: stage %q: %v", ErrConfig, args.Stage, err)
	}

	lambda := args.Regularization
	p.condition = normalCondition(a, lambda)

	var m mat.SymDense
	m.SymOuterK(1, a.T())
	for i := 0; i < k; i++ {
		m.SetSym(i, i, m.At(i, i)+lambda)
	}
	var rhs mat.VecDense
	rhs.MulVec(a.T(), mat.NewVecDense(len(b.Residuals), b.Residuals))
	rhs.ScaleVec(-1, &rhs)

	singular := func(why string) (pass, error) {
		p.status = StatusSingular
		p.message = why
		p.eval = b
		monitoring.Logf("[solver] stage %s: %s (cond=%.3g)", args.Stage, why, p.condition)
		return p, nil
	}
	if lambda == 0 && !(p.condition <= l.opts.SingularCondition) {
		return singular("design matrix is rank deficient")
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(&m); !ok {
		return singular("normal matrix is not positive definite")
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, &rhs); err != nil {
		if lambda == 0 {
			return singular(err.Error())
		}
		monitoring.Logf("[solver] stage %s: ill-conditioned solve: %v", args.Stage, err)
	}
	sol := make([]float64, k)
	for i := range sol {
		sol[i] = x.AtVec(i)
	}
	p.x = sol

	ev, err := eval(ds, sol)
	p.evaluations++
	if err != nil {
		p.status = StatusNumerical
		p.message = err.Error()
		return p, nil
	}
	p.eval = ev
	p.status = StatusSuccess
	return p, nil
}

// normalCondition returns the 2-norm condition number of AᵀA + λI from the
// singular values of A. Columns beyond the row count contribute zero
// singular values.
func normalCondition(a *mat.Dense, lambda float64) float64 {
	r, c := a.Dims()
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDNone) {
		return math.Inf(1)
	}
	sv := svd.Values(nil)
	smax := sv[0]
	smin := sv[len(sv)-1]
	if r < c {
		smin = 0
	}
	den := smin*smin + lambda
	if den == 0 {
		return math.Inf(1)
	}
	return (smax*smax + lambda) / den
}
