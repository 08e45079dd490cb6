package solver

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/abscal/transmission-fitter/internal/fieldcorr"
	"github.com/abscal/transmission-fitter/internal/model"
	"github.com/abscal/transmission-fitter/internal/params"
	"github.com/abscal/transmission-fitter/internal/sigmaclip"
	"github.com/abscal/transmission-fitter/internal/testutil"
)

var injected = params.New(
	params.Pair{Name: params.FCConst, Value: 0.012},
	params.Pair{Name: params.FCX1, Value: 0.02},
	params.Pair{Name: params.FCY1, Value: -0.015},
	params.Pair{Name: params.FCX2, Value: 0.005},
	params.Pair{Name: params.FCXY, Value: 0.008},
)

func newLinear(t *testing.T) Solver {
	t.Helper()
	s, err := New(MethodLinear, Options{})
	if err != nil {
		t.Fatalf("New(MethodLinear): %v", err)
	}
	return s
}

func TestLinear_RecoversInjectedCoefficients(t *testing.T) {
	for _, field := range []fieldcorr.Model{fieldcorr.ModelLegendre, fieldcorr.ModelChebyshev} {
		t.Run(field.String(), func(t *testing.T) {
			m := testutil.LinearModel{Field: field}
			fixed := params.New(params.Pair{Name: params.Norm, Value: 0.8})
			ds := testutil.Dataset(t, testutil.Observe(t, m, fixed.Merge(injected), testutil.Grid(25), nil))

			res, err := newLinear(t).Solve(context.Background(), Args{
				Stage:     "field",
				FreeNames: injected.Names(),
				Fixed:     fixed,
				Field:     field,
				Dataset:   ds,
				Model:     m,
			})
			if err != nil {
				t.Fatalf("Solve: %v", err)
			}
			if res.Status != StatusSuccess {
				t.Errorf("Status = %v, want %v", res.Status, StatusSuccess)
			}
			for _, p := range injected.Pairs() {
				got, ok := res.Params.Get(p.Name)
				if !ok {
					t.Fatalf("result has no %s", p.Name)
				}
				if math.Abs(got-p.Value) > 1e-9 {
					t.Errorf("%s = %.12f, want %.12f", p.Name, got, p.Value)
				}
			}
			if res.Cost >= 1e-18 {
				t.Errorf("Cost = %g, want < 1e-18", res.Cost)
			}
			if c := res.Diagnostics.Condition; !(c > 1) || math.IsInf(c, 0) {
				t.Errorf("Condition = %g, want finite and > 1", c)
			}
			if res.Diagnostics.FuncEvaluations != 2 {
				t.Errorf("FuncEvaluations = %d, want 2", res.Diagnostics.FuncEvaluations)
			}
		})
	}
}

// normalResidual returns Aᵀ(A·x + b) for the solved coefficients.
func normalResidual(t *testing.T, m model.ForwardModel, args Args, res Result) []float64 {
	t.Helper()
	free := args.FreeNames
	b, err := m.Evaluate(args.Fixed, res.Dataset)
	if err != nil {
		t.Fatal(err)
	}
	a, err := DesignMatrix(m, args.Field, free, res.Dataset)
	if err != nil {
		t.Fatal(err)
	}
	x, err := res.Params.Values(free)
	if err != nil {
		t.Fatal(err)
	}

	var r mat.VecDense
	r.MulVec(a, mat.NewVecDense(len(x), x))
	r.AddVec(&r, mat.NewVecDense(len(b.Residuals), b.Residuals))
	var g mat.VecDense
	g.MulVec(a.T(), &r)
	out := make([]float64, g.Len())
	for i := range out {
		out[i] = g.AtVec(i)
	}
	return out
}

func TestLinear_NormalEquationsHold(t *testing.T) {
	for _, weighted := range []bool{false, true} {
		name := "unweighted"
		if weighted {
			name = "weighted"
		}
		t.Run(name, func(t *testing.T) {
			m := testutil.LinearModel{Field: fieldcorr.ModelLegendre, Weighted: weighted}
			cals := testutil.Grid(30)
			for i := range cals {
				cals[i].MagErr = 0.01 + 0.002*float64(i%4)
			}
			fixed := params.New(params.Pair{Name: params.Norm, Value: 1.05})
			ds := testutil.Dataset(t, testutil.Observe(t, m, fixed.Merge(injected), cals, testutil.Scatter(30, 0.02)))
			args := Args{
				Stage:     "field",
				FreeNames: []string{params.FCConst, params.FCX1, params.FCY1, params.FCX2, params.FCY2, params.FCXY},
				Fixed:     fixed,
				Field:     fieldcorr.ModelLegendre,
				Dataset:   ds,
				Model:     m,
			}
			res, err := newLinear(t).Solve(context.Background(), args)
			if err != nil {
				t.Fatalf("Solve: %v", err)
			}
			if res.Status != StatusSuccess {
				t.Fatalf("Status = %v, want %v", res.Status, StatusSuccess)
			}

			for i, g := range normalResidual(t, m, args, res) {
				if math.Abs(g) > 1e-7 {
					t.Errorf("gradient[%d] = %g, want 0", i, g)
				}
			}
		})
	}
}

func TestLinear_RejectsNonFieldParameterWithoutEvaluating(t *testing.T) {
	counter := model.NewCounter(testutil.NewLinearModel())
	_, err := newLinear(t).Solve(context.Background(), Args{
		Stage:     "bad",
		FreeNames: []string{params.FCX1, params.Norm},
		Field:     fieldcorr.ModelLegendre,
		Dataset:   testutil.Dataset(t, testutil.Grid(9)),
		Model:     counter,
	})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
	if !strings.Contains(err.Error(), params.Norm) {
		t.Errorf("error %q does not name %s", err, params.Norm)
	}
	if got := counter.Count(); got != 0 {
		t.Errorf("model evaluated %d times, want 0", got)
	}
}

func TestLinear_ConfigErrors(t *testing.T) {
	ds := testutil.Dataset(t, testutil.Grid(9))
	tests := []struct {
		name string
		args Args
	}{
		{"no field model", Args{FreeNames: []string{params.FCX1}, Field: fieldcorr.ModelNone}},
		{"negative lambda", Args{FreeNames: []string{params.FCX1}, Field: fieldcorr.ModelLegendre, Regularization: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := model.NewCounter(testutil.NewLinearModel())
			tt.args.Stage = tt.name
			tt.args.Dataset = ds
			tt.args.Model = counter
			_, err := newLinear(t).Solve(context.Background(), tt.args)
			if !errors.Is(err, ErrConfig) {
				t.Errorf("err = %v, want ErrConfig", err)
			}
			if got := counter.Count(); got != 0 {
				t.Errorf("model evaluated %d times, want 0", got)
			}
		})
	}
}

func TestLinear_RankDeficient(t *testing.T) {
	cals := testutil.Grid(5)
	for i := range cals {
		cals[i].X, cals[i].Y = 600, 900
		cals[i].ObservedMag = 0.1 * float64(i)
	}
	ds := testutil.Dataset(t, cals)
	args := Args{
		Stage:     "degenerate",
		FreeNames: []string{params.FCConst, params.FCX1, params.FCY1},
		Field:     fieldcorr.ModelLegendre,
		Dataset:   ds,
		Model:     testutil.NewLinearModel(),
	}

	t.Run("unregularized fails explicitly", func(t *testing.T) {
		res, err := newLinear(t).Solve(context.Background(), args)
		if err != nil {
			t.Fatalf("Solve: %v", err)
		}
		if res.Status != StatusSingular || !res.Status.Failed() {
			t.Errorf("Status = %v, want %v", res.Status, StatusSingular)
		}
		if res.Diagnostics.Condition <= 1e12 {
			t.Errorf("Condition = %g, want > 1e12", res.Diagnostics.Condition)
		}
		if res.Diagnostics.Message == "" {
			t.Error("Diagnostics.Message is empty")
		}
		for _, n := range args.FreeNames {
			if got := res.Params.GetOr(n, math.NaN()); got != 0 {
				t.Errorf("%s = %g, want 0", n, got)
			}
		}
		if len(res.Residuals) != 5 {
			t.Errorf("len(Residuals) = %d, want 5", len(res.Residuals))
		}
	})

	t.Run("regularized succeeds", func(t *testing.T) {
		reg := args
		reg.Regularization = 0.1
		res, err := newLinear(t).Solve(context.Background(), reg)
		if err != nil {
			t.Fatalf("Solve: %v", err)
		}
		if res.Status != StatusSuccess {
			t.Errorf("Status = %v, want %v", res.Status, StatusSuccess)
		}
		if c := res.Diagnostics.Condition; !(c > 1) || math.IsInf(c, 0) {
			t.Errorf("Condition = %g, want finite and > 1", c)
		}
	})
}

func TestLinear_OverridesAppended(t *testing.T) {
	m := testutil.NewLinearModel()
	overrides := params.New(params.Pair{Name: params.FCXY, Value: 0})
	ds := testutil.Dataset(t, testutil.Observe(t, m, injected.Without(params.FCXY), testutil.Grid(16), nil))
	res, err := newLinear(t).Solve(context.Background(), Args{
		Stage:     "pinned",
		FreeNames: []string{params.FCConst, params.FCX1, params.FCY1, params.FCX2},
		Fixed:     overrides,
		Overrides: overrides,
		Field:     fieldcorr.ModelLegendre,
		Dataset:   ds,
		Model:     m,
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	want := []string{params.FCConst, params.FCX1, params.FCY1, params.FCX2, params.FCXY}
	if got := res.Params.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if got := res.Params.GetOr(params.FCX1, 0); math.Abs(got-0.02) > 1e-9 {
		t.Errorf("%s = %g, want 0.02", params.FCX1, got)
	}
}

func TestLinear_ClipsOutlier(t *testing.T) {
	const n = 36
	m := testutil.NewLinearModel()
	noise := testutil.Scatter(n, 0.005)
	noise[11] = 0.3
	ds := testutil.Dataset(t, testutil.Observe(t, m, injected, testutil.Grid(n), noise))

	res, err := newLinear(t).Solve(context.Background(), Args{
		Stage:     "field-clip",
		FreeNames: injected.Names(),
		Field:     fieldcorr.ModelLegendre,
		Clip:      sigmaclip.Config{Enabled: true, Sigma: 3, MaxIterations: 4},
		Dataset:   ds,
		Model:     m,
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if res.Diagnostics.Removed != 1 {
		t.Errorf("Removed = %d, want 1", res.Diagnostics.Removed)
	}
	for _, id := range res.Dataset.IDs() {
		if id == ds.At(11).ID {
			t.Errorf("outlier %s survived clipping", id)
		}
	}
	if got := res.Params.GetOr(params.FCX1, 0); math.Abs(got-0.02) > 0.005 {
		t.Errorf("%s = %g, want 0.02±0.005", params.FCX1, got)
	}
}
