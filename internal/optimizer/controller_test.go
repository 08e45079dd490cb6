package optimizer

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"gonum.org/v1/gonum/stat"

	"github.com/abscal/transmission-fitter/internal/fieldcorr"
	"github.com/abscal/transmission-fitter/internal/model"
	"github.com/abscal/transmission-fitter/internal/monitoring"
	"github.com/abscal/transmission-fitter/internal/params"
	"github.com/abscal/transmission-fitter/internal/sigmaclip"
	"github.com/abscal/transmission-fitter/internal/solver"
	"github.com/abscal/transmission-fitter/internal/stage"
	"github.com/abscal/transmission-fitter/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

// pinned holds the non-normalization terms of the linear test model at zero.
var pinned = params.New(
	params.Pair{Name: params.PWV, Value: 0},
	params.Pair{Name: params.AOD, Value: 0},
)

func nonlinear(name string, free ...string) stage.Descriptor {
	return stage.Descriptor{Name: name, Free: free, Method: solver.MethodNonlinear, Field: fieldcorr.ModelLegendre}
}

func linear(name string, free ...string) stage.Descriptor {
	return stage.Descriptor{Name: name, Free: free, Method: solver.MethodLinear, Field: fieldcorr.ModelLegendre}
}

func TestRunSequence_NormalizationOnly(t *testing.T) {
	cals := testutil.Grid(10)
	ratios := make([]float64, len(cals))
	for i := range cals {
		ratios[i] = 1.1 - 0.02*float64(i) + 0.005*math.Sin(float64(i))
		cals[i].ObservedMag = ratios[i]
	}
	ds := testutil.Dataset(t, cals)

	d := nonlinear("norm", params.Norm)
	d.Overrides = pinned
	c := NewController(testutil.NewLinearModel(), nil)
	final, err := c.RunSequence(context.Background(), ds, []stage.Descriptor{d})
	if err != nil {
		t.Fatalf("RunSequence: %v", err)
	}

	if got, want := final.GetOr(params.Norm, 0), stat.Mean(ratios, nil); math.Abs(got-want) > 1e-6 {
		t.Errorf("norm = %.9f, want %.9f", got, want)
	}
	if c.State().Index() != 1 {
		t.Errorf("State().Index() = %d, want 1", c.State().Index())
	}
	if !c.Report().OK() {
		t.Errorf("report not OK:\n%s", c.Report())
	}
}

func TestRunSequence_FieldThenNormalization(t *testing.T) {
	injected := params.New(
		params.Pair{Name: params.FCConst, Value: 0.01},
		params.Pair{Name: params.FCX1, Value: 0.03},
		params.Pair{Name: params.FCY1, Value: -0.02},
		params.Pair{Name: params.FCX2, Value: 0.006},
		params.Pair{Name: params.FCY2, Value: -0.004},
		params.Pair{Name: params.FCXY, Value: 0.011},
	)
	m := testutil.NewLinearModel()
	truth := pinned.Merge(injected)
	ds := testutil.Dataset(t, testutil.Observe(t, m, truth, testutil.Grid(36), nil))

	field := linear("field", injected.Names()...)
	field.Overrides = pinned
	norm := nonlinear("norm", params.Norm)
	norm.Overrides = pinned

	c := NewController(m, nil)
	final, err := c.RunSequence(context.Background(), ds, []stage.Descriptor{field, norm})
	if err != nil {
		t.Fatalf("RunSequence: %v", err)
	}
	for _, p := range injected.Pairs() {
		if got := final.GetOr(p.Name, math.NaN()); math.Abs(got-p.Value) > 1e-9 {
			t.Errorf("%s = %.12f, want %.12f", p.Name, got, p.Value)
		}
	}
	if got := final.GetOr(params.Norm, 0); math.Abs(got-1) > 1e-6 {
		t.Errorf("norm = %.9f, want 1", got)
	}
	if !c.Report().OK() {
		t.Errorf("report not OK:\n%s", c.Report())
	}
}

func TestRunSequence_AccumulatesUnionOfFreeNames(t *testing.T) {
	m := testutil.NewLinearModel()
	truth := params.New(
		params.Pair{Name: params.Norm, Value: 0.95},
		params.Pair{Name: params.PWV, Value: 0.7},
		params.Pair{Name: params.FCX1, Value: 0.01},
		params.Pair{Name: params.FCY1, Value: 0.02},
	)
	ds := testutil.Dataset(t, testutil.Observe(t, m, truth, testutil.Grid(25), testutil.Scatter(25, 0.001)))
	stages := []stage.Descriptor{
		nonlinear("n1", params.Norm),
		nonlinear("n2", params.Norm, params.PWV),
		linear("f", params.FCX1, params.FCY1),
		nonlinear("n3", params.Norm),
	}

	c := NewController(m, nil)
	final, err := c.RunSequence(context.Background(), ds, stages)
	if err != nil {
		t.Fatalf("RunSequence: %v", err)
	}
	if got, want := final.Names(), []string{params.Norm, params.PWV, params.FCX1, params.FCY1}; !reflect.DeepEqual(got, want) {
		t.Errorf("final names = %v, want %v", got, want)
	}
	if got := len(c.Export().Stages); got != 4 {
		t.Errorf("exported %d stages, want 4", got)
	}
}

func TestRunSequence_Deterministic(t *testing.T) {
	m := testutil.NewLinearModel()
	truth := params.New(
		params.Pair{Name: params.Norm, Value: 1.2},
		params.Pair{Name: params.PWV, Value: 0.4},
		params.Pair{Name: params.FCX1, Value: -0.01},
	)
	noise := testutil.Scatter(30, 0.01)
	noise[3] = 0.4
	ds := testutil.Dataset(t, testutil.Observe(t, m, truth, testutil.Grid(30), noise))
	seq := stage.DefaultSequence(stage.DefaultDefaults())

	run := func() params.Set {
		final, err := NewController(m, nil).RunSequence(context.Background(), ds, seq)
		if err != nil {
			t.Fatalf("RunSequence: %v", err)
		}
		return final
	}
	if a, b := run(), run(); !a.Equal(b) {
		t.Errorf("%s != %s", a, b)
	}
}

func TestRunSequence_ConfigErrorBeforeAnyEvaluation(t *testing.T) {
	counter := model.NewCounter(testutil.NewLinearModel())
	ds := testutil.Dataset(t, testutil.Grid(9))
	stages := []stage.Descriptor{
		nonlinear("norm", params.Norm),
		linear("bad", params.FCX1, params.Norm),
	}

	c := NewController(counter, nil)
	_, err := c.RunSequence(context.Background(), ds, stages)
	if !errors.Is(err, solver.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
	if !strings.Contains(err.Error(), `"bad"`) {
		t.Errorf("error %q does not name the stage", err)
	}
	if got := counter.Count(); got != 0 {
		t.Errorf("model evaluated %d times, want 0", got)
	}
	if c.State().Index() != 0 {
		t.Errorf("State().Index() = %d, want 0", c.State().Index())
	}
}

func TestRunSequence_UnknownNameFailsFast(t *testing.T) {
	counter := model.NewCounter(testutil.NewLinearModel())
	c := NewController(counter, nil)
	_, err := c.RunSequence(context.Background(), testutil.Dataset(t, testutil.Grid(4)), []stage.Descriptor{
		nonlinear("ok", params.Norm),
		nonlinear("typo", "nrom"),
	})
	if !errors.Is(err, solver.ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
	if got := counter.Count(); got != 0 {
		t.Errorf("model evaluated %d times, want 0", got)
	}
}

func TestRunSequence_NumericalFailureContinues(t *testing.T) {
	cals := testutil.Grid(6)
	for i := range cals {
		cals[i].X, cals[i].Y = 1500, 500
		cals[i].ObservedMag = 0.9 + 0.01*float64(i)
	}
	ds := testutil.Dataset(t, cals)
	field := linear("degenerate", params.FCConst, params.FCX1)
	field.Overrides = pinned
	norm := nonlinear("norm", params.Norm)
	norm.Overrides = pinned

	c := NewController(testutil.NewLinearModel(), nil)
	final, err := c.RunSequence(context.Background(), ds, []stage.Descriptor{field, norm})
	if err != nil {
		t.Fatalf("RunSequence: %v", err)
	}

	rep := c.Report()
	if rep.OK() {
		t.Error("report OK with a degenerate stage")
	}
	failed := rep.Failed()
	if len(failed) != 1 {
		t.Fatalf("%d failed stages, want 1", len(failed))
	}
	if failed[0].Name != "degenerate" || failed[0].Status != solver.StatusSingular {
		t.Errorf("failed stage = %s (%v), want degenerate (%v)", failed[0].Name, failed[0].Status, solver.StatusSingular)
	}
	if failed[0].Message == "" {
		t.Error("failed stage has no message")
	}
	if got := rep.FailedNames(); got != "degenerate" {
		t.Errorf("FailedNames() = %q, want degenerate", got)
	}
	if !strings.Contains(rep.String(), "1 of 2 stage(s) failed") {
		t.Errorf("report does not summarize the failure:\n%s", rep)
	}

	if got := final.GetOr(params.FCConst, math.NaN()); got != 0 {
		t.Errorf("%s = %g, want 0", params.FCConst, got)
	}
	if got := final.GetOr(params.Norm, 0); math.Abs(got-0.925) > 1e-6 {
		t.Errorf("norm = %.9f, want 0.925", got)
	}
}

func TestState_FailedStageKeepsEarlierValues(t *testing.T) {
	s := NewState(nil)
	ok := solver.Result{Stage: "a", Params: params.New(params.Pair{Name: params.FCX1, Value: 0.2})}
	s = s.apply(linear("a", params.FCX1), ok)

	bad := solver.Result{
		Stage:  "b",
		Status: solver.StatusSingular,
		Params: params.New(params.Pair{Name: params.FCX1, Value: 0}, params.Pair{Name: params.FCY1, Value: 0}),
	}
	s = s.apply(linear("b", params.FCX1, params.FCY1), bad)
	if got := s.Params().GetOr(params.FCX1, 0); got != 0.2 {
		t.Errorf("%s = %g, want the earlier 0.2", params.FCX1, got)
	}
	if got, want := s.Params().Names(), []string{params.FCX1, params.FCY1}; !reflect.DeepEqual(got, want) {
		t.Errorf("names = %v, want %v", got, want)
	}
	if s.Index() != 2 {
		t.Errorf("Index() = %d, want 2", s.Index())
	}
}

func TestRunSequence_AllClippedIsStageError(t *testing.T) {
	cals := testutil.Grid(2)
	cals[0].ObservedMag, cals[1].ObservedMag = 0, 2
	cals[0].Airmass, cals[1].Airmass = 1, 1
	ds := testutil.Dataset(t, cals)

	clip := nonlinear("greedy", params.Norm)
	clip.Overrides = pinned
	clip.Clip = sigmaclip.Config{Enabled: true, Sigma: 0.1, MaxIterations: 3}

	c := NewController(testutil.LinearModel{Field: fieldcorr.ModelNone}, nil)
	_, err := c.RunSequence(context.Background(), ds, []stage.Descriptor{nonlinear("first", params.Norm), clip})
	if !errors.Is(err, solver.ErrInsufficientData) {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}

	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T, want *StageError", err)
	}
	if se.Stage != "greedy" || se.Index != 1 {
		t.Errorf("StageError = %s at %d, want greedy at 1", se.Stage, se.Index)
	}
	if c.State().Index() != 1 {
		t.Errorf("State().Index() = %d, want state kept up to the failing stage", c.State().Index())
	}
}

func TestRunSequence_EmptyDataset(t *testing.T) {
	ds := testutil.Dataset(t, nil)
	_, err := NewController(testutil.NewLinearModel(), nil).RunSequence(context.Background(), ds,
		[]stage.Descriptor{nonlinear("norm", params.Norm)})
	if !errors.Is(err, solver.ErrInsufficientData) {
		t.Errorf("err = %v, want ErrInsufficientData", err)
	}
	var se *StageError
	if !errors.As(err, &se) {
		t.Errorf("err = %T, want *StageError", err)
	}
}

func TestRunSequence_Cancellation(t *testing.T) {
	ds := testutil.Dataset(t, testutil.Grid(9))
	stages := []stage.Descriptor{nonlinear("a", params.Norm), nonlinear("b", params.Norm)}

	t.Run("before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		counter := model.NewCounter(testutil.NewLinearModel())
		_, err := NewController(counter, nil).RunSequence(ctx, ds, stages)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
		if got := counter.Count(); got != 0 {
			t.Errorf("model evaluated %d times, want 0", got)
		}
	})

	t.Run("between stages", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		stop := ObserverFunc(func(int, stage.Descriptor, solver.Result) { cancel() })
		c := NewController(testutil.NewLinearModel(), nil, WithObserver(stop))
		_, err := c.RunSequence(ctx, ds, stages)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
		var se *StageError
		if errors.As(err, &se) {
			t.Errorf("cancellation between stages wrapped as %v", se)
		}
		if c.State().Index() != 1 {
			t.Errorf("State().Index() = %d, want 1", c.State().Index())
		}
	})
}

func TestRunSequence_ClippedDatasetCarriesForward(t *testing.T) {
	const n = 40
	m := testutil.LinearModel{Field: fieldcorr.ModelNone}
	noise := testutil.Scatter(n, 0.01)
	noise[5] = 0.6
	ds := testutil.Dataset(t, testutil.Observe(t, m, pinned.With(params.Norm, 0.9), testutil.Grid(n), noise))

	clip := nonlinear("clip", params.Norm)
	clip.Overrides = pinned
	clip.Clip = sigmaclip.Config{Enabled: true, Sigma: 3, MaxIterations: 5}
	after := nonlinear("after", params.Norm)
	after.Overrides = pinned
	restore := nonlinear("restore", params.Norm)
	restore.Overrides = pinned
	restore.RestoreDataset = true

	var sizes []int
	record := ObserverFunc(func(_ int, _ stage.Descriptor, r solver.Result) { sizes = append(sizes, r.Dataset.Len()) })
	c := NewController(m, nil, WithObserver(record))
	if _, err := c.RunSequence(context.Background(), ds, []stage.Descriptor{clip, after, restore}); err != nil {
		t.Fatalf("RunSequence: %v", err)
	}

	if want := []int{n - 1, n - 1, n}; !reflect.DeepEqual(sizes, want) {
		t.Errorf("dataset sizes = %v, want %v", sizes, want)
	}
	if got := c.Export().Dataset.Len(); got != n {
		t.Errorf("exported dataset has %d calibrators, want %d", got, n)
	}
	if ds.Len() != n {
		t.Errorf("input dataset modified: Len() = %d, want %d", ds.Len(), n)
	}
}

func TestState_Partition(t *testing.T) {
	s := State{params: params.New(
		params.Pair{Name: params.Norm, Value: 0.8},
		params.Pair{Name: params.PWV, Value: 0.3},
		params.Pair{Name: params.FCX1, Value: 0.1},
	)}
	d := nonlinear("next", params.Norm, params.AOD)
	d.Overrides = params.New(params.Pair{Name: params.FCX1, Value: 0})

	fixed, initial := s.Partition(d, params.Standard())
	if got, want := fixed.Names(), []string{params.PWV, params.FCX1}; !reflect.DeepEqual(got, want) {
		t.Errorf("fixed names = %v, want %v", got, want)
	}
	if got := fixed.GetOr(params.FCX1, -1); got != 0 {
		t.Errorf("fixed %s = %g, want override 0", params.FCX1, got)
	}
	if got, want := initial.Names(), []string{params.Norm, params.AOD}; !reflect.DeepEqual(got, want) {
		t.Errorf("initial names = %v, want %v", got, want)
	}
	if got := initial.GetOr(params.Norm, 0); got != 0.8 {
		t.Errorf("initial norm = %g, want the accumulated 0.8", got)
	}
	if got := initial.GetOr(params.AOD, 0); got != 0.084 {
		t.Errorf("initial aod = %g, want the default 0.084", got)
	}
}

func TestState_ApplyDoesNotModifyPredecessor(t *testing.T) {
	ds := testutil.Dataset(t, testutil.Grid(4))
	smaller, err := ds.Filter([]bool{true, true, false, true})
	if err != nil {
		t.Fatal(err)
	}

	s0 := NewState(ds)
	d := nonlinear("a", params.Norm)
	d.Clip = sigmaclip.Config{Enabled: true, Sigma: 3, MaxIterations: 2}
	s1 := s0.apply(d, solver.Result{Stage: "a", Params: params.New(params.Pair{Name: params.Norm, Value: 2}), Dataset: smaller})
	s2 := s1.apply(nonlinear("b", params.PWV), solver.Result{Stage: "b", Params: params.New(params.Pair{Name: params.PWV, Value: 1}), Dataset: smaller})

	if s0.Index() != 0 || s0.Params().Len() != 0 || s0.Dataset() != ds {
		t.Errorf("initial state changed: index %d, params %s", s0.Index(), s0.Params())
	}
	if s1.Index() != 1 || s1.Dataset() != smaller {
		t.Errorf("s1 index = %d, want 1 with the clipped dataset", s1.Index())
	}
	if got := s1.Params().Names(); !reflect.DeepEqual(got, []string{params.Norm}) {
		t.Errorf("s1 names = %v, want [%s]", got, params.Norm)
	}
	if s2.Index() != 2 {
		t.Errorf("s2 index = %d, want 2", s2.Index())
	}
	if got := s2.Results()[0].Stage; got != "a" {
		t.Errorf("s2 first result = %q, want a", got)
	}
}

func TestRunSequence_TransmissionModel(t *testing.T) {
	mctx, err := model.NewContext(model.GridConfig{MinNM: 320, MaxNM: 1080, Points: 39})
	if err != nil {
		t.Fatal(err)
	}
	m := model.NewTransmission(mctx)

	truth := params.New(
		params.Pair{Name: params.Norm, Value: 0.8},
		params.Pair{Name: params.PWV, Value: 2.2},
		params.Pair{Name: params.AOD, Value: 0.12},
		params.Pair{Name: params.FCX1, Value: 0.01},
		params.Pair{Name: params.FCY1, Value: -0.015},
	)
	ds := testutil.Dataset(t, testutil.Observe(t, m, truth, testutil.Grid(25), nil))
	stages := []stage.Descriptor{
		nonlinear("norm", params.Norm),
		nonlinear("atmosphere", params.Norm, params.PWV, params.AOD),
		linear("field", params.FCX1, params.FCY1),
		nonlinear("refine", params.Norm),
	}

	start, err := m.Evaluate(params.Set{}, ds)
	if err != nil {
		t.Fatal(err)
	}

	c := NewController(m, nil, WithSolverOptions(solver.Options{AbsTolerance: 1e-12, MaxEvaluations: 4000}))
	final, err := c.RunSequence(context.Background(), ds, stages)
	if err != nil {
		t.Fatalf("RunSequence: %v", err)
	}
	if !c.Report().OK() {
		t.Errorf("report not OK:\n%s", c.Report())
	}

	end, err := m.Evaluate(final, ds)
	if err != nil {
		t.Fatal(err)
	}
	if end.Cost >= 0.01*start.Cost {
		t.Errorf("cost %g not below 1%% of the starting %g", end.Cost, start.Cost)
	}

	exp := c.Export()
	if !exp.Final.Equal(final) {
		t.Errorf("exported final %s, want %s", exp.Final, final)
	}
	if len(exp.Stages) != len(stages) {
		t.Errorf("exported %d stages, want %d", len(exp.Stages), len(stages))
	}
	if exp.Dataset != ds {
		t.Error("export should carry the input dataset")
	}
}
