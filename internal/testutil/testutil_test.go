package testutil

import (
	"errors"
	"math"
	"net/http"
	"reflect"
	"testing"

	"github.com/abscal/transmission-fitter/internal/fieldcorr"
	"github.com/abscal/transmission-fitter/internal/params"
)

func TestAssertHelpers(t *testing.T) {
	t.Parallel()

	AssertStatusCode(t, http.StatusOK, http.StatusOK)
	AssertNoError(t, nil)
	AssertError(t, errors.New("boom"))

	req := NewTestRequest(http.MethodGet, "/runs")
	if req.URL.Path != "/runs" {
		t.Errorf("path = %q, want /runs", req.URL.Path)
	}
	if code := NewTestRecorder().Code; code != http.StatusOK {
		t.Errorf("recorder code = %d, want %d", code, http.StatusOK)
	}
}

func TestGrid(t *testing.T) {
	t.Parallel()

	cals := Grid(10)
	if len(cals) != 10 {
		t.Fatalf("len = %d, want 10", len(cals))
	}
	seen := map[string]bool{}
	for _, c := range cals {
		if seen[c.ID] {
			t.Errorf("duplicate id %s", c.ID)
		}
		seen[c.ID] = true
		if !(c.X > 0 && c.X < Frame.Width) || !(c.Y > 0 && c.Y < Frame.Height) {
			t.Errorf("%s at (%g, %g) is outside the frame", c.ID, c.X, c.Y)
		}
		if c.Airmass < 1 {
			t.Errorf("%s airmass = %g, want >= 1", c.ID, c.Airmass)
		}
	}
}

func TestLinearModel_ObserveIsExact(t *testing.T) {
	t.Parallel()

	m := NewLinearModel()
	truth := params.New(
		params.Pair{Name: params.Norm, Value: 0.7},
		params.Pair{Name: params.FCX1, Value: 0.02},
	)
	ds := Dataset(t, Observe(t, m, truth, Grid(12), nil))
	ev, err := m.Evaluate(truth, ds)
	if err != nil {
		t.Fatal(err)
	}
	for i, d := range ev.DiffMag {
		if math.Abs(d) > 1e-12 {
			t.Errorf("DiffMag[%d] = %g, want 0", i, d)
		}
	}
	if ev.Cost > 1e-20 {
		t.Errorf("Cost = %g, want 0", ev.Cost)
	}

	// dropping the field model removes the x gradient
	flat := m.WithFieldModel(fieldcorr.ModelNone)
	ev, err = flat.Evaluate(truth, ds)
	if err != nil {
		t.Fatal(err)
	}
	if !(ev.Cost > 0) {
		t.Errorf("Cost without field model = %g, want > 0", ev.Cost)
	}
}

func TestLinearModel_Weights(t *testing.T) {
	t.Parallel()

	cals := Grid(3)
	cals[1].MagErr = 0.5
	ds := Dataset(t, cals)
	if w := NewLinearModel().Weights(ds); w != nil {
		t.Errorf("unweighted Weights = %v, want nil", w)
	}
	if got, want := (LinearModel{Weighted: true}).Weights(ds), []float64{1, 2, 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("Weights = %v, want %v", got, want)
	}
}

func TestScatter(t *testing.T) {
	t.Parallel()

	s := Scatter(100, 1.5)
	for i, v := range s {
		if v > 1.5 || v < -1.5 {
			t.Errorf("Scatter[%d] = %g, outside ±1.5", i, v)
		}
	}
	if !reflect.DeepEqual(s, Scatter(100, 1.5)) {
		t.Error("Scatter is not deterministic")
	}
}
