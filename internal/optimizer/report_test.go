package optimizer

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/abscal/transmission-fitter/internal/params"
	"github.com/abscal/transmission-fitter/internal/solver"
	"github.com/abscal/transmission-fitter/internal/testutil"
)

func TestReport(t *testing.T) {
	ds := testutil.Dataset(t, testutil.Grid(5))
	s := NewState(ds)
	s = s.apply(nonlinear("norm", params.Norm), solver.Result{
		Stage:   "norm",
		Method:  solver.MethodNonlinear,
		Params:  params.New(params.Pair{Name: params.Norm, Value: 0.9}),
		Cost:    0.25,
		Dataset: ds,
	})
	s = s.apply(linear("field", params.FCX1), solver.Result{
		Stage:       "field",
		Method:      solver.MethodLinear,
		Status:      solver.StatusSingular,
		Params:      params.New(params.Pair{Name: params.FCX1, Value: 0}),
		Diagnostics: solver.Diagnostics{Message: "design matrix is rank deficient", Condition: 1e17},
		Dataset:     ds,
	})

	rep := newReport(s)
	if len(rep.Stages) != 2 {
		t.Fatalf("report has %d stages, want 2", len(rep.Stages))
	}
	if rep.OK() {
		t.Error("OK() = true with a singular stage")
	}
	if got := rep.FailedNames(); got != "field" {
		t.Errorf("FailedNames() = %q, want %q", got, "field")
	}
	if got := rep.Stages[0].Calibrators; got != 5 {
		t.Errorf("stage 1 calibrators = %d, want 5", got)
	}
	if got := rep.Stages[1].Method; got != "linear" {
		t.Errorf("stage 2 method = %q, want linear", got)
	}

	lines := strings.Split(strings.TrimSpace(rep.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("String() has %d lines, want 4:\n%s", len(lines), rep)
	}
	if !strings.Contains(lines[2], "<-- design matrix is rank deficient") {
		t.Errorf("failed stage line %q lacks the failure message", lines[2])
	}
	if strings.Contains(lines[1], "<--") {
		t.Errorf("successful stage line %q is marked failed", lines[1])
	}

	b, err := json.Marshal(rep)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"status":"singular"`, `"final":{"norm":0.9,"fc_x1":0}`} {
		if !strings.Contains(string(b), want) {
			t.Errorf("JSON %s missing %s", b, want)
		}
	}
}
