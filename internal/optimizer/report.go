package optimizer

import (
	"fmt"
	"strings"

	"github.com/abscal/transmission-fitter/internal/params"
	"github.com/abscal/transmission-fitter/internal/solver"
)

// StageSummary is one line of a run report.
type StageSummary struct {
	Index       int           `json:"index"`
	Name        string        `json:"name"`
	Method      string        `json:"method"`
	Status      solver.Status `json:"status"`
	Cost        float64       `json:"cost"`
	Calibrators int           `json:"calibrators"`
	Removed     int           `json:"removed"`
	Iterations  int           `json:"iterations"`
	Evaluations int           `json:"evaluations"`
	Condition   float64       `json:"-"`
	Message     string        `json:"message,omitempty"`
}

// Failed reports whether the stage produced no trustworthy solution.
func (s StageSummary) Failed() bool { return s.Status.Failed() }

// Report lists every stage of a run and flags the failed ones.
type Report struct {
	Stages []StageSummary `json:"stages"`
	Final  params.Set     `json:"final"`
}

func newReport(s State) Report {
	rep := Report{Final: s.Params()}
	for i, r := range s.results {
		rep.Stages = append(rep.Stages, StageSummary{
			Index:       i,
			Name:        r.Stage,
			Method:      r.Method.String(),
			Status:      r.Status,
			Cost:        r.Cost,
			Calibrators: r.Dataset.Len(),
			Removed:     r.Diagnostics.Removed,
			Iterations:  r.Diagnostics.Iterations,
			Evaluations: r.Diagnostics.FuncEvaluations,
			Condition:   r.Diagnostics.Condition,
			Message:     r.Diagnostics.Message,
		})
	}
	return rep
}

// Failed returns the failed stages in run order.
func (r Report) Failed() []StageSummary {
	var out []StageSummary
	for _, s := range r.Stages {
		if s.Failed() {
			out = append(out, s)
		}
	}
	return out
}

// OK reports whether every stage succeeded.
func (r Report) OK() bool { return len(r.Failed()) == 0 }

// FailedNames returns the failed stage names joined by commas.
func (r Report) FailedNames() string {
	failed := r.Failed()
	names := make([]string, len(failed))
	for i, s := range failed {
		names[i] = s.Name
	}
	return strings.Join(names, ", ")
}

// String renders the report as a fixed-width table.
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-3s %-16s %-9s %-17s %12s %5s %5s\n", "#", "stage", "method", "status", "cost", "n", "clip")
	for _, s := range r.Stages {
		mark := ""
		if s.Failed() {
			mark = "  <-- " + s.Message
		}
		fmt.Fprintf(&b, "%-3d %-16s %-9s %-17s %12.6g %5d %5d%s\n",
			s.Index+1, s.Name, s.Method, s.Status, s.Cost, s.Calibrators, s.Removed, mark)
	}
	if failed := r.Failed(); len(failed) > 0 {
		fmt.Fprintf(&b, "%d of %d stage(s) failed; the final parameters may be a partial calibration\n",
			len(failed), len(r.Stages))
	}
	return b.String()
}
