package report

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/abscal/transmission-fitter/internal/monitoring"
	"github.com/abscal/transmission-fitter/internal/optimizer"
)

// Run is everything the report writer needs from a finished run.
type Run struct {
	Label  string
	Export optimizer.Export
	Report optimizer.Report
	// Curve is the final throughput curve. It is optional.
	Curve *Curve
	// Plots enables the PNG plots.
	Plots bool
	// Maps enables the HTML residual maps, one per stage.
	Maps bool
}

// Files written by WriteRun.
const (
	StagesFile       = "stages.csv"
	ResidualsFile    = "residuals.csv"
	ParamsFile       = "params.csv"
	SummaryFile      = "summary.txt"
	ResidualPlotFile = "residuals.png"
	CurvePlotFile    = "transmission.png"
)

// WriteRun writes the products of run into dir, creating it if needed, and
// returns the paths written. Plot and map failures are logged and skipped;
// table failures abort.
func WriteRun(dir string, run Run) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	var written []string
	write := func(name string, render func(io.Writer) error) error {
		path := filepath.Join(dir, name)
		if err := saveFile(path, render); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		written = append(written, path)
		return nil
	}

	var final []Point
	if n := len(run.Export.Stages); n > 0 {
		final = Points(run.Export.Stages[n-1])
	}

	tables := []struct {
		name   string
		render func(io.Writer) error
	}{
		{StagesFile, func(w io.Writer) error { return NewCSVWriter(w).WriteStages(run.Report) }},
		{ResidualsFile, func(w io.Writer) error { return NewCSVWriter(w).WriteResiduals(final) }},
		{ParamsFile, func(w io.Writer) error { return NewCSVWriter(w).WriteParams(run.Export.Final) }},
		{SummaryFile, func(w io.Writer) error {
			_, err := io.WriteString(w, run.Report.String()+"\n"+FailureSummary(run.Report))
			return err
		}},
	}
	for _, t := range tables {
		if err := write(t.name, t.render); err != nil {
			return written, err
		}
	}

	if run.Plots {
		if len(final) > 0 {
			err := write(ResidualPlotFile, func(w io.Writer) error { return PlotResiduals(w, run.Label, final) })
			if err != nil && !errors.Is(err, ErrNoPoints) {
				monitoring.Logf("[report] residual plot skipped: %v", err)
			}
		}
		if run.Curve != nil {
			if err := write(CurvePlotFile, func(w io.Writer) error { return PlotTransmission(w, run.Label, *run.Curve) }); err != nil {
				monitoring.Logf("[report] transmission plot skipped: %v", err)
			}
		}
	}

	if run.Maps {
		for i, r := range run.Export.Stages {
			name := fmt.Sprintf("map_%02d_%s.html", i+1, fileSafe(r.Stage))
			title := fmt.Sprintf("%s: stage %d (%s) residuals", run.Label, i+1, r.Stage)
			pts := Points(r)
			if err := write(name, func(w io.Writer) error { return WriteResidualMap(w, title, pts) }); err != nil {
				monitoring.Logf("[report] map for stage %q skipped: %v", r.Stage, err)
			}
		}
	}
	return written, nil
}

func fileSafe(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
