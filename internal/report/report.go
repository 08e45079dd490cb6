// Package report renders the products of a calibration run: CSV tables,
// PNG plots and interactive residual maps.
package report

import (
	"fmt"
	"math"
	"strings"

	"github.com/abscal/transmission-fitter/internal/optimizer"
	"github.com/abscal/transmission-fitter/internal/solver"
)

// Point is one calibrator's fit at the end of a stage.
type Point struct {
	ID          string
	X, Y        float64
	Airmass     float64
	ObservedMag float64
	MagErr      float64
	DiffMag     float64
	Residual    float64
}

// Finite reports whether the residual and magnitude difference are finite.
func (p Point) Finite() bool {
	return finite(p.Residual) && finite(p.DiffMag)
}

// Points pairs a stage result's residuals with the calibrators they were
// computed on.
func Points(r solver.Result) []Point {
	n := r.Dataset.Len()
	if len(r.Residuals) < n {
		n = len(r.Residuals)
	}
	out := make([]Point, 0, n)
	for i := 0; i < n; i++ {
		c := r.Dataset.At(i)
		p := Point{
			ID:          c.ID,
			X:           c.X,
			Y:           c.Y,
			Airmass:     c.Airmass,
			ObservedMag: c.ObservedMag,
			MagErr:      c.MagErr,
			Residual:    r.Residuals[i],
			DiffMag:     math.NaN(),
		}
		if i < len(r.DiffMag) {
			p.DiffMag = r.DiffMag[i]
		}
		out = append(out, p)
	}
	return out
}

// Curve is a throughput curve sampled on the model wavelength grid.
type Curve struct {
	Wavelengths []float64
	Atmosphere  []float64
	QE          []float64
	Total       []float64
}

// FailureSummary lists the failed stages of a run, one per line, or says
// that every stage succeeded.
func FailureSummary(rep optimizer.Report) string {
	failed := rep.Failed()
	if len(failed) == 0 {
		return fmt.Sprintf("all %d stage(s) succeeded\n", len(rep.Stages))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d stage(s) failed:\n", len(failed), len(rep.Stages))
	for _, s := range failed {
		fmt.Fprintf(&b, "  stage %d %q (%s): %s", s.Index+1, s.Name, s.Method, s.Status)
		if s.Message != "" {
			fmt.Fprintf(&b, ": %s", s.Message)
		}
		b.WriteByte('\n')
	}
	b.WriteString("parameters of failed stages hold their last successful values\n")
	return b.String()
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
