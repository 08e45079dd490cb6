package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/abscal/transmission-fitter/internal/optimizer"
	"github.com/abscal/transmission-fitter/internal/params"
)

// CSVWriter wraps csv.Writer with methods for calibration output.
type CSVWriter struct {
	w *csv.Writer
}

// NewCSVWriter creates a CSVWriter writing to w.
func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w)}
}

// WriteStages writes one row per stage of rep.
func (c *CSVWriter) WriteStages(rep optimizer.Report) error {
	c.w.Write([]string{
		"index", "name", "method", "status", "cost", "calibrators", "iterations",
		"evaluations", "removed", "condition", "message",
	})
	for _, s := range rep.Stages {
		c.w.Write([]string{
			strconv.Itoa(s.Index + 1),
			s.Name,
			s.Method,
			s.Status.String(),
			formatFloat(s.Cost),
			strconv.Itoa(s.Calibrators),
			strconv.Itoa(s.Iterations),
			strconv.Itoa(s.Evaluations),
			strconv.Itoa(s.Removed),
			formatCondition(s.Condition),
			s.Message,
		})
	}
	return c.flush()
}

// WriteResiduals writes one row per calibrator.
func (c *CSVWriter) WriteResiduals(pts []Point) error {
	c.w.Write([]string{"id", "x", "y", "airmass", "observed_mag", "mag_err", "diff_mag", "residual"})
	for _, p := range pts {
		c.w.Write([]string{
			p.ID,
			fmt.Sprintf("%.2f", p.X),
			fmt.Sprintf("%.2f", p.Y),
			fmt.Sprintf("%.4f", p.Airmass),
			fmt.Sprintf("%.6f", p.ObservedMag),
			fmt.Sprintf("%.6f", p.MagErr),
			formatFloat(p.DiffMag),
			formatFloat(p.Residual),
		})
	}
	return c.flush()
}

// WriteParams writes one row per parameter in set order.
func (c *CSVWriter) WriteParams(ps params.Set) error {
	c.w.Write([]string{"name", "value"})
	for _, p := range ps.Pairs() {
		c.w.Write([]string{p.Name, formatFloat(p.Value)})
	}
	return c.flush()
}

func (c *CSVWriter) flush() error {
	c.w.Flush()
	return c.w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 10, 64)
}

// formatCondition leaves the cell empty when no condition number applies.
func formatCondition(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'e', 3, 64)
}
