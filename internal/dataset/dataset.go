// Package dataset holds the calibrator records a calibration run is fitted
// against. Datasets are immutable: filtering produces a new Dataset and never
// edits a record in place.
package dataset

import (
	"errors"
	"fmt"
)

// ErrEmpty is returned when an operation needs at least one calibrator.
var ErrEmpty = errors.New("dataset: no calibrators")

// Spectrum is a handle on a calibrator's spectral energy distribution.
// FluxAt returns the photon flux density at a wavelength in nanometres.
type Spectrum interface {
	FluxAt(wavelengthNM float64) float64
}

// Calibrator is a reference star observation.
type Calibrator struct {
	ID           string
	Spectrum     Spectrum
	ObservedMag  float64
	MagErr       float64
	X, Y         float64 // detector position in pixels
	Airmass      float64
	TemperatureC float64
	PressureMbar float64
}

// Frame is the detector extent used to map positions onto [-1, 1].
type Frame struct {
	Width  float64
	Height float64
}

// Valid reports whether both extents are positive.
func (f Frame) Valid() bool { return f.Width > 0 && f.Height > 0 }

// Normalize maps a pixel position to [-1, 1] on both axes.
func (f Frame) Normalize(x, y float64) (u, v float64) {
	return 2*x/f.Width - 1, 2*y/f.Height - 1
}

// Dataset is an ordered, read-only collection of calibrators.
type Dataset struct {
	cals  []Calibrator
	frame Frame
}

// New copies cals into a Dataset.
func New(frame Frame, cals []Calibrator) (*Dataset, error) {
	if !frame.Valid() {
		return nil, fmt.Errorf("dataset: invalid frame %.1fx%.1f", frame.Width, frame.Height)
	}
	out := make([]Calibrator, len(cals))
	copy(out, cals)
	return &Dataset{cals: out, frame: frame}, nil
}

// Len returns the number of calibrators. A nil Dataset has length 0.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.cals)
}

// At returns the i-th calibrator by value.
func (d *Dataset) At(i int) Calibrator { return d.cals[i] }

// Frame returns the detector frame.
func (d *Dataset) Frame() Frame { return d.frame }

// IDs returns the calibrator IDs in order.
func (d *Dataset) IDs() []string {
	out := make([]string, len(d.cals))
	for i, c := range d.cals {
		out[i] = c.ID
	}
	return out
}

// Positions returns the normalized detector coordinates of every calibrator.
func (d *Dataset) Positions() (u, v []float64) {
	u = make([]float64, len(d.cals))
	v = make([]float64, len(d.cals))
	for i, c := range d.cals {
		u[i], v[i] = d.frame.Normalize(c.X, c.Y)
	}
	return u, v
}

// Without returns a new dataset with every calibrator whose mask entry is
// true removed. The mask must have one entry per calibrator.
func (d *Dataset) Without(mask []bool) (*Dataset, error) {
	if len(mask) != len(d.cals) {
		return nil, fmt.Errorf("dataset: mask has %d entries for %d calibrators", len(mask), len(d.cals))
	}
	out := make([]Calibrator, 0, len(d.cals))
	for i, c := range d.cals {
		if !mask[i] {
			out = append(out, c)
		}
	}
	return &Dataset{cals: out, frame: d.frame}, nil
}

// Filter returns a new dataset keeping only calibrators where keep is true.
func (d *Dataset) Filter(keep []bool) (*Dataset, error) {
	if len(keep) != len(d.cals) {
		return nil, fmt.Errorf("dataset: keep has %d entries for %d calibrators", len(keep), len(d.cals))
	}
	mask := make([]bool, len(keep))
	for i, k := range keep {
		mask[i] = !k
	}
	return d.Without(mask)
}
