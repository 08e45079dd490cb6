package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/interp"
)

const (
	// hc/k in nm·K.
	secondRadiationConstant = 1.438777e7

	refWavelengthNM = 550.0
)

// Blackbody is a Planck photon spectrum scaled so the flux at 550 nm equals
// 10^(-0.4·RefMag).
type Blackbody struct {
	TeffK  float64
	RefMag float64
}

func planckPhotons(wl, teff float64) float64 {
	x := secondRadiationConstant / (wl * teff)
	if x > 700 {
		return 0
	}
	return math.Pow(wl, -4) / math.Expm1(x)
}

// FluxAt implements Spectrum.
func (b Blackbody) FluxAt(wl float64) float64 {
	if wl <= 0 || b.TeffK <= 0 {
		return 0
	}
	ref := planckPhotons(refWavelengthNM, b.TeffK)
	if ref == 0 {
		return 0
	}
	return math.Pow(10, -0.4*b.RefMag) * planckPhotons(wl, b.TeffK) / ref
}

// Tabulated is a sampled spectrum, linearly interpolated inside its range and
// zero outside it.
type Tabulated struct {
	fit      interp.PiecewiseLinear
	min, max float64
}

// NewTabulated fits a spectrum to strictly increasing wavelengths.
func NewTabulated(wavelengths, flux []float64) (*Tabulated, error) {
	if len(wavelengths) < 2 || len(wavelengths) != len(flux) {
		return nil, fmt.Errorf("spectrum: need at least 2 matched samples, got %d/%d", len(wavelengths), len(flux))
	}
	for i := range wavelengths {
		if !isFinite(wavelengths[i]) || !isFinite(flux[i]) {
			return nil, fmt.Errorf("spectrum: sample %d is not finite (%g, %g)", i, wavelengths[i], flux[i])
		}
	}
	for i := 1; i < len(wavelengths); i++ {
		if wavelengths[i] <= wavelengths[i-1] {
			return nil, fmt.Errorf("spectrum: wavelengths not increasing at index %d", i)
		}
	}
	t := &Tabulated{min: wavelengths[0], max: wavelengths[len(wavelengths)-1]}
	if err := t.fit.Fit(wavelengths, flux); err != nil {
		return nil, fmt.Errorf("spectrum: %w", err)
	}
	return t, nil
}

// FluxAt implements Spectrum.
func (t *Tabulated) FluxAt(wl float64) float64 {
	if wl < t.min || wl > t.max {
		return 0
	}
	return t.fit.Predict(wl)
}

// ReadTabulated parses a two-column "wavelength_nm,flux" CSV. A header row
// and blank lines are skipped.
func ReadTabulated(r io.Reader) (*Tabulated, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'
	var wl, fl []float64
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("spectrum: %w", err)
		}
		line++
		if len(rec) < 2 {
			continue
		}
		w, err1 := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
		f, err2 := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err1 != nil || err2 != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("spectrum: invalid row %d: %v", line, rec)
		}
		wl = append(wl, w)
		fl = append(fl, f)
	}
	return NewTabulated(wl, fl)
}

// LoadTabulated reads a spectrum CSV from disk.
func LoadTabulated(path string) (*Tabulated, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spectrum: %w", err)
	}
	defer f.Close()
	return ReadTabulated(f)
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
