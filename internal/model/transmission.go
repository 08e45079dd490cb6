package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/integrate"

	"github.com/abscal/transmission-fitter/internal/dataset"
	"github.com/abscal/transmission-fitter/internal/fieldcorr"
	"github.com/abscal/transmission-fitter/internal/params"
)

// Transmission predicts each calibrator's instrumental magnitude as
//
//	m = -2.5·log10(norm · ∫ S(λ)·T_atm(λ)·QE(λ) dλ) + field(x, y)
//
// and reports DiffMag = m - observed and Residual = DiffMag / MagErr.
type Transmission struct {
	ctx   *Context
	vocab *params.Vocabulary
	field fieldcorr.Model
}

// NewTransmission builds a model over ctx using the standard vocabulary for
// parameter defaults. The field correction starts as Legendre.
func NewTransmission(ctx *Context) *Transmission {
	return &Transmission{ctx: ctx, vocab: params.Standard(), field: fieldcorr.ModelLegendre}
}

// WithFieldModel implements FieldAware. The receiver is not modified.
func (t *Transmission) WithFieldModel(m fieldcorr.Model) ForwardModel {
	cp := *t
	cp.field = m
	return &cp
}

// Weights implements Weighted: 1/MagErr, or 1 when no error is known.
func (t *Transmission) Weights(ds *dataset.Dataset) []float64 {
	w := make([]float64, ds.Len())
	for i := range w {
		if e := ds.At(i).MagErr; e > 0 {
			w[i] = 1 / e
		} else {
			w[i] = 1
		}
	}
	return w
}

func (t *Transmission) value(ps params.Set, name string) float64 {
	return ps.GetOr(name, t.vocab.Default(name))
}

// Evaluate implements ForwardModel.
func (t *Transmission) Evaluate(ps params.Set, ds *dataset.Dataset) (Evaluation, error) {
	if ds.Len() == 0 {
		return Evaluation{}, dataset.ErrEmpty
	}
	norm := t.value(ps, params.Norm)
	width := t.value(ps, params.QEWidth)
	if norm <= 0 || width <= 0 {
		return Evaluation{}, fmt.Errorf("%w: norm=%g qe_width=%g", ErrNonPhysical, norm, width)
	}
	qe := make([]float64, t.ctx.Len())
	center, slope := t.value(ps, params.QECenter), t.value(ps, params.QESlope)
	for i, wl := range t.ctx.wl {
		qe[i] = QE(wl, center, width, slope)
	}

	trans := make([]float64, t.ctx.Len())
	integrand := make([]float64, t.ctx.Len())
	diff := make([]float64, ds.Len())
	for i := 0; i < ds.Len(); i++ {
		c := ds.At(i)
		t.ctx.TransmissionInto(trans, Atmosphere{
			Airmass:      c.Airmass,
			PressureMbar: c.PressureMbar,
			TemperatureC: c.TemperatureC,
			PWV:          t.value(ps, params.PWV),
			AOD:          t.value(ps, params.AOD),
			Alpha:        t.value(ps, params.Alpha),
			Ozone:        t.value(ps, params.Ozone),
		})
		for k, wl := range t.ctx.wl {
			integrand[k] = c.Spectrum.FluxAt(wl) * trans[k] * qe[k]
		}
		flux := norm * integrate.Trapezoidal(t.ctx.wl, integrand)
		if !(flux > 0) || math.IsInf(flux, 0) {
			return Evaluation{}, fmt.Errorf("%w: band flux %g for %s", ErrNonPhysical, flux, c.ID)
		}
		u, v := ds.Frame().Normalize(c.X, c.Y)
		pred := -2.5*math.Log10(flux) + t.field.Correction(ps, u, v)
		diff[i] = pred - c.ObservedMag
	}
	return Assemble(diff, t.Weights(ds)), nil
}

// Curve returns the atmospheric transmission, the QE and their product on
// the context grid for ps and an observation.
func (t *Transmission) Curve(ps params.Set, airmass, pressureMbar, temperatureC float64) (wl, atm, qe, total []float64) {
	wl = t.ctx.Wavelengths()
	atm = t.ctx.Transmission(Atmosphere{
		Airmass:      airmass,
		PressureMbar: pressureMbar,
		TemperatureC: temperatureC,
		PWV:          t.value(ps, params.PWV),
		AOD:          t.value(ps, params.AOD),
		Alpha:        t.value(ps, params.Alpha),
		Ozone:        t.value(ps, params.Ozone),
	})
	qe = make([]float64, len(wl))
	total = make([]float64, len(wl))
	center, width, slope := t.value(ps, params.QECenter), t.value(ps, params.QEWidth), t.value(ps, params.QESlope)
	for i, w := range wl {
		qe[i] = QE(w, center, width, slope)
		total[i] = atm[i] * qe[i]
	}
	return wl, atm, qe, total
}
