// Package testutil provides shared test utilities and fixtures.
//
// Assertion helpers live here alongside synthetic calibrator datasets and a
// forward model that is linear in every parameter, so solver and optimizer
// tests can check results against closed-form answers.
package testutil

import (
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/abscal/transmission-fitter/internal/dataset"
	"github.com/abscal/transmission-fitter/internal/fieldcorr"
	"github.com/abscal/transmission-fitter/internal/model"
	"github.com/abscal/transmission-fitter/internal/params"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// Frame is the detector frame used by synthetic datasets.
var Frame = dataset.Frame{Width: 2000, Height: 2000}

// Grid lays out n calibrators on a square-ish grid covering Frame, with
// airmass rising across the field. ObservedMag is zero.
func Grid(n int) []dataset.Calibrator {
	side := int(math.Ceil(math.Sqrt(float64(n))))
	if side < 2 {
		side = 2
	}
	cals := make([]dataset.Calibrator, n)
	for i := range cals {
		col, row := i%side, i/side
		cals[i] = dataset.Calibrator{
			ID:           fmt.Sprintf("cal%03d", i),
			Spectrum:     dataset.Blackbody{TeffK: 4500 + float64(i%7)*500, RefMag: 11 + float64(i%5)*0.4},
			X:            Frame.Width * (0.05 + 0.9*float64(col)/float64(side-1)),
			Y:            Frame.Height * (0.05 + 0.9*float64(row)/float64(side-1)),
			Airmass:      1 + 0.05*float64(i%9),
			TemperatureC: 12,
			PressureMbar: 1005,
		}
	}
	return cals
}

// Dataset wraps cals in a Dataset on Frame and fails the test on error.
func Dataset(t testing.TB, cals []dataset.Calibrator) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.New(Frame, cals)
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	return ds
}

// Scatter returns n deterministic offsets bounded by ±amp.
func Scatter(n int, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(float64(i)*1.7)
	}
	return out
}

// LinearModel predicts
//
//	m_i = norm + pwv·(airmass_i - 1) + aod·(u_i) + field(u_i, v_i)
//
// so every parameter enters linearly. DiffMag is m_i - ObservedMag_i. With
// Weighted set, residuals are divided by MagErr.
type LinearModel struct {
	Field    fieldcorr.Model
	Weighted bool
}

// NewLinearModel returns a Legendre-field LinearModel.
func NewLinearModel() LinearModel { return LinearModel{Field: fieldcorr.ModelLegendre} }

// Predict returns the model magnitudes for ps over ds.
func (m LinearModel) Predict(ps params.Set, ds *dataset.Dataset) []float64 {
	vocab := params.Standard()
	get := func(n string) float64 { return ps.GetOr(n, vocab.Default(n)) }
	out := make([]float64, ds.Len())
	for i := range out {
		c := ds.At(i)
		u, v := ds.Frame().Normalize(c.X, c.Y)
		out[i] = get(params.Norm) + get(params.PWV)*(c.Airmass-1) + get(params.AOD)*u + m.Field.Correction(ps, u, v)
	}
	return out
}

// Evaluate implements model.ForwardModel.
func (m LinearModel) Evaluate(ps params.Set, ds *dataset.Dataset) (model.Evaluation, error) {
	if ds.Len() == 0 {
		return model.Evaluation{}, dataset.ErrEmpty
	}
	pred := m.Predict(ps, ds)
	for i := range pred {
		pred[i] -= ds.At(i).ObservedMag
	}
	return model.Assemble(pred, m.Weights(ds)), nil
}

// WithFieldModel implements model.FieldAware.
func (m LinearModel) WithFieldModel(f fieldcorr.Model) model.ForwardModel {
	m.Field = f
	return m
}

// Weights implements model.Weighted.
func (m LinearModel) Weights(ds *dataset.Dataset) []float64 {
	if !m.Weighted {
		return nil
	}
	w := make([]float64, ds.Len())
	for i := range w {
		w[i] = 1
		if e := ds.At(i).MagErr; e > 0 {
			w[i] = 1 / e
		}
	}
	return w
}

// Observe sets every calibrator's ObservedMag to the prediction of fm at
// truth plus the matching noise entry (nil for none).
func Observe(t testing.TB, fm model.ForwardModel, truth params.Set, cals []dataset.Calibrator, noise []float64) []dataset.Calibrator {
	t.Helper()
	out := make([]dataset.Calibrator, len(cals))
	copy(out, cals)
	for i := range out {
		out[i].ObservedMag = 0
	}
	ev, err := fm.Evaluate(truth, Dataset(t, out))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	for i := range out {
		// DiffMag = pred - 0
		out[i].ObservedMag = ev.DiffMag[i]
		if noise != nil {
			out[i].ObservedMag += noise[i]
		}
	}
	return out
}
