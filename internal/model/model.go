// Package model defines the forward model the optimizer fits and provides
// the atmospheric transmission model used for absolute calibration.
package model

import (
	"errors"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"

	"github.com/abscal/transmission-fitter/internal/dataset"
	"github.com/abscal/transmission-fitter/internal/fieldcorr"
	"github.com/abscal/transmission-fitter/internal/params"
)

// ErrNonPhysical is returned when a parameter set produces a prediction
// with no physical meaning, such as a non-positive band flux.
var ErrNonPhysical = errors.New("model: non-physical parameters")

// Evaluation is the output of one forward-model evaluation. Residuals and
// DiffMag have one entry per calibrator in the evaluated dataset.
type Evaluation struct {
	Cost      float64
	Residuals []float64
	DiffMag   []float64
}

// ForwardModel predicts calibrator magnitudes for a parameter set.
// Implementations must be pure: the same inputs always give the same output.
type ForwardModel interface {
	Evaluate(ps params.Set, ds *dataset.Dataset) (Evaluation, error)
}

// FieldAware models accept a per-stage choice of field-correction basis.
type FieldAware interface {
	WithFieldModel(m fieldcorr.Model) ForwardModel
}

// Weighted models scale magnitude differences into residuals. Weights
// returns one factor per calibrator; nil means unit weights.
type Weighted interface {
	Weights(ds *dataset.Dataset) []float64
}

// Func adapts a plain function to ForwardModel.
type Func func(ps params.Set, ds *dataset.Dataset) (Evaluation, error)

// Evaluate implements ForwardModel.
func (f Func) Evaluate(ps params.Set, ds *dataset.Dataset) (Evaluation, error) {
	return f(ps, ds)
}

// Assemble builds an Evaluation from magnitude differences and optional
// weights.
func Assemble(diff, weights []float64) Evaluation {
	res := make([]float64, len(diff))
	copy(res, diff)
	if weights != nil {
		floats.Mul(res, weights)
	}
	return Evaluation{
		Cost:      floats.Dot(res, res),
		Residuals: res,
		DiffMag:   diff,
	}
}

// Counter wraps a model and counts evaluations. Copies made through
// WithFieldModel share the count.
type Counter struct {
	inner ForwardModel
	n     *atomic.Int64
}

// NewCounter wraps m.
func NewCounter(m ForwardModel) *Counter {
	return &Counter{inner: m, n: new(atomic.Int64)}
}

// Evaluate implements ForwardModel.
func (c *Counter) Evaluate(ps params.Set, ds *dataset.Dataset) (Evaluation, error) {
	c.n.Add(1)
	return c.inner.Evaluate(ps, ds)
}

// Count returns the number of evaluations so far.
func (c *Counter) Count() int64 { return c.n.Load() }

// WithFieldModel implements FieldAware when the wrapped model does.
func (c *Counter) WithFieldModel(m fieldcorr.Model) ForwardModel {
	fa, ok := c.inner.(FieldAware)
	if !ok {
		return c
	}
	return &Counter{inner: fa.WithFieldModel(m), n: c.n}
}

// Weights implements Weighted when the wrapped model does.
func (c *Counter) Weights(ds *dataset.Dataset) []float64 {
	if w, ok := c.inner.(Weighted); ok {
		return w.Weights(ds)
	}
	return nil
}

// WithFieldModel returns m configured for the field basis fm when m
// supports it, and m unchanged otherwise.
func WithFieldModel(m ForwardModel, fm fieldcorr.Model) ForwardModel {
	if fa, ok := m.(FieldAware); ok {
		return fa.WithFieldModel(fm)
	}
	return m
}

// WeightsOf returns the residual weights of m for ds, or nil.
func WeightsOf(m ForwardModel, ds *dataset.Dataset) []float64 {
	if w, ok := m.(Weighted); ok {
		return w.Weights(ds)
	}
	return nil
}
