// Package fieldcorr implements the position-dependent field correction: a
// low-order orthogonal polynomial in normalized detector coordinates whose
// coefficients enter the model linearly.
package fieldcorr

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/abscal/transmission-fitter/internal/dataset"
	"github.com/abscal/transmission-fitter/internal/params"
)

// MaxOrder is the highest polynomial order per axis.
const MaxOrder = 4

// Model selects the polynomial family used for the field correction.
type Model int

const (
	ModelNone Model = iota
	ModelLegendre
	ModelChebyshev
)

func (m Model) String() string {
	switch m {
	case ModelNone:
		return "none"
	case ModelLegendre:
		return "legendre"
	case ModelChebyshev:
		return "chebyshev"
	default:
		return fmt.Sprintf("model(%d)", int(m))
	}
}

// ParseModel maps a configuration string onto a Model. The empty string
// selects Legendre.
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "legendre":
		return ModelLegendre, nil
	case "chebyshev":
		return ModelChebyshev, nil
	case "none":
		return ModelNone, nil
	default:
		return ModelNone, fmt.Errorf("unknown field model %q", s)
	}
}

// Axis is the detector axis a term varies along.
type Axis int

const (
	AxisNone Axis = iota
	AxisX
	AxisY
	AxisXY
)

// Term is one basis function.
type Term struct {
	Name  string
	Axis  Axis
	Order int
}

// Terms lists every supported basis term in canonical order.
var Terms = []Term{
	{Name: params.FCConst, Axis: AxisNone},
	{Name: params.FCX1, Axis: AxisX, Order: 1},
	{Name: params.FCY1, Axis: AxisY, Order: 1},
	{Name: params.FCX2, Axis: AxisX, Order: 2},
	{Name: params.FCY2, Axis: AxisY, Order: 2},
	{Name: params.FCX3, Axis: AxisX, Order: 3},
	{Name: params.FCY3, Axis: AxisY, Order: 3},
	{Name: params.FCX4, Axis: AxisX, Order: 4},
	{Name: params.FCY4, Axis: AxisY, Order: 4},
	{Name: params.FCXY, Axis: AxisXY, Order: 1},
}

var termByName = func() map[string]Term {
	m := make(map[string]Term, len(Terms))
	for _, t := range Terms {
		m[t.Name] = t
	}
	return m
}()

// Lookup returns the term for a coefficient name.
func Lookup(name string) (Term, bool) {
	t, ok := termByName[name]
	return t, ok
}

// poly evaluates the order-n polynomial of the family at u in [-1, 1].
func (m Model) poly(n int, u float64) float64 {
	if n == 0 {
		return 1
	}
	p0, p1 := 1.0, u
	for k := 1; k < n; k++ {
		var p2 float64
		switch m {
		case ModelChebyshev:
			p2 = 2*u*p1 - p0
		default:
			fk := float64(k)
			p2 = ((2*fk+1)*u*p1 - fk*p0) / (fk + 1)
		}
		p0, p1 = p1, p2
	}
	return p1
}

// Eval returns the value of term t at normalized position (u, v).
func (m Model) Eval(t Term, u, v float64) float64 {
	if m == ModelNone {
		return 0
	}
	switch t.Axis {
	case AxisX:
		return m.poly(t.Order, u)
	case AxisY:
		return m.poly(t.Order, v)
	case AxisXY:
		return u * v
	default:
		return 1
	}
}

// Correction sums every field-correction coefficient present in ps at
// normalized position (u, v). Coefficients absent from ps contribute zero.
func (m Model) Correction(ps params.Set, u, v float64) float64 {
	if m == ModelNone {
		return 0
	}
	var sum float64
	for _, t := range Terms {
		c, ok := ps.Get(t.Name)
		if !ok || c == 0 {
			continue
		}
		sum += c * m.Eval(t, u, v)
	}
	return sum
}

// Design builds the design matrix for names over ds: one row per
// calibrator, one column per name, in order.
func (m Model) Design(names []string, ds *dataset.Dataset) (*mat.Dense, error) {
	if m == ModelNone {
		return nil, fmt.Errorf("field model none has no basis")
	}
	terms := make([]Term, len(names))
	for j, n := range names {
		t, ok := Lookup(n)
		if !ok {
			return nil, fmt.Errorf("%q is not a field-correction term", n)
		}
		terms[j] = t
	}
	rows := ds.Len()
	if rows == 0 || len(terms) == 0 {
		return nil, fmt.Errorf("empty design matrix (%d rows, %d columns)", rows, len(terms))
	}
	u, v := ds.Positions()
	a := mat.NewDense(rows, len(terms), nil)
	for i := 0; i < rows; i++ {
		for j, t := range terms {
			a.Set(i, j, m.Eval(t, u[i], v[i]))
		}
	}
	return a, nil
}
