package fieldcorr

import (
	"math"
	"testing"

	"github.com/abscal/transmission-fitter/internal/dataset"
	"github.com/abscal/transmission-fitter/internal/params"
)

func TestPolynomials(t *testing.T) {
	testCases := []struct {
		name  string
		model Model
		order int
		want  func(u float64) float64
	}{
		{"legendre_p2", ModelLegendre, 2, func(u float64) float64 { return (3*u*u - 1) / 2 }},
		{"legendre_p3", ModelLegendre, 3, func(u float64) float64 { return (5*u*u*u - 3*u) / 2 }},
		{"legendre_p4", ModelLegendre, 4, func(u float64) float64 { return (35*math.Pow(u, 4) - 30*u*u + 3) / 8 }},
		{"chebyshev_t1", ModelChebyshev, 1, func(u float64) float64 { return u }},
		{"chebyshev_t2", ModelChebyshev, 2, func(u float64) float64 { return 2*u*u - 1 }},
		{"chebyshev_t3", ModelChebyshev, 3, func(u float64) float64 { return 4*u*u*u - 3*u }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for _, u := range []float64{-1, -0.3, 0, 0.5, 1} {
				got, want := tc.model.poly(tc.order, u), tc.want(u)
				if math.Abs(got-want) > 1e-12 {
					t.Errorf("poly(%d, %g) = %.15f, want %.15f", tc.order, u, got, want)
				}
			}
		})
	}
}

func TestParseModel(t *testing.T) {
	tests := []struct {
		in      string
		want    Model
		wantErr bool
	}{
		{"", ModelLegendre, false},
		{"Legendre", ModelLegendre, false},
		{"chebyshev", ModelChebyshev, false},
		{"none", ModelNone, false},
		{"zernike", ModelNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseModel(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseModel(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseModel(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseModel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestTermsCoverVocabulary(t *testing.T) {
	fc := params.Standard().NamesOfKind(params.KindFieldCorrection)
	if len(Terms) != len(fc) {
		t.Fatalf("len(Terms) = %d, want %d", len(Terms), len(fc))
	}
	for _, n := range fc {
		if _, ok := Lookup(n); !ok {
			t.Errorf("Lookup(%q) found no term", n)
		}
	}
}

func TestCorrection(t *testing.T) {
	ps := params.New(
		params.Pair{Name: params.FCConst, Value: 0.1},
		params.Pair{Name: params.FCX1, Value: 0.2},
		params.Pair{Name: params.FCXY, Value: -0.5},
		params.Pair{Name: params.Norm, Value: 7},
	)
	got := ModelLegendre.Correction(ps, 0.5, -0.5)
	if want := 0.1 + 0.2*0.5 - 0.5*(0.5*-0.5); math.Abs(got-want) > 1e-12 {
		t.Errorf("Correction = %g, want %g", got, want)
	}
	if got := ModelNone.Correction(ps, 0.5, 0.5); got != 0 {
		t.Errorf("ModelNone.Correction = %g, want 0", got)
	}
}

func TestDesign(t *testing.T) {
	ds, err := dataset.New(dataset.Frame{Width: 100, Height: 100}, []dataset.Calibrator{
		{ID: "a", X: 0, Y: 100},
		{ID: "b", X: 50, Y: 50},
		{ID: "c", X: 100, Y: 25},
	})
	if err != nil {
		t.Fatal(err)
	}

	a, err := ModelLegendre.Design([]string{params.FCConst, params.FCX1, params.FCY2}, ds)
	if err != nil {
		t.Fatalf("Design: %v", err)
	}
	if r, c := a.Dims(); r != 3 || c != 3 {
		t.Fatalf("Dims() = %dx%d, want 3x3", r, c)
	}
	exact := []struct {
		i, j int
		want float64
	}{
		{0, 0, 1},
		{0, 1, -1},
		{0, 2, 1},    // P2(1)
		{1, 2, -0.5}, // P2(0)
	}
	for _, e := range exact {
		if got := a.At(e.i, e.j); got != e.want {
			t.Errorf("A[%d,%d] = %g, want %g", e.i, e.j, got, e.want)
		}
	}
	if got, want := a.At(2, 2), (3*0.25-1)/2; math.Abs(got-want) > 1e-12 {
		t.Errorf("A[2,2] = %g, want %g", got, want)
	}

	if _, err := ModelLegendre.Design([]string{params.PWV}, ds); err == nil {
		t.Error("expected error for a non-field column")
	}
	if _, err := ModelNone.Design([]string{params.FCX1}, ds); err == nil {
		t.Error("expected error for a field column with no model")
	}
}
