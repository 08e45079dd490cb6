// Package stage describes the ordered calibration stages run by the
// optimizer and checks them against a parameter vocabulary before any
// solving begins.
package stage

import (
	"fmt"
	"math"
	"strings"

	"github.com/abscal/transmission-fitter/internal/fieldcorr"
	"github.com/abscal/transmission-fitter/internal/params"
	"github.com/abscal/transmission-fitter/internal/sigmaclip"
	"github.com/abscal/transmission-fitter/internal/solver"
)

// Descriptor is one unit of a calibration sequence.
type Descriptor struct {
	Name        string
	Description string
	// Free lists the parameters solved for, in order.
	Free []string
	// Overrides pins parameters to explicit constants for this stage. They
	// take precedence over values accumulated from earlier stages.
	Overrides      params.Set
	Method         solver.Method
	Clip           sigmaclip.Config
	Field          fieldcorr.Model
	Regularization float64
	// RestoreDataset starts the stage from the dataset as originally loaded
	// instead of the one left by earlier clipping.
	RestoreDataset bool
}

// Validate checks d against vocab. Every error wraps solver.ErrConfig and
// names the stage.
func (d Descriptor) Validate(vocab *params.Vocabulary) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: stage %q: %s", solver.ErrConfig, d.Name, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: stage has no name", solver.ErrConfig)
	}
	if len(d.Free) == 0 {
		return fail("no free parameters")
	}
	seen := make(map[string]struct{}, len(d.Free))
	for _, n := range d.Free {
		if _, dup := seen[n]; dup {
			return fail("free parameter %q listed twice", n)
		}
		seen[n] = struct{}{}
	}
	if err := vocab.Validate(d.Free...); err != nil {
		return fail("%v", err)
	}
	if err := vocab.Validate(d.Overrides.Names()...); err != nil {
		return fail("overrides: %v", err)
	}
	for _, n := range d.Overrides.Names() {
		if _, free := seen[n]; free {
			return fail("%q is both free and overridden", n)
		}
	}

	switch d.Method {
	case solver.MethodLinear:
		if d.Field == fieldcorr.ModelNone {
			return fail("linear method needs a field model")
		}
		for _, n := range d.Free {
			if _, ok := fieldcorr.Lookup(n); !ok || !vocab.IsFieldCorrection(n) {
				return fail("linear method cannot solve %q: not a field-correction term", n)
			}
		}
	case solver.MethodNonlinear:
		if d.Field == fieldcorr.ModelNone {
			for _, n := range d.Free {
				if vocab.IsFieldCorrection(n) {
					return fail("field term %q is free but the field model is none", n)
				}
			}
		}
	default:
		return fail("unknown method %v", d.Method)
	}

	if err := d.Clip.Validate(); err != nil {
		return fail("%v", err)
	}
	if d.Regularization < 0 || math.IsNaN(d.Regularization) || math.IsInf(d.Regularization, 0) {
		return fail("regularization must be a finite value >= 0, got %g", d.Regularization)
	}
	return nil
}

// ValidateSequence validates every stage and checks that names are unique.
func ValidateSequence(stages []Descriptor, vocab *params.Vocabulary) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: empty stage sequence", solver.ErrConfig)
	}
	names := make(map[string]int, len(stages))
	for i, d := range stages {
		if err := d.Validate(vocab); err != nil {
			return fmt.Errorf("stage %d: %w", i+1, err)
		}
		if j, dup := names[d.Name]; dup {
			return fmt.Errorf("%w: stage name %q used by stages %d and %d", solver.ErrConfig, d.Name, j+1, i+1)
		}
		names[d.Name] = i
	}
	return nil
}

// String renders d on one line for logs and the CLI.
func (d Descriptor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] free=%s", d.Name, d.Method, strings.Join(d.Free, ","))
	if d.Overrides.Len() > 0 {
		fmt.Fprintf(&b, " fixed=%s", d.Overrides)
	}
	fmt.Fprintf(&b, " field=%s", d.Field)
	if d.Clip.Enabled {
		fmt.Fprintf(&b, " clip=%gσ×%d", d.Clip.Sigma, d.Clip.MaxIterations)
		if d.Clip.Robust {
			b.WriteString(" robust")
		}
	}
	if d.Regularization > 0 {
		fmt.Fprintf(&b, " lambda=%g", d.Regularization)
	}
	if d.RestoreDataset {
		b.WriteString(" restore")
	}
	return b.String()
}
