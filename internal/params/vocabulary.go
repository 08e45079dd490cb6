package params

import (
	"fmt"
	"sort"
	"strings"
)

// Kind groups parameters by the part of the model they control.
type Kind int

const (
	KindNormalization Kind = iota
	KindQE
	KindAtmospheric
	KindFieldCorrection
)

func (k Kind) String() string {
	switch k {
	case KindNormalization:
		return "normalization"
	case KindQE:
		return "qe"
	case KindAtmospheric:
		return "atmospheric"
	case KindFieldCorrection:
		return "field_correction"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Parameter names understood by the transmission model.
const (
	Norm = "norm"

	QECenter = "qe_center"
	QEWidth  = "qe_width"
	QESlope  = "qe_slope"

	PWV   = "pwv"
	AOD   = "aod"
	Alpha = "alpha"
	Ozone = "ozone"

	FCConst = "fc_const"
	FCX1    = "fc_x1"
	FCY1    = "fc_y1"
	FCX2    = "fc_x2"
	FCY2    = "fc_y2"
	FCX3    = "fc_x3"
	FCY3    = "fc_y3"
	FCX4    = "fc_x4"
	FCY4    = "fc_y4"
	FCXY    = "fc_xy"
)

// Spec describes one vocabulary entry.
type Spec struct {
	Name    string
	Kind    Kind
	Default float64
	Unit    string
}

// Vocabulary is the fixed set of parameter names a model accepts.
type Vocabulary struct {
	order []string
	specs map[string]Spec
}

// NewVocabulary builds a vocabulary. Duplicate or empty names are rejected.
func NewVocabulary(specs ...Spec) (*Vocabulary, error) {
	v := &Vocabulary{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("params: empty parameter name")
		}
		if _, dup := v.specs[s.Name]; dup {
			return nil, fmt.Errorf("params: duplicate parameter %q", s.Name)
		}
		v.order = append(v.order, s.Name)
		v.specs[s.Name] = s
	}
	return v, nil
}

var standard = mustVocabulary(
	Spec{Name: Norm, Kind: KindNormalization, Default: 1},
	Spec{Name: QECenter, Kind: KindQE, Default: 650, Unit: "nm"},
	Spec{Name: QEWidth, Kind: KindQE, Default: 250, Unit: "nm"},
	Spec{Name: QESlope, Kind: KindQE, Default: 0},
	Spec{Name: PWV, Kind: KindAtmospheric, Default: 1.0, Unit: "cm"},
	Spec{Name: AOD, Kind: KindAtmospheric, Default: 0.084},
	Spec{Name: Alpha, Kind: KindAtmospheric, Default: 0.6},
	Spec{Name: Ozone, Kind: KindAtmospheric, Default: 300, Unit: "DU"},
	Spec{Name: FCConst, Kind: KindFieldCorrection, Unit: "mag"},
	Spec{Name: FCX1, Kind: KindFieldCorrection, Unit: "mag"},
	Spec{Name: FCY1, Kind: KindFieldCorrection, Unit: "mag"},
	Spec{Name: FCX2, Kind: KindFieldCorrection, Unit: "mag"},
	Spec{Name: FCY2, Kind: KindFieldCorrection, Unit: "mag"},
	Spec{Name: FCX3, Kind: KindFieldCorrection, Unit: "mag"},
	Spec{Name: FCY3, Kind: KindFieldCorrection, Unit: "mag"},
	Spec{Name: FCX4, Kind: KindFieldCorrection, Unit: "mag"},
	Spec{Name: FCY4, Kind: KindFieldCorrection, Unit: "mag"},
	Spec{Name: FCXY, Kind: KindFieldCorrection, Unit: "mag"},
)

func mustVocabulary(specs ...Spec) *Vocabulary {
	v, err := NewVocabulary(specs...)
	if err != nil {
		panic(err)
	}
	return v
}

// Standard returns the vocabulary of the transmission model.
func Standard() *Vocabulary { return standard }

// Lookup returns the spec for name.
func (v *Vocabulary) Lookup(name string) (Spec, bool) {
	s, ok := v.specs[name]
	return s, ok
}

// Names returns every name in declaration order.
func (v *Vocabulary) Names() []string {
	out := make([]string, len(v.order))
	copy(out, v.order)
	return out
}

// NamesOfKind returns the names of one kind in declaration order.
func (v *Vocabulary) NamesOfKind(k Kind) []string {
	var out []string
	for _, n := range v.order {
		if v.specs[n].Kind == k {
			out = append(out, n)
		}
	}
	return out
}

// IsFieldCorrection reports whether name is a field-correction coefficient.
func (v *Vocabulary) IsFieldCorrection(name string) bool {
	s, ok := v.specs[name]
	return ok && s.Kind == KindFieldCorrection
}

// IsNormalization reports whether name is the normalization factor.
func (v *Vocabulary) IsNormalization(name string) bool {
	s, ok := v.specs[name]
	return ok && s.Kind == KindNormalization
}

// Default returns the default value for name, or 0 for unknown names.
func (v *Vocabulary) Default(name string) float64 {
	return v.specs[name].Default
}

// Defaults returns the defaults for names as a Set.
func (v *Vocabulary) Defaults(names ...string) Set {
	pairs := make([]Pair, 0, len(names))
	for _, n := range names {
		pairs = append(pairs, Pair{Name: n, Value: v.specs[n].Default})
	}
	return New(pairs...)
}

// Validate returns an error listing every name not in the vocabulary.
func (v *Vocabulary) Validate(names ...string) error {
	var unknown []string
	for _, n := range names {
		if _, ok := v.specs[n]; !ok {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("unknown parameter(s): %s", strings.Join(unknown, ", "))
}
