// Package params holds the ordered parameter sets threaded through a
// calibration run and the vocabulary of names a model understands.
package params

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Set is an ordered mapping from parameter name to value. A Set is never
// modified after construction; every operation that changes it returns a copy.
type Set struct {
	names  []string
	values map[string]float64
}

// Pair is a single name/value entry used to build a Set.
type Pair struct {
	Name  string
	Value float64
}

// New builds a Set from pairs in order. A repeated name keeps its first
// position and takes the last value.
func New(pairs ...Pair) Set {
	s := Set{values: make(map[string]float64, len(pairs))}
	for _, p := range pairs {
		if _, ok := s.values[p.Name]; !ok {
			s.names = append(s.names, p.Name)
		}
		s.values[p.Name] = p.Value
	}
	return s
}

// FromValues zips names and values into a Set.
func FromValues(names []string, values []float64) (Set, error) {
	if len(names) != len(values) {
		return Set{}, fmt.Errorf("params: %d names but %d values", len(names), len(values))
	}
	pairs := make([]Pair, len(names))
	for i := range names {
		pairs[i] = Pair{Name: names[i], Value: values[i]}
	}
	return New(pairs...), nil
}

// Len returns the number of parameters.
func (s Set) Len() int { return len(s.names) }

// Names returns the parameter names in order.
func (s Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Get returns the value for name and whether it is present.
func (s Set) Get(name string) (float64, bool) {
	v, ok := s.values[name]
	return v, ok
}

// GetOr returns the value for name, or def when the name is absent.
func (s Set) GetOr(name string, def float64) float64 {
	if v, ok := s.values[name]; ok {
		return v
	}
	return def
}

// Has reports whether name is present.
func (s Set) Has(name string) bool {
	_, ok := s.values[name]
	return ok
}

// Pairs returns the entries in order.
func (s Set) Pairs() []Pair {
	out := make([]Pair, len(s.names))
	for i, n := range s.names {
		out[i] = Pair{Name: n, Value: s.values[n]}
	}
	return out
}

// Values returns the values for names, in the order given. Missing names
// are reported as an error.
func (s Set) Values(names []string) ([]float64, error) {
	out := make([]float64, len(names))
	for i, n := range names {
		v, ok := s.values[n]
		if !ok {
			return nil, fmt.Errorf("params: %q not set", n)
		}
		out[i] = v
	}
	return out, nil
}

// With returns a copy with name set to v.
func (s Set) With(name string, v float64) Set {
	return s.Merge(New(Pair{Name: name, Value: v}))
}

// Merge returns s overlaid with later. Names in both sets keep their
// position in s and take the value from later; new names are appended in
// later's order.
func (s Set) Merge(later Set) Set {
	out := Set{
		names:  make([]string, 0, len(s.names)+len(later.names)),
		values: make(map[string]float64, len(s.names)+len(later.names)),
	}
	for _, n := range s.names {
		out.names = append(out.names, n)
		out.values[n] = s.values[n]
	}
	for _, n := range later.names {
		if _, ok := out.values[n]; !ok {
			out.names = append(out.names, n)
		}
		out.values[n] = later.values[n]
	}
	return out
}

// Without returns a copy with the named parameters removed.
func (s Set) Without(names ...string) Set {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}
	out := Set{values: make(map[string]float64, len(s.names))}
	for _, n := range s.names {
		if _, ok := drop[n]; ok {
			continue
		}
		out.names = append(out.names, n)
		out.values[n] = s.values[n]
	}
	return out
}

// Select returns the subset of s named in names, in the order of names.
// Names not present in s are skipped.
func (s Set) Select(names ...string) Set {
	out := Set{values: make(map[string]float64, len(names))}
	for _, n := range names {
		v, ok := s.values[n]
		if !ok {
			continue
		}
		if _, dup := out.values[n]; dup {
			continue
		}
		out.names = append(out.names, n)
		out.values[n] = v
	}
	return out
}

// Equal reports whether both sets hold the same names in the same order with
// bit-identical values.
func (s Set) Equal(o Set) bool {
	if len(s.names) != len(o.names) {
		return false
	}
	for i, n := range s.names {
		if o.names[i] != n {
			return false
		}
		if math.Float64bits(s.values[n]) != math.Float64bits(o.values[n]) {
			return false
		}
	}
	return true
}

// String formats the set as "name=value" pairs.
func (s Set) String() string {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, n := range s.names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(s.values[n], 'g', 8, 64))
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON encodes the set as a JSON object preserving order.
func (s Set) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, n := range s.names {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(n)
		if err != nil {
			return nil, err
		}
		v := s.values[n]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("params: %q has non-finite value %v", n, v)
		}
		b.Write(key)
		b.WriteByte(':')
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping key order.
func (s *Set) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("params: %w", err)
	}
	if tok == nil {
		*s = Set{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("params: expected object, got %v", tok)
	}
	var pairs []Pair
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("params: %w", err)
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("params: expected key, got %v", tok)
		}
		var v float64
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("params: value for %q: %w", name, err)
		}
		pairs = append(pairs, Pair{Name: name, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	*s = New(pairs...)
	return nil
}
