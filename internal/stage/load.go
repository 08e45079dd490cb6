package stage

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/abscal/transmission-fitter/internal/fieldcorr"
	"github.com/abscal/transmission-fitter/internal/params"
	"github.com/abscal/transmission-fitter/internal/sigmaclip"
	"github.com/abscal/transmission-fitter/internal/solver"
)

// Defaults fill in stage settings a file leaves out.
type Defaults struct {
	ClipSigma      float64
	ClipIterations int
	Robust         bool
	Regularization float64
}

// DefaultDefaults returns the settings used when no configuration supplies
// them.
func DefaultDefaults() Defaults {
	return Defaults{ClipSigma: 3, ClipIterations: 5}
}

type fileDoc struct {
	Stages []rawStage `yaml:"stages"`
}

// rawStage holds a stage as written. Enumerations stay strings so a bad
// value is reported against the stage that carries it.
type rawStage struct {
	Name           string    `yaml:"name"`
	Description    string    `yaml:"description"`
	Free           []string  `yaml:"free"`
	Fixed          yaml.Node `yaml:"fixed"`
	Method         string    `yaml:"method"`
	Field          string    `yaml:"field_model"`
	Clip           *rawClip  `yaml:"clip"`
	Regularization *float64  `yaml:"regularization"`
	RestoreDataset bool      `yaml:"restore_dataset"`
}

type rawClip struct {
	Enabled       *bool    `yaml:"enabled"`
	Sigma         *float64 `yaml:"sigma"`
	MaxIterations *int     `yaml:"max_iterations"`
	Robust        *bool    `yaml:"robust"`
}

// Parse decodes a stage file. JSON is accepted as well since it is valid
// YAML. The result is not validated against a vocabulary.
func Parse(data []byte, def Defaults) ([]Descriptor, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("stage: definition payload is empty")
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("stage: decode definition: %w", err)
	}
	if len(doc.Stages) == 0 {
		return nil, fmt.Errorf("%w: stage file lists no stages", solver.ErrConfig)
	}
	out := make([]Descriptor, 0, len(doc.Stages))
	for i, raw := range doc.Stages {
		d, err := raw.descriptor(def)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i+1, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Read decodes a stage file from r.
func Read(r io.Reader, def Defaults) ([]Descriptor, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("stage: read definition: %w", err)
	}
	return Parse(content, def)
}

// LoadFile decodes the stage file at path.
func LoadFile(path string, def Defaults) ([]Descriptor, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("stage: read %s: %w", path, err)
	}
	stages, err := Parse(content, def)
	if err != nil {
		return nil, fmt.Errorf("stage: %s: %w", path, err)
	}
	return stages, nil
}

func (r rawStage) descriptor(def Defaults) (Descriptor, error) {
	d := Descriptor{
		Name:           r.Name,
		Description:    r.Description,
		Free:           r.Free,
		Regularization: def.Regularization,
		RestoreDataset: r.RestoreDataset,
	}
	var err error
	if d.Method, err = solver.ParseMethod(r.Method); err != nil {
		return Descriptor{}, fmt.Errorf("stage %q: %w", r.Name, err)
	}
	if d.Field, err = fieldcorr.ParseModel(r.Field); err != nil {
		return Descriptor{}, fmt.Errorf("%w: stage %q: %v", solver.ErrConfig, r.Name, err)
	}
	if d.Overrides, err = decodeFixed(&r.Fixed); err != nil {
		return Descriptor{}, fmt.Errorf("%w: stage %q: fixed: %v", solver.ErrConfig, r.Name, err)
	}
	if r.Regularization != nil {
		d.Regularization = *r.Regularization
	}
	d.Clip = r.Clip.config(def)
	return d, nil
}

// config resolves a clip block. A block that is present but says nothing
// about enabled turns clipping on.
func (c *rawClip) config(def Defaults) sigmaclip.Config {
	if c == nil {
		return sigmaclip.Config{}
	}
	out := sigmaclip.Config{
		Enabled:       true,
		Sigma:         def.ClipSigma,
		MaxIterations: def.ClipIterations,
		Robust:        def.Robust,
	}
	if c.Enabled != nil {
		out.Enabled = *c.Enabled
	}
	if c.Sigma != nil {
		out.Sigma = *c.Sigma
	}
	if c.MaxIterations != nil {
		out.MaxIterations = *c.MaxIterations
	}
	if c.Robust != nil {
		out.Robust = *c.Robust
	}
	return out
}

// decodeFixed reads a mapping of name to value, keeping file order.
func decodeFixed(n *yaml.Node) (params.Set, error) {
	if n.Kind == 0 {
		return params.Set{}, nil
	}
	if n.Kind != yaml.MappingNode {
		return params.Set{}, fmt.Errorf("line %d: want a mapping of parameter to value", n.Line)
	}
	pairs := make([]params.Pair, 0, len(n.Content)/2)
	seen := make(map[string]struct{}, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		if _, dup := seen[key.Value]; dup {
			return params.Set{}, fmt.Errorf("line %d: %q listed twice", key.Line, key.Value)
		}
		seen[key.Value] = struct{}{}
		v, err := strconv.ParseFloat(val.Value, 64)
		if err != nil || val.Kind != yaml.ScalarNode {
			return params.Set{}, fmt.Errorf("line %d: %s: not a number: %q", val.Line, key.Value, val.Value)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return params.Set{}, fmt.Errorf("line %d: %s: must be finite, got %q", val.Line, key.Value, val.Value)
		}
		pairs = append(pairs, params.Pair{Name: key.Value, Value: v})
	}
	return params.New(pairs...), nil
}

// Marshal renders stages in the file format Parse reads.
func Marshal(stages []Descriptor) ([]byte, error) {
	doc := struct {
		Stages []outStage `yaml:"stages"`
	}{}
	for _, d := range stages {
		o := outStage{
			Name:           d.Name,
			Description:    d.Description,
			Free:           d.Free,
			Method:         d.Method.String(),
			Field:          d.Field.String(),
			Regularization: d.Regularization,
			RestoreDataset: d.RestoreDataset,
		}
		if d.Overrides.Len() > 0 {
			o.Fixed = &yaml.Node{Kind: yaml.MappingNode}
			for _, p := range d.Overrides.Pairs() {
				o.Fixed.Content = append(o.Fixed.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Value: p.Name},
					&yaml.Node{Kind: yaml.ScalarNode, Value: strconv.FormatFloat(p.Value, 'g', -1, 64)},
				)
			}
		}
		if d.Clip.Enabled {
			o.Clip = &outClip{Sigma: d.Clip.Sigma, MaxIterations: d.Clip.MaxIterations, Robust: d.Clip.Robust}
		}
		doc.Stages = append(doc.Stages, o)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("stage: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("stage: encode: %w", err)
	}
	return buf.Bytes(), nil
}

type outStage struct {
	Name           string     `yaml:"name"`
	Description    string     `yaml:"description,omitempty"`
	Free           []string   `yaml:"free,flow"`
	Fixed          *yaml.Node `yaml:"fixed,omitempty"`
	Method         string     `yaml:"method"`
	Field          string     `yaml:"field_model"`
	Clip           *outClip   `yaml:"clip,omitempty"`
	Regularization float64    `yaml:"regularization,omitempty"`
	RestoreDataset bool       `yaml:"restore_dataset,omitempty"`
}

type outClip struct {
	Sigma         float64 `yaml:"sigma"`
	MaxIterations int     `yaml:"max_iterations"`
	Robust        bool    `yaml:"robust,omitempty"`
}
