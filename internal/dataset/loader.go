package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrEmptyCatalog is returned when no catalog rows fall inside the search
// radius.
var ErrEmptyCatalog = errors.New("dataset: no calibrators within search radius")

// Loader produces the dataset for a calibration run.
type Loader interface {
	Load(ctx context.Context, catalog string, radiusDeg float64) (*Dataset, error)
}

// Coord is a sky position in degrees.
type Coord struct {
	RA  float64
	Dec float64
}

// Separation returns the great-circle distance to o in degrees.
func (c Coord) Separation(o Coord) float64 {
	const rad = math.Pi / 180
	dRA := (o.RA - c.RA) * rad
	dDec := (o.Dec - c.Dec) * rad
	a := math.Sin(dDec/2)*math.Sin(dDec/2) +
		math.Cos(c.Dec*rad)*math.Cos(o.Dec*rad)*math.Sin(dRA/2)*math.Sin(dRA/2)
	return 2 * math.Asin(math.Min(1, math.Sqrt(a))) / rad
}

// CSVLoader reads calibrators from a catalog CSV and keeps those within the
// search radius of Center.
//
// Required columns: id, ra, dec, x, y, mag. Optional columns: mag_err,
// airmass, temp_c, pressure_mbar, teff, ref_mag, spectrum. A non-empty
// spectrum column names a two-column CSV relative to the catalog file;
// otherwise a blackbody is built from teff and ref_mag.
type CSVLoader struct {
	Center Coord
	Frame  Frame

	// Defaults for rows with no metadata.
	Airmass      float64
	TemperatureC float64
	PressureMbar float64
}

var requiredColumns = []string{"id", "ra", "dec", "x", "y", "mag"}

// Load implements Loader.
func (l CSVLoader) Load(ctx context.Context, catalog string, radiusDeg float64) (*Dataset, error) {
	if radiusDeg <= 0 {
		return nil, fmt.Errorf("search radius must be positive, got %g", radiusDeg)
	}
	f, err := os.Open(catalog)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()
	return l.read(ctx, f, filepath.Dir(catalog), radiusDeg)
}

// Read parses a catalog from r. Relative spectrum paths resolve against dir.
func (l CSVLoader) Read(ctx context.Context, r io.Reader, dir string, radiusDeg float64) (*Dataset, error) {
	return l.read(ctx, r, dir, radiusDeg)
}

func (l CSVLoader) read(ctx context.Context, r io.Reader, dir string, radiusDeg float64) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("catalog missing required column %q", name)
		}
	}

	var cals []Calibrator
	row := 1
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog: %w", err)
		}
		row++
		p := rowParser{rec: rec, col: col, row: row}

		pos := Coord{RA: p.float("ra", 0), Dec: p.float("dec", 0)}
		if p.err != nil {
			return nil, p.err
		}
		if l.Center.Separation(pos) > radiusDeg {
			continue
		}

		c := Calibrator{
			ID:           p.str("id"),
			ObservedMag:  p.float("mag", 0),
			MagErr:       p.float("mag_err", 0),
			X:            p.float("x", 0),
			Y:            p.float("y", 0),
			Airmass:      p.float("airmass", l.Airmass),
			TemperatureC: p.float("temp_c", l.TemperatureC),
			PressureMbar: p.float("pressure_mbar", l.PressureMbar),
		}
		if spec := p.str("spectrum"); spec != "" {
			if !filepath.IsAbs(spec) {
				spec = filepath.Join(dir, spec)
			}
			tab, err := LoadTabulated(spec)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", row, err)
			}
			c.Spectrum = tab
		} else {
			c.Spectrum = Blackbody{TeffK: p.float("teff", 5800), RefMag: p.float("ref_mag", c.ObservedMag)}
		}
		if p.err != nil {
			return nil, p.err
		}
		if c.Airmass < 1 {
			return nil, fmt.Errorf("row %d: airmass must be >= 1, got %g", row, c.Airmass)
		}
		cals = append(cals, c)
	}
	if len(cals) == 0 {
		return nil, ErrEmptyCatalog
	}
	return New(l.Frame, cals)
}

type rowParser struct {
	rec []string
	col map[string]int
	row int
	err error
}

func (p *rowParser) str(name string) string {
	i, ok := p.col[name]
	if !ok || i >= len(p.rec) {
		return ""
	}
	return strings.TrimSpace(p.rec[i])
}

func (p *rowParser) float(name string, def float64) float64 {
	s := p.str(name)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("row %d: invalid %s %q: %w", p.row, name, s, err)
	}
	if err == nil && !isFinite(v) && p.err == nil {
		p.err = fmt.Errorf("row %d: %s must be finite, got %q", p.row, name, s)
	}
	return v
}
