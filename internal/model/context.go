package model

import (
	"fmt"
	"math"
)

// GridConfig describes the wavelength sampling of a Context.
type GridConfig struct {
	MinNM  float64
	MaxNM  float64
	Points int
}

// DefaultGrid is 300 to 1100 nm in 8 nm steps.
var DefaultGrid = GridConfig{MinNM: 300, MaxNM: 1100, Points: 101}

// Context holds the wavelength grid and the absorption tables sampled on it.
// It is built once per run and never modified, so it can be shared by every
// model and stage that uses it.
type Context struct {
	wl       []float64
	rayleigh []float64 // at standard pressure
	ozoneXS  []float64
	water    []float64
	mixed    []float64
}

// NewContext samples the absorption tables on the configured grid.
func NewContext(cfg GridConfig) (*Context, error) {
	if cfg.Points < 2 {
		return nil, fmt.Errorf("wavelength grid needs at least 2 points, got %d", cfg.Points)
	}
	if cfg.MinNM <= 0 || cfg.MaxNM <= cfg.MinNM {
		return nil, fmt.Errorf("invalid wavelength range %g-%g nm", cfg.MinNM, cfg.MaxNM)
	}
	xs, err := newOzoneCrossSection()
	if err != nil {
		return nil, fmt.Errorf("ozone table: %w", err)
	}

	c := &Context{
		wl:       make([]float64, cfg.Points),
		rayleigh: make([]float64, cfg.Points),
		ozoneXS:  make([]float64, cfg.Points),
		water:    make([]float64, cfg.Points),
		mixed:    make([]float64, cfg.Points),
	}
	step := (cfg.MaxNM - cfg.MinNM) / float64(cfg.Points-1)
	for i := range c.wl {
		wl := cfg.MinNM + float64(i)*step
		c.wl[i] = wl
		c.rayleigh[i] = RayleighDepth(wl, StandardPressureMbar)
		c.ozoneXS[i] = xs.Predict(wl)
		c.water[i] = bandsAt(waterBands, wl)
		c.mixed[i] = bandsAt(mixedGasBands, wl)
	}
	return c, nil
}

// Wavelengths returns a copy of the grid in nm.
func (c *Context) Wavelengths() []float64 {
	out := make([]float64, len(c.wl))
	copy(out, c.wl)
	return out
}

// Len returns the number of grid points.
func (c *Context) Len() int { return len(c.wl) }

// Atmosphere holds the atmospheric state for one observation.
type Atmosphere struct {
	Airmass      float64
	PressureMbar float64
	TemperatureC float64
	PWV          float64
	AOD          float64
	Alpha        float64
	Ozone        float64
}

// TransmissionInto writes the total atmospheric transmission on the grid
// into dst, which must have Len() entries.
func (c *Context) TransmissionInto(dst []float64, a Atmosphere) {
	pScale := a.PressureMbar / StandardPressureMbar
	for i, wl := range c.wl {
		zenith := c.rayleigh[i]*pScale + AerosolDepth(wl, a.AOD, a.Alpha) + OzoneDepth(c.ozoneXS[i], a.Ozone)
		slant := a.Airmass*zenith +
			WaterDepth(c.water[i], a.PWV, a.Airmass) +
			MixedGasDepth(c.mixed[i], a.Airmass, a.PressureMbar, a.TemperatureC)
		dst[i] = math.Exp(-slant)
	}
}

// Transmission returns the total atmospheric transmission on the grid.
func (c *Context) Transmission(a Atmosphere) []float64 {
	out := make([]float64, len(c.wl))
	c.TransmissionInto(out, a)
	return out
}
