package model

import (
	"math"

	"gonum.org/v1/gonum/interp"
)

// Standard atmospheric conditions.
const (
	StandardPressureMbar = 1013.25
	StandardTemperatureC = 15.0

	// Molecules per cm² in one Dobson unit.
	dobsonColumn = 2.6868e16
	kelvin       = 273.15
)

// RayleighDepth returns the zenith Rayleigh optical depth at wl (nm) for a
// surface pressure in mbar.
func RayleighDepth(wl, pressureMbar float64) float64 {
	um := wl / 1000
	um2 := um * um
	um4 := um2 * um2
	return 0.008569 / um4 * (1 + 0.0113/um2 + 0.00013/um4) * pressureMbar / StandardPressureMbar
}

// AerosolDepth returns the zenith aerosol optical depth at wl (nm) from the
// depth at 500 nm and the Angstrom exponent.
func AerosolDepth(wl, aod500, alpha float64) float64 {
	return aod500 * math.Pow(wl/500, -alpha)
}

// Ozone absorption cross-sections (cm²/molecule) covering the Hartley-Huggins
// and Chappuis bands.
var ozoneTable = struct{ wl, xs []float64 }{
	wl: []float64{280, 290, 300, 310, 320, 330, 340, 350, 375, 400, 450, 500, 550, 575, 600, 625, 650, 700, 750, 800, 900, 1000, 1100},
	xs: []float64{
		3.9e-18, 1.5e-18, 3.9e-19, 1.1e-19, 3.0e-20, 8.0e-21, 2.0e-21, 5.0e-22, 5.0e-23, 1.0e-23,
		3.0e-22, 1.6e-21, 3.3e-21, 4.6e-21, 5.1e-21, 4.2e-21, 2.8e-21, 8.5e-22, 4.0e-22, 2.0e-22,
		5.0e-23, 1.0e-23, 5.0e-24,
	},
}

func newOzoneCrossSection() (*interp.PiecewiseLinear, error) {
	var pl interp.PiecewiseLinear
	if err := pl.Fit(ozoneTable.wl, ozoneTable.xs); err != nil {
		return nil, err
	}
	return &pl, nil
}

// OzoneDepth returns the zenith ozone optical depth for a cross-section
// (cm²) and a column in Dobson units.
func OzoneDepth(crossSection, dobson float64) float64 {
	return crossSection * dobson * dobsonColumn
}

// band is a Gaussian absorption feature.
type band struct {
	center, width, strength float64
}

func (b band) profile(wl float64) float64 {
	d := (wl - b.center) / b.width
	return b.strength * math.Exp(-0.5*d*d)
}

var waterBands = []band{
	{center: 723, width: 9, strength: 0.05},
	{center: 822, width: 11, strength: 0.09},
	{center: 935, width: 22, strength: 0.42},
	{center: 1130, width: 28, strength: 0.55},
}

var mixedGasBands = []band{
	{center: 687, width: 2.5, strength: 0.10}, // O2 B
	{center: 762, width: 3.5, strength: 0.32}, // O2 A
	{center: 1067, width: 6, strength: 0.01},  // CO2
}

// WaterDepth returns the slant water-vapour optical depth for a band
// profile and the precipitable water path pwv·airmass (cm). Band
// absorption grows with the square root of the path.
func WaterDepth(profile, pwv, airmass float64) float64 {
	path := pwv * airmass
	if path <= 0 {
		return 0
	}
	return profile * math.Sqrt(path)
}

// MixedGasDepth returns the slant optical depth of the uniformly mixed
// gases, scaled by density relative to standard conditions.
func MixedGasDepth(profile, airmass, pressureMbar, temperatureC float64) float64 {
	density := (pressureMbar / StandardPressureMbar) * (StandardTemperatureC + kelvin) / (temperatureC + kelvin)
	return profile * airmass * density
}

func bandsAt(bands []band, wl float64) float64 {
	var sum float64
	for _, b := range bands {
		sum += b.profile(wl)
	}
	return sum
}

// QE returns the instrument throughput at wl (nm): a Gaussian of the given
// centre and width tilted by slope and clamped at zero.
func QE(wl, center, width, slope float64) float64 {
	d := (wl - center) / width
	tilt := 1 + slope*d
	if tilt <= 0 {
		return 0
	}
	return math.Exp(-0.5*d*d) * tilt
}
