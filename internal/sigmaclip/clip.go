// Package sigmaclip removes calibrators whose residuals lie too far from the
// bulk of the residual distribution.
package sigmaclip

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/abscal/transmission-fitter/internal/dataset"
)

// ErrInvalid is wrapped by every argument error returned from Clip.
var ErrInvalid = errors.New("sigmaclip: invalid arguments")

// madScale converts a median absolute deviation into a Gaussian sigma.
const madScale = 1.4826

// Config controls clipping within a stage.
type Config struct {
	Enabled       bool
	Sigma         float64
	MaxIterations int
	// Robust uses the median and scaled MAD instead of mean and standard
	// deviation.
	Robust bool
}

// Validate checks an enabled config.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !(c.Sigma > 0) || math.IsInf(c.Sigma, 1) {
		return fmt.Errorf("clip sigma must be positive and finite, got %g", c.Sigma)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("clip max_iterations must be at least 1, got %d", c.MaxIterations)
	}
	return nil
}

// Stats summarises one clipping pass.
type Stats struct {
	Location float64
	Scale    float64
	Removed  int
}

// Clip flags every residual more than sigma scale units from the location
// of the distribution, and every non-finite residual. It returns the dataset without the flagged
// calibrators and a mask aligned with ds where true marks an outlier.
// Clip never modifies ds.
func Clip(ds *dataset.Dataset, residuals []float64, sigma float64) (*dataset.Dataset, []bool, error) {
	filtered, mask, _, err := Config{Enabled: true, Sigma: sigma, MaxIterations: 1}.Clip(ds, residuals)
	return filtered, mask, err
}

// Clip runs one pass with the config's centre estimator.
func (c Config) Clip(ds *dataset.Dataset, residuals []float64) (*dataset.Dataset, []bool, Stats, error) {
	var st Stats
	if !(c.Sigma > 0) {
		return nil, nil, st, fmt.Errorf("%w: sigma must be positive, got %g", ErrInvalid, c.Sigma)
	}
	if ds.Len() != len(residuals) {
		return nil, nil, st, fmt.Errorf("%w: %d residuals for %d calibrators", ErrInvalid, len(residuals), ds.Len())
	}
	mask := make([]bool, len(residuals))
	if len(residuals) == 0 {
		return ds, mask, st, nil
	}

	// Non-finite residuals are always outliers and stay out of the
	// location and scale estimates.
	finite := make([]float64, 0, len(residuals))
	for i, r := range residuals {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			mask[i] = true
			st.Removed++
			continue
		}
		finite = append(finite, r)
	}
	if len(finite) > 0 {
		if c.Robust {
			st.Location, st.Scale = medianMAD(finite)
		} else {
			st.Location, st.Scale = meanStdDev(finite)
		}
	}
	if st.Scale > 0 {
		limit := c.Sigma * st.Scale
		for i, r := range residuals {
			if !mask[i] && math.Abs(r-st.Location) > limit {
				mask[i] = true
				st.Removed++
			}
		}
	}
	if st.Removed == 0 {
		return ds, mask, st, nil
	}
	filtered, err := ds.Without(mask)
	if err != nil {
		return nil, nil, st, err
	}
	return filtered, mask, st, nil
}

func meanStdDev(x []float64) (float64, float64) {
	if len(x) < 2 {
		return x[0], 0
	}
	return stat.MeanStdDev(x, nil)
}

func medianMAD(x []float64) (float64, float64) {
	sorted := make([]float64, len(x))
	copy(sorted, x)
	sort.Float64s(sorted)
	med := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	dev := make([]float64, len(x))
	for i, v := range x {
		dev[i] = math.Abs(v - med)
	}
	sort.Float64s(dev)
	return med, madScale * stat.Quantile(0.5, stat.Empirical, dev, nil)
}
