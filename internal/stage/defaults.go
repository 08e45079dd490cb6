package stage

import (
	"github.com/abscal/transmission-fitter/internal/fieldcorr"
	"github.com/abscal/transmission-fitter/internal/params"
	"github.com/abscal/transmission-fitter/internal/sigmaclip"
	"github.com/abscal/transmission-fitter/internal/solver"
)

// DefaultSequence is the standard calibration run. Normalization is fitted
// first and refined again at the end, once the field correction is known.
func DefaultSequence(def Defaults) []Descriptor {
	clip := sigmaclip.Config{
		Enabled:       true,
		Sigma:         def.ClipSigma,
		MaxIterations: def.ClipIterations,
		Robust:        def.Robust,
	}
	return []Descriptor{
		{
			Name:        "normalization",
			Description: "overall throughput scale",
			Free:        []string{params.Norm},
			Method:      solver.MethodNonlinear,
			Field:       fieldcorr.ModelLegendre,
		},
		{
			Name:        "qe",
			Description: "detector quantum efficiency shape",
			Free:        []string{params.Norm, params.QECenter, params.QEWidth},
			Method:      solver.MethodNonlinear,
			Field:       fieldcorr.ModelLegendre,
		},
		{
			Name:        "atmosphere",
			Description: "water vapour and aerosol with outlier rejection",
			Free:        []string{params.Norm, params.PWV, params.AOD, params.Alpha},
			Method:      solver.MethodNonlinear,
			Clip:        clip,
			Field:       fieldcorr.ModelLegendre,
		},
		{
			Name:        "field",
			Description: "second-order field correction",
			Free: []string{
				params.FCX1, params.FCY1, params.FCX2, params.FCY2, params.FCXY,
			},
			Overrides:      params.New(params.Pair{Name: params.FCConst, Value: 0}),
			Method:         solver.MethodLinear,
			Field:          fieldcorr.ModelLegendre,
			Regularization: def.Regularization,
		},
		{
			Name:        "refine",
			Description: "final normalization with the field correction applied",
			Free:        []string{params.Norm},
			Method:      solver.MethodNonlinear,
			Field:       fieldcorr.ModelLegendre,
		},
	}
}
