package report

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// Diverging palette, blue for negative residuals and red for positive.
var residualPalette = []string{"#2166ac", "#67a9cf", "#d1e5f0", "#f7f7f7", "#fddbc7", "#ef8a62", "#b2182b"}

// ResidualMap returns a scatter of residuals over the detector plane. Each
// point carries [x, y, residual] and is coloured by residual on a scale
// symmetric about zero. Non-finite residuals are left out.
func ResidualMap(title string, pts []Point) *charts.Scatter {
	data := make([]opts.ScatterData, 0, len(pts))
	maxAbs := 0.0
	for _, p := range pts {
		if !p.Finite() {
			continue
		}
		if a := math.Abs(p.Residual); a > maxAbs {
			maxAbs = a
		}
		data = append(data, opts.ScatterData{Name: p.ID, Value: []interface{}{p.X, p.Y, p.Residual}})
	}
	if maxAbs == 0 {
		maxAbs = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "900px", Height: "800px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("calibrators=%d max|residual|=%.4g", len(data), maxAbs)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "x (px)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "y (px)", NameLocation: "middle", NameGap: 40}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(-maxAbs),
			Max:        float32(maxAbs),
			Dimension:  "2",
			Text:       []string{"model faint", "model bright"},
			InRange:    &opts.VisualMapInRange{Color: residualPalette},
		}),
	)
	scatter.AddSeries("residual", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	return scatter
}

// WriteResidualMap renders the residual map as a standalone HTML page.
func WriteResidualMap(w io.Writer, title string, pts []Point) error {
	if err := ResidualMap(title, pts).Render(w); err != nil {
		return fmt.Errorf("render residual map: %w", err)
	}
	return nil
}
