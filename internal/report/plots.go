package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// ErrNoPoints is returned when there is nothing finite to plot.
var ErrNoPoints = errors.New("report: no finite residuals to plot")

var (
	residualColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	zeroColor     = color.RGBA{R: 128, G: 128, B: 128, A: 255}
	atmColor      = color.RGBA{R: 44, G: 160, B: 44, A: 255}
	qeColor       = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	totalColor    = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// PlotResiduals draws residual against detector x and against detector y
// side by side and writes the PNG to w.
func PlotResiduals(w io.Writer, title string, pts []Point) error {
	var vsX, vsY plotter.XYs
	for _, p := range pts {
		if !p.Finite() {
			continue
		}
		vsX = append(vsX, plotter.XY{X: p.X, Y: p.Residual})
		vsY = append(vsY, plotter.XY{X: p.Y, Y: p.Residual})
	}
	if len(vsX) == 0 {
		return ErrNoPoints
	}

	px, err := residualPlot(fmt.Sprintf("%s - residual vs x", title), "x (px)", vsX)
	if err != nil {
		return err
	}
	py, err := residualPlot(fmt.Sprintf("%s - residual vs y", title), "y (px)", vsY)
	if err != nil {
		return err
	}

	img := vgimg.New(14*vg.Inch, 5*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      1,
		Cols:      2,
		PadX:      vg.Millimeter * 5,
		PadTop:    vg.Millimeter * 2,
		PadBottom: vg.Millimeter * 2,
		PadLeft:   vg.Millimeter * 2,
		PadRight:  vg.Millimeter * 2,
	}
	canvases := plot.Align([][]*plot.Plot{{px, py}}, tiles, dc)
	px.Draw(canvases[0][0])
	py.Draw(canvases[0][1])

	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(w); err != nil {
		return fmt.Errorf("write residual plot: %w", err)
	}
	return nil
}

func residualPlot(title, xLabel string, xys plotter.XYs) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = "Residual"
	p.Add(plotter.NewGrid())

	s, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, err
	}
	s.GlyphStyle.Color = residualColor
	s.GlyphStyle.Radius = vg.Points(2)
	s.GlyphStyle.Shape = draw.CircleGlyph{}

	zero := plotter.NewFunction(func(float64) float64 { return 0 })
	zero.Color = zeroColor
	zero.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	p.Add(zero, s)
	return p, nil
}

// PlotTransmission draws the atmospheric, QE and total throughput curves
// and writes the PNG to w.
func PlotTransmission(w io.Writer, title string, c Curve) error {
	if len(c.Wavelengths) == 0 {
		return errors.New("report: empty transmission curve")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Wavelength (nm)"
	p.Y.Label.Text = "Throughput"
	p.Y.Min = 0
	p.Add(plotter.NewGrid())

	series := []struct {
		label string
		ys    []float64
		color color.Color
	}{
		{"atmosphere", c.Atmosphere, atmColor},
		{"qe", c.QE, qeColor},
		{"total", c.Total, totalColor},
	}
	for _, s := range series {
		if len(s.ys) != len(c.Wavelengths) {
			return fmt.Errorf("report: %s curve has %d samples for %d wavelengths", s.label, len(s.ys), len(c.Wavelengths))
		}
		xys := make(plotter.XYs, len(s.ys))
		for i := range s.ys {
			xys[i] = plotter.XY{X: c.Wavelengths[i], Y: s.ys[i]}
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return fmt.Errorf("%s curve: %w", s.label, err)
		}
		line.Color = s.color
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(s.label, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	wt, err := p.WriterTo(10*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("render transmission plot: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write transmission plot: %w", err)
	}
	return nil
}

// saveFile creates path and hands it to render. A failed render removes
// the file.
func saveFile(path string, render func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
