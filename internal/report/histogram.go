package report

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/speedcam/internal/units"
)

// DefaultHistogramBins is used when WriteHistogram is given bins <= 0.
const DefaultHistogramBins = 16

var limitColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}

// WriteHistogram saves a histogram of per-vehicle max speed with a vertical
// line at the limit. The image format follows the file extension (.png,
// .svg, .pdf, ...).
func (r *Report) WriteHistogram(path string, bins int) error {
	speeds := r.Speeds()
	if len(speeds) == 0 {
		return ErrNoSpeeds
	}
	if bins <= 0 {
		bins = DefaultHistogramBins
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Vehicle max speed (%d vehicles)", len(speeds))
	p.X.Label.Text = fmt.Sprintf("Max speed (%s)", units.Label(r.Units))
	p.Y.Label.Text = "Vehicles"

	hist, err := plotter.NewHist(plotter.Values(speeds), bins)
	if err != nil {
		return fmt.Errorf("build histogram: %w", err)
	}
	p.Add(hist)

	peak := 0.0
	for _, b := range hist.Bins {
		if b.Weight > peak {
			peak = b.Weight
		}
	}
	limit, err := plotter.NewLine(plotter.XYs{{X: r.SpeedLimit, Y: 0}, {X: r.SpeedLimit, Y: peak}})
	if err != nil {
		return fmt.Errorf("build limit line: %w", err)
	}
	limit.Color = limitColor
	limit.Width = vg.Points(2)
	limit.Dashes = []vg.Length{vg.Points(6), vg.Points(3)}
	p.Add(limit)
	p.Legend.Add(fmt.Sprintf("limit %.0f %s", r.SpeedLimit, units.Label(r.Units)), limit)

	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save histogram %s: %w", path, err)
	}
	return nil
}
