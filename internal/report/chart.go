package report

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/speedcam/internal/speed"
	"github.com/banshee-data/speedcam/internal/units"
)

// AssetsHost is where the rendered page loads echarts from.
var AssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

var categoryColors = map[speed.Category]string{
	speed.CategoryOverspeed:   "#d62728",
	speed.CategoryMarginal:    "#ff7f0e",
	speed.CategoryGrace:       "#bcbd22",
	speed.CategoryWithinLimit: "#2ca02c",
}

// WriteChart renders an HTML bar chart of every measured vehicle's max speed,
// coloured by category, with a mark line at the limit.
func (r *Report) WriteChart(w io.Writer) error {
	x := make([]string, 0, len(r.Tracks))
	y := make([]opts.BarData, 0, len(r.Tracks))
	for _, t := range r.Tracks {
		if t.MaxSpeed == nil {
			continue
		}
		x = append(x, fmt.Sprintf("#%d %s", t.ID, t.Class))
		y = append(y, opts.BarData{
			Name:      string(t.Category),
			Value:     round1(*t.MaxSpeed),
			ItemStyle: &opts.ItemStyle{Color: categoryColors[t.Category]},
		})
	}
	if len(y) == 0 {
		return ErrNoSpeeds
	}

	label := units.Label(r.Units)
	subtitle := fmt.Sprintf("%d vehicles, %d overspeed, limit %.0f %s (tolerance %.0f)", r.Vehicles, r.Overspeed, r.SpeedLimit, label, r.SpeedTolerance)
	if r.RunID != "" {
		subtitle = fmt.Sprintf("run %s: %s", r.RunID, subtitle)
	}

	marks := []opts.MarkLineNameYAxisItem{{Name: "limit", YAxis: r.SpeedLimit}}
	if r.SpeedTolerance > 0 {
		marks = append(marks, opts.MarkLineNameYAxisItem{Name: "limit + tolerance", YAxis: r.SpeedLimit + r.SpeedTolerance})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "speedcam", Width: "100%", Height: "640px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Vehicle max speed", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Track"}),
		charts.WithYAxisOpts(opts.YAxis{Name: label}),
	)
	bar.SetXAxis(x).
		AddSeries("max speed", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
			charts.WithMarkLineNameYAxisItemOpts(marks...),
		)

	if err := bar.Render(w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
