// Package report aggregates the track summaries of a run into counts and
// speed percentiles and renders them as JSON, a histogram image or an HTML
// chart.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/speedcam/internal/pipeline"
	"github.com/banshee-data/speedcam/internal/speed"
	"github.com/banshee-data/speedcam/internal/tracking"
	"github.com/banshee-data/speedcam/internal/units"
)

// ErrNoSpeeds is returned by writers that need at least one measured speed.
var ErrNoSpeeds = errors.New("no vehicle has a measured speed")

// TrackRow is one vehicle in a report, with speeds in display units.
type TrackRow struct {
	ID         tracking.TrackID `json:"id"`
	Class      string           `json:"class"`
	FirstFrame int              `json:"first_frame"`
	LastFrame  int              `json:"last_frame"`
	Seconds    float64          `json:"seconds"`
	MaxSpeed   *float64         `json:"max_speed"`
	Category   speed.Category   `json:"category"`
}

// Report is the aggregate of one run. Speeds are in Units.
type Report struct {
	RunID          string  `json:"run_id,omitempty"`
	Source         string  `json:"source,omitempty"`
	Units          string  `json:"units"`
	SpeedLimit     float64 `json:"speed_limit"`
	SpeedTolerance float64 `json:"speed_tolerance"`
	Frames         int     `json:"frames"`
	Warnings       int     `json:"warnings"`

	Vehicles    int `json:"vehicles"`
	Overspeed   int `json:"overspeed"`
	Marginal    int `json:"marginal"`
	Grace       int `json:"grace"`
	WithinLimit int `json:"within_limit"`
	Pending     int `json:"pending"`

	MaxSpeed  *float64 `json:"max_speed"`
	MeanSpeed *float64 `json:"mean_speed"`
	P50Speed  *float64 `json:"p50_speed"`
	P85Speed  *float64 `json:"p85_speed"`
	P98Speed  *float64 `json:"p98_speed"`

	Tracks []TrackRow `json:"tracks"`
}

// Build aggregates summaries. limitMps and toleranceMps are the configured
// limit and tolerance band in m/s; displayUnits is one of the units package
// constants.
func Build(summaries []pipeline.TrackSummary, limitMps, toleranceMps float64, displayUnits string) (*Report, error) {
	if !units.IsValid(displayUnits) {
		return nil, fmt.Errorf("invalid display units %q, expected %s", displayUnits, units.GetValidUnitsString())
	}
	r := &Report{
		Units:          displayUnits,
		SpeedLimit:     units.ConvertSpeed(limitMps, displayUnits),
		SpeedTolerance: units.ConvertSpeed(toleranceMps, displayUnits),
		Tracks:         make([]TrackRow, 0, len(summaries)),
	}

	var speeds []float64
	for _, s := range summaries {
		row := TrackRow{
			ID:         s.ID,
			Class:      s.Class,
			FirstFrame: s.FirstFrame,
			LastFrame:  s.LastFrame,
			Seconds:    s.Duration.Seconds(),
			Category:   s.Category,
		}
		if s.MaxSpeed != nil {
			v := units.ConvertSpeed(*s.MaxSpeed, displayUnits)
			row.MaxSpeed = &v
			speeds = append(speeds, v)
		}
		r.Tracks = append(r.Tracks, row)

		r.Vehicles++
		switch s.Category {
		case speed.CategoryOverspeed:
			r.Overspeed++
		case speed.CategoryMarginal:
			r.Marginal++
		case speed.CategoryGrace:
			r.Grace++
		case speed.CategoryWithinLimit:
			r.WithinLimit++
		default:
			r.Pending++
		}
	}
	sort.Slice(r.Tracks, func(i, j int) bool { return r.Tracks[i].ID < r.Tracks[j].ID })

	if len(speeds) > 0 {
		sort.Float64s(speeds)
		r.MaxSpeed = ptr(speeds[len(speeds)-1])
		r.MeanSpeed = ptr(stat.Mean(speeds, nil))
		r.P50Speed = ptr(stat.Quantile(0.50, stat.Empirical, speeds, nil))
		r.P85Speed = ptr(stat.Quantile(0.85, stat.Empirical, speeds, nil))
		r.P98Speed = ptr(stat.Quantile(0.98, stat.Empirical, speeds, nil))
	}
	return r, nil
}

// Speeds returns the measured max speeds in display units, in track order.
func (r *Report) Speeds() []float64 {
	out := make([]float64, 0, len(r.Tracks))
	for _, t := range r.Tracks {
		if t.MaxSpeed != nil {
			out = append(out, *t.MaxSpeed)
		}
	}
	return out
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

func ptr(v float64) *float64 { return &v }
