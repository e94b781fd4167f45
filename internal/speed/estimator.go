// Package speed turns a track's pixel trajectory into a smoothed real-world
// speed and decides, with hysteresis, whether that speed is over the limit.
package speed

import (
	"encoding/json"
	"fmt"

	"github.com/banshee-data/speedcam/internal/calibration"
	"github.com/banshee-data/speedcam/internal/detect"
)

// Sample is one observed position of a track.
type Sample struct {
	Frame    int
	Position detect.Point
}

// Estimate is a speed in metres per second that may still be pending.
// The zero value is pending.
type Estimate struct {
	mps     float64
	defined bool
}

// Pending returns an undefined estimate.
func Pending() Estimate { return Estimate{} }

// Known returns a defined estimate of mps.
func Known(mps float64) Estimate { return Estimate{mps: mps, defined: true} }

// IsPending reports whether no speed has been established yet.
func (e Estimate) IsPending() bool { return !e.defined }

// MPS returns the speed in metres per second and whether it is defined.
func (e Estimate) MPS() (float64, bool) { return e.mps, e.defined }

// Ptr returns nil for a pending estimate and a pointer to a copy of the value
// otherwise. Result records use it so that pending encodes as JSON null.
func (e Estimate) Ptr() *float64 {
	if !e.defined {
		return nil
	}
	v := e.mps
	return &v
}

// Max returns the larger of e and o, treating pending as smaller than any
// defined value.
func (e Estimate) Max(o Estimate) Estimate {
	switch {
	case !o.defined:
		return e
	case !e.defined || o.mps > e.mps:
		return o
	}
	return e
}

func (e Estimate) String() string {
	if !e.defined {
		return "pending"
	}
	return fmt.Sprintf("%.2f m/s", e.mps)
}

// MarshalJSON encodes a pending estimate as null.
func (e Estimate) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Ptr())
}

// Estimator computes raw displacement speed over a sliding frame window and
// smooths it with an exponential moving average.
type Estimator struct {
	cal    calibration.Calibration
	window int
	alpha  float64
}

// NewEstimator validates its inputs. window is a frame count (at least 2) and
// alpha the smoothing factor in (0, 1].
func NewEstimator(cal calibration.Calibration, window int, alpha float64) (*Estimator, error) {
	if !cal.Valid() {
		return nil, fmt.Errorf("%w: estimator needs a calibration", calibration.ErrInvalid)
	}
	if window < 2 {
		return nil, fmt.Errorf("speed window must be at least 2 frames, got %d", window)
	}
	if !(alpha > 0 && alpha <= 1) {
		return nil, fmt.Errorf("smoothing alpha must be in (0, 1], got %v", alpha)
	}
	return &Estimator{cal: cal, window: window, alpha: alpha}, nil
}

// Window returns the window length in frames.
func (e *Estimator) Window() int { return e.window }

// Raw returns the instantaneous speed between the oldest and newest samples
// that fall within the last Window frames ending at the newest sample.
// samples must be in ascending frame order. The result is undefined when
// fewer than two samples fall inside the window.
func (e *Estimator) Raw(samples []Sample) (float64, bool) {
	if len(samples) < 2 {
		return 0, false
	}
	newest := samples[len(samples)-1]
	earliest := newest.Frame - e.window + 1

	oldest := -1
	for i := len(samples) - 2; i >= 0; i-- {
		if samples[i].Frame < earliest {
			break
		}
		oldest = i
	}
	if oldest < 0 {
		return 0, false
	}

	first := samples[oldest]
	frames := newest.Frame - first.Frame
	elapsed := e.cal.Elapsed(frames).Seconds()
	if frames <= 0 || elapsed <= 0 {
		return 0, false
	}
	return e.cal.Metres(first.Position.Distance(newest.Position)) / elapsed, true
}

// Update folds the raw speed of samples into prev. The first defined raw
// value seeds the average; when the raw speed is undefined prev is returned
// unchanged.
func (e *Estimator) Update(prev Estimate, samples []Sample) Estimate {
	raw, ok := e.Raw(samples)
	if !ok {
		return prev
	}
	if !prev.defined {
		return Known(raw)
	}
	return Known(e.alpha*raw + (1-e.alpha)*prev.mps)
}
