// Package calibration converts pixel displacement between frames into
// real-world distance and elapsed time.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DefaultFPS is assumed when a video container reports no usable frame rate.
const DefaultFPS = 30.0

// ErrInvalid is returned for non-positive or non-finite calibration inputs.
var ErrInvalid = errors.New("invalid calibration")

// Point is a pixel coordinate.
type Point struct {
	X, Y float64
}

// Calibration is immutable for the duration of a video.
type Calibration struct {
	metresPerPixel float64
	frameInterval  time.Duration
}

// New builds a calibration from a scale factor (real units per pixel) and the
// time between consecutive frames.
func New(metresPerPixel float64, frameInterval time.Duration) (Calibration, error) {
	if !positiveFinite(metresPerPixel) {
		return Calibration{}, fmt.Errorf("%w: metres per pixel must be positive and finite, got %v", ErrInvalid, metresPerPixel)
	}
	if frameInterval <= 0 {
		return Calibration{}, fmt.Errorf("%w: frame interval must be positive, got %s", ErrInvalid, frameInterval)
	}
	return Calibration{metresPerPixel: metresPerPixel, frameInterval: frameInterval}, nil
}

// FromFPS builds a calibration from a frame rate instead of an interval.
func FromFPS(metresPerPixel, fps float64) (Calibration, error) {
	if !positiveFinite(fps) {
		return Calibration{}, fmt.Errorf("%w: frame rate must be positive and finite, got %v", ErrInvalid, fps)
	}
	return New(metresPerPixel, time.Duration(float64(time.Second)/fps))
}

// FromReference derives the scale from two image points spanning a known
// real-world length, e.g. the painted edges of a lane of known width.
func FromReference(p1, p2 Point, lengthMetres float64, frameInterval time.Duration) (Calibration, error) {
	if !positiveFinite(lengthMetres) {
		return Calibration{}, fmt.Errorf("%w: reference length must be positive and finite, got %v", ErrInvalid, lengthMetres)
	}
	px := math.Hypot(p2.X-p1.X, p2.Y-p1.Y)
	if !positiveFinite(px) {
		return Calibration{}, fmt.Errorf("%w: reference points must be distinct, got %v and %v", ErrInvalid, p1, p2)
	}
	return New(lengthMetres/px, frameInterval)
}

// MetresPerPixel returns the scale factor.
func (c Calibration) MetresPerPixel() float64 { return c.metresPerPixel }

// FrameInterval returns the time between consecutive frames.
func (c Calibration) FrameInterval() time.Duration { return c.frameInterval }

// FPS returns the frame rate implied by the frame interval.
func (c Calibration) FPS() float64 {
	return float64(time.Second) / float64(c.frameInterval)
}

// Valid reports whether c was produced by one of the constructors.
func (c Calibration) Valid() bool {
	return positiveFinite(c.metresPerPixel) && c.frameInterval > 0
}

// Metres converts a pixel distance to metres.
func (c Calibration) Metres(px float64) float64 {
	return px * c.metresPerPixel
}

// Elapsed returns the real time spanned by a number of frames.
func (c Calibration) Elapsed(frames int) time.Duration {
	return time.Duration(frames) * c.frameInterval
}

// Timestamp returns the video time of a frame index.
func (c Calibration) Timestamp(frame int) time.Duration {
	return c.Elapsed(frame)
}

// Pixels converts a real distance to pixels. Used to derive the association
// gate from a plausible maximum speed.
func (c Calibration) Pixels(metres float64) float64 {
	return metres / c.metresPerPixel
}

// GateForSpeed returns the largest pixel displacement between consecutive
// frames for an object travelling at speedMps.
func (c Calibration) GateForSpeed(speedMps float64) float64 {
	return c.Pixels(speedMps * c.frameInterval.Seconds())
}

func (c Calibration) String() string {
	return fmt.Sprintf("%.5f m/px @ %.2f fps", c.metresPerPixel, c.FPS())
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
