// Package detect defines the boundary between the tracking core and whatever
// produces per-frame bounding boxes. The core never implements detection; it
// consumes a Detector injected by the caller.
package detect

import (
	"context"
	"math"
)

// Point is a pixel coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance between p and q.
func (p Point) Distance(q Point) float64 {
	return math.Hypot(q.X-p.X, q.Y-p.Y)
}

// BBox is an axis-aligned bounding box in pixel coordinates.
type BBox struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
}

// Centroid returns the geometric centre of the box.
func (b BBox) Centroid() Point {
	return Point{X: (b.XMin + b.XMax) / 2, Y: (b.YMin + b.YMax) / 2}
}

// Width returns the horizontal extent of the box.
func (b BBox) Width() float64 { return b.XMax - b.XMin }

// Height returns the vertical extent of the box.
func (b BBox) Height() float64 { return b.YMax - b.YMin }

// Valid reports whether every coordinate is finite and the box is not inverted.
// Degenerate (zero-area) boxes are allowed.
func (b BBox) Valid() bool {
	for _, v := range [...]float64{b.XMin, b.YMin, b.XMax, b.YMax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.XMin <= b.XMax && b.YMin <= b.YMax
}

// Detection is one object found in one frame. It only lives for the
// processing of that frame.
type Detection struct {
	BBox       BBox
	Class      string
	Confidence float64
}

// Centroid returns the centre of the detection's bounding box.
func (d Detection) Centroid() Point {
	return d.BBox.Centroid()
}

// Frame is what a Detector receives. Payload is adapter-specific (a decoded
// image for video sources, nil for replayed detection logs).
type Frame struct {
	Index   int
	Payload any
	// Release, when set, frees Payload. The pipeline calls it exactly once,
	// after both the detector call and the frame's sinks have returned.
	Release func()
}

// Done calls f.Release if it is set.
func (f Frame) Done() {
	if f.Release != nil {
		f.Release()
	}
}

// Detector returns the detections for a single frame. Implementations may
// fail or block; the pipeline bounds each call with a timeout and treats
// failures as an empty frame.
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]Detection, error)
}

// Func adapts a plain function to the Detector interface.
type Func func(ctx context.Context, frame Frame) ([]Detection, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	return f(ctx, frame)
}

// Static returns a Detector serving precomputed detections keyed by frame
// index. Frames absent from the map produce no detections.
func Static(byFrame map[int][]Detection) Detector {
	return Func(func(_ context.Context, frame Frame) ([]Detection, error) {
		dets := byFrame[frame.Index]
		out := make([]Detection, len(dets))
		copy(out, dets)
		return out, nil
	})
}
