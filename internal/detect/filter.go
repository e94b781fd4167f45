package detect

import (
	"context"

	"github.com/banshee-data/speedcam/internal/monitoring"
)

var logf = monitoring.Component("detect")

// DefaultVehicleClasses is the COCO vehicle subset counted as traffic.
var DefaultVehicleClasses = []string{"car", "motorcycle", "bus", "truck"}

// Filter wraps a Detector and discards detections that are not vehicles,
// fall below a confidence floor, or carry a malformed bounding box.
type Filter struct {
	next          Detector
	classes       map[string]struct{}
	minConfidence float64
}

// NewFilter builds a Filter. An empty class list accepts every class.
func NewFilter(next Detector, classes []string, minConfidence float64) *Filter {
	f := &Filter{next: next, minConfidence: minConfidence}
	if len(classes) > 0 {
		f.classes = make(map[string]struct{}, len(classes))
		for _, c := range classes {
			f.classes[c] = struct{}{}
		}
	}
	return f
}

// Detect runs the wrapped detector and filters its output, preserving order.
func (f *Filter) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	dets, err := f.next.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}
	kept := dets[:0:0]
	malformed := 0
	for _, d := range dets {
		if !d.BBox.Valid() {
			malformed++
			continue
		}
		if d.Confidence < f.minConfidence {
			continue
		}
		if f.classes != nil {
			if _, ok := f.classes[d.Class]; !ok {
				continue
			}
		}
		kept = append(kept, d)
	}
	if malformed > 0 {
		logf("frame %d: dropped %d malformed bounding boxes", frame.Index, malformed)
	}
	return kept, nil
}
