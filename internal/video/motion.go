package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/banshee-data/speedcam/internal/detect"
)

// Motion detector defaults
const (
	DefaultMinArea      = 400
	DefaultWarmupFrames = 10
	DefaultHistory      = 500
	DefaultVarThreshold = 16
	ForegroundThreshold = 200
	MorphKernelSize     = 5
	DefaultMotionClass  = "car"
	minContourFillRatio = 0.05
)

// MotionDetector finds moving blobs against a learned background using
// OpenCV's MOG2 subtractor. It is meant for fixed cameras: every blob larger
// than MinArea is reported as a vehicle of Class with the blob's fill ratio
// of its bounding box as confidence.
//
// Frames must be presented in order; the detector is safe for concurrent use
// but serialises calls.
type MotionDetector struct {
	MinArea float64
	Class   string
	Warmup  int

	mu     sync.Mutex
	mog    gocv.BackgroundSubtractorMOG2
	kernel gocv.Mat
	mask   gocv.Mat
	seen   int
	closed bool
}

// NewMotionDetector creates a detector with the default parameters.
func NewMotionDetector() *MotionDetector {
	return &MotionDetector{
		MinArea: DefaultMinArea,
		Class:   DefaultMotionClass,
		Warmup:  DefaultWarmupFrames,
		mog:     gocv.NewBackgroundSubtractorMOG2WithParams(DefaultHistory, DefaultVarThreshold, false),
		kernel:  gocv.GetStructuringElement(gocv.MorphRect, image.Pt(MorphKernelSize, MorphKernelSize)),
		mask:    gocv.NewMat(),
	}
}

// Detect implements detect.Detector. The frame payload must be a *gocv.Mat.
// No detections are reported while the background model warms up.
func (m *MotionDetector) Detect(ctx context.Context, frame detect.Frame) ([]detect.Detection, error) {
	img, ok := frame.Payload.(*gocv.Mat)
	if !ok || img == nil {
		return nil, fmt.Errorf("frame %d: payload is %T, want *gocv.Mat", frame.Index, frame.Payload)
	}
	if img.Empty() {
		return nil, fmt.Errorf("frame %d: empty image", frame.Index)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errDetectorClosed
	}

	m.mog.Apply(*img, &m.mask)
	m.seen++
	if m.seen <= m.Warmup {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	gocv.Threshold(m.mask, &m.mask, ForegroundThreshold, 255, gocv.ThresholdBinary)
	gocv.MorphologyEx(m.mask, &m.mask, gocv.MorphOpen, m.kernel)
	gocv.Dilate(m.mask, &m.mask, m.kernel)

	contours := gocv.FindContours(m.mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var dets []detect.Detection
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		area := gocv.ContourArea(c)
		if area < m.MinArea {
			continue
		}
		r := gocv.BoundingRect(c)
		fill := area / float64(r.Dx()*r.Dy())
		if fill < minContourFillRatio {
			continue
		}
		if fill > 1 {
			fill = 1
		}
		dets = append(dets, detect.Detection{
			BBox:       rectBBox(r),
			Class:      m.Class,
			Confidence: fill,
		})
	}
	return dets, nil
}

// Reset forgets the learned background.
func (m *MotionDetector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.mog.Close()
	m.mog = gocv.NewBackgroundSubtractorMOG2WithParams(DefaultHistory, DefaultVarThreshold, false)
	m.seen = 0
}

// Close releases the OpenCV resources. It waits for a Detect call in
// progress; later calls fail.
func (m *MotionDetector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.kernel.Close()
	m.mask.Close()
	return m.mog.Close()
}

var errDetectorClosed = errors.New("motion detector is closed")

func rectBBox(r image.Rectangle) detect.BBox {
	return detect.BBox{
		XMin: float64(r.Min.X),
		YMin: float64(r.Min.Y),
		XMax: float64(r.Max.X),
		YMax: float64(r.Max.Y),
	}
}

func bboxRect(b detect.BBox) image.Rectangle {
	return image.Rect(int(b.XMin), int(b.YMin), int(b.XMax), int(b.YMax))
}
