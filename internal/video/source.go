// Package video adapts OpenCV (via GoCV) to the speedcam pipeline: a frame
// source over video files, a background-subtraction vehicle detector and an
// annotating sink.
package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/banshee-data/speedcam/internal/calibration"
	"github.com/banshee-data/speedcam/internal/detect"
	"github.com/banshee-data/speedcam/internal/monitoring"
)

var logf = monitoring.Component("video")

// ErrSourceClosed is returned by Next after Close.
var ErrSourceClosed = errors.New("video source is closed")

// Source reads frames from a video file. Each frame's Payload is a *gocv.Mat
// that stays valid, and can be looked up with Frame, until the frame's
// Release is called.
type Source struct {
	path    string
	capture *gocv.VideoCapture
	fps     float64
	width   int
	height  int

	mu     sync.Mutex
	next   int
	live   map[int]*gocv.Mat
	closed bool
}

// OpenSource opens path for decoding. The frame rate is read from the
// container; when it reports a non-positive rate calibration.DefaultFPS is
// used instead.
func OpenSource(path string) (*Source, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open video %s: %w", path, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("open video %s: no decoder could read it", path)
	}

	fps := capture.Get(gocv.VideoCaptureFPS)
	if fps <= 0 || math.IsNaN(fps) {
		logf("%s reports %.2f fps, assuming %.0f", path, fps, calibration.DefaultFPS)
		fps = calibration.DefaultFPS
	}

	s := &Source{
		path:     path,
		capture:  capture,
		fps:      fps,
		width:    int(capture.Get(gocv.VideoCaptureFrameWidth)),
		height:   int(capture.Get(gocv.VideoCaptureFrameHeight)),
		live:     make(map[int]*gocv.Mat),
	}
	logf("opened %s: %dx%d at %.2f fps", path, s.width, s.height, fps)
	return s, nil
}

// FPS returns the frame rate used to time frames.
func (s *Source) FPS() float64 { return s.fps }

// FrameInterval is the time between consecutive frames.
func (s *Source) FrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / s.fps)
}

// Size returns the frame width and height in pixels as reported by the
// container.
func (s *Source) Size() (int, int) { return s.width, s.height }

// Next decodes the next frame. It returns io.EOF once the video is
// exhausted. The frame's Mat is closed by its Release.
func (s *Source) Next(ctx context.Context) (detect.Frame, error) {
	if err := ctx.Err(); err != nil {
		return detect.Frame{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return detect.Frame{}, ErrSourceClosed
	}
	mat := gocv.NewMat()
	if ok := s.capture.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		return detect.Frame{}, io.EOF
	}

	index := s.next
	s.live[index] = &mat
	s.next++
	return detect.Frame{Index: index, Payload: &mat, Release: func() { s.release(index) }}, nil
}

// Frame returns the decoded image of a frame that has not been released
// yet. The Mat must not be used after the frame's Release.
func (s *Source) Frame(index int) (*gocv.Mat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mat, ok := s.live[index]
	return mat, ok
}

// Live returns the number of decoded frames not yet released.
func (s *Source) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *Source) release(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mat, ok := s.live[index]; ok {
		mat.Close()
		delete(s.live, index)
	}
}

// Close releases the decoder. Frames already handed out stay valid until
// their Release, since a detector may still be reading them.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if n := len(s.live); n > 0 {
		logf("closing %s with %d frames still in use", s.path, n)
	}
	return s.capture.Close()
}
