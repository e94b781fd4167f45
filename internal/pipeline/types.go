package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/speedcam/internal/detect"
	"github.com/banshee-data/speedcam/internal/speed"
	"github.com/banshee-data/speedcam/internal/tracking"
)

// ErrConfiguration wraps every error that prevents a run from starting.
var ErrConfiguration = errors.New("pipeline configuration error")

// AdapterError reports a failed or timed-out detection call. It never aborts
// a run; the frame is processed as if it had no detections.
type AdapterError struct {
	Frame int
	Err   error
}

func (e *AdapterError) Error() string {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return fmt.Sprintf("detector timed out on frame %d", e.Frame)
	}
	return fmt.Sprintf("detector failed on frame %d: %v", e.Frame, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// FrameSource yields frames in order and returns io.EOF after the last one.
type FrameSource interface {
	Next(ctx context.Context) (detect.Frame, error)
}

// TrackView is one active track as seen in a frame result.
type TrackView struct {
	ID    tracking.TrackID `json:"id"`
	BBox  detect.BBox      `json:"bbox"`
	Class string           `json:"class"`
	// Speed is the smoothed speed in m/s, or nil while pending.
	Speed     *float64 `json:"speed_mps"`
	Overspeed bool     `json:"overspeed"`
	// Missed is true when the track was not observed in this frame; BBox is
	// then its last known box.
	Missed bool `json:"missed"`
}

// FrameResult is emitted once for every frame of a started run.
type FrameResult struct {
	Frame     int                `json:"frame"`
	Timestamp time.Duration      `json:"timestamp_ns"`
	Tracks    []TrackView        `json:"tracks"`
	Retired   []tracking.TrackID `json:"retired,omitempty"`
	Warning   string             `json:"warning,omitempty"`
}

// TrackSummary is the final record of a retired track.
type TrackSummary struct {
	ID           tracking.TrackID `json:"id"`
	Class        string           `json:"class"`
	FirstFrame   int              `json:"first_frame"`
	LastFrame    int              `json:"last_frame"`
	Duration     time.Duration    `json:"duration_ns"`
	Observations int              `json:"observations"`
	// MaxSpeed is the highest smoothed speed in m/s, nil if never estimated.
	MaxSpeed    *float64       `json:"max_speed_mps"`
	EverFlagged bool           `json:"ever_flagged"`
	Category    speed.Category `json:"category"`
}

// RunSummary is returned by Driver.Run.
type RunSummary struct {
	Frames   int            `json:"frames"`
	Warnings int            `json:"warnings"`
	Tracks   []TrackSummary `json:"tracks"`
}

// Sink receives the outputs of a run. Returning an error aborts the run.
type Sink interface {
	OnFrame(FrameResult) error
	OnRetired(TrackSummary) error
}

// MultiSink fans results out to several sinks in order, stopping at the first
// error.
type MultiSink []Sink

func (m MultiSink) OnFrame(r FrameResult) error {
	for _, s := range m {
		if err := s.OnFrame(r); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) OnRetired(ts TrackSummary) error {
	for _, s := range m {
		if err := s.OnRetired(ts); err != nil {
			return err
		}
	}
	return nil
}

// Counter is a FrameSource producing frames 0..n-1 with no payload, for
// detectors that do not need pixels such as detect.Replay.
type Counter struct {
	n, next int
}

// Frames returns a Counter over n frames.
func Frames(n int) *Counter {
	return &Counter{n: n}
}

// Next returns the next frame or io.EOF.
func (c *Counter) Next(ctx context.Context) (detect.Frame, error) {
	if err := ctx.Err(); err != nil {
		return detect.Frame{}, err
	}
	if c.next >= c.n {
		return detect.Frame{}, io.EOF
	}
	f := detect.Frame{Index: c.next}
	c.next++
	return f, nil
}
