package video

import (
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"

	"github.com/banshee-data/speedcam/internal/pipeline"
	"github.com/banshee-data/speedcam/internal/units"
)

var (
	colourOK        = color.RGBA{G: 200, A: 255}
	colourOverspeed = color.RGBA{R: 230, A: 255}
	colourMissed    = color.RGBA{R: 140, G: 140, B: 140, A: 255}
)

// FrameStore looks up decoded frames by index. *Source implements it. A
// frame is available until the pipeline releases it, which happens only
// after every sink has seen it.
type FrameStore interface {
	Frame(index int) (*gocv.Mat, bool)
}

// Annotator is a pipeline.Sink that draws every track onto its frame and
// writes the result to a video file. The writer is opened on the first frame
// so that its size matches the decoded video.
type Annotator struct {
	path   string
	codec  string
	fps    float64
	units  string
	frames FrameStore
	writer *gocv.VideoWriter
}

// NewAnnotator returns a sink writing to path at fps. Speeds are labelled in
// displayUnits. The codec is MJPG for .avi files and mp4v otherwise.
func NewAnnotator(path string, fps float64, displayUnits string, frames FrameStore) *Annotator {
	codec := "mp4v"
	if strings.EqualFold(filepath.Ext(path), ".avi") {
		codec = "MJPG"
	}
	return &Annotator{path: path, codec: codec, fps: fps, units: displayUnits, frames: frames}
}

func (a *Annotator) OnFrame(r pipeline.FrameResult) error {
	src, ok := a.frames.Frame(r.Frame)
	if !ok {
		return fmt.Errorf("annotate frame %d: frame no longer available", r.Frame)
	}
	// A timed-out detector may still be reading src, so draw on a copy.
	img := src.Clone()
	defer img.Close()

	if a.writer == nil {
		w, err := gocv.VideoWriterFile(a.path, a.codec, a.fps, img.Cols(), img.Rows(), true)
		if err != nil {
			return fmt.Errorf("open %s: %w", a.path, err)
		}
		if !w.IsOpened() {
			w.Close()
			return fmt.Errorf("open %s: no encoder for %s", a.path, a.codec)
		}
		a.writer = w
		logf("writing annotated video to %s (%s, %dx%d)", a.path, a.codec, img.Cols(), img.Rows())
	}

	Draw(&img, r, a.units)
	if err := a.writer.Write(img); err != nil {
		return fmt.Errorf("write frame %d to %s: %w", r.Frame, a.path, err)
	}
	return nil
}

func (a *Annotator) OnRetired(pipeline.TrackSummary) error { return nil }

// Close finalises the output file.
func (a *Annotator) Close() error {
	if a.writer == nil {
		return nil
	}
	err := a.writer.Close()
	a.writer = nil
	return err
}

// Draw renders the boxes and labels of r onto img.
func Draw(img *gocv.Mat, r pipeline.FrameResult, displayUnits string) {
	for _, t := range r.Tracks {
		c := colourOK
		switch {
		case t.Missed:
			c = colourMissed
		case t.Overspeed:
			c = colourOverspeed
		}
		rect := bboxRect(t.BBox)
		gocv.Rectangle(img, rect, c, 2)

		org := image.Pt(rect.Min.X, rect.Min.Y-6)
		if org.Y < 12 {
			org.Y = rect.Max.Y + 14
		}
		gocv.PutText(img, Label(t, displayUnits), org, gocv.FontHersheySimplex, 0.5, c, 1)
	}
}

// Label is the text drawn next to a track: its ID and speed, or "--" while
// the speed is pending.
func Label(t pipeline.TrackView, displayUnits string) string {
	if t.Speed == nil {
		return fmt.Sprintf("#%d --", t.ID)
	}
	return fmt.Sprintf("#%d %.1f %s", t.ID, units.ConvertSpeed(*t.Speed, displayUnits), units.Label(displayUnits))
}
