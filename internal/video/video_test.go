package video

import (
	"context"
	"errors"
	"image"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/banshee-data/speedcam/internal/calibration"
	"github.com/banshee-data/speedcam/internal/config"
	"github.com/banshee-data/speedcam/internal/detect"
	"github.com/banshee-data/speedcam/internal/monitoring"
	"github.com/banshee-data/speedcam/internal/pipeline"
	"github.com/banshee-data/speedcam/internal/units"
)

func muteLogs(t *testing.T) {
	t.Helper()
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(orig) })
}

// blankFrame returns a black 320x240 BGR frame, optionally with a white box.
func blankFrame(box *image.Rectangle) gocv.Mat {
	m := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	if box != nil {
		roi := m.Region(*box)
		roi.SetTo(gocv.NewScalar(255, 255, 255, 0))
		roi.Close()
	}
	return m
}

func ptrFloat(v float64) *float64 { return &v }

func TestLabel(t *testing.T) {
	tests := []struct {
		name  string
		view  pipeline.TrackView
		units string
		want  string
	}{
		{"pending", pipeline.TrackView{ID: 3}, units.KMPH, "#3 --"},
		{"kmph", pipeline.TrackView{ID: 1, Speed: ptrFloat(10)}, units.KMPH, "#1 36.0 km/h"},
		{"mps", pipeline.TrackView{ID: 12, Speed: ptrFloat(7.25)}, units.MPS, "#12 7.2 m/s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Label(tt.view, tt.units))
		})
	}
}

func TestRectBBoxRoundTrip(t *testing.T) {
	r := image.Rect(10, 20, 70, 60)
	assert.Equal(t, r, bboxRect(rectBBox(r)))
	assert.Equal(t, detect.Point{X: 40, Y: 40}, rectBBox(r).Centroid())
}

func TestMotionDetectorRejectsPayload(t *testing.T) {
	md := NewMotionDetector()
	defer md.Close()

	_, err := md.Detect(context.Background(), detect.Frame{Index: 4, Payload: "pixels"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame 4")
}

func TestMotionDetectorFindsMovingBox(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	md := NewMotionDetector()
	defer md.Close()
	ctx := context.Background()

	for i := 0; i < md.Warmup+10; i++ {
		f := blankFrame(nil)
		dets, err := md.Detect(ctx, detect.Frame{Index: i, Payload: &f})
		f.Close()
		require.NoError(t, err)
		assert.Empty(t, dets, "static background must not produce detections (frame %d)", i)
	}

	box := image.Rect(100, 100, 160, 140)
	f := blankFrame(&box)
	defer f.Close()
	dets, err := md.Detect(ctx, detect.Frame{Index: md.Warmup + 10, Payload: &f})
	require.NoError(t, err)
	require.Len(t, dets, 1)

	c := dets[0].Centroid()
	assert.InDelta(t, 130, c.X, 5)
	assert.InDelta(t, 120, c.Y, 5)
	assert.Equal(t, DefaultMotionClass, dets[0].Class)
	assert.Greater(t, dets[0].Confidence, 0.5)
	assert.LessOrEqual(t, dets[0].Confidence, 1.0)
}

func TestMotionDetectorWarmup(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	md := NewMotionDetector()
	defer md.Close()

	box := image.Rect(10, 10, 90, 90)
	f := blankFrame(&box)
	defer f.Close()
	dets, err := md.Detect(context.Background(), detect.Frame{Index: 0, Payload: &f})
	require.NoError(t, err)
	assert.Empty(t, dets)

	md.Reset()
	assert.Equal(t, 0, md.seen)
}

func TestDrawMarksTracks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	img := blankFrame(nil)
	defer img.Close()

	Draw(&img, pipeline.FrameResult{
		Frame: 0,
		Tracks: []pipeline.TrackView{
			{ID: 1, BBox: detect.BBox{XMin: 20, YMin: 40, XMax: 80, YMax: 90}, Speed: ptrFloat(12)},
			{ID: 2, BBox: detect.BBox{XMin: 150, YMin: 100, XMax: 200, YMax: 150}, Overspeed: true, Speed: ptrFloat(30)},
		},
	}, units.KMPH)

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	assert.Greater(t, gocv.CountNonZero(gray), 0)

	// Box edges are drawn, interiors are left alone.
	assert.NotZero(t, gray.GetUCharAt(40, 50))
	assert.Zero(t, gray.GetUCharAt(65, 50))
}

func TestOpenSourceMissingFile(t *testing.T) {
	muteLogs(t)
	_, err := OpenSource(filepath.Join(t.TempDir(), "missing.avi"))
	assert.Error(t, err)
}

// writeTestVideo encodes n frames with a box moving 10 px per frame, or skips
// the test when no encoder is available.
func writeTestVideo(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.avi")
	w, err := gocv.VideoWriterFile(path, "MJPG", 10, 320, 240, true)
	if err != nil || !w.IsOpened() {
		t.Skipf("no MJPG encoder available: %v", err)
	}
	for i := 0; i < n; i++ {
		box := image.Rect(20+10*i, 100, 80+10*i, 140)
		f := blankFrame(&box)
		require.NoError(t, w.Write(f))
		f.Close()
	}
	require.NoError(t, w.Close())
	return path
}

func TestSourceReadsFramesInOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that encodes video")
	}
	muteLogs(t)
	path := writeTestVideo(t, 5)

	src, err := OpenSource(path)
	require.NoError(t, err)
	defer src.Close()

	assert.InDelta(t, 10, src.FPS(), 0.01)
	w, h := src.Size()
	assert.Equal(t, 320, w)
	assert.Equal(t, 240, h)

	ctx := context.Background()
	var got []int
	for {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.IsType(t, &gocv.Mat{}, f.Payload)
		got = append(got, f.Index)
		f.Done()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)

	require.NoError(t, src.Close())
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, ErrSourceClosed)
}

func TestSourceFramesLiveUntilReleased(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that encodes video")
	}
	muteLogs(t)
	path := writeTestVideo(t, 3)

	src, err := OpenSource(path)
	require.NoError(t, err)
	defer src.Close()

	ctx := context.Background()
	var frames []detect.Frame
	for i := 0; i < 3; i++ {
		f, err := src.Next(ctx)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	assert.Equal(t, 3, src.Live())

	// Reading on does not free earlier frames.
	first := frames[0].Payload.(*gocv.Mat)
	assert.False(t, first.Empty())

	m, ok := src.Frame(1)
	require.True(t, ok)
	assert.False(t, m.Empty())

	frames[1].Done()
	_, ok = src.Frame(1)
	assert.False(t, ok, "released frames are gone")
	frames[1].Done()
	assert.Equal(t, 2, src.Live(), "a second release is a no-op")

	// Close keeps frames that are still handed out.
	require.NoError(t, src.Close())
	_, ok = src.Frame(2)
	assert.True(t, ok)
	frames[0].Done()
	frames[2].Done()
	assert.Zero(t, src.Live())
}

func TestMotionDetectorClosed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	md := NewMotionDetector()
	require.NoError(t, md.Close())
	require.NoError(t, md.Close())

	f := blankFrame(nil)
	defer f.Close()
	_, err := md.Detect(context.Background(), detect.Frame{Index: 0, Payload: &f})
	assert.ErrorIs(t, err, errDetectorClosed)
}

func TestAnnotatedRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that encodes video")
	}
	muteLogs(t)
	path := writeTestVideo(t, 20)

	src, err := OpenSource(path)
	require.NoError(t, err)
	defer src.Close()

	md := NewMotionDetector()
	defer md.Close()
	md.Warmup = 0

	cal, err := calibration.FromFPS(0.05, src.FPS())
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "annotated.avi")
	ann := NewAnnotator(out, src.FPS(), units.KMPH, src)
	collector := &pipeline.Collector{}

	drv, err := pipeline.New(pipeline.Config{
		Calibration: cal,
		Tuning:      config.EmptyTuningConfig(),
		Detector:    md,
		Sink:        pipeline.MultiSink{ann, collector},
	})
	require.NoError(t, err)

	summary, err := drv.Run(context.Background(), src)
	require.NoError(t, err)
	require.NoError(t, ann.Close())

	assert.Equal(t, 20, summary.Frames)
	assert.Len(t, collector.Frames, 20)
	assert.FileExists(t, out)
	require.Eventually(t, func() bool { return src.Live() == 0 }, 5*time.Second, 5*time.Millisecond,
		"every frame is released after the run")
}
