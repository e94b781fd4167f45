package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/speedcam/internal/calibration"
	"github.com/banshee-data/speedcam/internal/config"
	"github.com/banshee-data/speedcam/internal/detect"
	"github.com/banshee-data/speedcam/internal/monitoring"
	"github.com/banshee-data/speedcam/internal/speed"
	"github.com/banshee-data/speedcam/internal/timeutil"
	"github.com/banshee-data/speedcam/internal/tracking"
)

var logf = monitoring.Component("pipeline")

// Config holds the dependencies and settings of a Driver.
type Config struct {
	Calibration calibration.Calibration
	// Tuning may be nil, in which case every default applies.
	Tuning   *config.TuningConfig
	Detector detect.Detector
	// Sink is optional.
	Sink Sink
	// Clock times the run for logging. Nil uses the wall clock.
	Clock timeutil.Clock
}

// Driver runs the per-frame loop. A Driver is single use: create a new one
// for every video.
type Driver struct {
	cal        calibration.Calibration
	detector   detect.Detector
	sink       Sink
	clock      timeutil.Clock
	timeout    time.Duration
	prefetch   int
	store      *tracking.Store
	assoc      *tracking.Associator
	estimator  *speed.Estimator
	classifier *speed.Classifier

	lastFrame int
	summary   RunSummary
}

// New validates cfg and builds a Driver. Every error it returns wraps
// ErrConfiguration; no frame has been touched when it fails.
func New(cfg Config) (*Driver, error) {
	tuning := cfg.Tuning
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if !cfg.Calibration.Valid() {
		return nil, fmt.Errorf("%w: %w: calibration not initialised", ErrConfiguration, calibration.ErrInvalid)
	}
	if cfg.Detector == nil {
		return nil, fmt.Errorf("%w: no detector", ErrConfiguration)
	}

	gate, ok := tuning.GetGatePixels()
	if !ok {
		gate = cfg.Calibration.GateForSpeed(tuning.GetMaxPlausibleSpeedMps())
	}
	assoc, err := tracking.NewAssociator(gate, tuning.GetMaxMisses())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	est, err := speed.NewEstimator(cfg.Calibration, tuning.GetSpeedWindow(), tuning.GetSmoothingAlpha())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	policy, err := speed.ParseDecayPolicy(tuning.GetOverspeedDecay())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	cls, err := speed.NewClassifier(tuning.GetSpeedLimitMps(), tuning.GetSpeedToleranceMps(),
		tuning.GetOverspeedActivateFrames(), tuning.GetOverspeedReleaseFrames(), policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	return &Driver{
		cal:        cfg.Calibration,
		detector:   cfg.Detector,
		sink:       cfg.Sink,
		clock:      clock,
		timeout:    tuning.GetDetectTimeout(),
		prefetch:   tuning.GetPrefetchFrames(),
		store:      tracking.NewStore(tuning.GetHistoryLength()),
		assoc:      assoc,
		estimator:  est,
		classifier: cls,
		lastFrame:  -1,
	}, nil
}

// Gate returns the association gate in pixels actually in use.
func (d *Driver) Gate() float64 { return d.assoc.Gate() }

// item is a frame together with its detection outcome.
type item struct {
	frame detect.Frame
	dets  []detect.Detection
	err   error
	ref   *frameRef
}

// frameRef counts the holders of a frame's payload: the detector call and
// the frame's processing. A timed-out detector keeps its hold until it
// actually returns, so the payload outlives it.
type frameRef struct {
	frame detect.Frame
	refs  atomic.Int32
}

func newFrameRef(frame detect.Frame) *frameRef {
	r := &frameRef{frame: frame}
	r.refs.Store(2)
	return r
}

// done drops one hold and releases the frame after the last.
func (r *frameRef) done() {
	if r == nil {
		return
	}
	if r.refs.Add(-1) == 0 {
		r.frame.Done()
	}
}

// Run processes src until io.EOF, a source or sink failure, or cancellation
// of ctx. Cancellation is observed between frames only. In every case the
// remaining tracks are retired and their summaries are included in the
// returned RunSummary; on cancellation the error is ctx.Err().
func (d *Driver) Run(ctx context.Context, src FrameSource) (*RunSummary, error) {
	logf("starting run: %s, gate %.1f px, prefetch %d", d.cal, d.assoc.Gate(), d.prefetch)
	start := d.clock.Now()

	var runErr error
	if d.prefetch > 0 {
		runErr = d.runPrefetch(ctx, src)
	} else {
		runErr = d.runSequential(ctx, src)
	}

	// A failed sink is not called again during the flush.
	var sinkErr *sinkError
	if err := d.flush(!errors.As(runErr, &sinkErr)); err != nil && runErr == nil {
		runErr = err
	}
	if errors.As(runErr, &sinkErr) {
		runErr = sinkErr.err
	}

	logf("run finished after %d frames in %s: %d tracks, %d warnings",
		d.summary.Frames, d.clock.Since(start).Round(time.Millisecond), len(d.summary.Tracks), d.summary.Warnings)
	summary := d.summary
	return &summary, runErr
}

func (d *Driver) runSequential(ctx context.Context, src FrameSource) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := src.Next(ctx)
		if err != nil {
			return d.sourceErr(ctx, err)
		}
		ref := newFrameRef(frame)
		dets, derr := d.detect(ctx, ref)
		if err := d.process(item{frame: frame, dets: dets, err: derr, ref: ref}); err != nil {
			return err
		}
	}
}

// runPrefetch reads and detects up to d.prefetch frames ahead on a single
// producer goroutine. Association still consumes in order on this goroutine.
func (d *Driver) runPrefetch(ctx context.Context, src FrameSource) error {
	pctx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(pctx)
	items := make(chan item, d.prefetch)
	g.Go(func() error {
		defer close(items)
		for {
			frame, err := src.Next(gctx)
			if err != nil {
				select {
				case items <- item{err: err, frame: detect.Frame{Index: -1}}:
				case <-gctx.Done():
				}
				return nil
			}
			ref := newFrameRef(frame)
			dets, derr := d.detect(gctx, ref)
			select {
			case items <- item{frame: frame, dets: dets, err: derr, ref: ref}:
			case <-gctx.Done():
				ref.done()
				return gctx.Err()
			}
		}
	})

	err := func() error {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			it, ok := <-items
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return io.ErrUnexpectedEOF
			}
			if it.frame.Index < 0 {
				return d.sourceErr(ctx, it.err)
			}
			if err := d.process(it); err != nil {
				return err
			}
		}
	}()
	stop()
	_ = g.Wait()
	// Frames detected ahead but never processed.
	for it := range items {
		it.ref.done()
	}
	return err
}

func (d *Driver) sourceErr(ctx context.Context, err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("read frame after %d: %w", d.lastFrame, err)
}

// detect runs the detector with a per-frame timeout. The call is detached
// from ctx cancellation so a cancelled run still finishes the current frame;
// a detector ignoring its context is abandoned once the timeout fires. The
// detector's hold on ref is dropped only when the call returns.
func (d *Driver) detect(ctx context.Context, ref *frameRef) ([]detect.Detection, error) {
	frame := ref.frame
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	type result struct {
		dets []detect.Detection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer ref.done()
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("detector panic: %v", r)}
			}
		}()
		dets, err := d.detector.Detect(dctx, frame)
		ch <- result{dets: dets, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, &AdapterError{Frame: frame.Index, Err: r.err}
		}
		return r.dets, nil
	case <-dctx.Done():
		return nil, &AdapterError{Frame: frame.Index, Err: dctx.Err()}
	}
}

// process applies one frame to the track store and emits its result. The
// frame's hold is dropped once its sinks have returned.
func (d *Driver) process(it item) error {
	defer it.ref.done()
	frame := it.frame
	if frame.Index <= d.lastFrame {
		return fmt.Errorf("frame %d arrived after frame %d", frame.Index, d.lastFrame)
	}
	d.lastFrame = frame.Index
	ts := d.cal.Timestamp(frame.Index)

	res := FrameResult{Frame: frame.Index, Timestamp: ts, Tracks: []TrackView{}}
	dets := it.dets
	if it.err != nil {
		dets = nil
		res.Warning = it.err.Error()
		d.summary.Warnings++
		logf("frame %d: %v", frame.Index, it.err)
	}

	asg := d.assoc.Step(d.store, frame.Index, ts, dets)

	observed := make(map[tracking.TrackID]bool, len(asg.Matches)+len(asg.Spawned))
	for _, m := range asg.Matches {
		observed[m.Track] = true
	}
	for _, id := range asg.Spawned {
		observed[id] = true
	}

	for _, id := range d.store.Active() {
		t, _ := d.store.Get(id)
		if observed[id] {
			d.refresh(t)
		}
		last := t.Last()
		res.Tracks = append(res.Tracks, TrackView{
			ID:        id,
			BBox:      last.BBox,
			Class:     last.Class,
			Speed:     t.Speed.Ptr(),
			Overspeed: t.Overspeed.Flagged,
			Missed:    !observed[id],
		})
	}
	for _, t := range asg.Retired {
		res.Retired = append(res.Retired, t.ID)
	}
	d.summary.Frames++

	if d.sink != nil {
		if err := d.sink.OnFrame(res); err != nil {
			return &sinkError{err: fmt.Errorf("write frame %d: %w", frame.Index, err)}
		}
	}
	for _, t := range asg.Retired {
		if err := d.retire(t, true); err != nil {
			return err
		}
	}
	return nil
}

// refresh updates speed and overspeed state of a track observed this frame.
func (d *Driver) refresh(t *tracking.Track) {
	t.Speed = d.estimator.Update(t.Speed, t.Samples(d.estimator.Window()))
	t.MaxSpeed = t.MaxSpeed.Max(t.Speed)
	if d.classifier.Step(&t.Overspeed, t.Speed) {
		t.EverFlagged = true
	}
}

func (d *Driver) retire(t *tracking.Track, toSink bool) error {
	s := d.summarize(t)
	d.summary.Tracks = append(d.summary.Tracks, s)
	if toSink && d.sink != nil {
		if err := d.sink.OnRetired(s); err != nil {
			return &sinkError{err: fmt.Errorf("write track %d summary: %w", t.ID, err)}
		}
	}
	return nil
}

// flush retires every active track in ID order, as at the end of a video.
func (d *Driver) flush(toSink bool) error {
	var firstErr error
	for _, id := range d.store.Active() {
		if err := d.retire(d.store.Retire(id), toSink && firstErr == nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Driver) summarize(t *tracking.Track) TrackSummary {
	last := t.Last()
	return TrackSummary{
		ID:           t.ID,
		Class:        last.Class,
		FirstFrame:   t.First.Frame,
		LastFrame:    last.Frame,
		Duration:     t.Duration(),
		Observations: t.Observations,
		MaxSpeed:     t.MaxSpeed.Ptr(),
		EverFlagged:  t.EverFlagged,
		Category:     d.classifier.Categorize(t.MaxSpeed, t.EverFlagged),
	}
}

type sinkError struct {
	err error
}

func (e *sinkError) Error() string { return e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }
