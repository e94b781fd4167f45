package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/speedcam/internal/calibration"
	"github.com/banshee-data/speedcam/internal/config"
	"github.com/banshee-data/speedcam/internal/db"
	"github.com/banshee-data/speedcam/internal/detect"
	"github.com/banshee-data/speedcam/internal/monitoring"
	"github.com/banshee-data/speedcam/internal/pipeline"
	"github.com/banshee-data/speedcam/internal/report"
	"github.com/banshee-data/speedcam/internal/timeutil"
)

var logf = monitoring.Component("speedcam")

// runOptions are the flags shared by analyze and replay.
type runOptions struct {
	configPath string
	mpp        float64
	refP1      string
	refP2      string
	refLength  float64
	fps        float64
	out        string
	dbPath     string
	outputs    reportOutputs
}

func (o *runOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", "", "tuning config JSON file (built-in defaults when empty)")
	f.Float64Var(&o.mpp, "mpp", 0, "metres per pixel")
	f.StringVar(&o.refP1, "ref-p1", "", "first reference point as x,y (pixels)")
	f.StringVar(&o.refP2, "ref-p2", "", "second reference point as x,y (pixels)")
	f.Float64Var(&o.refLength, "ref-length", 0, "real distance between the reference points in metres")
	f.StringVar(&o.out, "out", "", "write frame results and track summaries as JSON lines (- for stdout)")
	f.StringVar(&o.dbPath, "db", "", "record the run in this sqlite database")
	o.outputs.register(cmd)
}

func (o *runOptions) tuning() (*config.TuningConfig, error) {
	if o.configPath == "" {
		return config.DefaultTuningConfig(), nil
	}
	return config.LoadTuningConfig(o.configPath)
}

// calibration builds the calibration from either --mpp or the reference
// points. The reference points win when both are given.
func (o *runOptions) calibration(fps float64) (calibration.Calibration, error) {
	if fps <= 0 {
		return calibration.Calibration{}, fmt.Errorf("%w: fps must be positive, got %g", calibration.ErrInvalid, fps)
	}
	interval := time.Duration(float64(time.Second) / fps)

	if o.refLength > 0 || o.refP1 != "" || o.refP2 != "" {
		p1, err := parsePoint(o.refP1)
		if err != nil {
			return calibration.Calibration{}, fmt.Errorf("--ref-p1: %w", err)
		}
		p2, err := parsePoint(o.refP2)
		if err != nil {
			return calibration.Calibration{}, fmt.Errorf("--ref-p2: %w", err)
		}
		return calibration.FromReference(p1, p2, o.refLength, interval)
	}
	if o.mpp > 0 {
		return calibration.New(o.mpp, interval)
	}
	return calibration.Calibration{}, errors.New("either --mpp or --ref-p1, --ref-p2 and --ref-length is required")
}

// parsePoint parses "x,y".
func parsePoint(s string) (calibration.Point, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return calibration.Point{}, fmt.Errorf("invalid point %q, expected x,y", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	if err != nil {
		return calibration.Point{}, fmt.Errorf("invalid point %q: %w", s, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if err != nil {
		return calibration.Point{}, fmt.Errorf("invalid point %q: %w", s, err)
	}
	return calibration.Point{X: x, Y: y}, nil
}

// job is one pipeline run prepared by a subcommand.
type job struct {
	source   string
	frames   pipeline.FrameSource
	detector detect.Detector
	cal      calibration.Calibration
	tuning   *config.TuningConfig
	// sinks run before the JSON lines and database sinks.
	sinks []pipeline.Sink
}

// execute runs j with the configured outputs. An interrupted run is not an
// error: whatever was processed is flushed, recorded and reported.
func (o *runOptions) execute(ctx context.Context, stdout, stderr io.Writer, j job) error {
	det := detect.NewFilter(j.detector, j.tuning.GetVehicleClasses(), j.tuning.GetMinConfidence())
	sinks := append([]pipeline.Sink(nil), j.sinks...)

	if o.out != "" {
		w, closeOut, err := openOutput(o.out, stdout)
		if err != nil {
			return err
		}
		defer closeOut()
		sinks = append(sinks, pipeline.NewJSONLines(w))
	}

	var clock timeutil.Clock = timeutil.RealClock{}
	var rec *db.Recorder
	if o.dbPath != "" {
		database, err := db.NewDB(o.dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer database.Close()
		rec = db.NewRecorder(database, clock)
		sinks = append(sinks, rec)
	}

	drv, err := pipeline.New(pipeline.Config{
		Calibration: j.cal,
		Tuning:      j.tuning,
		Detector:    det,
		Sink:        pipeline.MultiSink(sinks),
		Clock:       clock,
	})
	if err != nil {
		return err
	}

	if rec != nil {
		if _, err := rec.Start(db.RunParams{
			Source:            j.source,
			MetresPerPixel:    j.cal.MetresPerPixel(),
			FrameInterval:     j.cal.FrameInterval(),
			SpeedLimitMps:     j.tuning.GetSpeedLimitMps(),
			SpeedToleranceMps: j.tuning.GetSpeedToleranceMps(),
			Tuning:            j.tuning,
		}); err != nil {
			return err
		}
	}

	summary, runErr := drv.Run(ctx, j.frames)
	status := db.RunStatusCompleted
	switch {
	case errors.Is(runErr, context.Canceled):
		logf("interrupted after %d frames, results are partial", summary.Frames)
		status = db.RunStatusCancelled
		runErr = nil
	case runErr != nil:
		status = db.RunStatusFailed
	}
	if rec != nil {
		if err := rec.Finish(status); err != nil && runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		return runErr
	}

	rep, err := report.Build(summary.Tracks, j.tuning.GetSpeedLimitMps(), j.tuning.GetSpeedToleranceMps(), j.tuning.GetSpeedUnits())
	if err != nil {
		return err
	}
	rep.Source = j.source
	rep.Frames = summary.Frames
	rep.Warnings = summary.Warnings
	if rec != nil {
		rep.RunID = rec.RunID()
	}
	if err := o.outputs.write(rep, stdout); err != nil {
		return err
	}
	printSummary(stderr, rep)
	return nil
}

func printSummary(w io.Writer, rep *report.Report) {
	fmt.Fprintf(w, "%d frames, %d vehicles: %d overspeed, %d marginal, %d grace, %d within limit, %d pending",
		rep.Frames, rep.Vehicles, rep.Overspeed, rep.Marginal, rep.Grace, rep.WithinLimit, rep.Pending)
	if rep.Warnings > 0 {
		fmt.Fprintf(w, ", %d warnings", rep.Warnings)
	}
	if rep.RunID != "" {
		fmt.Fprintf(w, " (run %s)", rep.RunID)
	}
	fmt.Fprintln(w)
}

// openOutput opens path for writing; "-" is stdout and is not closed.
func openOutput(path string, stdout io.Writer) (io.Writer, func(), error) {
	if path == "-" {
		return stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", path, err)
	}
	return f, func() {
		if err := f.Close(); err != nil {
			logf("close %s: %v", path, err)
		}
	}, nil
}

// reportOutputs are the report file flags shared by analyze, replay and
// report.
type reportOutputs struct {
	json      string
	histogram string
	bins      int
	chart     string
}

func (r *reportOutputs) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&r.json, "report", "", "write the run report as JSON (- for stdout)")
	f.StringVar(&r.histogram, "histogram", "", "write a speed histogram image (.png, .svg)")
	f.IntVar(&r.bins, "bins", report.DefaultHistogramBins, "histogram bins")
	f.StringVar(&r.chart, "chart", "", "write an HTML bar chart of vehicle speeds")
}

func (r *reportOutputs) write(rep *report.Report, stdout io.Writer) error {
	if r.json != "" {
		w, closeOut, err := openOutput(r.json, stdout)
		if err != nil {
			return err
		}
		err = rep.WriteJSON(w)
		closeOut()
		if err != nil {
			return err
		}
	}
	if r.histogram != "" {
		if err := rep.WriteHistogram(r.histogram, r.bins); err != nil {
			if !errors.Is(err, report.ErrNoSpeeds) {
				return err
			}
			logf("no histogram written: %v", err)
		}
	}
	if r.chart != "" {
		w, closeOut, err := openOutput(r.chart, stdout)
		if err != nil {
			return err
		}
		err = rep.WriteChart(w)
		closeOut()
		if err != nil {
			if !errors.Is(err, report.ErrNoSpeeds) {
				return err
			}
			logf("no chart written: %v", err)
		}
	}
	return nil
}
