package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/banshee-data/speedcam/internal/detect"
	"github.com/banshee-data/speedcam/internal/pipeline"
	"github.com/banshee-data/speedcam/internal/video"
)

const detectorMotion = "motion"

func newAnalyzeCmd() *cobra.Command {
	var (
		o          runOptions
		videoPath  string
		detections string
		detector   string
		annotate   string
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Track vehicles in a video file and measure their speed",
		Long: `Decode a video, detect vehicles in every frame, track them and estimate
their speed.

Detections come from --detections (a JSON lines log written by an external
detector, one line per frame) or from the built-in motion detector, which
suits fixed cameras with a stable background.

The frame rate is read from the video unless --fps is given.

Examples:

  speedcam analyze --video street.mp4 --mpp 0.04 --out results.jsonl
  speedcam analyze --video street.mp4 --detections yolo.jsonl \
      --ref-p1 412,300 --ref-p2 880,310 --ref-length 12.5 \
      --db runs.db --annotate annotated.mp4 --chart speeds.html
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if videoPath == "" {
				return errors.New("--video is required")
			}
			tuning, err := o.tuning()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			src, err := video.OpenSource(videoPath)
			if err != nil {
				return err
			}
			defer src.Close()

			fps := src.FPS()
			if o.fps > 0 {
				fps = o.fps
			}
			cal, err := o.calibration(fps)
			if err != nil {
				return err
			}

			var det detect.Detector
			switch {
			case detections != "":
				replay, err := detect.LoadReplay(detections)
				if err != nil {
					return err
				}
				det = replay
			case detector == detectorMotion:
				md := video.NewMotionDetector()
				defer md.Close()
				det = md
			default:
				return fmt.Errorf("unknown detector %q", detector)
			}

			var sinks []pipeline.Sink
			var ann *video.Annotator
			if annotate != "" {
				ann = video.NewAnnotator(annotate, fps, tuning.GetSpeedUnits(), src)
				sinks = append(sinks, ann)
			}

			err = o.execute(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), job{
				source:   videoPath,
				frames:   src,
				detector: det,
				cal:      cal,
				tuning:   tuning,
				sinks:    sinks,
			})
			if ann != nil {
				if cerr := ann.Close(); cerr != nil && err == nil {
					err = fmt.Errorf("finalise %s: %w", annotate, cerr)
				}
			}
			return err
		},
	}
	o.register(cmd)
	f := cmd.Flags()
	f.StringVar(&videoPath, "video", "", "input video file")
	f.StringVar(&detections, "detections", "", "replay detections from a JSON lines file instead of detecting")
	f.StringVar(&detector, "detector", detectorMotion, "built-in detector used when --detections is not given")
	f.StringVar(&annotate, "annotate", "", "write an annotated copy of the video (.mp4 or .avi)")
	f.Float64Var(&o.fps, "fps", 0, "override the frame rate reported by the video")
	return cmd
}

func newReplayCmd() *cobra.Command {
	var (
		o          runOptions
		detections string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run the tracker over a recorded detection log without video",
		Long: `Replay a JSON lines detection log through the tracker. Each line holds the
detections of one frame:

  {"frame":0,"detections":[{"bbox":[x1,y1,x2,y2],"class":"car","confidence":0.9}]}

Frames missing from the log have no detections. The run covers frame 0 up to
the highest frame in the log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if detections == "" {
				return errors.New("--detections is required")
			}
			tuning, err := o.tuning()
			if err != nil {
				return err
			}
			cal, err := o.calibration(o.fps)
			if err != nil {
				return err
			}
			replay, err := detect.LoadReplay(detections)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return o.execute(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), job{
				source:   detections,
				frames:   pipeline.Frames(replay.FrameCount()),
				detector: replay,
				cal:      cal,
				tuning:   tuning,
			})
		},
	}
	o.register(cmd)
	f := cmd.Flags()
	f.StringVar(&detections, "detections", "", "JSON lines detection log")
	f.Float64Var(&o.fps, "fps", 30, "frame rate of the recorded video")
	return cmd
}
