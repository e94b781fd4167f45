package detect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

// maxReplayLine bounds a single JSON line in a detection log.
const maxReplayLine = 1 << 20

// ReplayRecord is one line of a detection log.
type ReplayRecord struct {
	Frame      int               `json:"frame"`
	Detections []ReplayDetection `json:"detections"`
}

// ReplayDetection is the on-disk form of a Detection.
type ReplayDetection struct {
	BBox       [4]float64 `json:"bbox"`
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
}

// Replay is a Detector that serves detections recorded by an external model.
type Replay struct {
	byFrame  map[int][]Detection
	maxFrame int
}

// LoadReplay reads a JSON-lines detection log from path.
func LoadReplay(path string) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open detection log: %w", err)
	}
	defer f.Close()
	return ReadReplay(f)
}

// ReadReplay decodes a JSON-lines detection log. Blank lines are skipped and
// repeated frame indexes are concatenated in file order.
func ReadReplay(r io.Reader) (*Replay, error) {
	rp := &Replay{byFrame: make(map[int][]Detection), maxFrame: -1}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxReplayLine)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var rec ReplayRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("detection log line %d: %w", line, err)
		}
		if rec.Frame < 0 {
			return nil, fmt.Errorf("detection log line %d: negative frame index %d", line, rec.Frame)
		}
		for _, d := range rec.Detections {
			rp.byFrame[rec.Frame] = append(rp.byFrame[rec.Frame], Detection{
				BBox:       BBox{XMin: d.BBox[0], YMin: d.BBox[1], XMax: d.BBox[2], YMax: d.BBox[3]},
				Class:      d.Class,
				Confidence: d.Confidence,
			})
		}
		if rec.Frame > rp.maxFrame {
			rp.maxFrame = rec.Frame
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read detection log: %w", err)
	}
	return rp, nil
}

// Detect returns a copy of the detections recorded for frame.Index.
func (r *Replay) Detect(_ context.Context, frame Frame) ([]Detection, error) {
	dets := r.byFrame[frame.Index]
	out := make([]Detection, len(dets))
	copy(out, dets)
	return out, nil
}

// FrameCount returns one past the highest frame index in the log, or zero
// for an empty log.
func (r *Replay) FrameCount() int {
	return r.maxFrame + 1
}

// Frames returns the frame indexes that carry at least one detection, in
// ascending order.
func (r *Replay) Frames() []int {
	out := make([]int, 0, len(r.byFrame))
	for k := range r.byFrame {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// WriteReplay encodes detections as a JSON-lines log, one line per frame in
// ascending frame order.
func WriteReplay(w io.Writer, byFrame map[int][]Detection) error {
	frames := make([]int, 0, len(byFrame))
	for k := range byFrame {
		frames = append(frames, k)
	}
	sort.Ints(frames)

	enc := json.NewEncoder(w)
	for _, fi := range frames {
		rec := ReplayRecord{Frame: fi, Detections: make([]ReplayDetection, 0, len(byFrame[fi]))}
		for _, d := range byFrame[fi] {
			rec.Detections = append(rec.Detections, ReplayDetection{
				BBox:       [4]float64{d.BBox.XMin, d.BBox.YMin, d.BBox.XMax, d.BBox.YMax},
				Class:      d.Class,
				Confidence: d.Confidence,
			})
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("write detection log frame %d: %w", fi, err)
		}
	}
	return nil
}
