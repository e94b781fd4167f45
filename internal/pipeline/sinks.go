package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
)

// Record is one line written by JSONLines. Exactly one of Frame and Summary
// is set.
type Record struct {
	Type    string        `json:"type"`
	Frame   *FrameResult  `json:"frame,omitempty"`
	Summary *TrackSummary `json:"summary,omitempty"`
}

const (
	RecordFrame   = "frame"
	RecordSummary = "summary"
)

// JSONLines writes every frame result and track summary as one JSON object
// per line.
type JSONLines struct {
	enc *json.Encoder
}

// NewJSONLines returns a sink writing to w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w)}
}

func (j *JSONLines) OnFrame(r FrameResult) error {
	if err := j.enc.Encode(Record{Type: RecordFrame, Frame: &r}); err != nil {
		return fmt.Errorf("encode frame %d: %w", r.Frame, err)
	}
	return nil
}

func (j *JSONLines) OnRetired(s TrackSummary) error {
	if err := j.enc.Encode(Record{Type: RecordSummary, Summary: &s}); err != nil {
		return fmt.Errorf("encode track %d summary: %w", s.ID, err)
	}
	return nil
}

// Collector keeps everything in memory.
type Collector struct {
	Frames    []FrameResult
	Summaries []TrackSummary
}

func (c *Collector) OnFrame(r FrameResult) error {
	c.Frames = append(c.Frames, r)
	return nil
}

func (c *Collector) OnRetired(s TrackSummary) error {
	c.Summaries = append(c.Summaries, s)
	return nil
}
