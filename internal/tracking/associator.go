package tracking

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/banshee-data/speedcam/internal/detect"
)

// Match pairs an active track with a detection index of the current frame.
type Match struct {
	Track     TrackID
	Detection int
	Distance  float64
}

// Assignment is the outcome of associating one frame.
type Assignment struct {
	Matches []Match
	// Spawned lists tracks created from unmatched detections, in detection
	// order.
	Spawned []TrackID
	// Missed lists tracks with no detection this frame that are still active.
	Missed []TrackID
	// Retired holds the final state of tracks whose miss count reached the
	// tolerance this frame, in ascending ID order.
	Retired []*Track
}

// Associator performs global greedy nearest-centroid matching under a
// distance gate.
type Associator struct {
	gate      float64
	maxMisses int
}

// NewAssociator validates the gate (pixels) and the retirement tolerance.
func NewAssociator(gate float64, maxMisses int) (*Associator, error) {
	if !(gate > 0) || math.IsInf(gate, 0) {
		return nil, fmt.Errorf("association gate must be positive and finite, got %v", gate)
	}
	if maxMisses < 1 {
		return nil, fmt.Errorf("max misses must be at least 1, got %d", maxMisses)
	}
	return &Associator{gate: gate, maxMisses: maxMisses}, nil
}

// Gate returns the maximum matching distance in pixels.
func (a *Associator) Gate() float64 { return a.gate }

// MaxMisses returns the retirement tolerance.
func (a *Associator) MaxMisses() int { return a.maxMisses }

type candidate struct {
	track TrackID
	det   int
	dist  float64
}

// Match computes the matching between the store's active tracks and dets
// without mutating anything. Pairs are taken in ascending order of distance,
// then track ID, then detection index; a pair farther than the gate is never
// taken.
func (a *Associator) Match(s *Store, dets []detect.Detection) []Match {
	active := s.Active()
	if len(active) == 0 || len(dets) == 0 {
		return nil
	}

	centroids := make([]detect.Point, len(dets))
	for i, d := range dets {
		centroids[i] = d.Centroid()
	}

	cands := make([]candidate, 0, len(active)*len(dets))
	for _, id := range active {
		t, _ := s.Get(id)
		last := t.Last().Centroid
		for j, c := range centroids {
			d := last.Distance(c)
			if d <= a.gate {
				cands = append(cands, candidate{track: id, det: j, dist: d})
			}
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		ci, cj := cands[i], cands[j]
		if ci.dist != cj.dist {
			return ci.dist < cj.dist
		}
		if ci.track != cj.track {
			return ci.track < cj.track
		}
		return ci.det < cj.det
	})

	usedTrack := make(map[TrackID]bool, len(active))
	usedDet := make([]bool, len(dets))
	var matches []Match
	for _, c := range cands {
		if usedTrack[c.track] || usedDet[c.det] {
			continue
		}
		usedTrack[c.track] = true
		usedDet[c.det] = true
		matches = append(matches, Match{Track: c.track, Detection: c.det, Distance: c.dist})
	}
	return matches
}

// Step associates one frame's detections and applies the result to the
// store: matched tracks are updated, unmatched detections spawn tracks and
// unmatched tracks miss, retiring once their consecutive misses reach the
// tolerance.
func (a *Associator) Step(s *Store, frame int, ts time.Duration, dets []detect.Detection) Assignment {
	matches := a.Match(s, dets)
	checkOneToOne(matches, len(dets))

	matchedTrack := make(map[TrackID]bool, len(matches))
	matchedDet := make([]bool, len(dets))
	for _, m := range matches {
		matchedTrack[m.Track] = true
		matchedDet[m.Detection] = true
	}

	// Tracks to miss are decided against the pre-spawn active set so new
	// tracks never miss in their first frame.
	var unmatched []TrackID
	for _, id := range s.Active() {
		if !matchedTrack[id] {
			unmatched = append(unmatched, id)
		}
	}

	out := Assignment{Matches: matches}
	for _, m := range matches {
		s.Update(m.Track, observe(frame, ts, dets[m.Detection]))
	}
	for j, d := range dets {
		if !matchedDet[j] {
			out.Spawned = append(out.Spawned, s.Create(observe(frame, ts, d)))
		}
	}
	for _, id := range unmatched {
		if s.MarkMissed(id) >= a.maxMisses {
			out.Retired = append(out.Retired, s.Retire(id))
			continue
		}
		out.Missed = append(out.Missed, id)
	}
	return out
}

func observe(frame int, ts time.Duration, d detect.Detection) Observation {
	return Observation{
		Frame:      frame,
		Centroid:   d.Centroid(),
		Timestamp:  ts,
		BBox:       d.BBox,
		Class:      d.Class,
		Confidence: d.Confidence,
	}
}

func checkOneToOne(matches []Match, ndets int) {
	seenTrack := make(map[TrackID]bool, len(matches))
	seenDet := make(map[int]bool, len(matches))
	for _, m := range matches {
		if m.Detection < 0 || m.Detection >= ndets {
			panic(&InvariantViolation{Op: "associate", ID: m.Track, Reason: fmt.Sprintf("detection index %d out of range", m.Detection)})
		}
		if seenTrack[m.Track] {
			panic(&InvariantViolation{Op: "associate", ID: m.Track, Reason: "track matched twice in one frame"})
		}
		if seenDet[m.Detection] {
			panic(&InvariantViolation{Op: "associate", ID: m.Track, Reason: fmt.Sprintf("detection %d claimed twice in one frame", m.Detection)})
		}
		seenTrack[m.Track] = true
		seenDet[m.Detection] = true
	}
}
