// Package tracking owns vehicle identity: the Track Store holding active
// trajectories and the Associator matching each frame's detections to them.
package tracking

import (
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/speedcam/internal/detect"
	"github.com/banshee-data/speedcam/internal/speed"
)

// TrackID identifies one physical vehicle for the life of a run. IDs start at
// 1 and are never reused.
type TrackID uint64

// Observation is one matched detection in a track's history.
type Observation struct {
	Frame      int
	Centroid   detect.Point
	Timestamp  time.Duration
	BBox       detect.BBox
	Class      string
	Confidence float64
}

// InvariantViolation is the panic value raised when the store is driven into
// an impossible state. It always indicates a bug in the caller.
type InvariantViolation struct {
	Op     string
	ID     TrackID
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("tracking invariant violated: %s track %d: %s", e.Op, e.ID, e.Reason)
}

// Track is the state of one vehicle. History is bounded; the counters below
// cover the whole life of the track.
type Track struct {
	ID     TrackID
	Misses int

	First        Observation
	Observations int

	// Speed is the smoothed estimate, refreshed on observed frames only.
	Speed       speed.Estimate
	MaxSpeed    speed.Estimate
	Overspeed   speed.Debounce
	EverFlagged bool

	history *history
}

// Last returns the newest observation.
func (t *Track) Last() Observation {
	return t.history.last()
}

// Samples returns the newest n positions in the form the speed estimator
// consumes. n <= 0 returns the whole retained history.
func (t *Track) Samples(n int) []speed.Sample {
	obs := t.history.tail(n)
	out := make([]speed.Sample, len(obs))
	for i, o := range obs {
		out[i] = speed.Sample{Frame: o.Frame, Position: o.Centroid}
	}
	return out
}

// Duration is the video time between the first and newest observation.
func (t *Track) Duration() time.Duration {
	return t.Last().Timestamp - t.First.Timestamp
}

// Store holds the active tracks and the ID counter. It is not safe for
// concurrent use; the pipeline owns it exclusively.
type Store struct {
	historyLength int
	nextID        TrackID
	tracks        map[TrackID]*Track
	active        []TrackID
}

// NewStore creates an empty store retaining historyLength observations per
// track.
func NewStore(historyLength int) *Store {
	if historyLength < 1 {
		historyLength = 1
	}
	return &Store{
		historyLength: historyLength,
		nextID:        1,
		tracks:        make(map[TrackID]*Track),
	}
}

// Create starts a new track from its first observation and returns its ID.
func (s *Store) Create(obs Observation) TrackID {
	id := s.nextID
	s.nextID++

	t := &Track{
		ID:           id,
		First:        obs,
		Observations: 1,
		history:      newHistory(s.historyLength),
	}
	t.history.add(obs)
	s.tracks[id] = t
	// IDs are issued in increasing order, so appending keeps active sorted.
	s.active = append(s.active, id)
	return id
}

// Active returns the IDs of all active tracks in ascending order.
func (s *Store) Active() []TrackID {
	out := make([]TrackID, len(s.active))
	copy(out, s.active)
	return out
}

// Len returns the number of active tracks.
func (s *Store) Len() int { return len(s.active) }

// Get returns the track for id if it is active.
func (s *Store) Get(id TrackID) (*Track, bool) {
	t, ok := s.tracks[id]
	return t, ok
}

// Update appends obs to the track and clears its miss counter. obs.Frame must
// be later than every frame already recorded for the track.
func (s *Store) Update(id TrackID, obs Observation) {
	t := s.mustGet("update", id)
	if last := t.Last(); obs.Frame <= last.Frame {
		panic(&InvariantViolation{
			Op:     "update",
			ID:     id,
			Reason: fmt.Sprintf("frame %d not after last observed frame %d", obs.Frame, last.Frame),
		})
	}
	t.history.add(obs)
	t.Observations++
	t.Misses = 0
}

// MarkMissed increments the consecutive-miss counter and returns it.
func (s *Store) MarkMissed(id TrackID) int {
	t := s.mustGet("mark missed", id)
	t.Misses++
	return t.Misses
}

// Retire removes the track from the active set and returns its final state.
// The ID is never issued again.
func (s *Store) Retire(id TrackID) *Track {
	t := s.mustGet("retire", id)
	delete(s.tracks, id)
	i := sort.Search(len(s.active), func(i int) bool { return s.active[i] >= id })
	s.active = append(s.active[:i], s.active[i+1:]...)
	return t
}

// History returns up to window of the track's most recent observations in
// time order. window <= 0 returns everything retained.
func (s *Store) History(id TrackID, window int) []Observation {
	return s.mustGet("history", id).history.tail(window)
}

func (s *Store) mustGet(op string, id TrackID) *Track {
	t, ok := s.tracks[id]
	if !ok {
		panic(&InvariantViolation{Op: op, ID: id, Reason: "unknown or retired track"})
	}
	return t
}
