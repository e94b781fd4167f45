package tracking

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/speedcam/internal/detect"
)

func det(x, y float64) detect.Detection {
	return detect.Detection{
		BBox:       detect.BBox{XMin: x - 10, YMin: y - 5, XMax: x + 10, YMax: y + 5},
		Class:      "car",
		Confidence: 0.9,
	}
}

func ts(frame int) time.Duration { return time.Duration(frame) * 100 * time.Millisecond }

func newAssoc(t *testing.T, gate float64, maxMisses int) *Associator {
	t.Helper()
	a, err := NewAssociator(gate, maxMisses)
	require.NoError(t, err)
	return a
}

func lastCentroid(t *testing.T, s *Store, id TrackID) detect.Point {
	t.Helper()
	tr, ok := s.Get(id)
	require.True(t, ok, "track %d not active", id)
	return tr.Last().Centroid
}

func TestNewAssociatorValidation(t *testing.T) {
	t.Parallel()
	_, err := NewAssociator(0, 3)
	assert.Error(t, err)
	_, err = NewAssociator(10, 0)
	assert.Error(t, err)
}

func TestStepZeroActiveTracksSpawnsAll(t *testing.T) {
	t.Parallel()
	s := NewStore(8)
	a := newAssoc(t, 50, 3)

	got := a.Step(s, 0, 0, []detect.Detection{det(0, 0), det(100, 0), det(200, 0)})
	assert.Empty(t, got.Matches)
	assert.Equal(t, []TrackID{1, 2, 3}, got.Spawned)
	assert.Empty(t, got.Missed)
	assert.Empty(t, got.Retired)
}

func TestStepZeroDetectionsMissesAll(t *testing.T) {
	t.Parallel()
	s := NewStore(8)
	a := newAssoc(t, 50, 3)
	a.Step(s, 0, 0, []detect.Detection{det(0, 0), det(100, 0)})

	got := a.Step(s, 1, ts(1), nil)
	assert.Empty(t, got.Matches)
	assert.Empty(t, got.Spawned)
	assert.Equal(t, []TrackID{1, 2}, got.Missed)
	for _, id := range got.Missed {
		tr, _ := s.Get(id)
		assert.Equal(t, 1, tr.Misses)
	}
}

func TestMatchIsGlobalGreedy(t *testing.T) {
	t.Parallel()
	s := NewStore(8)
	a := newAssoc(t, 100, 3)
	a.Step(s, 0, 0, []detect.Detection{det(0, 0), det(30, 0)})

	// Pair distances: (1,d0)=28 (1,d1)=5 (2,d0)=2 (2,d1)=25. The globally
	// shortest pair (2,d0) is taken first regardless of track order.
	got := a.Match(s, []detect.Detection{det(28, 0), det(5, 0)})
	want := []Match{
		{Track: 2, Detection: 0, Distance: 2},
		{Track: 1, Detection: 1, Distance: 5},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Match() mismatch (-want +got):\n%s", diff)
	}
}

func TestMatchIsOneToOne(t *testing.T) {
	t.Parallel()
	s := NewStore(8)
	a := newAssoc(t, 1000, 3)
	a.Step(s, 0, 0, []detect.Detection{det(0, 0), det(10, 0), det(20, 0)})

	// Everything is within the gate of everything.
	matches := a.Match(s, []detect.Detection{det(1, 0), det(2, 0), det(3, 0), det(4, 0), det(500, 0)})
	require.Len(t, matches, 3)
	tracks := map[TrackID]bool{}
	dets := map[int]bool{}
	for _, m := range matches {
		assert.False(t, tracks[m.Track], "track %d matched twice", m.Track)
		assert.False(t, dets[m.Detection], "detection %d matched twice", m.Detection)
		tracks[m.Track] = true
		dets[m.Detection] = true
	}
}

func TestGateEnforcement(t *testing.T) {
	t.Parallel()
	s := NewStore(8)
	a := newAssoc(t, 25, 3)
	a.Step(s, 0, 0, []detect.Detection{det(100, 100)})

	got := a.Step(s, 1, ts(1), []detect.Detection{det(126, 100)})
	assert.Empty(t, got.Matches)
	assert.Equal(t, []TrackID{2}, got.Spawned)
	assert.Equal(t, []TrackID{1}, got.Missed)
}

func TestGateIsInclusive(t *testing.T) {
	t.Parallel()
	s := NewStore(8)
	a := newAssoc(t, 25, 3)
	a.Step(s, 0, 0, []detect.Detection{det(100, 100)})

	got := a.Step(s, 1, ts(1), []detect.Detection{det(125, 100)})
	require.Len(t, got.Matches, 1)
	assert.Equal(t, TrackID(1), got.Matches[0].Track)
	assert.Empty(t, got.Spawned)
}

func TestTieBreakPrefersLowerTrackThenDetection(t *testing.T) {
	t.Parallel()
	s := NewStore(8)
	a := newAssoc(t, 100, 3)
	// Tracks 1 and 2 at x=40 and x=60, detections both at x=50.
	a.Step(s, 0, 0, []detect.Detection{det(40, 0), det(60, 0)})

	got := a.Match(s, []detect.Detection{det(50, 0), det(50, 0)})
	want := []Match{
		{Track: 1, Detection: 0, Distance: 10},
		{Track: 2, Detection: 1, Distance: 10},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Match() mismatch (-want +got):\n%s", diff)
	}
}

func TestMissRunRetiresAtTolerance(t *testing.T) {
	t.Parallel()
	const maxMisses = 3
	s := NewStore(8)
	a := newAssoc(t, 50, maxMisses)

	// Vehicle moving 10 px/frame.
	a.Step(s, 0, 0, []detect.Detection{det(0, 0)})
	a.Step(s, 1, ts(1), []detect.Detection{det(10, 0)})

	var retired []*Track
	for f := 2; f < 2+maxMisses; f++ {
		out := a.Step(s, f, ts(f), nil)
		retired = append(retired, out.Retired...)
		if f < 1+maxMisses {
			assert.Empty(t, out.Retired, "frame %d", f)
			assert.Equal(t, []TrackID{1}, out.Missed)
		}
	}
	require.Len(t, retired, 1)
	assert.Equal(t, TrackID(1), retired[0].ID)
	assert.Equal(t, maxMisses, retired[0].Misses)
	assert.Equal(t, 0, s.Len())

	// Reappears right where extrapolation predicts: new identity.
	f := 2 + maxMisses
	out := a.Step(s, f, ts(f), []detect.Detection{det(float64(f*10), 0)})
	assert.Equal(t, []TrackID{2}, out.Spawned)
}

func TestMissRunBelowToleranceKeepsIdentity(t *testing.T) {
	t.Parallel()
	s := NewStore(8)
	a := newAssoc(t, 50, 3)

	a.Step(s, 0, 0, []detect.Detection{det(0, 0)})
	a.Step(s, 1, ts(1), nil)
	a.Step(s, 2, ts(2), nil)
	out := a.Step(s, 3, ts(3), []detect.Detection{det(30, 0)})
	require.Len(t, out.Matches, 1)
	assert.Equal(t, TrackID(1), out.Matches[0].Track)
	tr, _ := s.Get(1)
	assert.Equal(t, 0, tr.Misses)
}

func TestCrossingPathsKeepIdentity(t *testing.T) {
	t.Parallel()
	s := NewStore(16)
	a := newAssoc(t, 20, 3)

	// A travels (0,0) -> (100,100), B travels (100,0) -> (0,100), 10 px per
	// axis per frame. They coincide at (50,50) on frame 5. The detector
	// reports A first every frame.
	posA := func(f int) (float64, float64) { return float64(10 * f), float64(10 * f) }
	posB := func(f int) (float64, float64) { return float64(100 - 10*f), float64(10 * f) }

	for f := 0; f <= 10; f++ {
		ax, ay := posA(f)
		bx, by := posB(f)
		out := a.Step(s, f, ts(f), []detect.Detection{det(ax, ay), det(bx, by)})
		if f == 0 {
			require.Equal(t, []TrackID{1, 2}, out.Spawned)
			continue
		}
		require.Empty(t, out.Spawned, "frame %d spawned a track", f)
		assert.Equal(t, detect.Point{X: ax, Y: ay}, lastCentroid(t, s, 1), "frame %d: track 1 left vehicle A", f)
		assert.Equal(t, detect.Point{X: bx, Y: by}, lastCentroid(t, s, 2), "frame %d: track 2 left vehicle B", f)
	}
}

func TestInvariantCheckRejectsDoubleMatch(t *testing.T) {
	t.Parallel()

	requireViolation(t, "associate", func() {
		checkOneToOne([]Match{{Track: 1, Detection: 0}, {Track: 1, Detection: 1}}, 2)
	})
	requireViolation(t, "associate", func() {
		checkOneToOne([]Match{{Track: 1, Detection: 0}, {Track: 2, Detection: 0}}, 2)
	})
	requireViolation(t, "associate", func() {
		checkOneToOne([]Match{{Track: 1, Detection: 5}}, 2)
	})
}

func TestUniquenessOverLongRun(t *testing.T) {
	t.Parallel()
	s := NewStore(4)
	a := newAssoc(t, 15, 2)

	seen := map[TrackID]bool{}
	// A stream of vehicles entering every 7 frames and leaving the frame
	// after 20 frames.
	for f := 0; f < 200; f++ {
		var dets []detect.Detection
		for v := 0; v*7 <= f; v++ {
			age := f - v*7
			if age < 20 {
				dets = append(dets, det(float64(age*10), float64(v*40)))
			}
		}
		out := a.Step(s, f, ts(f), dets)
		for _, id := range out.Spawned {
			assert.False(t, seen[id], "ID %d issued twice", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, 29)
}
