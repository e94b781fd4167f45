package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/speedcam/internal/pipeline"
	"github.com/banshee-data/speedcam/internal/timeutil"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusCancelled = "cancelled"
	RunStatusFailed    = "failed"
)

// RunParams describes the inputs of a run.
type RunParams struct {
	Source            string
	MetresPerPixel    float64
	FrameInterval     time.Duration
	SpeedLimitMps     float64
	SpeedToleranceMps float64
	// Tuning is stored verbatim as JSON for later inspection.
	Tuning any
}

// Recorder is a pipeline.Sink that writes one run into the database.
type Recorder struct {
	db      *DB
	clock   timeutil.Clock
	runID   string
	started time.Time
}

// NewRecorder returns a Recorder. A nil clock uses the wall clock.
func NewRecorder(db *DB, clock timeutil.Clock) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{db: db, clock: clock}
}

// RunID returns the ID assigned by Start, or "" before it.
func (r *Recorder) RunID() string { return r.runID }

// Start inserts the run row and returns the new run ID.
func (r *Recorder) Start(p RunParams) (string, error) {
	if r.runID != "" {
		return "", fmt.Errorf("recorder already started run %s", r.runID)
	}
	params := []byte("{}")
	if p.Tuning != nil {
		b, err := json.Marshal(p.Tuning)
		if err != nil {
			return "", fmt.Errorf("marshal run params: %w", err)
		}
		params = b
	}

	id := uuid.New().String()
	started := r.clock.Now()
	_, err := r.db.Exec(`INSERT INTO runs (
			run_id, source, status, started_unix_nanos, metres_per_pixel,
			frame_interval_ns, speed_limit_mps, speed_tolerance_mps, params_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Source, RunStatusRunning, started.UnixNano(), p.MetresPerPixel,
		int64(p.FrameInterval), p.SpeedLimitMps, p.SpeedToleranceMps, string(params),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	r.runID = id
	r.started = started
	logf("started run %s for %s", id, p.Source)
	return id, nil
}

// OnFrame stores the observed tracks and the warning of one frame in a single
// transaction.
func (r *Recorder) OnFrame(res pipeline.FrameResult) error {
	if r.runID == "" {
		return errors.New("recorder not started")
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin frame %d: %w", res.Frame, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO track_observations (
			run_id, track_id, frame, x_min, y_min, x_max, y_max, speed_mps, overspeed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare observation insert: %w", err)
	}
	defer stmt.Close()

	for _, tv := range res.Tracks {
		if tv.Missed {
			continue
		}
		if _, err := stmt.Exec(r.runID, int64(tv.ID), res.Frame,
			tv.BBox.XMin, tv.BBox.YMin, tv.BBox.XMax, tv.BBox.YMax,
			nullFloat(tv.Speed), tv.Overspeed,
		); err != nil {
			return fmt.Errorf("insert observation track %d frame %d: %w", tv.ID, res.Frame, err)
		}
	}

	if res.Warning != "" {
		if _, err := tx.Exec(`INSERT INTO frame_warnings (run_id, frame, message) VALUES (?, ?, ?)`,
			r.runID, res.Frame, res.Warning); err != nil {
			return fmt.Errorf("insert warning frame %d: %w", res.Frame, err)
		}
	}

	if _, err := tx.Exec(`UPDATE runs SET frames = frames + 1, warnings = warnings + ? WHERE run_id = ?`,
		boolInt(res.Warning != ""), r.runID); err != nil {
		return fmt.Errorf("update run counters: %w", err)
	}
	return tx.Commit()
}

// OnRetired stores a track summary.
func (r *Recorder) OnRetired(s pipeline.TrackSummary) error {
	if r.runID == "" {
		return errors.New("recorder not started")
	}
	_, err := r.db.Exec(`INSERT INTO tracks (
			run_id, track_id, class, first_frame, last_frame, duration_ns,
			observations, max_speed_mps, ever_flagged, category
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.runID, int64(s.ID), s.Class, s.FirstFrame, s.LastFrame, int64(s.Duration),
		s.Observations, nullFloat(s.MaxSpeed), s.EverFlagged, string(s.Category),
	)
	if err != nil {
		return fmt.Errorf("insert track %d: %w", s.ID, err)
	}
	return nil
}

// Finish stamps the completion time and final status of the run.
func (r *Recorder) Finish(status string) error {
	if r.runID == "" {
		return errors.New("recorder not started")
	}
	res, err := r.db.Exec(`UPDATE runs SET status = ?, finished_unix_nanos = ? WHERE run_id = ?`,
		status, r.clock.Now().UnixNano(), r.runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", r.runID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("finish run %s: %w", r.runID, ErrRunNotFound)
	}
	logf("run %s %s after %s", r.runID, status, r.clock.Since(r.started).Round(time.Millisecond))
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
