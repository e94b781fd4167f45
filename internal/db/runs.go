package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/speedcam/internal/pipeline"
	"github.com/banshee-data/speedcam/internal/speed"
	"github.com/banshee-data/speedcam/internal/tracking"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("run not found")

// Run is a stored pipeline run.
type Run struct {
	ID                string        `json:"run_id"`
	Source            string        `json:"source"`
	Status            string        `json:"status"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        *time.Time    `json:"finished_at,omitempty"`
	MetresPerPixel    float64       `json:"metres_per_pixel"`
	FrameInterval     time.Duration `json:"frame_interval_ns"`
	SpeedLimitMps     float64       `json:"speed_limit_mps"`
	SpeedToleranceMps float64       `json:"speed_tolerance_mps"`
	Params            string        `json:"params"`
	Frames            int           `json:"frames"`
	Warnings          int           `json:"warnings"`
}

// FrameWarning is a stored adapter warning.
type FrameWarning struct {
	Frame   int    `json:"frame"`
	Message string `json:"message"`
}

// TrackObservation is one stored track-frame.
type TrackObservation struct {
	Frame     int        `json:"frame"`
	BBox      [4]float64 `json:"bbox"`
	SpeedMps  *float64   `json:"speed_mps"`
	Overspeed bool       `json:"overspeed"`
}

const runColumns = `run_id, source, status, started_unix_nanos, finished_unix_nanos,
	metres_per_pixel, frame_interval_ns, speed_limit_mps, speed_tolerance_mps, params_json, frames, warnings`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*Run, error) {
	var (
		run      Run
		started  int64
		finished sql.NullInt64
		interval int64
	)
	if err := s.Scan(&run.ID, &run.Source, &run.Status, &started, &finished,
		&run.MetresPerPixel, &interval, &run.SpeedLimitMps, &run.SpeedToleranceMps, &run.Params, &run.Frames, &run.Warnings); err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		run.FinishedAt = &t
	}
	run.FrameInterval = time.Duration(interval)
	return &run, nil
}

// ListRuns returns all runs, newest first.
func (db *DB) ListRuns() ([]Run, error) {
	rows, err := db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY started_unix_nanos DESC, run_id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRun returns one run or ErrRunNotFound.
func (db *DB) GetRun(id string) (*Run, error) {
	r, err := scanRun(db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

const trackColumns = `track_id, class, first_frame, last_frame, duration_ns,
	observations, max_speed_mps, ever_flagged, category`

// RunTracks returns every track summary of a run in track ID order.
func (db *DB) RunTracks(runID string) ([]pipeline.TrackSummary, error) {
	return db.queryTracks(`SELECT `+trackColumns+` FROM tracks WHERE run_id = ? ORDER BY track_id`, runID)
}

// OverspeedTracks returns the tracks of a run that were flagged, fastest
// first.
func (db *DB) OverspeedTracks(runID string) ([]pipeline.TrackSummary, error) {
	return db.queryTracks(`SELECT `+trackColumns+` FROM tracks
		WHERE run_id = ? AND category = ?
		ORDER BY max_speed_mps DESC, track_id`, runID, string(speed.CategoryOverspeed))
}

func (db *DB) queryTracks(query string, args ...any) ([]pipeline.TrackSummary, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tracks: %w", err)
	}
	defer rows.Close()

	var out []pipeline.TrackSummary
	for rows.Next() {
		var (
			s        pipeline.TrackSummary
			id       int64
			duration int64
			maxSpeed sql.NullFloat64
			category string
		)
		if err := rows.Scan(&id, &s.Class, &s.FirstFrame, &s.LastFrame, &duration,
			&s.Observations, &maxSpeed, &s.EverFlagged, &category); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		s.ID = tracking.TrackID(id)
		s.Duration = time.Duration(duration)
		if maxSpeed.Valid {
			v := maxSpeed.Float64
			s.MaxSpeed = &v
		}
		s.Category = speed.Category(category)
		out = append(out, s)
	}
	return out, rows.Err()
}

// RunWarnings returns the adapter warnings of a run in frame order.
func (db *DB) RunWarnings(runID string) ([]FrameWarning, error) {
	rows, err := db.Query(`SELECT frame, message FROM frame_warnings WHERE run_id = ? ORDER BY frame`, runID)
	if err != nil {
		return nil, fmt.Errorf("query warnings: %w", err)
	}
	defer rows.Close()

	var out []FrameWarning
	for rows.Next() {
		var w FrameWarning
		if err := rows.Scan(&w.Frame, &w.Message); err != nil {
			return nil, fmt.Errorf("scan warning: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// TrackObservations returns the stored trajectory of one track.
func (db *DB) TrackObservations(runID string, id tracking.TrackID) ([]TrackObservation, error) {
	rows, err := db.Query(`SELECT frame, x_min, y_min, x_max, y_max, speed_mps, overspeed
		FROM track_observations WHERE run_id = ? AND track_id = ? ORDER BY frame`, runID, int64(id))
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var out []TrackObservation
	for rows.Next() {
		var (
			o   TrackObservation
			spd sql.NullFloat64
		)
		if err := rows.Scan(&o.Frame, &o.BBox[0], &o.BBox[1], &o.BBox[2], &o.BBox[3], &spd, &o.Overspeed); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		if spd.Valid {
			v := spd.Float64
			o.SpeedMps = &v
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and, through foreign keys, everything recorded for
// it.
func (db *DB) DeleteRun(runID string) error {
	res, err := db.Exec(`DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}
