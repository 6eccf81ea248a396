// Package db persists analysis output to sqlite: one row per analysis run,
// the learned spot list, periodic occupancy samples and speeding events. The
// core pipeline never imports this package; it is wired in as a sink.
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/urbanflow/internal/vision"
)

// DB wraps the sqlite handle with analysis-specific recording and reporting.
type DB struct {
	*sql.DB
}

// NewDB opens (creating if needed) the sqlite database at path. Schema is
// managed by migrations; call MigrateUp before first use.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// sqlite handles one writer; the frame loop and sampler share it.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(`PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set sqlite pragmas: %w", err)
	}

	return &DB{sqlDB}, nil
}

// Run describes one analysis process run.
type Run struct {
	RunID          string    `json:"run_id"`
	StartedAt      time.Time `json:"started_at"`
	Source         string    `json:"source"`
	PixelsPerMeter float64   `json:"pixels_per_meter"`
	FrameRate      float64   `json:"frame_rate"`
	SpeedLimitKmh  float64   `json:"speed_limit_kmh"`
}

// StartRun records the start of an analysis run and returns its ID.
func (db *DB) StartRun(source string, speed vision.SpeedConfig, startedAt time.Time) (string, error) {
	runID := uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO analysis_runs (run_id, started_at, source, pixels_per_meter, frame_rate, speed_limit_kmh)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, startedAt.UTC(), source, speed.PixelsPerMeter, speed.FrameRate, speed.SpeedLimitKmh)
	if err != nil {
		return "", fmt.Errorf("record analysis run: %w", err)
	}
	return runID, nil
}

// SaveSpots persists the learned spot list for a run in one transaction.
func (db *DB) SaveSpots(runID string, spots []vision.ParkingSpot, strategy string, learnedAt time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin spot transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO parking_spots (run_id, spot_id, center_x, center_y, width, height, inferred, strategy, learned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare spot insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range spots {
		if _, err := stmt.Exec(runID, s.ID, s.Center.X, s.Center.Y, s.Width, s.Height, s.Inferred, strategy, learnedAt.UTC()); err != nil {
			return fmt.Errorf("insert spot %d: %w", s.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit spots: %w", err)
	}
	return nil
}

// ListSpots returns the persisted spots for a run, ordered by spot ID.
func (db *DB) ListSpots(runID string) ([]vision.ParkingSpot, error) {
	rows, err := db.Query(`
		SELECT spot_id, center_x, center_y, width, height, inferred
		FROM parking_spots WHERE run_id = ? ORDER BY spot_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query spots: %w", err)
	}
	defer rows.Close()

	var spots []vision.ParkingSpot
	for rows.Next() {
		var s vision.ParkingSpot
		if err := rows.Scan(&s.ID, &s.Center.X, &s.Center.Y, &s.Width, &s.Height, &s.Inferred); err != nil {
			return nil, fmt.Errorf("scan spot: %w", err)
		}
		s.BBox = vision.BBoxAround(s.Center, s.Width, s.Height)
		spots = append(spots, s)
	}
	return spots, rows.Err()
}

// OccupancySample is one periodic occupancy measurement.
type OccupancySample struct {
	RunID      string    `json:"run_id"`
	SampledAt  time.Time `json:"sampled_at"`
	Total      int       `json:"total_spots"`
	Occupied   int       `json:"occupied_spots"`
	Available  int       `json:"available_spots"`
	Percent    float64   `json:"occupancy_pct"`
	FrameCount int64     `json:"frame_count"`
}

// RecordOccupancySample appends one occupancy measurement.
func (db *DB) RecordOccupancySample(runID string, summary vision.OccupancySummary, frameCount int64, at time.Time) error {
	_, err := db.Exec(`
		INSERT INTO occupancy_samples (run_id, sampled_at, total_spots, occupied_spots, available_spots, occupancy_pct, frame_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, at.UTC(), summary.TotalSpots, summary.OccupiedSpots, summary.AvailableSpots, summary.OccupancyPct, frameCount)
	if err != nil {
		return fmt.Errorf("record occupancy sample: %w", err)
	}
	return nil
}

// OccupancyHistory returns up to limit samples for a run, oldest first.
func (db *DB) OccupancyHistory(runID string, limit int) ([]OccupancySample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.Query(`
		SELECT run_id, sampled_at, total_spots, occupied_spots, available_spots, occupancy_pct, frame_count
		FROM occupancy_samples WHERE run_id = ? ORDER BY sampled_at LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query occupancy history: %w", err)
	}
	defer rows.Close()

	var samples []OccupancySample
	for rows.Next() {
		var s OccupancySample
		if err := rows.Scan(&s.RunID, &s.SampledAt, &s.Total, &s.Occupied, &s.Available, &s.Percent, &s.FrameCount); err != nil {
			return nil, fmt.Errorf("scan occupancy sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// SpeedingEvent is the per-track record of a speed-limit violation. One row
// per (run, track); repeated observations raise the peak.
type SpeedingEvent struct {
	RunID        string    `json:"run_id"`
	TrackID      int64     `json:"track_id"`
	PeakSpeedKmh float64   `json:"peak_speed_kmh"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// RecordSpeeding upserts a speeding observation for a track.
func (db *DB) RecordSpeeding(runID string, est vision.SpeedEstimate, at time.Time) error {
	_, err := db.Exec(`
		INSERT INTO speeding_events (run_id, track_id, peak_speed_kmh, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, track_id) DO UPDATE SET
			peak_speed_kmh = MAX(peak_speed_kmh, excluded.peak_speed_kmh),
			last_seen = excluded.last_seen`,
		runID, est.TrackID, est.AvgSpeedKmh, at.UTC(), at.UTC())
	if err != nil {
		return fmt.Errorf("record speeding event: %w", err)
	}
	return nil
}

// SpeedingEvents returns the violations recorded for a run, fastest first.
func (db *DB) SpeedingEvents(runID string) ([]SpeedingEvent, error) {
	rows, err := db.Query(`
		SELECT run_id, track_id, peak_speed_kmh, first_seen, last_seen
		FROM speeding_events WHERE run_id = ? ORDER BY peak_speed_kmh DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query speeding events: %w", err)
	}
	defer rows.Close()

	var events []SpeedingEvent
	for rows.Next() {
		var e SpeedingEvent
		if err := rows.Scan(&e.RunID, &e.TrackID, &e.PeakSpeedKmh, &e.FirstSeen, &e.LastSeen); err != nil {
			return nil, fmt.Errorf("scan speeding event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
