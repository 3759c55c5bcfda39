package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"ev-demand-analytics-engine/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// EventTypeUniqueDetection marks the first sighting of a tracked vehicle
const EventTypeUniqueDetection = "unique_detection"

// DetectionEvent is one persisted per-vehicle record produced by the video pipeline
type DetectionEvent struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"video_source"`
	ObjectID   int       `json:"object_id"`
	ClassName  string    `json:"class_name"`
	Confidence float64   `json:"confidence"`
	EventType  string    `json:"event_type"`
}

// ForecastRecord is one persisted model output for one future hour
type ForecastRecord struct {
	RunID          string    `json:"run_id"`
	Timestamp      time.Time `json:"timestamp"`
	ModelType      string    `json:"model_type"`
	PredictedValue float64   `json:"predicted_value"`
	LowerBound     *float64  `json:"lower_bound,omitempty"`
	UpperBound     *float64  `json:"upper_bound,omitempty"`
}

// DB is the durable sqlite store for events, detections and forecast runs
type DB struct {
	*sql.DB
	logger logrus.FieldLogger
}

// OpenDB opens (or creates) the sqlite database at path and applies migrations
func OpenDB(path string, logger logrus.FieldLogger) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// sqlite allows a single writer
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	db := &DB{DB: sqlDB, logger: logging.OrDefault(logger)}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

// MigrateUp runs all pending embedded migrations
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version and dirty state
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// newMigrate builds a migrate instance over the embedded migrations. The
// instance is not closed since that would close the shared connection.
func (db *DB) newMigrate() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: db.logger}

	return m, nil
}

type migrateLogger struct {
	logger logrus.FieldLogger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.WithField("component", "migrate").Debugf(format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// InsertEvents upserts events keyed by (timestamp, station_id)
func (db *DB) InsertEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ev_events (timestamp, station_id, vehicle_count, session_count, occupancy_rate, queue_length)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (timestamp, station_id) DO UPDATE SET
			vehicle_count = excluded.vehicle_count,
			session_count = excluded.session_count,
			occupancy_rate = excluded.occupancy_rate,
			queue_length = excluded.queue_length
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.Timestamp.UnixNano(), e.StationID,
			e.VehicleCount, e.SessionCount, e.OccupancyRate, e.QueueLength); err != nil {
			return fmt.Errorf("failed to insert event for %s: %w", e.StationID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	return nil
}

// LoadEvents returns all events at or after since, ordered by timestamp then station
func (db *DB) LoadEvents(ctx context.Context, since time.Time) ([]Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT timestamp, station_id, vehicle_count, session_count, occupancy_rate, queue_length
		FROM ev_events
		WHERE timestamp >= ?
		ORDER BY timestamp, station_id
	`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&ts, &e.StationID, &e.VehicleCount, &e.SessionCount, &e.OccupancyRate, &e.QueueLength); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteEventsBefore removes events older than cutoff
func (db *DB) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM ev_events WHERE timestamp < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	return res.RowsAffected()
}

// SaveDetection persists one unique vehicle detection
func (db *DB) SaveDetection(ctx context.Context, d DetectionEvent) (int64, error) {
	if d.EventType == "" {
		d.EventType = EventTypeUniqueDetection
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO vehicle_events (timestamp, video_source, object_id, class_name, confidence, event_type)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.Timestamp.UnixNano(), d.Source, d.ObjectID, d.ClassName, d.Confidence, d.EventType)
	if err != nil {
		return 0, fmt.Errorf("failed to save detection: %w", err)
	}
	return res.LastInsertId()
}

// ListDetections returns a page of detections (newest first) and the total
// count. An empty source lists every video.
func (db *DB) ListDetections(ctx context.Context, source string, limit, offset int) ([]DetectionEvent, int, error) {
	var total int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM vehicle_events WHERE (? = '' OR video_source = ?)
	`, source, source).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count detections: %w", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, timestamp, video_source, object_id, class_name, confidence, event_type
		FROM vehicle_events
		WHERE (? = '' OR video_source = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, source, source, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var out []DetectionEvent
	for rows.Next() {
		var d DetectionEvent
		var ts int64
		if err := rows.Scan(&d.ID, &ts, &d.Source, &d.ObjectID, &d.ClassName, &d.Confidence, &d.EventType); err != nil {
			return nil, 0, fmt.Errorf("failed to scan detection: %w", err)
		}
		d.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// DetectionSummary returns per-video, per-class detection counts
func (db *DB) DetectionSummary(ctx context.Context) (map[string]map[string]int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT video_source, class_name, COUNT(*)
		FROM vehicle_events
		GROUP BY video_source, class_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise detections: %w", err)
	}
	defer rows.Close()

	summary := make(map[string]map[string]int)
	for rows.Next() {
		var source, class string
		var count int
		if err := rows.Scan(&source, &class, &count); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		if summary[source] == nil {
			summary[source] = make(map[string]int)
		}
		summary[source][class] = count
	}
	return summary, rows.Err()
}

// DeleteDetections removes detections of one video, or all when source is empty
func (db *DB) DeleteDetections(ctx context.Context, source string) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM vehicle_events WHERE (? = '' OR video_source = ?)`, source, source)
	if err != nil {
		return 0, fmt.Errorf("failed to delete detections: %w", err)
	}
	return res.RowsAffected()
}

// SaveForecastRun persists every record of one forecast run in a transaction
func (db *DB) SaveForecastRun(ctx context.Context, records []ForecastRecord) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for _, r := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO model_predictions (run_id, created_at, timestamp, model_type, predicted_value, lower_bound, upper_bound)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.RunID, now, r.Timestamp.UnixNano(), r.ModelType, r.PredictedValue,
			nullFloat(r.LowerBound), nullFloat(r.UpperBound)); err != nil {
			return fmt.Errorf("failed to insert forecast record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit forecast run: %w", err)
	}
	return nil
}

// LoadForecastRun returns the records of one run ordered by model and timestamp
func (db *DB) LoadForecastRun(ctx context.Context, runID string) ([]ForecastRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, timestamp, model_type, predicted_value, lower_bound, upper_bound
		FROM model_predictions
		WHERE run_id = ?
		ORDER BY model_type, timestamp
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query forecast run: %w", err)
	}
	defer rows.Close()

	var out []ForecastRecord
	for rows.Next() {
		var r ForecastRecord
		var ts int64
		var lower, upper sql.NullFloat64
		if err := rows.Scan(&r.RunID, &ts, &r.ModelType, &r.PredictedValue, &lower, &upper); err != nil {
			return nil, fmt.Errorf("failed to scan forecast record: %w", err)
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		if lower.Valid {
			r.LowerBound = &lower.Float64
		}
		if upper.Valid {
			r.UpperBound = &upper.Float64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
