// Package opstore is the core pipeline's own small sqlite-backed cache for
// operational bookkeeping the pipeline needs to survive a restart: events
// left open by a prior crash, fps counter snapshots, and segment coverage/
// retention state. This is distinct from the external relational store that
// owns the durable events/recordings/reviews schema (spec.md §1 places that
// outside the core). Migration wiring follows internal/db/migrate.go's
// golang-migrate + iofs + sqlite driver composition exactly; sql.Open
// follows internal/db/db.go's `sql.Open("sqlite", path)` call.
package opstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the operational sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite file at path and applies
// all pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opstore: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("opstore: iofs source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("opstore: sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("opstore: migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("opstore: migrate up: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) { log.Printf("[opstore migrate] "+format, v...) }
func (migrateLogger) Verbose() bool                          { return false }

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// OpenEventRecord mirrors event.Event's on-disk shape for backfill purposes.
type OpenEventRecord struct {
	ID                 string
	Camera             string
	Label              string
	StartUnixMillis    int64
	EndUnixMillis      sql.NullInt64
	RetainIndefinitely bool
}

// UpsertOpenEvent records (or updates) an in-progress event so it can be
// recovered on restart if the process crashes before it ends.
func (s *Store) UpsertOpenEvent(r OpenEventRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO open_events (id, camera, label, start_time, end_time, retain_indefinitely)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET end_time = excluded.end_time, retain_indefinitely = excluded.retain_indefinitely
	`, r.ID, r.Camera, r.Label, r.StartUnixMillis, r.EndUnixMillis, boolToInt(r.RetainIndefinitely))
	return err
}

// CloseEvent sets end_time on a previously-recorded open event.
func (s *Store) CloseEvent(id string, endUnixMillis int64) error {
	_, err := s.db.Exec(`UPDATE open_events SET end_time = ? WHERE id = ?`, endUnixMillis, id)
	return err
}

// OpenEventsWithoutEndTime returns every event left without an end_time,
// for the startup backfill sweep.
func (s *Store) OpenEventsWithoutEndTime() ([]OpenEventRecord, error) {
	rows, err := s.db.Query(`SELECT id, camera, label, start_time, end_time, retain_indefinitely FROM open_events WHERE end_time IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OpenEventRecord
	for rows.Next() {
		var r OpenEventRecord
		var retain int
		if err := rows.Scan(&r.ID, &r.Camera, &r.Label, &r.StartUnixMillis, &r.EndUnixMillis, &retain); err != nil {
			return nil, err
		}
		r.RetainIndefinitely = retain != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordFPSSnapshot persists one watchdog tick's fps counters for a camera.
func (s *Store) RecordFPSSnapshot(camera string, takenUnixMillis int64, cameraFPS, skippedFPS, processFPS, detectionFPS float64) error {
	_, err := s.db.Exec(`
		INSERT INTO fps_snapshots (camera, taken_unix_millis, camera_fps, skipped_fps, process_fps, detection_fps)
		VALUES (?, ?, ?, ?, ?, ?)
	`, camera, takenUnixMillis, cameraFPS, skippedFPS, processFPS, detectionFPS)
	return err
}

// SegmentCoverageRecord mirrors record.Segment's classification/retention
// state for persistence across restarts.
type SegmentCoverageRecord struct {
	Path           string
	Camera         string
	Start, End     time.Time
	Classification string
	RetainUntil    sql.NullTime
}

// UpsertSegmentCoverage records a segment's classification and retention
// deadline.
func (s *Store) UpsertSegmentCoverage(r SegmentCoverageRecord) error {
	var retainUntil sql.NullInt64
	if r.RetainUntil.Valid {
		retainUntil = sql.NullInt64{Int64: r.RetainUntil.Time.UnixMilli(), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO segment_coverage (path, camera, start_time, end_time, classification, retain_until)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET classification = excluded.classification, retain_until = excluded.retain_until
	`, r.Path, r.Camera, r.Start.UnixMilli(), r.End.UnixMilli(), r.Classification, retainUntil)
	return err
}

// ExpiredSegments returns every tracked segment whose retain_until has
// passed asOf, for the reaper to delete.
func (s *Store) ExpiredSegments(asOf time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT path FROM segment_coverage WHERE retain_until IS NOT NULL AND retain_until < ?`, asOf.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// DeleteSegmentCoverage removes a segment's tracking row once it has been
// deleted from disk.
func (s *Store) DeleteSegmentCoverage(path string) error {
	_, err := s.db.Exec(`DELETE FROM segment_coverage WHERE path = ?`, path)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
