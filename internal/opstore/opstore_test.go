package opstore

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nvr.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := openTestStore(t)
	_, err := s.OpenEventsWithoutEndTime()
	require.NoError(t, err)
}

func TestOpenEventsWithoutEndTimeReturnsOnlyUnclosedEvents(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertOpenEvent(OpenEventRecord{ID: "a", Camera: "driveway", Label: "person", StartUnixMillis: 1}))
	require.NoError(t, s.UpsertOpenEvent(OpenEventRecord{ID: "b", Camera: "driveway", Label: "car", StartUnixMillis: 2, EndUnixMillis: sql.NullInt64{Int64: 10, Valid: true}}))

	open, err := s.OpenEventsWithoutEndTime()
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "a", open[0].ID)
}

func TestCloseEventRemovesItFromOpenSet(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertOpenEvent(OpenEventRecord{ID: "a", Camera: "driveway", Label: "person", StartUnixMillis: 1}))
	require.NoError(t, s.CloseEvent("a", 99))

	open, err := s.OpenEventsWithoutEndTime()
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestSegmentCoverageRoundTripAndExpiry(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	require.NoError(t, s.UpsertSegmentCoverage(SegmentCoverageRecord{
		Path: "seg1.mp4", Camera: "driveway", Start: now, End: now.Add(10 * time.Second),
		Classification: "motion", RetainUntil: sql.NullTime{Time: now.Add(-time.Hour), Valid: true},
	}))
	require.NoError(t, s.UpsertSegmentCoverage(SegmentCoverageRecord{
		Path: "seg2.mp4", Camera: "driveway", Start: now, End: now.Add(10 * time.Second),
		Classification: "idle", RetainUntil: sql.NullTime{Time: now.Add(time.Hour), Valid: true},
	}))

	expired, err := s.ExpiredSegments(now)
	require.NoError(t, err)
	require.Equal(t, []string{"seg1.mp4"}, expired)

	require.NoError(t, s.DeleteSegmentCoverage("seg1.mp4"))
	expired, err = s.ExpiredSegments(now)
	require.NoError(t, err)
	require.Empty(t, expired)
}

func TestRecordFPSSnapshotDoesNotError(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RecordFPSSnapshot("driveway", time.Now().UnixMilli(), 5, 0.1, 4.9, 1.2))
}
