package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func box(x, y, w, h int) Box { return Box{X: x, Y: y, W: w, H: h} }

func TestNewDetectionBecomesTentativeThenConfirmsAfterKFrames(t *testing.T) {
	tr := NewTracker("driveway", Config{ConfirmFrames: 3})
	now := time.Now()

	res := tr.Update([]Detection{{Label: "person", Box: box(10, 10, 20, 20), Score: 0.6}}, now)
	assert.Empty(t, res.Confirmed)
	require.Len(t, tr.Objects(), 1)
	assert.Equal(t, StateTentative, tr.Objects()[0].State)

	now = now.Add(100 * time.Millisecond)
	tr.Update([]Detection{{Label: "person", Box: box(11, 10, 20, 20), Score: 0.6}}, now)

	now = now.Add(100 * time.Millisecond)
	res = tr.Update([]Detection{{Label: "person", Box: box(12, 10, 20, 20), Score: 0.6}}, now)
	require.Len(t, res.Confirmed, 1)
	assert.Equal(t, StateConfirmed, res.Confirmed[0].State)
}

func TestHighConfidenceDetectionConfirmsImmediately(t *testing.T) {
	tr := NewTracker("driveway", Config{ConfirmFrames: 3, HighConfidence: 0.9})
	res := tr.Update([]Detection{{Label: "car", Box: box(0, 0, 50, 50), Score: 0.95}}, time.Now())
	require.Len(t, res.Confirmed, 1)
}

func TestTrackTerminatesAfterMaxDisappearedMisses(t *testing.T) {
	tr := NewTracker("driveway", Config{ConfirmFrames: 1, MaxDisappeared: 2})
	now := time.Now()

	tr.Update([]Detection{{Label: "person", Box: box(0, 0, 20, 20), Score: 0.9}}, now)
	require.Len(t, tr.Objects(), 1)

	now = now.Add(time.Second)
	tr.Update(nil, now)
	require.Len(t, tr.Objects(), 1, "should survive first miss")

	now = now.Add(time.Second)
	res := tr.Update(nil, now)
	assert.Len(t, tr.Objects(), 0)
	require.Len(t, res.Ended, 1)
}

func TestLowIoUDoesNotAssociateDifferentObjects(t *testing.T) {
	tr := NewTracker("driveway", Config{ConfirmFrames: 1})
	now := time.Now()
	tr.Update([]Detection{{Label: "person", Box: box(0, 0, 10, 10), Score: 0.9}}, now)

	now = now.Add(time.Second)
	tr.Update([]Detection{{Label: "person", Box: box(500, 500, 10, 10), Score: 0.9}}, now)

	assert.Len(t, tr.Objects(), 2, "far-apart detections should start a second track, not merge")
}

func TestBestSnapshotKeepsHighestScoringSample(t *testing.T) {
	tr := NewTracker("driveway", Config{ConfirmFrames: 1})
	now := time.Now()
	tr.Update([]Detection{{Label: "person", Box: box(0, 0, 20, 20), Score: 0.5}}, now)
	obj := tr.Objects()[0]
	require.NotNil(t, obj.BestSnapshot)
	assert.Equal(t, float32(0.5), obj.BestSnapshot.Score)

	now = now.Add(time.Second)
	tr.Update([]Detection{{Label: "person", Box: box(1, 0, 20, 20), Score: 0.3}}, now)
	assert.Equal(t, float32(0.5), tr.Objects()[0].BestSnapshot.Score, "lower-scoring later sample must not replace the best")

	now = now.Add(time.Second)
	tr.Update([]Detection{{Label: "person", Box: box(2, 0, 20, 20), Score: 0.9}}, now)
	assert.Equal(t, float32(0.9), tr.Objects()[0].BestSnapshot.Score)
}

func TestStationarityMarksAfterDurationWithinThreshold(t *testing.T) {
	tr := NewTracker("driveway", Config{ConfirmFrames: 1, StationaryPx: 5, StationaryDuration: 2 * time.Second})
	now := time.Now()

	tr.Update([]Detection{{Label: "car", Box: box(100, 100, 40, 40), Score: 0.9}}, now)
	assert.False(t, tr.Objects()[0].Stationary)

	now = now.Add(3 * time.Second)
	tr.Update([]Detection{{Label: "car", Box: box(101, 100, 40, 40), Score: 0.9}}, now)
	assert.True(t, tr.Objects()[0].Stationary)
}

func TestStaticMaskDropsDetectionsBeforeAssociation(t *testing.T) {
	tr := NewTracker("driveway", Config{
		ConfirmFrames: 1,
		StaticMask:    func(b Box) bool { return b.X < 50 },
	})
	tr.Update([]Detection{{Label: "person", Box: box(10, 10, 20, 20), Score: 0.9}}, time.Now())
	assert.Empty(t, tr.Objects())
}

func TestMinAreaDropsSmallDetections(t *testing.T) {
	tr := NewTracker("driveway", Config{
		ConfirmFrames: 1,
		MinArea:       map[string]int{"person": 1000},
	})
	tr.Update([]Detection{{Label: "person", Box: box(0, 0, 10, 10), Score: 0.9}}, time.Now())
	assert.Empty(t, tr.Objects())
}
