package zone

import (
	"testing"
	"time"

	"github.com/banshee-data/velocity-nvr/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square(x0, y0, x1, y1 float64) config.ZoneConfig {
	return config.ZoneConfig{
		Coordinates: [][2]float64{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}},
	}
}

func TestPolygonContainsInsideAndOutsidePoints(t *testing.T) {
	p := Polygon{Points: [][2]float64{{0, 0}, {10, 0}, {10, 10}, {0, 10}}}
	assert.True(t, p.Contains(5, 5))
	assert.False(t, p.Contains(15, 5))
	assert.False(t, p.Contains(-1, 5))
}

func TestEntryRequiresInertiaConsecutiveFrames(t *testing.T) {
	z := NewZone("driveway", config.ZoneConfig{Coordinates: square(0, 0, 10, 10).Coordinates, Inertia: 3})
	tr := NewTracker(z)
	now := time.Now()

	s1 := tr.Update("obj1", 5, 5, "person", now)
	assert.False(t, s1.Entered)
	s2 := tr.Update("obj1", 5, 5, "person", now.Add(time.Second))
	assert.False(t, s2.Entered)
	s3 := tr.Update("obj1", 5, 5, "person", now.Add(2*time.Second))
	assert.True(t, s3.Entered)
	assert.True(t, s3.Active)
}

func TestExitRequiresInertiaConsecutiveFramesOutside(t *testing.T) {
	z := NewZone("driveway", config.ZoneConfig{Coordinates: square(0, 0, 10, 10).Coordinates, Inertia: 2})
	tr := NewTracker(z)
	now := time.Now()

	tr.Update("obj1", 5, 5, "person", now)
	s := tr.Update("obj1", 5, 5, "person", now.Add(time.Second))
	require.True(t, s.Entered)

	s = tr.Update("obj1", 50, 50, "person", now.Add(2*time.Second))
	assert.False(t, s.Exited)
	assert.True(t, s.Active)

	s = tr.Update("obj1", 50, 50, "person", now.Add(3*time.Second))
	assert.True(t, s.Exited)
	assert.False(t, s.Active)
}

func TestLabelFilterExcludesDisallowedLabels(t *testing.T) {
	cfg := square(0, 0, 10, 10)
	cfg.Inertia = 1
	cfg.Labels = []string{"car"}
	z := NewZone("driveway", cfg)
	tr := NewTracker(z)

	s := tr.Update("obj1", 5, 5, "person", time.Now())
	assert.False(t, s.Entered)
	assert.False(t, s.Active)
}

func TestLoiteringFlagsAfterDuration(t *testing.T) {
	cfg := square(0, 0, 10, 10)
	cfg.Inertia = 1
	cfg.LoiteringSeconds = 5
	z := NewZone("porch", cfg)
	tr := NewTracker(z)

	now := time.Now()
	s := tr.Update("obj1", 5, 5, "person", now)
	require.True(t, s.Entered)
	assert.False(t, s.Loitering)

	s = tr.Update("obj1", 5, 5, "person", now.Add(6*time.Second))
	assert.True(t, s.Loitering)
}

func TestForgetClearsMembership(t *testing.T) {
	cfg := square(0, 0, 10, 10)
	cfg.Inertia = 1
	z := NewZone("driveway", cfg)
	tr := NewTracker(z)

	tr.Update("obj1", 5, 5, "person", time.Now())
	tr.Forget("obj1")

	assert.Empty(t, tr.members)
}
