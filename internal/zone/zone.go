// Package zone implements named polygon regions, ray-casting membership
// tests, and the inertia-debounced enter/exit/loitering state machine that
// ObjectTracker consults per tracked object. The debounce (N consecutive
// frames before a crossing counts) is grounded on the tentative/confirmed
// hits-and-misses idiom the teacher uses for track lifecycle, generalized
// here to zone membership instead of track confirmation.
package zone

import (
	"sync"
	"time"

	"github.com/banshee-data/velocity-nvr/internal/config"
)

// Polygon is a closed set of vertices tested with the standard even-odd
// ray-casting rule.
type Polygon struct {
	Points [][2]float64
}

// Contains reports whether (x, y) lies inside the polygon, using a
// horizontal ray cast to the right and counting edge crossings.
func (p Polygon) Contains(x, y float64) bool {
	inside := false
	n := len(p.Points)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := p.Points[i][0], p.Points[i][1]
		xj, yj := p.Points[j][0], p.Points[j][1]
		if (yi > y) != (yj > y) {
			xCross := (xj-xi)*(y-yi)/(yj-yi) + xi
			if x < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

// Zone is one named region with its debounce and loitering tuning.
type Zone struct {
	Name              string
	Polygon           Polygon
	Inertia           int
	LoiteringDuration time.Duration
	labels            map[string]bool
}

// NewZone builds a Zone from its configuration block.
func NewZone(name string, cfg config.ZoneConfig) *Zone {
	pts := make([][2]float64, len(cfg.Coordinates))
	copy(pts, cfg.Coordinates)

	inertia := cfg.Inertia
	if inertia <= 0 {
		inertia = 3
	}

	loiter := cfg.LoiteringSeconds
	var loiterDur time.Duration
	if loiter > 0 {
		loiterDur = time.Duration(loiter * float64(time.Second))
	}

	var labels map[string]bool
	if len(cfg.Labels) > 0 {
		labels = make(map[string]bool, len(cfg.Labels))
		for _, l := range cfg.Labels {
			labels[l] = true
		}
	}

	return &Zone{
		Name:              name,
		Polygon:           Polygon{Points: pts},
		Inertia:           inertia,
		LoiteringDuration: loiterDur,
		labels:            labels,
	}
}

// allowsLabel reports whether label may count toward this zone's
// membership; an empty allow-list admits every label.
func (z *Zone) allowsLabel(label string) bool {
	if len(z.labels) == 0 {
		return true
	}
	return z.labels[label]
}

// membership is one tracked object's running inside/outside streak against
// a single zone.
type membership struct {
	insideStreak  int
	outsideStreak int
	active        bool
	enteredAt     time.Time
}

// Tracker holds per-object membership state for one Zone across frames.
type Tracker struct {
	zone *Zone

	mu      sync.Mutex
	members map[string]*membership
}

// NewTracker creates a Tracker bound to a single zone.
func NewTracker(z *Zone) *Tracker {
	return &Tracker{zone: z, members: make(map[string]*membership)}
}

// Status is the per-frame outcome of updating one object's position.
type Status struct {
	Active    bool
	Entered   bool
	Exited    bool
	Loitering bool
}

// Update reports an object's current anchor point (its bottom-center,
// conventionally) and returns the zone transition for this frame.
func (t *Tracker) Update(objectID string, x, y float64, label string, now time.Time) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.members[objectID]
	if !ok {
		m = &membership{}
		t.members[objectID] = m
	}

	inside := t.zone.Polygon.Contains(x, y) && t.zone.allowsLabel(label)

	var status Status
	if inside {
		m.insideStreak++
		m.outsideStreak = 0
		if !m.active && m.insideStreak >= t.zone.Inertia {
			m.active = true
			m.enteredAt = now
			status.Entered = true
		}
	} else {
		m.outsideStreak++
		m.insideStreak = 0
		if m.active && m.outsideStreak >= t.zone.Inertia {
			m.active = false
			status.Exited = true
		}
	}

	status.Active = m.active
	if m.active && t.zone.LoiteringDuration > 0 && now.Sub(m.enteredAt) >= t.zone.LoiteringDuration {
		status.Loitering = true
	}

	return status
}

// Forget drops an object's membership state, called once its track ends.
func (t *Tracker) Forget(objectID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.members, objectID)
}
