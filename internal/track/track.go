// Package track implements ObjectTracker: IoU-gated greedy association
// between predicted track positions and per-frame detections, the
// tentative/confirmed/deleted lifecycle, zone membership, stationarity, and
// best-snapshot selection from spec.md §4.7. The lifecycle state machine
// (Hits/Misses counters, a grace period before deletion, a map keyed by
// id) is carried over structurally from internal/lidar/tracking.go; the
// map is not guarded by a lock, so a Tracker is not safe for concurrent use; its nearest-neighbor Mahalanobis gating is
// replaced with the greedy, fixed-threshold IoU assignment spec.md §4.7
// mandates.
package track

import (
	"sort"
	"time"

	"github.com/banshee-data/velocity-nvr/internal/idgen"
	"github.com/banshee-data/velocity-nvr/internal/region"
	"github.com/banshee-data/velocity-nvr/internal/zone"
)

// State is a TrackedObject's lifecycle stage.
type State string

const (
	StateTentative State = "tentative"
	StateConfirmed State = "confirmed"
	StateDeleted   State = "deleted"
)

const (
	defaultIoUThreshold   = 0.2
	defaultConfirmFrames  = 3
	defaultMaxDisappeared = 25
)

// Box is an axis-aligned rectangle in frame pixel coordinates.
type Box = region.Box

// Detection is one post-processed, frame-mapped detector output.
type Detection struct {
	Label string
	Box   Box
	Score float32
}

// Snapshot is a retained best-scoring sample for a tracked object.
type Snapshot struct {
	Box   Box
	Score float32
	Takes time.Time
}

// TrackedObject is one object's running state across frames.
type TrackedObject struct {
	ID    string
	Label string
	Box   Box
	Score float32

	State  State
	Hits   int
	Misses int

	FirstSeen time.Time
	LastSeen  time.Time

	velocityX, velocityY float64
	lastUpdate           time.Time

	// EnteredZones is cumulative: once a zone is entered it stays recorded
	// for the object's lifetime. CurrentZones is the live set the object
	// presently occupies.
	EnteredZones map[string]time.Time
	CurrentZones map[string]bool

	Stationary      bool
	stationaryAnchorX, stationaryAnchorY float64
	stationarySince time.Time

	BestSnapshot *Snapshot
}

// predictedBox extrapolates the track's box forward by dt using its last
// observed centroid velocity.
func (o *TrackedObject) predictedBox(dt float64) Box {
	return Box{
		X: o.Box.X + int(o.velocityX*dt),
		Y: o.Box.Y + int(o.velocityY*dt),
		W: o.Box.W,
		H: o.Box.H,
	}
}

// Config tunes one camera's Tracker.
type Config struct {
	IoUThreshold       float64
	ConfirmFrames      int
	HighConfidence     float32
	MaxDisappeared     int
	StationaryPx       int
	StationaryDuration time.Duration

	// Zones maps zone name to its membership tracker; Anchor picks the
	// point within a box used for point-in-polygon tests.
	Zones  map[string]*zone.Tracker
	Anchor func(Box) (x, y float64)

	// StaticMask reports whether a detection box should be dropped before
	// association (outside the configured static object mask).
	StaticMask func(Box) bool
	// MinArea, keyed by label, drops detections below a per-label size bound.
	MinArea map[string]int
}

func (c Config) iouThreshold() float64 {
	if c.IoUThreshold > 0 {
		return c.IoUThreshold
	}
	return defaultIoUThreshold
}

func (c Config) confirmFrames() int {
	if c.ConfirmFrames > 0 {
		return c.ConfirmFrames
	}
	return defaultConfirmFrames
}

func (c Config) maxDisappeared() int {
	if c.MaxDisappeared > 0 {
		return c.MaxDisappeared
	}
	return defaultMaxDisappeared
}

func (c Config) anchor(b Box) (float64, float64) {
	if c.Anchor != nil {
		return c.Anchor(b)
	}
	return float64(b.X + b.W/2), float64(b.Y + b.H)
}

// Result is the per-frame outcome EventEngine consumes.
type Result struct {
	Confirmed []*TrackedObject // newly confirmed this frame
	Updated   []*TrackedObject // already-confirmed objects matched this frame, changed or not
	Ended     []*TrackedObject // terminated this frame
}

// Tracker holds one camera's tracked objects.
type Tracker struct {
	camera string
	cfg    Config

	objects map[string]*TrackedObject
}

// NewTracker constructs a Tracker for one camera.
func NewTracker(camera string, cfg Config) *Tracker {
	return &Tracker{camera: camera, cfg: cfg, objects: make(map[string]*TrackedObject)}
}

// Update runs one frame of association, lifecycle, zone, stationarity, and
// best-snapshot bookkeeping against the given detections.
func (t *Tracker) Update(detections []Detection, now time.Time) Result {
	filtered := t.filter(detections)
	matches, unmatchedTracks, unmatchedDets := t.associate(filtered, now)

	var result Result

	for trackID, detIdx := range matches {
		obj := t.objects[trackID]
		t.applyMatch(obj, filtered[detIdx], now)
		if obj.State == StateTentative && t.promotes(obj) {
			obj.State = StateConfirmed
			result.Confirmed = append(result.Confirmed, obj)
		} else if obj.State == StateConfirmed {
			result.Updated = append(result.Updated, obj)
		}
	}

	for _, trackID := range unmatchedTracks {
		obj := t.objects[trackID]
		obj.Misses++
		if obj.Misses >= t.cfg.maxDisappeared() {
			obj.State = StateDeleted
			result.Ended = append(result.Ended, obj)
			delete(t.objects, trackID)
			for _, zt := range t.cfg.Zones {
				zt.Forget(trackID)
			}
		}
	}

	for _, detIdx := range unmatchedDets {
		obj := t.newTrack(filtered[detIdx], now)
		if t.promotes(obj) {
			obj.State = StateConfirmed
			result.Confirmed = append(result.Confirmed, obj)
		}
	}

	for _, obj := range t.objects {
		if obj.State != StateConfirmed {
			continue
		}
		t.updateZones(obj, now)
		t.updateStationarity(obj, now)
	}

	return result
}

func (t *Tracker) promotes(obj *TrackedObject) bool {
	if obj.Hits >= t.cfg.confirmFrames() {
		return true
	}
	if t.cfg.HighConfidence > 0 && obj.Score >= t.cfg.HighConfidence {
		return true
	}
	return false
}

func (t *Tracker) filter(detections []Detection) []Detection {
	var out []Detection
	for _, d := range detections {
		if t.cfg.StaticMask != nil && t.cfg.StaticMask(d.Box) {
			continue
		}
		if minArea, ok := t.cfg.MinArea[d.Label]; ok && d.Box.Area() < minArea {
			continue
		}
		out = append(out, d)
	}
	return out
}

type candidate struct {
	trackID string
	detIdx  int
	iou     float64
	label   string
	area    int
}

// associate runs greedy IoU assignment: candidates are ordered by IoU
// descending, ties broken by lower label first then larger detection box
// area, exactly as spec.md §4.7 specifies.
func (t *Tracker) associate(detections []Detection, now time.Time) (matches map[string]int, unmatchedTracks []string, unmatchedDets []int) {
	matches = make(map[string]int)

	var candidates []candidate
	for id, obj := range t.objects {
		if obj.State == StateDeleted {
			continue
		}
		dt := now.Sub(obj.lastUpdate).Seconds()
		predicted := obj.predictedBox(dt)
		for i, d := range detections {
			if d.Label != obj.Label {
				continue
			}
			v := iou(predicted, d.Box)
			if v < t.cfg.iouThreshold() {
				continue
			}
			candidates = append(candidates, candidate{trackID: id, detIdx: i, iou: v, label: d.Label, area: d.Box.Area()})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].iou != candidates[j].iou {
			return candidates[i].iou > candidates[j].iou
		}
		if candidates[i].label != candidates[j].label {
			return candidates[i].label < candidates[j].label
		}
		return candidates[i].area > candidates[j].area
	})

	assignedTrack := map[string]bool{}
	assignedDet := map[int]bool{}
	for _, c := range candidates {
		if assignedTrack[c.trackID] || assignedDet[c.detIdx] {
			continue
		}
		assignedTrack[c.trackID] = true
		assignedDet[c.detIdx] = true
		matches[c.trackID] = c.detIdx
	}

	for id, obj := range t.objects {
		if obj.State == StateDeleted {
			continue
		}
		if !assignedTrack[id] {
			unmatchedTracks = append(unmatchedTracks, id)
		}
	}
	for i := range detections {
		if !assignedDet[i] {
			unmatchedDets = append(unmatchedDets, i)
		}
	}

	return matches, unmatchedTracks, unmatchedDets
}

func (t *Tracker) applyMatch(obj *TrackedObject, d Detection, now time.Time) {
	dt := now.Sub(obj.lastUpdate).Seconds()
	if dt > 0 {
		oldCx, oldCy := float64(obj.Box.X+obj.Box.W/2), float64(obj.Box.Y+obj.Box.H/2)
		newCx, newCy := float64(d.Box.X+d.Box.W/2), float64(d.Box.Y+d.Box.H/2)
		obj.velocityX = (newCx - oldCx) / dt
		obj.velocityY = (newCy - oldCy) / dt
	}
	obj.Box = d.Box
	obj.Score = d.Score
	obj.Hits++
	obj.Misses = 0
	obj.LastSeen = now
	obj.lastUpdate = now

	t.updateBestSnapshot(obj, d, now)
}

func (t *Tracker) newTrack(d Detection, now time.Time) *TrackedObject {
	obj := &TrackedObject{
		ID:           idgen.New(now.UnixMilli()),
		Label:        d.Label,
		Box:          d.Box,
		Score:        d.Score,
		State:        StateTentative,
		Hits:         1,
		FirstSeen:    now,
		LastSeen:     now,
		lastUpdate:   now,
		EnteredZones: make(map[string]time.Time),
		CurrentZones: make(map[string]bool),
	}
	t.updateBestSnapshot(obj, d, now)
	t.objects[obj.ID] = obj
	return obj
}

// updateBestSnapshot keeps the highest-scoring sample seen so far, never
// replacing it with a lower-scoring one.
func (t *Tracker) updateBestSnapshot(obj *TrackedObject, d Detection, now time.Time) {
	if obj.BestSnapshot != nil && obj.BestSnapshot.Score >= d.Score {
		return
	}
	obj.BestSnapshot = &Snapshot{Box: d.Box, Score: d.Score, Takes: now}
}

func (t *Tracker) updateZones(obj *TrackedObject, now time.Time) {
	if obj.EnteredZones == nil {
		obj.EnteredZones = make(map[string]time.Time)
	}
	if obj.CurrentZones == nil {
		obj.CurrentZones = make(map[string]bool)
	}
	x, y := t.cfg.anchor(obj.Box)
	for name, zt := range t.cfg.Zones {
		status := zt.Update(obj.ID, x, y, obj.Label, now)
		if status.Entered {
			obj.EnteredZones[name] = now
			obj.CurrentZones[name] = true
		}
		if status.Exited {
			delete(obj.CurrentZones, name)
		}
	}
}

func (t *Tracker) updateStationarity(obj *TrackedObject, now time.Time) {
	cx, cy := float64(obj.Box.X+obj.Box.W/2), float64(obj.Box.Y+obj.Box.H/2)
	if obj.stationarySince.IsZero() {
		obj.stationaryAnchorX, obj.stationaryAnchorY = cx, cy
		obj.stationarySince = now
		return
	}

	dx, dy := cx-obj.stationaryAnchorX, cy-obj.stationaryAnchorY
	dist := dx*dx + dy*dy
	threshold := float64(t.cfg.StationaryPx * t.cfg.StationaryPx)

	if dist > threshold {
		obj.stationaryAnchorX, obj.stationaryAnchorY = cx, cy
		obj.stationarySince = now
		obj.Stationary = false
		return
	}

	if now.Sub(obj.stationarySince) >= t.cfg.StationaryDuration {
		obj.Stationary = true
	}
}

// Objects returns a snapshot of all currently tracked objects.
func (t *Tracker) Objects() []*TrackedObject {
	out := make([]*TrackedObject, 0, len(t.objects))
	for _, o := range t.objects {
		out = append(out, o)
	}
	return out
}

func iou(a, b Box) float64 {
	ax2, ay2 := a.X+a.W, a.Y+a.H
	bx2, by2 := b.X+b.W, b.Y+b.H

	ix1, iy1 := maxInt(a.X, b.X), maxInt(a.Y, b.Y)
	ix2, iy2 := minInt(ax2, bx2), minInt(ay2, by2)

	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := float64(iw * ih)
	union := float64(a.W*a.H+b.W*b.H) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
