// Package record implements RecordingSegmenter: classifying
// encoder-produced segments against event/motion coverage, applying the
// retention policy, reaping expired segments, and deduplicating near-
// identical events within a short time bucket, per spec.md §4.9. The
// reaper's chunked-state shape (a tracked list guarded by a mutex, swept by
// a periodic goroutine) follows internal/lidar/recorder/recorder.go; file
// deletion is injected behind a FileRemover interface the same way capture
// injects CommandBuilder, so tests never touch the filesystem.
package record

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/velocity-nvr/internal/idgen"
)

// Classification is a segment's coverage outcome.
type Classification string

const (
	ClassMotion        Classification = "motion"
	ClassActiveObjects Classification = "active_objects"
	ClassIdle          Classification = "idle"
)

// TimeRange is a half-open [Start, End) interval.
type TimeRange struct {
	Start, End time.Time
}

func (r TimeRange) overlaps(o TimeRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Segment is one fixed-duration encoder output file.
type Segment struct {
	Camera string
	Path   string
	TimeRange
}

// EventWindow is the coverage window of one event, for classification,
// retention, and dedup purposes.
type EventWindow struct {
	ID     string
	Camera string
	Label  string
	TimeRange
	RetainIndefinitely bool
	MediaPaths         []string
}

// SegmentName builds a recording file name of the form "<epoch>-<rand>.mp4".
func SegmentName(start time.Time) string {
	return idgen.Segment(start.Unix()) + ".mp4"
}

// Classify labels a segment motion, active_objects, or idle by its overlap
// with object-level event windows and plain motion windows. Any overlapping
// confirmed-object event window outranks motion-only coverage.
func Classify(seg Segment, events []EventWindow, motion []TimeRange) Classification {
	hasObjectCoverage := false
	for _, e := range events {
		if e.Camera == seg.Camera && seg.overlaps(e.TimeRange) {
			hasObjectCoverage = true
			break
		}
	}
	if hasObjectCoverage {
		return ClassActiveObjects
	}
	for _, m := range motion {
		if seg.overlaps(m) {
			return ClassMotion
		}
	}
	return ClassIdle
}

// Policy is the retention policy: a default retain window plus per-label
// overrides, and indefinite retention for any segment overlapping a
// retain_indefinitely event.
type Policy struct {
	DefaultDays  int
	PerLabelDays map[string]int
}

func (p Policy) defaultDays() int {
	if p.DefaultDays > 0 {
		return p.DefaultDays
	}
	return 7
}

// RetainUntil returns the time after which seg may be deleted, or the zero
// time if it must be retained indefinitely.
func (p Policy) RetainUntil(seg Segment, overlapping []EventWindow) time.Time {
	days := p.defaultDays()
	for _, e := range overlapping {
		if !seg.overlaps(e.TimeRange) {
			continue
		}
		if e.RetainIndefinitely {
			return time.Time{}
		}
		if d, ok := p.PerLabelDays[e.Label]; ok && d > days {
			days = d
		}
	}
	return seg.End.Add(time.Duration(days) * 24 * time.Hour)
}

// FileRemover deletes a segment's backing file, injectable so the reaper
// never touches the real filesystem in tests.
type FileRemover interface {
	Remove(path string) error
}

// OSFileRemover deletes files with os.Remove.
type OSFileRemover struct{}

func (OSFileRemover) Remove(path string) error { return os.Remove(path) }

type trackedSegment struct {
	Segment
	retainUntil time.Time // zero = indefinite
}

// Reaper tracks segments pending expiry and deletes them once their
// retention window has passed.
type Reaper struct {
	remover FileRemover

	mu       sync.Mutex
	segments []trackedSegment
}

// NewReaper constructs a Reaper. remover defaults to OSFileRemover if nil.
func NewReaper(remover FileRemover) *Reaper {
	if remover == nil {
		remover = OSFileRemover{}
	}
	return &Reaper{remover: remover}
}

// Track registers a segment with its computed retention deadline.
func (r *Reaper) Track(seg Segment, retainUntil time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = append(r.segments, trackedSegment{Segment: seg, retainUntil: retainUntil})
}

// Sweep deletes every tracked segment whose retention deadline has passed
// and returns their paths.
func (r *Reaper) Sweep(now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted []string
	var remaining []trackedSegment
	for _, ts := range r.segments {
		if ts.retainUntil.IsZero() || ts.retainUntil.After(now) {
			remaining = append(remaining, ts)
			continue
		}
		if err := r.remover.Remove(ts.Path); err != nil {
			return deleted, err
		}
		deleted = append(deleted, ts.Path)
	}
	r.segments = remaining
	return deleted, nil
}

// Dedup groups events by (camera, label, bucket) where bucket truncates
// Start to bucketSize, keeps only the longest-duration event per group, and
// deletes the media files belonging to the rest.
func (r *Reaper) Dedup(events []EventWindow, bucketSize time.Duration) ([]EventWindow, error) {
	groups := make(map[string][]EventWindow)
	var order []string
	for _, e := range events {
		key := e.Camera + "|" + e.Label + "|" + e.Start.Truncate(bucketSize).Format(time.RFC3339)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	var kept []EventWindow
	for _, key := range order {
		group := groups[key]
		sort.Slice(group, func(i, j int) bool {
			return group[i].End.Sub(group[i].Start) > group[j].End.Sub(group[j].Start)
		})
		kept = append(kept, group[0])
		for _, loser := range group[1:] {
			for _, p := range loser.MediaPaths {
				if err := r.remover.Remove(p); err != nil {
					return kept, err
				}
			}
		}
	}
	return kept, nil
}
