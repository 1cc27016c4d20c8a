// Package event implements EventEngine: the pending/active/ended lifecycle
// projected from ObjectTracker deltas, throttled field-change updates, and
// sticky has_clip/has_snapshot flags, per spec.md §4.8. Field-level change
// detection against the previous snapshot is translated directly from
// original_source/frigate/events.py's should_update_db function. Events
// publish onto the one-way bus the same way the teacher's serialmux
// decouples producers from subscribers.
package event

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/velocity-nvr/internal/bus"
	"github.com/banshee-data/velocity-nvr/internal/track"
)

// Topic is the bus topic EventEngine publishes all lifecycle messages on.
const Topic = "events"

// updateThrottle bounds active->active emissions to at most one per
// interval, unless end_time is changing (the ended transition always emits).
const updateThrottle = 2 * time.Second

// EventState is an Event's lifecycle stage.
type EventState string

const (
	StateActive EventState = "active"
	StateEnded  EventState = "ended"
)

// Event is the persisted projection of a TrackedObject at pending->active
// and terminal transitions.
type Event struct {
	ID       string
	Camera   string
	Label    string
	State    EventState

	StartTime time.Time
	EndTime   *time.Time

	TopScore float32
	Zones    []string
	Thumbnail string

	HasClip     bool
	HasSnapshot bool

	RetainIndefinitely bool

	lastUpdateEmit   time.Time
	thumbnailAtNanos int64
}

// Kind distinguishes the three message types EventEngine publishes.
type Kind string

const (
	KindStart  Kind = "start"
	KindUpdate Kind = "update"
	KindEnd    Kind = "end"
)

// Message is the bus payload for every emitted event lifecycle transition.
type Message struct {
	Kind  Kind
	Event Event
}

// Engine is one camera's EventEngine.
type Engine struct {
	camera      string
	preCapture  time.Duration
	postCapture time.Duration
	b           *bus.Bus

	mu     sync.Mutex
	events map[string]*Event
}

// NewEngine constructs an Engine for one camera.
func NewEngine(camera string, preCapture, postCapture time.Duration, b *bus.Bus) *Engine {
	return &Engine{
		camera:      camera,
		preCapture:  preCapture,
		postCapture: postCapture,
		b:           b,
		events:      make(map[string]*Event),
	}
}

// Start closes any event handed to it without an end_time — the equivalent
// of frigate's startup sweep over events left open by a prior crash — and
// publishes an end message for each.
func (e *Engine) Start(openAtCrash []*Event, now time.Time) []*Event {
	var closed []*Event
	for _, ev := range openAtCrash {
		if ev.EndTime != nil {
			continue
		}
		end := now
		ev.EndTime = &end
		ev.State = StateEnded
		e.publish(KindEnd, ev)
		closed = append(closed, ev)
	}
	return closed
}

// HandleConfirmed opens a new Event when a TrackedObject is confirmed,
// backdating start_time by the configured pre-capture window.
func (e *Engine) HandleConfirmed(obj *track.TrackedObject, detectionStart time.Time) *Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev := &Event{
		ID:        obj.ID,
		Camera:    e.camera,
		Label:     obj.Label,
		State:     StateActive,
		StartTime: detectionStart.Add(-e.preCapture),
		TopScore:  obj.Score,
		Zones:     zoneNames(obj.EnteredZones),
	}
	if obj.BestSnapshot != nil {
		ev.Thumbnail = e.thumbnailRef(obj.ID, obj.BestSnapshot.Takes)
		ev.thumbnailAtNanos = obj.BestSnapshot.Takes.UnixNano()
	}
	e.events[obj.ID] = ev
	e.publish(KindStart, ev)
	return ev
}

// HandleUpdated emits an update if any tracked field materially changed
// since the last emitted snapshot and the throttle window has elapsed.
func (e *Engine) HandleUpdated(obj *track.TrackedObject, now time.Time) *Event {
	return e.mutate(obj.ID, now, false, func(ev *Event) bool {
		changed := false
		if obj.Score > ev.TopScore {
			ev.TopScore = obj.Score
			changed = true
		}
		zones := zoneNames(obj.EnteredZones)
		if !sameZones(ev.Zones, zones) {
			ev.Zones = zones
			changed = true
		}
		if obj.BestSnapshot != nil && obj.BestSnapshot.Takes.UnixNano() != ev.thumbnailAtNanos {
			ev.Thumbnail = e.thumbnailRef(obj.ID, obj.BestSnapshot.Takes)
			ev.thumbnailAtNanos = obj.BestSnapshot.Takes.UnixNano()
			changed = true
		}
		return changed
	})
}

// MarkHasClip sets the sticky has_clip flag, once true never cleared.
func (e *Engine) MarkHasClip(id string, now time.Time) *Event {
	return e.mutate(id, now, false, func(ev *Event) bool {
		if ev.HasClip {
			return false
		}
		ev.HasClip = true
		return true
	})
}

// MarkHasSnapshot sets the sticky has_snapshot flag, once true never cleared.
func (e *Engine) MarkHasSnapshot(id string, now time.Time) *Event {
	return e.mutate(id, now, false, func(ev *Event) bool {
		if ev.HasSnapshot {
			return false
		}
		ev.HasSnapshot = true
		return true
	})
}

// HandleEnded closes an Event on track termination; end_time changes always
// emit, bypassing the update throttle.
func (e *Engine) HandleEnded(obj *track.TrackedObject) *Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev, ok := e.events[obj.ID]
	if !ok {
		return nil
	}
	end := obj.LastSeen.Add(e.postCapture)
	ev.EndTime = &end
	ev.State = StateEnded
	delete(e.events, obj.ID)
	e.publish(KindEnd, ev)
	return ev
}

func (e *Engine) mutate(id string, now time.Time, bypassThrottle bool, fn func(*Event) bool) *Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev, ok := e.events[id]
	if !ok {
		return nil
	}
	if !fn(ev) {
		return nil
	}
	if !bypassThrottle && now.Sub(ev.lastUpdateEmit) < updateThrottle {
		return nil
	}
	ev.lastUpdateEmit = now
	e.publish(KindUpdate, ev)
	return ev
}

func (e *Engine) publish(kind Kind, ev *Event) {
	if e.b == nil {
		return
	}
	e.b.Publish(bus.Message{Topic: Topic, Payload: Message{Kind: kind, Event: *ev}})
}

func (e *Engine) thumbnailRef(id string, at time.Time) string {
	return fmt.Sprintf("%s/%d.jpg", id, at.UnixMilli())
}

func zoneNames(zones map[string]time.Time) []string {
	names := make([]string, 0, len(zones))
	for name := range zones {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sameZones(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
