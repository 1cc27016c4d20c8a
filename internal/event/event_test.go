package event

import (
	"testing"
	"time"

	"github.com/banshee-data/velocity-nvr/internal/bus"
	"github.com/banshee-data/velocity-nvr/internal/track"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleConfirmedEmitsStartWithPreCaptureBackdate(t *testing.T) {
	b := bus.New(4)
	_, ch := b.Subscribe()
	e := NewEngine("driveway", 5*time.Second, 5*time.Second, b)

	now := time.Now()
	obj := &track.TrackedObject{ID: "t1", Label: "person", Score: 0.8}
	ev := e.HandleConfirmed(obj, now)

	assert.Equal(t, now.Add(-5*time.Second), ev.StartTime)

	msg := <-ch
	payload := msg.Payload.(Message)
	assert.Equal(t, KindStart, payload.Kind)
}

func TestHandleUpdatedThrottlesWithinTwoSeconds(t *testing.T) {
	b := bus.New(4)
	_, ch := b.Subscribe()
	e := NewEngine("driveway", 0, 0, b)

	now := time.Now()
	obj := &track.TrackedObject{ID: "t1", Label: "person", Score: 0.5}
	e.HandleConfirmed(obj, now)
	<-ch // drain start

	obj.Score = 0.9
	first := e.HandleUpdated(obj, now.Add(time.Second))
	require.NotNil(t, first)
	<-ch

	obj.Score = 0.95
	throttled := e.HandleUpdated(obj, now.Add(1500*time.Millisecond))
	assert.Nil(t, throttled, "second update within 2s window should be throttled")
}

func TestHandleUpdatedSkipsWhenNothingChanged(t *testing.T) {
	b := bus.New(4)
	e := NewEngine("driveway", 0, 0, b)
	now := time.Now()
	obj := &track.TrackedObject{ID: "t1", Label: "person", Score: 0.5}
	e.HandleConfirmed(obj, now)

	res := e.HandleUpdated(obj, now.Add(3*time.Second))
	assert.Nil(t, res)
}

func TestHasClipAndHasSnapshotAreSticky(t *testing.T) {
	b := bus.New(4)
	e := NewEngine("driveway", 0, 0, b)
	now := time.Now()
	obj := &track.TrackedObject{ID: "t1", Label: "person", Score: 0.5}
	e.HandleConfirmed(obj, now)

	ev := e.MarkHasClip("t1", now.Add(3*time.Second))
	require.NotNil(t, ev)
	assert.True(t, ev.HasClip)

	again := e.MarkHasClip("t1", now.Add(4*time.Second))
	assert.Nil(t, again, "marking an already-set sticky flag should not re-emit")
}

func TestHandleEndedSetsEndTimeWithPostCaptureAndBypassesThrottle(t *testing.T) {
	b := bus.New(4)
	_, ch := b.Subscribe()
	e := NewEngine("driveway", 0, 10*time.Second, b)

	now := time.Now()
	obj := &track.TrackedObject{ID: "t1", Label: "person", Score: 0.5, LastSeen: now}
	e.HandleConfirmed(obj, now)
	<-ch

	ended := e.HandleEnded(obj)
	require.NotNil(t, ended)
	require.NotNil(t, ended.EndTime)
	assert.Equal(t, now.Add(10*time.Second), *ended.EndTime)

	msg := <-ch
	payload := msg.Payload.(Message)
	assert.Equal(t, KindEnd, payload.Kind)
}

func TestStartBackfillsOpenEventsAtStartup(t *testing.T) {
	e := NewEngine("driveway", 0, 0, nil)
	open := &Event{ID: "stale1", Camera: "driveway", State: StateActive}
	now := time.Now()

	closed := e.Start([]*Event{open}, now)
	require.Len(t, closed, 1)
	assert.Equal(t, StateEnded, closed[0].State)
	assert.Equal(t, now, *closed[0].EndTime)
}
