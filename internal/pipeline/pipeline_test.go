package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/velocity-nvr/internal/capture"
	"github.com/banshee-data/velocity-nvr/internal/detect"
	"github.com/banshee-data/velocity-nvr/internal/frame"
)

type fakeEngine struct{}

func (fakeEngine) Invoke(input []byte) (detect.RawTensors, error) {
	return detect.RawTensors{}, nil
}

func newTestCaptureWorker(t *testing.T, frames [][]byte) *capture.Worker {
	t.Helper()
	arena := frame.NewArena("driveway", 4, len(frames[0]))
	builder := &capture.MockCommandBuilder{
		Processes: []*capture.MockProcess{{Frames: frames}},
	}
	w := capture.NewWorker("driveway", capture.RoleDetect, []string{"ffmpeg"}, 2, 2, arena, builder)
	return w
}

func TestTickRestartsDecoderWhenFrameStale(t *testing.T) {
	frameBytes := make([]byte, frame.Size(2, 2))
	w := newTestCaptureWorker(t, [][]byte{frameBytes})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return w.Stats().LastReadUnixMicros != 0
	}, time.Second, 5*time.Millisecond)

	sup := NewSupervisor()
	sup.RegisterCamera("driveway", w)

	var restarted string
	sup.RestartDecoder = func(camera string) { restarted = camera }

	stale := time.UnixMicro(w.Stats().LastReadUnixMicros).Add(31 * time.Second)
	sup.Tick(stale)

	assert.Equal(t, "driveway", restarted)
}

func TestTickDoesNotRestartFreshDecoder(t *testing.T) {
	frameBytes := make([]byte, frame.Size(2, 2))
	w := newTestCaptureWorker(t, [][]byte{frameBytes})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return w.Stats().LastReadUnixMicros != 0
	}, time.Second, 5*time.Millisecond)

	sup := NewSupervisor()
	sup.RegisterCamera("driveway", w)

	var restarted bool
	sup.RestartDecoder = func(camera string) { restarted = true }

	fresh := time.UnixMicro(w.Stats().LastReadUnixMicros).Add(time.Second)
	sup.Tick(fresh)

	assert.False(t, restarted)
}

func TestTickRestartsStaleAccelWorker(t *testing.T) {
	worker := detect.NewWorker(1, fakeEngine{}, detect.StyleSSD, 320, 320, nil)
	arbiter := detect.NewArbiter([]*detect.Worker{worker})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go worker.Run(ctx, arbiter)
	go arbiter.Run(ctx)

	req := detect.NewRequest("driveway", []byte{1, 2, 3}, 320)
	require.NoError(t, arbiter.Submit(req))
	<-req.Done

	sup := NewSupervisor()
	sup.RegisterAccelWorker(worker)

	var restartedID int
	sup.RestartAccelWorker = func(id int) { restartedID = id }

	stale := time.UnixMicro(worker.LastInferenceUnixMicros()).Add(61 * time.Second)
	sup.Tick(stale)

	assert.Equal(t, 1, restartedID)
}

func TestFairnessViolationsFlagsCamerasBelowHalfMedian(t *testing.T) {
	sup := NewSupervisor()
	sup.cameras["a"] = &cameraEntry{detectionFPS: 10}
	sup.cameras["b"] = &cameraEntry{detectionFPS: 9}
	sup.cameras["c"] = &cameraEntry{detectionFPS: 1}

	violations := sup.FairnessViolations()
	assert.Equal(t, []string{"c"}, violations)
}

func TestFairnessViolationsEmptyWhenBalanced(t *testing.T) {
	sup := NewSupervisor()
	sup.cameras["a"] = &cameraEntry{detectionFPS: 10}
	sup.cameras["b"] = &cameraEntry{detectionFPS: 9}

	assert.Empty(t, sup.FairnessViolations())
}
