package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	raw RawTensors
	err error
}

func (f *fakeEngine) Invoke(input []byte) (RawTensors, error) {
	return f.raw, f.err
}

func TestDequantizeInputMatchesFormula(t *testing.T) {
	got := dequantizeInput(200, 128, 0.0078125)
	want := (float32(200) - float32(128)*255) * (1 / (0.0078125 * 255))
	assert.InDelta(t, want, got, 0.0001)
}

func TestPostProcessSSDFiltersByScoreAndKeepsOrder(t *testing.T) {
	raw := RawTensors{
		Boxes:    []float32{0.1, 0.1, 0.2, 0.2, 0.3, 0.3, 0.4, 0.4},
		ClassIDs: []float32{1, 2},
		Scores:   []float32{0.9, 0.1},
		Count:    2,
	}
	table := postProcessSSD(raw)
	require.Equal(t, 1, table.Count)
	assert.Equal(t, float32(1), table.Rows[0][0])
	assert.Equal(t, float32(0.9), table.Rows[0][1])
}

func TestPostProcessYOLOAppliesClassMapAndNMS(t *testing.T) {
	raw := RawTensors{
		ZeroPoint: 0,
		Scale:     1,
		YOLO: []float32{
			0.5, 0.5, 0.2, 0.2, 0.9, 3, // candidate A, class 3
			0.51, 0.51, 0.2, 0.2, 0.85, 3, // near-duplicate of A, should be suppressed
			0.1, 0.1, 0.1, 0.1, 0.95, 7, // distinct box, class 7
		},
	}
	classMap := map[int]int{3: 1, 7: 2}

	table := postProcessYOLO(raw, 100, 100, classMap)
	require.Equal(t, 2, table.Count)

	labels := map[float32]bool{}
	for i := 0; i < table.Count; i++ {
		labels[table.Rows[i][0]] = true
	}
	assert.True(t, labels[1])
	assert.True(t, labels[2])
}

func TestPostProcessYOLODropsBelowScoreThreshold(t *testing.T) {
	raw := RawTensors{
		Scale: 1,
		YOLO:  []float32{0.5, 0.5, 0.2, 0.2, 0.1, 3},
	}
	table := postProcessYOLO(raw, 100, 100, nil)
	assert.Equal(t, 0, table.Count)
}

func TestArbiterSubmitReturnsErrQueueFullWhenSaturated(t *testing.T) {
	a := NewArbiter([]*Worker{NewWorker(0, &fakeEngine{}, StyleSSD, 300, 300, nil)})
	for i := 0; i < 2; i++ {
		require.NoError(t, a.Submit(NewRequest("cam", nil, 300)))
	}
	err := a.Submit(NewRequest("cam", nil, 300))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestArbiterDispatchesToWorkerAndReturnsResult(t *testing.T) {
	engine := &fakeEngine{raw: RawTensors{Count: 0}}
	w := NewWorker(0, engine, StyleSSD, 300, 300, nil)
	a := NewArbiter([]*Worker{w})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go w.Run(ctx, a)

	req := NewRequest("driveway", make([]byte, 10), 300)
	require.NoError(t, a.Submit(req))

	select {
	case res := <-req.Done:
		assert.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestArbiterRetriesOnceThenFailsWithDetectorUnavailable(t *testing.T) {
	engine := &fakeEngine{err: errors.New("accelerator fault")}
	w := NewWorker(0, engine, StyleSSD, 300, 300, nil)
	a := NewArbiter([]*Worker{w})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go w.Run(ctx, a)

	req := NewRequest("driveway", make([]byte, 10), 300)
	require.NoError(t, a.Submit(req))

	select {
	case res := <-req.Done:
		require.Error(t, res.Err)
		assert.Equal(t, 1, req.retries)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}
