package detect

import (
	"context"
	"sync/atomic"
	"time"
)

// Worker is one AccelWorker: a single accelerator device running one
// loaded model, consuming requests the Arbiter round-robins to it.
type Worker struct {
	ID          int
	Engine      Engine
	Style       Style
	ModelWidth  int
	ModelHeight int
	ClassMap    map[int]int

	input               chan *Request
	lastInferenceMicros atomic.Int64
}

// NewWorker constructs a Worker with an inbound queue depth of 1, so the
// arbiter's round-robin dispatch naturally backpressures onto a busy
// worker without an explicit ack protocol.
func NewWorker(id int, engine Engine, style Style, modelWidth, modelHeight int, classMap map[int]int) *Worker {
	return &Worker{
		ID:          id,
		Engine:      engine,
		Style:       style,
		ModelWidth:  modelWidth,
		ModelHeight: modelHeight,
		ClassMap:    classMap,
		input:       make(chan *Request, 1),
	}
}

// LastInferenceUnixMicros reports when this worker last completed an
// inference, for PipelineSupervisor's watchdog staleness check.
func (w *Worker) LastInferenceUnixMicros() int64 {
	return w.lastInferenceMicros.Load()
}

// Run processes requests until ctx is cancelled. On inference failure it
// asks the arbiter to apply the one-retry-then-fail policy.
func (w *Worker) Run(ctx context.Context, arbiter *Arbiter) {
	for {
		select {
		case req := <-w.input:
			w.handle(req, arbiter)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) handle(req *Request, arbiter *Arbiter) {
	raw, err := w.Engine.Invoke(req.Input)
	w.lastInferenceMicros.Store(time.Now().UnixMicro())
	if err != nil {
		arbiter.requeueOrFail(req, err)
		return
	}

	var table Table
	switch w.Style {
	case StyleSSD:
		table = postProcessSSD(raw)
	case StyleYOLO:
		table = postProcessYOLO(raw, w.ModelWidth, w.ModelHeight, w.ClassMap)
	}

	req.Done <- Result{Camera: req.Camera, Table: table}
}
