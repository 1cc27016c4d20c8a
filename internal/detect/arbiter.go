package detect

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/velocity-nvr/internal/perr"
)

// ErrQueueFull is returned by Submit when the arbiter's bounded queue has
// no room; callers count this toward skipped_fps per spec.md §5.
var ErrQueueFull = errors.New("detect: queue full")

// Arbiter is the global FIFO of detection requests, drained by round-robin
// dispatch to a fixed pool of AccelWorkers. Queue capacity is bounded to
// 2*len(workers) per spec.md §4.5.
type Arbiter struct {
	queue   chan *Request
	workers []*Worker
	next    int
}

// NewArbiter constructs an Arbiter over the given workers with queue
// capacity 2*len(workers).
func NewArbiter(workers []*Worker) *Arbiter {
	return &Arbiter{
		queue:   make(chan *Request, 2*len(workers)),
		workers: workers,
	}
}

// Submit enqueues req without blocking; it returns ErrQueueFull if the
// queue is at capacity, since RegionPlanner gates at most one outstanding
// request per camera and must never block on the arbiter.
func (a *Arbiter) Submit(req *Request) error {
	select {
	case a.queue <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run dispatches queued requests round-robin to workers until ctx is
// cancelled. It does not itself run inference; each Worker's own Run loop
// does that concurrently.
func (a *Arbiter) Run(ctx context.Context) error {
	for {
		select {
		case req := <-a.queue:
			a.dispatch(ctx, req)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Arbiter) dispatch(ctx context.Context, req *Request) {
	if len(a.workers) == 0 {
		req.Done <- Result{Camera: req.Camera, Err: perr.New(perr.DetectorUnavailable, req.Camera, fmt.Errorf("no accel workers configured"))}
		return
	}
	w := a.workers[a.next%len(a.workers)]
	a.next++

	select {
	case w.input <- req:
	case <-ctx.Done():
	}
}

// requeueOrFail implements the arbiter's one-retry policy: a request that
// fails once is resubmitted; a second failure becomes DetectorUnavailable.
func (a *Arbiter) requeueOrFail(req *Request, cause error) {
	if req.retries == 0 {
		req.retries++
		select {
		case a.queue <- req:
			return
		default:
		}
	}
	req.Done <- Result{Camera: req.Camera, Err: perr.New(perr.DetectorUnavailable, req.Camera, cause)}
}
