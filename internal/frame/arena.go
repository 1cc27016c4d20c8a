package frame

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

type slot struct {
	buf      []byte
	refcount int
	frame    Frame
}

type consumer struct {
	ch      chan int
	skipped uint64
}

// Arena is a fixed pool of N pre-sized slots for one camera. It is
// single-writer (CaptureWorker calls AcquireWrite/Publish) and
// multi-reader (any number of registered consumers hold a published slot
// until they Release it).
type Arena struct {
	camera   string
	slotSize int

	mu    sync.Mutex
	cond  *sync.Cond
	slots []slot

	consumers map[string]*consumer
}

// NewArena allocates slotCount slots of slotSize bytes each for camera.
func NewArena(camera string, slotCount, slotSize int) *Arena {
	a := &Arena{
		camera:    camera,
		slotSize:  slotSize,
		slots:     make([]slot, slotCount),
		consumers: make(map[string]*consumer),
	}
	for i := range a.slots {
		a.slots[i].buf = make([]byte, slotSize)
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// RegisterConsumer adds a new downstream reader with a bounded channel of
// published slot indices. Must be called before Publish is relied upon to
// reach it.
func (a *Arena) RegisterConsumer(capacity int) (id string, ch <-chan int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id = randomID()
	c := &consumer{ch: make(chan int, capacity)}
	a.consumers[id] = c
	return id, c.ch
}

// UnregisterConsumer removes a consumer; any slot refcount it was holding
// via an un-Released publish is left untouched (callers must Release before
// unregistering to avoid leaking the slot as permanently held).
func (a *Arena) UnregisterConsumer(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.consumers[id]; ok {
		close(c.ch)
		delete(a.consumers, id)
	}
}

// Skipped returns the number of frames dropped for a consumer due to a full
// channel (the skipped_fps counter source).
func (a *Arena) Skipped(id string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.consumers[id]; ok {
		return c.skipped
	}
	return 0
}

// AcquireWrite blocks until a slot reaches refcount 0, then returns its
// index and backing buffer for CaptureWorker to fill with a raw frame.
func (a *Arena) AcquireWrite(ctx context.Context) (int, []byte, error) {
	// cond.Wait() below only wakes on a Release's Broadcast; a cancelled
	// ctx with no further Release would otherwise block forever, so a
	// watcher goroutine broadcasts on ctx.Done() too.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			a.mu.Lock()
			a.cond.Broadcast()
			a.mu.Unlock()
		case <-stop:
		}
	}()

	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		for i := range a.slots {
			if a.slots[i].refcount == 0 {
				return i, a.slots[i].buf, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		a.cond.Wait()
	}
}

// Publish marks slot as holding frame, bumps its refcount to the number of
// registered consumers, and enqueues the slot index on each consumer's
// channel. If a consumer's channel is full, its oldest queued index is
// dropped (not the newest) and its skipped counter increments; live
// capture never blocks on a slow consumer.
func (a *Arena) Publish(slotIndex int, f Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if slotIndex < 0 || slotIndex >= len(a.slots) {
		return fmt.Errorf("frame: slot %d out of range", slotIndex)
	}
	f.Slot = slotIndex
	a.slots[slotIndex].frame = f
	a.slots[slotIndex].refcount = len(a.consumers)

	if len(a.consumers) == 0 {
		// No consumers registered: nothing holds the slot, release
		// immediately so AcquireWrite can reuse it.
		a.slots[slotIndex].refcount = 0
		return nil
	}

	for _, c := range a.consumers {
		select {
		case c.ch <- slotIndex:
		default:
			select {
			case <-c.ch:
				c.skipped++
			default:
			}
			select {
			case c.ch <- slotIndex:
			default:
				// Consumer channel was refilled concurrently; count as
				// skipped rather than block the producer.
				c.skipped++
			}
		}
	}
	return nil
}

// Release decrements slotIndex's refcount. Once it reaches 0 the slot is
// eligible for reuse and any AcquireWrite waiter is woken.
func (a *Arena) Release(slotIndex int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if slotIndex < 0 || slotIndex >= len(a.slots) {
		return
	}
	if a.slots[slotIndex].refcount > 0 {
		a.slots[slotIndex].refcount--
	}
	if a.slots[slotIndex].refcount == 0 {
		a.cond.Broadcast()
	}
}

// Refcount returns the current refcount of a slot, for tests and the
// invariant checker in §8.
func (a *Arena) Refcount(slotIndex int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if slotIndex < 0 || slotIndex >= len(a.slots) {
		return 0
	}
	return a.slots[slotIndex].refcount
}

// Frame returns the metadata most recently published into a slot.
func (a *Arena) Frame(slotIndex int) Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slots[slotIndex].frame
}

// Read copies a published slot's pixel data out for a consumer to process.
// Callers must hold the slot (via a pending Release) when calling this;
// copying rather than returning the backing slice lets CaptureWorker reuse
// the slot the instant every consumer has Released it.
func (a *Arena) Read(slotIndex int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, len(a.slots[slotIndex].buf))
	copy(out, a.slots[slotIndex].buf)
	return out
}

func randomID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
