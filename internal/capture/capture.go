package capture

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/velocity-nvr/internal/frame"
	"github.com/banshee-data/velocity-nvr/internal/perr"
)

// Role names which decoder output this worker is supervising.
type Role string

const (
	RoleDetect Role = "detect"
	RoleRecord Role = "record"
	RoleAudio  Role = "audio"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	// healthyRunDuration is how long a decoder must stay up before a
	// subsequent failure resets the backoff back to initialBackoff instead
	// of continuing to double.
	healthyRunDuration = 10 * time.Second
)

// Stats is the watchdog-visible state of one CaptureWorker.
type Stats struct {
	Pid                int
	LastReadUnixMicros int64
	FramesRead         uint64
	FPS                float64
}

// Worker owns one decoder child process and copies its raw-frame stdout
// stream into a frame.Arena, tagging each frame with a monotonic sequence
// and wall-clock timestamp.
type Worker struct {
	Camera  string
	Role    Role
	Argv    []string
	Width   int
	Height  int
	Builder CommandBuilder
	Arena   *frame.Arena

	mu    sync.Mutex
	stats Stats
	seq   uint64

	fpsWindowStart time.Time
	fpsWindowCount uint64
}

// NewWorker constructs a Worker. builder defaults to RealCommandBuilder if nil.
func NewWorker(camera string, role Role, argv []string, width, height int, arena *frame.Arena, builder CommandBuilder) *Worker {
	if builder == nil {
		builder = NewRealCommandBuilder()
	}
	return &Worker{
		Camera:  camera,
		Role:    role,
		Argv:    argv,
		Width:   width,
		Height:  height,
		Builder: builder,
		Arena:   arena,
	}
}

// Run supervises the decoder until ctx is cancelled, restarting it on any
// short read, EOF, or nonzero exit with exponential backoff (1s, 2s, 4s,
// capped at 30s). It only returns once ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now()
		runErr := w.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(started) >= healthyRunDuration {
			backoff = initialBackoff
		}

		log.Printf("[capture cam=%s role=%s] %v; restarting in %s", w.Camera, w.Role, perr.New(perr.DecoderFailed, w.Camera, runErr), backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) error {
	proc := w.Builder.Build(w.Argv)
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture: stdout pipe: %w", err)
	}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("capture: start: %w", err)
	}

	w.mu.Lock()
	w.stats.Pid = proc.Pid()
	w.mu.Unlock()

	waitErr := make(chan error, 1)
	go func() { waitErr <- proc.Wait() }()

	frameSize := frame.Size(w.Width, w.Height)
	buf := make([]byte, frameSize)

	readErr := w.readLoop(ctx, stdout, buf)
	_ = proc.Kill()
	<-waitErr
	if readErr != nil {
		return readErr
	}
	return io.EOF
}

func (w *Worker) readLoop(ctx context.Context, r io.Reader, buf []byte) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := io.ReadFull(r, buf)
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				return fmt.Errorf("capture: short read (%d of %d bytes): %w", n, len(buf), err)
			}
			return err
		}

		slotIdx, slotBuf, err := w.Arena.AcquireWrite(ctx)
		if err != nil {
			return nil
		}
		copy(slotBuf, buf)

		w.mu.Lock()
		w.seq++
		seq := w.seq
		now := time.Now()
		w.stats.LastReadUnixMicros = now.UnixMicro()
		w.stats.FramesRead++
		w.recordFPSLocked(now)
		w.mu.Unlock()

		if err := w.Arena.Publish(slotIdx, frame.Frame{
			Camera:          w.Camera,
			Sequence:        seq,
			TimestampMicros: now.UnixMicro(),
			Format:          frame.YUV420P,
			Width:           w.Width,
			Height:          w.Height,
		}); err != nil {
			return err
		}
	}
}

// recordFPSLocked updates the rolling one-second fps estimate. Caller must
// hold w.mu.
func (w *Worker) recordFPSLocked(now time.Time) {
	if w.fpsWindowStart.IsZero() {
		w.fpsWindowStart = now
	}
	w.fpsWindowCount++
	if elapsed := now.Sub(w.fpsWindowStart); elapsed >= time.Second {
		w.stats.FPS = float64(w.fpsWindowCount) / elapsed.Seconds()
		w.fpsWindowStart = now
		w.fpsWindowCount = 0
	}
}

// Stats returns a snapshot of current watchdog-visible state.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
