// Package pipeline implements PipelineSupervisor: the per-camera tuple of
// capture/tracker state, fps counters, and the 10s watchdog that restarts
// stalled decoders and accelerator workers, per spec.md §4.10. The
// goroutine-per-subsystem shutdown shape (context.Context +
// sync.WaitGroup, one goroutine per camera/worker) follows the teacher's
// root main.go; the periodic watchdog tick follows
// l1packets/network/listener.go's startStatsLogging ticker. The
// cross-camera fairness check (testable property in spec.md §8) uses
// gonum/stat's quantile estimator for the median, the same dependency
// internal/db/db.go reaches for in its own aggregation path.
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/velocity-nvr/internal/capture"
	"github.com/banshee-data/velocity-nvr/internal/detect"
)

const (
	defaultTickInterval      = 10 * time.Second
	defaultDecoderStaleAfter = 30 * time.Second
	defaultWorkerStaleAfter  = 60 * time.Second
)

// cameraEntry is one camera's registered capture worker and fps counters.
type cameraEntry struct {
	worker *capture.Worker

	skippedFPS   float64
	processFPS   float64
	detectionFPS float64

	detectorTimeouts int64
}

// Supervisor tracks every camera's capture worker and every accelerator's
// AccelWorker, restarting whichever goes stale.
type Supervisor struct {
	mu      sync.Mutex
	cameras map[string]*cameraEntry
	workers map[int]*detect.Worker

	tickInterval      time.Duration
	decoderStaleAfter time.Duration
	workerStaleAfter  time.Duration

	// RestartDecoder and RestartAccelWorker are supplied by the wiring
	// layer; Supervisor only detects staleness, it doesn't own process
	// lifecycle itself.
	RestartDecoder     func(camera string)
	RestartAccelWorker func(workerID int)
}

// NewSupervisor constructs a Supervisor with spec.md §4.10's default
// thresholds (10s tick, 30s decoder staleness, 60s worker staleness).
func NewSupervisor() *Supervisor {
	return &Supervisor{
		cameras:           make(map[string]*cameraEntry),
		workers:           make(map[int]*detect.Worker),
		tickInterval:      defaultTickInterval,
		decoderStaleAfter: defaultDecoderStaleAfter,
		workerStaleAfter:  defaultWorkerStaleAfter,
	}
}

// RegisterCamera adds a camera's capture worker to the watchdog.
func (s *Supervisor) RegisterCamera(camera string, w *capture.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameras[camera] = &cameraEntry{worker: w}
}

// RegisterAccelWorker adds an AccelWorker to the watchdog.
func (s *Supervisor) RegisterAccelWorker(w *detect.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.ID] = w
}

// RecordSkippedFPS sets a camera's skipped_fps value for diagnostics.
func (s *Supervisor) RecordSkippedFPS(camera string, fps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cameras[camera]; ok {
		e.skippedFPS = fps
	}
}

// RecordProcessFPS updates a camera's process_fps (tracker throughput).
func (s *Supervisor) RecordProcessFPS(camera string, fps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cameras[camera]; ok {
		e.processFPS = fps
	}
}

// RecordDetectionFPS updates a camera's served-detection-requests rate,
// consulted by FairnessViolations.
func (s *Supervisor) RecordDetectionFPS(camera string, fps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cameras[camera]; ok {
		e.detectionFPS = fps
	}
}

// RecordDetectorTimeout increments a camera's detector-timeout counter,
// the diagnostic spec.md §5/§7 calls for when a detection request exceeds
// its deadline and the frame is treated as empty.
func (s *Supervisor) RecordDetectorTimeout(camera string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cameras[camera]; ok {
		e.detectorTimeouts++
	}
}

// DetectorTimeouts reports a camera's cumulative detector-timeout count.
func (s *Supervisor) DetectorTimeouts(camera string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cameras[camera]; ok {
		return e.detectorTimeouts
	}
	return 0
}

// Run drives the watchdog every tickInterval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.Tick(now)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Tick runs one watchdog pass: any camera whose decoder hasn't produced a
// frame in decoderStaleAfter gets RestartDecoder called; any accelerator
// whose last inference is older than workerStaleAfter gets
// RestartAccelWorker called.
func (s *Supervisor) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for camera, e := range s.cameras {
		stats := e.worker.Stats()
		if stats.LastReadUnixMicros == 0 {
			continue
		}
		lastFrame := time.UnixMicro(stats.LastReadUnixMicros)
		if now.Sub(lastFrame) > s.decoderStaleAfter && s.RestartDecoder != nil {
			s.RestartDecoder(camera)
		}
	}

	for id, w := range s.workers {
		last := w.LastInferenceUnixMicros()
		if last == 0 {
			continue
		}
		if now.Sub(time.UnixMicro(last)) > s.workerStaleAfter && s.RestartAccelWorker != nil {
			s.RestartAccelWorker(id)
		}
	}
}

// FairnessViolations returns the cameras whose detection_fps is below
// 0.5*median(detection_fps) across all registered cameras, the testable
// property spec.md §8 names for shared-detector fairness.
func (s *Supervisor) FairnessViolations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.cameras) == 0 {
		return nil
	}

	vals := make([]float64, 0, len(s.cameras))
	for _, e := range s.cameras {
		vals = append(vals, e.detectionFPS)
	}
	sort.Float64s(vals)
	median := stat.Quantile(0.5, stat.Empirical, vals, nil)
	if median == 0 {
		return nil
	}

	var violators []string
	for camera, e := range s.cameras {
		if e.detectionFPS < 0.5*median {
			violators = append(violators, camera)
		}
	}
	sort.Strings(violators)
	return violators
}
