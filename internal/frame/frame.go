// Package frame implements the Frame data model and FrameArena: the
// fixed-count pool of shared frame buffers per camera that hands decoded
// frames from CaptureWorker to MotionDetector/RegionPlanner by slot index;
// each consumer's Read copies the slot's pixels out. The whole pipeline runs
// as one Go process (goroutines, not OS processes, per the concurrency
// redesign), so the arena is an in-process []byte pool rather than mmap'd
// shared memory. Arena is a concrete struct type; callers use *Arena
// directly and no interface abstracts it.
package frame

import "fmt"

// PixelFormat names the raw pixel layout a decoder emits.
type PixelFormat string

// YUV420P is the only pixel format the decoder is configured to emit.
const YUV420P PixelFormat = "yuv420p"

// Frame is immutable once Published. Sequence is monotonic per camera.
type Frame struct {
	Camera          string
	Sequence        uint64
	TimestampMicros int64
	Format          PixelFormat
	Width           int
	Height          int
	Slot            int
}

// Size returns the byte size of one YUV 4:2:0 planar frame at w×h: a full
// resolution luma plane plus two quarter-resolution chroma planes.
func Size(w, h int) int {
	return w*h + 2*((w+1)/2)*((h+1)/2)
}

const (
	// reservedOverheadBytes is the fixed shared-memory budget withheld from
	// slot sizing for bookkeeping and non-frame allocations.
	reservedOverheadBytes = 50 * 1024 * 1024
	// mosaicOverheadBytes is withheld in addition when a combined mosaic
	// stream is enabled.
	mosaicOverheadBytes = 8 * 1024 * 1024
	// perSlotMetadataBytes approximates the non-pixel bookkeeping carried
	// alongside each raw frame (sequence, timestamp, index structures).
	perSlotMetadataBytes = 264 * 1024
	// maxSlotsPerCamera caps the pool regardless of available memory.
	maxSlotsPerCamera = 50
	// minHealthySlots is the threshold below which callers should warn.
	minHealthySlots = 10
)

// SlotsPerCamera implements the §4.1 sizing formula: given the total
// shared-memory budget, per-frame dimensions, and whether a mosaic stream is
// enabled, returns how many slots a camera's arena should allocate and
// whether that count is unhealthily low.
func SlotsPerCamera(totalShmBytes int64, width, height int, mosaicEnabled bool) (slots int, lowWarning bool, err error) {
	if width <= 0 || height <= 0 {
		return 0, false, fmt.Errorf("frame: invalid dimensions %dx%d", width, height)
	}

	reserved := int64(reservedOverheadBytes)
	if mosaicEnabled {
		reserved += mosaicOverheadBytes
	}
	available := totalShmBytes - reserved
	if available <= 0 {
		return 0, true, fmt.Errorf("frame: shared memory budget %d exhausted by reserved overhead %d", totalShmBytes, reserved)
	}

	perSlot := int64(1.5*float64(width)*float64(height)) + perSlotMetadataBytes
	computed := int(available / perSlot)
	if computed > maxSlotsPerCamera {
		computed = maxSlotsPerCamera
	}
	if computed < 1 {
		return 0, true, fmt.Errorf("frame: shared memory budget too small for a single %dx%d slot", width, height)
	}

	return computed, computed < minHealthySlots, nil
}
