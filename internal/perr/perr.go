// Package perr defines the closed taxonomy of pipeline error kinds shared by
// every core component, so the supervisor can switch on kind instead of
// matching error strings.
package perr

import "fmt"

// Kind identifies a category of pipeline failure.
type Kind string

const (
	DecoderFailed         Kind = "decoder_failed"
	FrameDropped          Kind = "frame_dropped"
	DetectorUnavailable   Kind = "detector_unavailable"
	DetectorTimeout       Kind = "detector_timeout"
	ModelLoadFailed       Kind = "model_load_failed"
	SharedMemoryExhausted Kind = "shared_memory_exhausted"
	ConfigInvalid         Kind = "config_invalid"
	StoragePermission     Kind = "storage_permission"
)

// Fatal reports whether an error of this kind should terminate the affected
// subsystem rather than being recovered locally.
func (k Kind) Fatal() bool {
	switch k {
	case ModelLoadFailed, SharedMemoryExhausted, ConfigInvalid:
		return true
	default:
		return false
	}
}

// Error is a pipeline failure scoped to a camera (empty for global failures,
// e.g. ConfigInvalid before any camera starts) and tagged with a Kind so
// callers can recover programmatically instead of parsing messages.
type Error struct {
	Kind   Kind
	Camera string
	Err    error
}

func New(kind Kind, camera string, err error) *Error {
	return &Error{Kind: kind, Camera: camera, Err: err}
}

func (e *Error) Error() string {
	if e.Camera == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s[camera=%s]: %v", e.Kind, e.Camera, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, perr.New(kind, "", nil)) style kind comparisons,
// and lets callers write errors.Is(err, OfKind(SomeKind)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Camera != "" && t.Camera != e.Camera {
		return false
	}
	return true
}

// OfKind builds a zero-cause sentinel usable with errors.Is to test kind
// membership: errors.Is(err, perr.OfKind(perr.DecoderFailed)).
func OfKind(kind Kind) *Error {
	return &Error{Kind: kind}
}
