package perr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWrapsCause(t *testing.T) {
	cause := errors.New("short read")
	err := New(DecoderFailed, "driveway", cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "decoder_failed")
	assert.Contains(t, err.Error(), "driveway")
}

func TestOfKindMatchesRegardlessOfCameraOrCause(t *testing.T) {
	err := New(DetectorTimeout, "porch", errors.New("deadline exceeded"))

	assert.True(t, errors.Is(err, OfKind(DetectorTimeout)))
	assert.False(t, errors.Is(err, OfKind(DetectorUnavailable)))
}

func TestFatalKinds(t *testing.T) {
	for _, k := range []Kind{ModelLoadFailed, SharedMemoryExhausted, ConfigInvalid} {
		assert.True(t, k.Fatal(), "%s should be fatal", k)
	}
	for _, k := range []Kind{DecoderFailed, FrameDropped, DetectorUnavailable, DetectorTimeout, StoragePermission} {
		assert.False(t, k.Fatal(), "%s should be recoverable", k)
	}
}
