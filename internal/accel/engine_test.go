package accel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWireResultParsesSSDFields(t *testing.T) {
	line := []byte(`{"boxes":[0.1,0.1,0.2,0.2],"class_ids":[1],"scores":[0.9],"count":1}` + "\n")

	raw, err := decodeWireResult(line)
	require.NoError(t, err)
	assert.Equal(t, 1, raw.Count)
	assert.Equal(t, []float32{0.9}, raw.Scores)
}

func TestDecodeWireResultParsesYOLOFields(t *testing.T) {
	line := []byte(`{"yolo":[0.1,0.2,0.3,0.4,0.9,1],"zero_point":128,"scale":0.0078125}` + "\n")

	raw, err := decodeWireResult(line)
	require.NoError(t, err)
	assert.Equal(t, 128, raw.ZeroPoint)
	assert.Len(t, raw.YOLO, 6)
}

func TestDecodeWireResultSurfacesSubprocessError(t *testing.T) {
	line := []byte(`{"error":"model load failed"}` + "\n")

	_, err := decodeWireResult(line)
	assert.ErrorContains(t, err, "model load failed")
}
