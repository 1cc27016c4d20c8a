package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewHasTimestampPrefixAndUniqueSuffix(t *testing.T) {
	a := New(1700000000000)
	b := New(1700000000000)

	assert.True(t, strings.HasPrefix(a, "1700000000000-"))
	assert.NotEqual(t, a, b, "suffixes should differ across calls")
	assert.Len(t, strings.SplitN(a, "-", 2)[1], 12)
}

func TestSegmentUsesEpochSeconds(t *testing.T) {
	s := Segment(1700000000)
	assert.True(t, strings.HasPrefix(s, "1700000000-"))
}
