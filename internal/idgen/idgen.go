// Package idgen generates stable, lexically-sortable ids for tracked objects,
// events, and recording segments: a millisecond timestamp prefix followed by
// a short random suffix, matching the informal id shape used throughout the
// pack for anything that needs a time-ordered unique handle.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns an id of the form "<millis>-<12 hex chars>" for the given
// unix-millisecond timestamp. The timestamp is accepted as a parameter
// (rather than read from time.Now) so callers stay deterministic in tests
// and so the id reflects the event's logical time, not wall-clock issue time.
func New(unixMillis int64) string {
	return fmt.Sprintf("%d-%s", unixMillis, randomSuffix())
}

// Segment returns a recording segment filename stem of the form
// "<epoch>-<rand>", per the recording file naming convention.
func Segment(epochSeconds int64) string {
	return fmt.Sprintf("%d-%s", epochSeconds, randomSuffix())
}

func randomSuffix() string {
	u := uuid.New()
	return strings.ReplaceAll(u.String(), "-", "")[:12]
}
