// Package clock provides an injectable wall-clock source so scheduling
// offsets and rate-window bucket labels are deterministic under test.
package clock

import (
	"time"
)

type Clock interface {
	Now() time.Time
}

// System is the real wall clock.
type System struct{}

func (System) Now() time.Time {
	return time.Now()
}
