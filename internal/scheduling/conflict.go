package scheduling

import (
	"errors"
	"time"
)

var ErrInvalidInterval = errors.New("interval start must be before end")

// Interval is a half-open span of absolute time [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func NewInterval(start, end time.Time) (Interval, error) {
	if !start.Before(end) {
		return Interval{}, ErrInvalidInterval
	}
	return Interval{Start: start, End: end}, nil
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Overlaps reports whether a and b share any instant. Intervals that only
// touch (a.End == b.Start) do not overlap, so back-to-back bookings are fine.
func (i Interval) Overlaps(b Interval) bool {
	return i.Start.Before(b.End) && i.End.After(b.Start)
}

// Overlaps reports whether candidate overlaps any of existing. Callers drop
// cancelled appointments before calling.
func Overlaps(candidate Interval, existing ...Interval) bool {
	for _, e := range existing {
		if candidate.Overlaps(e) {
			return true
		}
	}
	return false
}
