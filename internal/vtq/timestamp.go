// Package vtq holds the clock and value primitives spec §4.1 builds
// everything else on: Timestamp, Duration, Quality, VTQ and VTTQ.
package vtq

import (
	"fmt"
	"math"
	"time"
)

// Timestamp is monotonic milliseconds since the Unix epoch.
type Timestamp int64

// Empty and Max are the sentinels used to express unbounded range queries
// (spec §4.1).
const (
	Empty Timestamp = 0
	Max   Timestamp = math.MaxInt64
)

// Now returns the current wall-clock time as a Timestamp.
func Now() Timestamp {
	return FromTime(time.Now())
}

// FromTime converts a time.Time to a Timestamp.
func FromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Time converts a Timestamp back to a time.Time (UTC).
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

// Before reports whether t is strictly earlier than u.
func (t Timestamp) Before(u Timestamp) bool { return t < u }

// After reports whether t is strictly later than u.
func (t Timestamp) After(u Timestamp) bool { return t > u }

// Add returns t shifted by d.
func (t Timestamp) Add(d Duration) Timestamp { return t + Timestamp(d) }

// Sub returns the Duration between t and u (t - u).
func (t Timestamp) Sub(u Timestamp) Duration { return Duration(t - u) }

// InRange reports whether t is within [from, to]. An Empty from means
// -inf; an Empty or Max to means +inf.
func (t Timestamp) InRange(from, to Timestamp) bool {
	if from != Empty && t < from {
		return false
	}
	if to != Empty && to != Max && t > to {
		return false
	}
	return true
}

// String renders the timestamp as ISO-8601 for diagnostics (spec §4.1).
func (t Timestamp) String() string {
	if t == Empty {
		return "Empty"
	}
	if t == Max {
		return "Max"
	}
	return t.Time().Format("2006-01-02T15:04:05.000Z")
}

// Duration is a count of milliseconds, mirroring Timestamp's resolution.
type Duration int64

// Milliseconds-granularity duration constructors, matching the units the
// rest of the mediator reasons in.
func Millis(n int64) Duration       { return Duration(n) }
func Seconds(n int64) Duration      { return Duration(n * 1000) }
func FromStd(d time.Duration) Duration { return Duration(d.Milliseconds()) }

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) * time.Millisecond }

// Milliseconds returns the duration as a count of milliseconds.
func (d Duration) Milliseconds() int64 { return int64(d) }

func (d Duration) String() string {
	return fmt.Sprintf("%dms", int64(d))
}
