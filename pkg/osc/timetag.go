// ABOUTME: NTP-style timetags for OSC bundles
// ABOUTME: Wraps the scgolang/osc timetag with zero and seconds helpers
package osc

import (
	"math"
	"time"

	scosc "github.com/scgolang/osc"
)

// Timetag is a 64-bit NTP timestamp: seconds since 1900-01-01 UTC in the
// upper 32 bits and the binary fraction of a second in the lower 32 bits.
// The zero value means "no timestamp".
type Timetag scosc.Timetag

// Immediately is the OSC timetag reserved for "process on receipt".
const Immediately Timetag = 1

// NTPReferenceDate returns the NTP epoch.
func NTPReferenceDate() time.Time {
	return time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)
}

// TimetagFromTime converts t to a timetag.
func TimetagFromTime(t time.Time) Timetag {
	return Timetag(scosc.FromTime(t))
}

// TimetagFromSeconds converts fractional seconds since the NTP epoch.
func TimetagFromSeconds(seconds float64) Timetag {
	whole, frac := math.Modf(seconds)
	return Timetag(uint64(whole)<<32 | uint64(frac*(1<<32)))
}

// Seconds returns the timetag as fractional seconds since the NTP epoch.
func (t Timetag) Seconds() float64 {
	return float64(uint64(t)>>32) + float64(uint64(t)&0xffffffff)/(1<<32)
}

// Time converts the timetag to wall clock time.
func (t Timetag) Time() time.Time {
	return scosc.Timetag(t).Time()
}

// IsZero reports whether no timestamp is set.
func (t Timetag) IsZero() bool {
	return t == 0
}
