// Package timestamp provides the UNIX-epoch-seconds timestamp handling
// used throughout the wire protocol.
//
// The payload schema carries time as a float64 of seconds since the
// epoch; this package is the one place that converts between that form
// and time.Time, so precision decisions live in a single spot. A value
// of 0 means "not set".
package timestamp

import "time"

// Now returns the current time as epoch seconds.
func Now() float64 {
	return FromTime(time.Now())
}

// FromTime converts a time.Time to epoch seconds. The zero time maps
// to 0.
func FromTime(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

// ToTime converts epoch seconds to a time.Time. 0 maps to the zero
// time.
func ToTime(seconds float64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(seconds*float64(time.Second)))
}

// Age returns how long ago an epoch-seconds timestamp was, or 0 for an
// unset timestamp.
func Age(seconds float64) time.Duration {
	if seconds == 0 {
		return 0
	}
	return time.Since(ToTime(seconds))
}
