// Package system provides the wall clock used to stamp snapshots, exports
// and runs.
package system

import "time"

// Clock reads the wall clock in UTC, keeping snapshot and export file names
// independent of the host time zone.
type Clock struct{}

// New returns the wall clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
