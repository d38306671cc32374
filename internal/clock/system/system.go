// Package system provides the wall-clock implementation of harvest.Clock.
package system

import "time"

// Clock reads time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
