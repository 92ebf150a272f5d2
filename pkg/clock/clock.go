// Package clock abstracts wall-clock time behind an interface so
// components that sleep (retry backoff, throttle decay) can be tested
// without real delays.
//
// Production code uses Real; tests use Manual and advance time
// explicitly.
package clock

import "time"

// Clock provides the time operations the migration engine depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that delivers the current time once d has
	// elapsed.
	After(d time.Duration) <-chan time.Time

	// Sleep blocks the caller for at least d.
	Sleep(d time.Duration)
}

// Real is the production Clock backed by the time package.
type Real struct{}

// Now returns the current time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After delegates to time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep delegates to time.Sleep.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}
