// Package clock abstracts wall-clock reads for testability. Production
// code injects Real(); tests inject a Fake with deterministic control.
//
// The ticket protocol only ever reads the current time (validity
// windows, authenticator timestamps, the registration window), so the
// interface is intentionally just Now.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Fake is a deterministic Clock for tests. Time stands still until
// Advance or Set is called. Safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	current time.Time
}

// NewFake returns a Fake initialized to the given time.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Advance moves the fake time forward by d. Negative durations move it
// backward; tests use that to simulate clock skew.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
}

// Set moves the fake time to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = t
}
