// Package timeutil abstracts wall-clock access so components that reason
// about elapsed time can be tested deterministically.
package timeutil

import "time"

// Provider supplies the current time.
type Provider interface {
	Now() time.Time
}

type realProvider struct{}

func (realProvider) Now() time.Time { return time.Now() }

// Default returns a Provider backed by the system clock.
func Default() Provider { return realProvider{} }

// Mock is a Provider whose time is fixed and advanced manually by tests.
type Mock struct {
	now time.Time
}

// NewMock creates a Mock provider pinned to the given instant.
func NewMock(now time.Time) *Mock { return &Mock{now: now} }

// Now returns the mock's current instant.
func (m *Mock) Now() time.Time { return m.now }

// Advance moves the mock clock forward by d.
func (m *Mock) Advance(d time.Duration) { m.now = m.now.Add(d) }

// Set pins the mock clock to t.
func (m *Mock) Set(t time.Time) { m.now = t }
