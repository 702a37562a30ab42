// Package clock supplies handling-time instants.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current instant.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock in UTC and never goes backwards: a reading
// earlier than the previous one (NTP step, VM migration) is clamped to it.
type System struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewSystem() *System {
	return NewSystemFrom(time.Now)
}

// NewSystemFrom clamps readings from now instead of the wall clock.
func NewSystemFrom(now func() time.Time) *System {
	return &System{now: now}
}

func (c *System) Now() time.Time {
	now := c.now().UTC().Round(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.last) {
		now = c.last
	}
	c.last = now
	return now
}

// Func adapts a function to Clock.
type Func func() time.Time

func (f Func) Now() time.Time { return f() }

// Fixed always returns the same instant.
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }

// Sequence returns the given instants in order and then repeats the last one.
type Sequence struct {
	mu    sync.Mutex
	times []time.Time
	next  int
}

func NewSequence(times ...time.Time) *Sequence {
	return &Sequence{times: times}
}

func (s *Sequence) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.times) == 0 {
		return time.Time{}
	}
	t := s.times[s.next]
	if s.next < len(s.times)-1 {
		s.next++
	}
	return t
}
