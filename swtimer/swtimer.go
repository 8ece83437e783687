// Package swtimer implements pdport.TimerService as a software timer list
// dispatched from the control loop.
package swtimer

import (
	"sync"
	"time"

	"github.com/oxplot/go-pdport"
)

// Clock is the time source of a Service.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock interface.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// ManualClock only moves when told to. It is used by tests and the simulator
// to step time deterministically.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now implements Clock interface.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type timer struct {
	key  pdport.TimerKey
	wake time.Time
	fn   pdport.TimerFunc
	seq  uint64
	next *timer
}

// Service keeps running timers in a list sorted by wake time. Timers with
// the same wake time fire in the order they were started.
type Service struct {
	mu    sync.Mutex
	clock Clock
	list  *timer
	byKey map[pdport.TimerKey]*timer
	seq   uint64
}

var _ pdport.TimerService = (*Service)(nil)

// New returns a timer service using clock. A nil clock means SystemClock.
func New(clock Clock) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{
		clock: clock,
		byKey: make(map[pdport.TimerKey]*timer),
	}
}

// Start implements pdport.TimerService interface.
func (s *Service) Start(key pdport.TimerKey, period time.Duration, fn pdport.TimerFunc) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(key)
	s.seq++
	t := &timer{key: key, wake: now.Add(period), fn: fn, seq: s.seq}
	s.insert(t)
	s.byKey[key] = t
}

// Stop implements pdport.TimerService interface.
func (s *Service) Stop(key pdport.TimerKey) {
	s.mu.Lock()
	s.remove(key)
	s.mu.Unlock()
}

// StopRange implements pdport.TimerService interface.
func (s *Service) StopRange(lo, hi pdport.TimerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.byKey {
		if k >= lo && k <= hi {
			s.remove(k)
		}
	}
}

// IsRunning implements pdport.TimerService interface.
func (s *Service) IsRunning(key pdport.TimerKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[key]
	return ok
}

// Running returns the number of running timers.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// Next returns the wake time of the earliest running timer.
func (s *Service) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.list == nil {
		return time.Time{}, false
	}
	return s.list.wake, true
}

// Dispatch runs the callbacks of all expired timers and returns how many
// fired. A timer started by a callback during Dispatch does not fire before
// the next call, even with a zero period.
func (s *Service) Dispatch() int {
	now := s.clock.Now()
	s.mu.Lock()
	limit := s.seq
	n := 0
	for {
		t := s.due(now, limit)
		if t == nil {
			break
		}
		s.remove(t.key)
		s.mu.Unlock()
		t.fn(t.key)
		n++
		s.mu.Lock()
	}
	s.mu.Unlock()
	return n
}

func (s *Service) due(now time.Time, limit uint64) *timer {
	for t := s.list; t != nil && !t.wake.After(now); t = t.next {
		if t.seq <= limit {
			return t
		}
	}
	return nil
}

func (s *Service) insert(t *timer) {
	if s.list == nil || t.wake.Before(s.list.wake) {
		t.next = s.list
		s.list = t
		return
	}
	cur := s.list
	for cur.next != nil && !t.wake.Before(cur.next.wake) {
		cur = cur.next
	}
	t.next = cur.next
	cur.next = t
}

func (s *Service) remove(key pdport.TimerKey) {
	t, ok := s.byKey[key]
	if !ok {
		return
	}
	delete(s.byKey, key)
	if s.list == t {
		s.list = t.next
		t.next = nil
		return
	}
	for cur := s.list; cur != nil; cur = cur.next {
		if cur.next == t {
			cur.next = t.next
			t.next = nil
			return
		}
	}
}
