// Package scheduler wakes the sync manager periodically and on demand
package scheduler

import (
	"sync"
	"time"
)

const DefaultInterval = 15 * time.Minute

// Scheduler delivers wake-ups on the Wake channel. Pending wake-ups are
// coalesced into one.
type Scheduler interface {
	// EnsureScheduled registers the periodic wake-up, idempotent
	EnsureScheduled()
	// WakeUpNow requests an immediate wake-up
	WakeUpNow()
	// Cancel stops the periodic wake-up
	Cancel()
	Wake() <-chan struct{}
}

// TimerScheduler wakes every interval while hasNetwork reports true. It
// re-arms a timer after each fire instead of using a ticker so that a slow
// consumer never finds a backlog of ticks.
type TimerScheduler struct {
	interval   time.Duration
	hasNetwork func() bool
	wake       chan struct{}
	timer      *time.Timer
	mu         sync.Mutex
}

var _ Scheduler = (*TimerScheduler)(nil)

// NewTimerScheduler returns a scheduler firing every interval. A nil
// hasNetwork always allows wake-ups.
func NewTimerScheduler(interval time.Duration, hasNetwork func() bool) *TimerScheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if hasNetwork == nil {
		hasNetwork = func() bool { return true }
	}
	return &TimerScheduler{
		interval:   interval,
		hasNetwork: hasNetwork,
		wake:       make(chan struct{}, 1),
	}
}

func (s *TimerScheduler) EnsureScheduled() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.interval, s.fire)
}

func (s *TimerScheduler) WakeUpNow() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *TimerScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *TimerScheduler) Wake() <-chan struct{} {
	return s.wake
}

// Scheduled reports whether the periodic wake-up is registered
func (s *TimerScheduler) Scheduled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *TimerScheduler) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// cancelled while this fire was pending
	if s.timer == nil {
		return
	}
	if s.hasNetwork() {
		s.WakeUpNow()
	}
	s.timer.Reset(s.interval)
}
