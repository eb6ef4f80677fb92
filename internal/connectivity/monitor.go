// Package connectivity reports whether the backend is reachable. The sync
// manager only drains its queue while a Monitor reports connected.
package connectivity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openmined/soulsnaps/internal/events"
)

// Monitor observes backend reachability
type Monitor interface {
	Start(ctx context.Context) error
	Stop()
	Connected() bool
	// Metered reports a connection billed by volume
	Metered() bool
	// Subscribe returns a channel receiving the latest connectivity value
	// after each transition.
	Subscribe() (<-chan bool, func())
}

// signal holds the connectivity state shared by all monitors. It emits
// ConnectivityChanged on transitions only.
type signal struct {
	bus       *events.Bus
	name      string
	mu        sync.RWMutex
	connected bool
	metered   bool
	subs      map[uint64]chan bool
	nextID    uint64
}

func newSignal(bus *events.Bus, name string) *signal {
	return &signal{
		bus:  bus,
		name: name,
		subs: make(map[uint64]chan bool),
	}
}

func (s *signal) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *signal) Metered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metered
}

func (s *signal) setMetered(metered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metered = metered
}

// set records the state and reports whether it changed
func (s *signal) set(connected bool) bool {
	s.mu.Lock()
	if s.connected == connected {
		s.mu.Unlock()
		return false
	}
	s.connected = connected
	for _, ch := range s.subs {
		offerLatest(ch, connected)
	}
	s.mu.Unlock()

	slog.Info("connectivity changed", "monitor", s.name, "connected", connected)
	s.bus.Emit(events.ConnectivityChanged{Connected: connected})
	return true
}

func (s *signal) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	ch := make(chan bool, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// offerLatest replaces a value nobody consumed yet with v
func offerLatest(ch chan bool, v bool) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
