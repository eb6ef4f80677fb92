package connectivity

import (
	"context"

	"github.com/openmined/soulsnaps/internal/events"
)

// ManualMonitor is driven by its owner through Set
type ManualMonitor struct {
	*signal
}

var _ Monitor = (*ManualMonitor)(nil)

func NewManualMonitor(bus *events.Bus, connected bool) *ManualMonitor {
	s := newSignal(bus, "manual")
	s.connected = connected
	return &ManualMonitor{signal: s}
}

func (m *ManualMonitor) Start(context.Context) error { return nil }
func (m *ManualMonitor) Stop()                       {}

// Set changes the reported connectivity, emitting an event on transitions
func (m *ManualMonitor) Set(connected bool) {
	m.set(connected)
}

func (m *ManualMonitor) SetMetered(metered bool) {
	m.setMetered(metered)
}
