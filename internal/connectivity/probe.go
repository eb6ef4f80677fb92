package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/soulsnaps/internal/events"
)

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

type ProbeOptions struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	// Metered marks the link as metered, set from configuration
	Metered bool
}

// ProbeMonitor polls a health URL. Any HTTP response below 500 counts as
// reachable.
type ProbeMonitor struct {
	*signal
	opts   ProbeOptions
	client *req.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

var _ Monitor = (*ProbeMonitor)(nil)

func NewProbeMonitor(bus *events.Bus, opts ProbeOptions) *ProbeMonitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultProbeInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeTimeout
	}

	s := newSignal(bus, "probe")
	s.metered = opts.Metered
	return &ProbeMonitor{
		signal: s,
		opts:   opts,
		client: req.C().SetTimeout(opts.Timeout),
	}
}

func (p *ProbeMonitor) Start(ctx context.Context) error {
	if p.opts.URL == "" {
		return errors.New("connectivity: probe url missing")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.set(p.probe(ctx))

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

func (p *ProbeMonitor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		p.wg.Wait()
	}
}

func (p *ProbeMonitor) loop(ctx context.Context) {
	defer p.wg.Done()

	timer := time.NewTimer(p.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.set(p.probe(ctx))
			timer.Reset(p.opts.Interval)
		}
	}
}

// Probe checks the URL once and updates the state
func (p *ProbeMonitor) Probe(ctx context.Context) bool {
	ok := p.probe(ctx)
	p.set(ok)
	return ok
}

func (p *ProbeMonitor) probe(ctx context.Context) bool {
	resp, err := p.client.R().SetContext(ctx).Get(p.opts.URL)
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("connectivity probe failed", "url", p.opts.URL, "error", err)
		}
		return false
	}
	return resp.StatusCode < http.StatusInternalServerError
}
