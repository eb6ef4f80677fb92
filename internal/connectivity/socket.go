package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/openmined/soulsnaps/internal/events"
)

const (
	socketReconnectDelay    = 1 * time.Second
	socketMaxReconnectDelay = 30 * time.Second
	socketDialTimeout       = 10 * time.Second
	socketPingInterval      = 20 * time.Second
	socketPingTimeout       = 5 * time.Second
)

type SocketOptions struct {
	// URL of the backend events endpoint, http(s) URLs are converted to ws(s)
	URL     string
	Token   string
	Metered bool
}

// SocketMonitor reports connected while a websocket to the backend is open
// and answering pings.
type SocketMonitor struct {
	*signal
	opts   SocketOptions
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

var _ Monitor = (*SocketMonitor)(nil)

func NewSocketMonitor(bus *events.Bus, opts SocketOptions) *SocketMonitor {
	s := newSignal(bus, "socket")
	s.metered = opts.Metered
	return &SocketMonitor{signal: s, opts: opts}
}

func (m *SocketMonitor) Start(ctx context.Context) error {
	if m.opts.URL == "" {
		return errors.New("connectivity: socket url missing")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

func (m *SocketMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		m.wg.Wait()
	}
	m.set(false)
}

func (m *SocketMonitor) run(ctx context.Context) {
	defer m.wg.Done()

	delay := socketReconnectDelay
	attempt := 0
	for {
		conn, err := m.dial(ctx)
		if err == nil {
			attempt = 0
			delay = socketReconnectDelay
			m.set(true)
			m.hold(ctx, conn)
			m.set(false)
		} else if ctx.Err() == nil {
			attempt++
			slog.Debug("connectivity socket dial failed", "attempt", attempt, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay = min(delay*2, socketMaxReconnectDelay)
		jitterFactor := 0.75 + (rand.Float64() * 0.5)
		delay = time.Duration(float64(delay) * jitterFactor)
	}
}

func (m *SocketMonitor) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, socketDialTimeout)
	defer cancel()

	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}

	conn, _, err := websocket.Dial(ctx, toWebsocketURL(m.opts.URL), &websocket.DialOptions{
		HTTPHeader: header,
	})
	return conn, err
}

// hold blocks until the connection breaks or ctx is done
func (m *SocketMonitor) hold(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	// incoming messages are discarded, the socket only signals liveness
	connCtx := conn.CloseRead(ctx)

	ticker := time.NewTicker(socketPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-connCtx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(connCtx, socketPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Debug("connectivity socket ping failed", "error", err)
				return
			}
		}
	}
}

func toWebsocketURL(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + url[len("https://"):]
	} else if strings.HasPrefix(url, "http://") {
		return "ws://" + url[len("http://"):]
	}
	return url
}
