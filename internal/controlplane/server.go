// Package controlplane serves the local HTTP API of the sync daemon: sync
// status, task inspection, manual triggers, a live event stream and memory
// CRUD for local clients.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/openmined/soulsnaps/internal/events"
	"github.com/openmined/soulsnaps/internal/utils"
)

const defaultRateLimit = 20

type Config struct {
	Addr  string
	Token string
	// RateLimit is the number of requests per second allowed per client
	RateLimit int
}

// Deps are the services the routes operate on
type Deps struct {
	Sync     SyncService
	Memories MemoryService
	Bus      *events.Bus
}

type Server struct {
	cfg    Config
	server *http.Server
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Sync == nil || deps.Memories == nil || deps.Bus == nil {
		return nil, errors.New("controlplane: sync, memories and bus are required")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: SetupRoutes(cfg, deps),
		// WriteTimeout stays unset, the event stream is long lived
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return &Server{cfg: cfg, server: httpServer}, nil
}

// Start serves until Stop is called
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }
	slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", ln.Addr()), "token", utils.MaskSecret(s.cfg.Token))
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control plane serve: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	return s.server.Shutdown(ctx)
}
