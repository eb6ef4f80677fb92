// Package daemon wires the sync engine, its stores and the control plane
// into one long running process.
package daemon

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/openmined/soulsnaps/internal/config"
	"github.com/openmined/soulsnaps/internal/connectivity"
	"github.com/openmined/soulsnaps/internal/controlplane"
	"github.com/openmined/soulsnaps/internal/events"
	"github.com/openmined/soulsnaps/internal/imagepipe"
	"github.com/openmined/soulsnaps/internal/localstore"
	"github.com/openmined/soulsnaps/internal/rowapi"
	"github.com/openmined/soulsnaps/internal/scheduler"
	"github.com/openmined/soulsnaps/internal/storage"
	"github.com/openmined/soulsnaps/internal/syncmgr"
	"github.com/openmined/soulsnaps/internal/synctask"
	"github.com/openmined/soulsnaps/internal/utils"
)

const (
	eventBufferSize = 64
	tokenLength     = 24
	shutdownTimeout = 10 * time.Second
)

var ErrAlreadyRunning = errors.New("daemon: another instance holds the data dir lock")

type Daemon struct {
	cfg      *config.Config
	lock     *flock.Flock
	journal  *synctask.Journal
	store    *localstore.Store
	queue    *synctask.Queue
	bus      *events.Bus
	monitor  connectivity.Monitor
	manager  *syncmgr.Manager
	cps      *controlplane.Server
	listener net.Listener
	closers  []func() error
}

// New validates the config, takes the data dir lock and builds every
// component. The control plane listener is bound here so Addr is known
// before Run.
func New(ctx context.Context, cfg *config.Config) (_ *Daemon, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := utils.EnsureDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	d := &Daemon{cfg: cfg, lock: flock.New(cfg.LockPath())}
	locked, err := d.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}
	d.closers = append(d.closers, d.unlock)
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if cfg.ControlPlane.Token == "" {
		if err := d.issueToken(); err != nil {
			return nil, err
		}
	}

	d.journal, err = synctask.OpenJournal(cfg.JournalPath())
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, d.journal.Close)

	d.store, err = localstore.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, d.store.Close)

	backoff := synctask.NewBackoff(cfg.Sync.BackoffBase, cfg.Sync.BackoffMax)
	backoff.Jitter = cfg.Sync.BackoffJitter
	d.queue = synctask.NewQueue(
		synctask.WithStore(d.journal),
		synctask.WithBackoff(backoff),
		synctask.WithMaxRetries(cfg.Sync.MaxRetries),
	)
	restored, err := d.queue.Restore()
	if err != nil {
		return nil, fmt.Errorf("restore task queue: %w", err)
	}
	slog.Info("task queue restored", "tasks", restored)

	objects, err := storage.NewS3ClientWithConfig(ctx, &cfg.Storage, cfg.API.Timeout)
	if err != nil {
		return nil, err
	}

	rows, err := rowapi.New(rowapi.Options{
		BaseURL:    cfg.API.BaseURL,
		Token:      cfg.API.Token,
		Timeout:    cfg.API.Timeout,
		RetryCount: cfg.API.RetryCount,
	})
	if err != nil {
		return nil, err
	}

	pipeline := imagepipe.New(d.store, imagepipe.Options{
		Compress: cfg.Sync.UploadCompression,
		Quality:  cfg.Sync.ImageQuality,
	})

	d.bus = events.NewBus(eventBufferSize)
	d.closers = append(d.closers, func() error { d.bus.Close(); return nil })
	d.monitor = newMonitor(d.bus, cfg)

	d.manager, err = syncmgr.New(syncmgr.Config{
		UserID:           cfg.UserID,
		MaxParallelTasks: cfg.Sync.MaxParallelTasks,
		PullOnStartup:    cfg.Sync.PullOnStartup,
		RetryOnMetered:   cfg.Sync.RetryOnMetered,
	}, syncmgr.Deps{
		Queue:     d.queue,
		Store:     d.store,
		Storage:   objects,
		Rows:      rows,
		Pipeline:  pipeline,
		Monitor:   d.monitor,
		Scheduler: scheduler.NewTimerScheduler(cfg.Sync.Interval, d.monitor.Connected),
		Bus:       d.bus,
	})
	if err != nil {
		return nil, err
	}

	d.cps, err = controlplane.New(controlplane.Config{
		Addr:  cfg.ControlPlane.Addr,
		Token: cfg.ControlPlane.Token,
	}, controlplane.Deps{Sync: d.manager, Memories: d.store, Bus: d.bus})
	if err != nil {
		return nil, err
	}

	d.listener, err = net.Listen("tcp", cfg.ControlPlane.Addr)
	if err != nil {
		return nil, fmt.Errorf("control plane listen: %w", err)
	}
	d.closers = append(d.closers, func() error {
		if err := d.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})

	return d, nil
}

func newMonitor(bus *events.Bus, cfg *config.Config) connectivity.Monitor {
	conn := cfg.Connectivity
	url := cmp.Or(conn.URL, cfg.API.BaseURL)
	switch conn.Mode {
	case config.ConnectivitySocket:
		return connectivity.NewSocketMonitor(bus, connectivity.SocketOptions{
			URL:     url,
			Token:   cfg.API.Token,
			Metered: conn.Metered,
		})
	case config.ConnectivityManual:
		m := connectivity.NewManualMonitor(bus, true)
		m.SetMetered(conn.Metered)
		return m
	default:
		return connectivity.NewProbeMonitor(bus, connectivity.ProbeOptions{
			URL:      url,
			Interval: conn.Interval,
			Metered:  conn.Metered,
		})
	}
}

// issueToken generates a control plane token and saves it with the config
// so local CLI commands can authenticate.
func (d *Daemon) issueToken() error {
	token, err := utils.RandToken(tokenLength)
	if err != nil {
		return fmt.Errorf("generate control plane token: %w", err)
	}
	d.cfg.ControlPlane.Token = token
	if d.cfg.Path == "" {
		return nil
	}
	if err := d.cfg.Save(d.cfg.Path); err != nil {
		return fmt.Errorf("save control plane token: %w", err)
	}
	return nil
}

// Addr is the bound control plane address
func (d *Daemon) Addr() string {
	return d.listener.Addr().String()
}

func (d *Daemon) Token() string {
	return d.cfg.ControlPlane.Token
}

func (d *Daemon) Manager() *syncmgr.Manager {
	return d.manager
}

func (d *Daemon) Store() *localstore.Store {
	return d.store
}

// Run starts the sync manager and the control plane and blocks until ctx is
// cancelled or one of them fails.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("soulsync daemon start", "user", d.cfg.UserID, "dataDir", d.cfg.DataDir, "mode", d.cfg.Connectivity.Mode)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := d.manager.Start(egCtx); err != nil {
			return fmt.Errorf("start sync manager: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		return d.cps.Serve(egCtx, d.listener)
	})

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("stopping daemon")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.stop(shutdownCtx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("soulsync daemon failure", "error", err)
		return err
	}

	slog.Info("soulsync daemon stopped")
	return nil
}

func (d *Daemon) stop(ctx context.Context) error {
	d.manager.Stop()
	if err := d.cps.Stop(ctx); err != nil {
		return fmt.Errorf("stop control plane: %w", err)
	}
	return nil
}

// Close releases stores and the data dir lock, in reverse order of
// acquisition.
func (d *Daemon) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func (d *Daemon) unlock() error {
	if !d.lock.Locked() {
		return nil
	}
	return d.lock.Unlock()
}
