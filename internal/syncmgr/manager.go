// Package syncmgr drains the sync task queue against the remote backend.
//
// A single coordinator goroutine runs drain cycles. Wake-ups from the
// scheduler, connectivity transitions, local changes and manual triggers
// are coalesced into a one slot request channel, so a request arriving
// during a cycle makes exactly one more cycle run right after it.
package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/soulsnaps/internal/connectivity"
	"github.com/openmined/soulsnaps/internal/events"
	"github.com/openmined/soulsnaps/internal/imagepipe"
	"github.com/openmined/soulsnaps/internal/memory"
	"github.com/openmined/soulsnaps/internal/rowapi"
	"github.com/openmined/soulsnaps/internal/scheduler"
	"github.com/openmined/soulsnaps/internal/storage"
	"github.com/openmined/soulsnaps/internal/synctask"
	"golang.org/x/sync/errgroup"
)

const DefaultMaxParallelTasks = 3

var (
	ErrOffline            = errors.New("sync: offline")
	ErrSyncAlreadyRunning = errors.New("sync: already running")
	ErrHandlerPanic       = errors.New("sync: task handler panicked")
)

type Config struct {
	UserID           string
	MaxParallelTasks int
	PullOnStartup    bool
	// RetryOnMetered allows asset uploads over a metered connection
	RetryOnMetered bool
}

// Deps are the collaborators of the manager. Scheduler may be nil.
type Deps struct {
	Queue     *synctask.Queue
	Store     LocalStore
	Storage   storage.Client
	Rows      rowapi.API
	Pipeline  imagepipe.Pipeline
	Monitor   connectivity.Monitor
	Scheduler scheduler.Scheduler
	Bus       *events.Bus
}

// CycleResult summarizes one drain cycle
type CycleResult struct {
	Skipped    bool
	Offline    bool
	Dispatched int
	Succeeded  int
	Failed     int
}

type Manager struct {
	cfg      Config
	queue    *synctask.Queue
	store    LocalStore
	storage  storage.Client
	rows     rowapi.API
	pipeline imagepipe.Pipeline
	monitor  connectivity.Monitor
	sched    scheduler.Scheduler
	bus      *events.Bus
	handlers map[synctask.Kind]handlerFunc
	counters counters

	drainReq chan struct{}
	muCycle  sync.Mutex

	mu         sync.Mutex
	started    bool
	cancel     context.CancelFunc
	unsubConn  func()
	retryTimer *time.Timer
	wg         sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Manager, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("syncmgr: queue is required")
	case deps.Store == nil:
		return nil, errors.New("syncmgr: local store is required")
	case deps.Storage == nil:
		return nil, errors.New("syncmgr: storage client is required")
	case deps.Rows == nil:
		return nil, errors.New("syncmgr: row api is required")
	case deps.Pipeline == nil:
		return nil, errors.New("syncmgr: image pipeline is required")
	case deps.Monitor == nil:
		return nil, errors.New("syncmgr: connectivity monitor is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("syncmgr: user id is required")
	}
	if cfg.MaxParallelTasks <= 0 {
		cfg.MaxParallelTasks = DefaultMaxParallelTasks
	}

	m := &Manager{
		cfg:      cfg,
		queue:    deps.Queue,
		store:    deps.Store,
		storage:  deps.Storage,
		rows:     deps.Rows,
		pipeline: deps.Pipeline,
		monitor:  deps.Monitor,
		sched:    deps.Scheduler,
		bus:      deps.Bus,
		drainReq: make(chan struct{}, 1),
		counters: counters{state: StateIdle},
	}
	m.handlers = map[synctask.Kind]handlerFunc{
		synctask.KindCreate:   m.handleCreate,
		synctask.KindUpdate:   m.handleUpdate,
		synctask.KindFavorite: m.handleFavorite,
		synctask.KindDelete:   m.handleDelete,
		synctask.KindPullAll:  m.handlePullAll,
	}
	return m, nil
}

// Start begins observing connectivity, the scheduler and the local change
// stream. Calling it again is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := m.monitor.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start connectivity monitor: %w", err)
	}

	connUpdates, unsubscribe := m.monitor.Subscribe()
	m.unsubConn = unsubscribe
	m.cancel = cancel
	m.started = true

	if m.sched != nil {
		m.sched.EnsureScheduled()
	}
	if m.cfg.PullOnStartup {
		m.queue.Enqueue(synctask.PullAll{})
	}
	m.requeuePending(ctx)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.consumeChanges(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.coordinate(ctx, connUpdates)
	}()

	slog.Info("sync manager started", "user", m.cfg.UserID, "parallel", m.cfg.MaxParallelTasks, "queued", m.queue.Len())
	m.requestDrain()
	return nil
}

// Stop halts periodic and reactive triggers. A cycle in flight runs to
// completion before Stop returns.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	unsubscribe := m.unsubConn
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()

	cancel()
	if m.sched != nil {
		m.sched.Cancel()
	}
	m.monitor.Stop()
	m.wg.Wait()
	unsubscribe()
	slog.Info("sync manager stopped")
}

// Enqueue adds a task and requests a drain
func (m *Manager) Enqueue(task synctask.Task) bool {
	queued := m.queue.Enqueue(task)
	if queued {
		m.TriggerNow()
	}
	return queued
}

// TriggerNow forces a drain attempt, still gated by connectivity
func (m *Manager) TriggerNow() {
	if m.sched != nil {
		m.sched.WakeUpNow()
		return
	}
	m.requestDrain()
}

// Retry re-arms a parked task
func (m *Manager) Retry(key string) error {
	if err := m.queue.Retry(key); err != nil {
		return err
	}
	m.TriggerNow()
	return nil
}

// RetryAll re-arms every parked task
func (m *Manager) RetryAll() int {
	n := m.queue.RetryAll()
	if n > 0 {
		m.TriggerNow()
	}
	return n
}

// Tasks lists the queued and running tasks
func (m *Manager) Tasks() []synctask.Entry {
	return m.queue.Snapshot()
}

func (m *Manager) Metrics() Metrics {
	stats := m.queue.Stats()
	metrics := Metrics{
		Connected:      m.monitor.Connected(),
		PendingTasks:   stats.Pending,
		RunningTasks:   stats.Running,
		ExhaustedTasks: stats.Exhausted,
		BackoffLevel:   stats.BackoffLevel,
		NextRetryAt:    stats.NextAttempt,
	}
	m.counters.fill(&metrics)
	return metrics
}

// Drain runs one cycle synchronously. It fails with ErrSyncAlreadyRunning
// when another cycle is in progress.
func (m *Manager) Drain(ctx context.Context) (CycleResult, error) {
	if !m.muCycle.TryLock() {
		return CycleResult{}, ErrSyncAlreadyRunning
	}
	defer m.muCycle.Unlock()
	return m.drain(ctx), nil
}

func (m *Manager) requestDrain() {
	select {
	case m.drainReq <- struct{}{}:
	default:
	}
}

func (m *Manager) coordinate(ctx context.Context, connUpdates <-chan bool) {
	var wake <-chan struct{}
	if m.sched != nil {
		wake = m.sched.Wake()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.drainReq:
		case <-wake:
		case connected, ok := <-connUpdates:
			if !ok {
				connUpdates = nil
				continue
			}
			if !connected {
				continue
			}
		}

		m.muCycle.Lock()
		m.drain(ctx)
		m.muCycle.Unlock()
	}
}

// drain must be called with muCycle held
func (m *Manager) drain(ctx context.Context) CycleResult {
	if !m.monitor.Connected() {
		slog.Debug("sync skipped, offline")
		return CycleResult{Skipped: true, Offline: true}
	}

	allow := m.dispatchFilter()
	batch := m.queue.ClaimBatch(m.cfg.MaxParallelTasks, allow)
	if len(batch) == 0 {
		m.armRetryTimer()
		return CycleResult{Skipped: true}
	}

	// connectivity may have dropped between the request and dispatch
	if !m.monitor.Connected() {
		for _, e := range batch {
			if err := m.queue.Release(e.ID); err != nil {
				slog.Warn("sync release", "key", e.Task.Key(), "error", err)
			}
		}
		m.bus.Emit(events.SyncFailed{Err: ErrOffline})
		return CycleResult{Offline: true}
	}

	cycleID := uuid.NewString()[:8]
	tStart := time.Now()
	m.counters.setState(StateRunning)
	m.bus.Emit(events.SyncStarted{TaskCount: len(batch)})
	slog.Debug("sync cycle start", "cycle", cycleID, "tasks", len(batch))

	// handlers finish even when the manager is stopped mid-cycle
	taskCtx := context.WithoutCancel(ctx)

	var (
		mu     sync.Mutex
		result = CycleResult{Dispatched: len(batch)}
	)
	var g errgroup.Group
	g.SetLimit(m.cfg.MaxParallelTasks)
	for _, e := range batch {
		g.Go(func() error {
			err := m.runTask(taskCtx, e)
			mu.Lock()
			if err != nil {
				result.Failed++
			} else {
				result.Succeeded++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	took := time.Since(tStart)
	m.counters.cycleDone(time.Now(), took)
	m.counters.setState(StateIdle)
	m.bus.Emit(events.SyncCompleted{SuccessCount: result.Succeeded, FailureCount: result.Failed})

	slog.Info("sync cycle",
		"cycle", cycleID,
		"tasks", result.Dispatched,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"queued", m.queue.Len(),
		"took", took,
	)

	// tasks beyond this batch, or follow-ups for memories busy in it
	if len(m.queue.DequeueBatch(1, allow)) > 0 {
		m.requestDrain()
	} else {
		m.armRetryTimer()
	}
	return result
}

// dispatchFilter holds back asset uploads on a metered link
func (m *Manager) dispatchFilter() func(synctask.Task) bool {
	if m.cfg.RetryOnMetered || !m.monitor.Metered() {
		return nil
	}
	return func(task synctask.Task) bool {
		switch task.Kind() {
		case synctask.KindFavorite, synctask.KindDelete, synctask.KindPullAll:
			return true
		default:
			return false
		}
	}
}

// armRetryTimer requests a drain when the earliest backing off task becomes
// eligible
func (m *Manager) armRetryTimer() {
	next := m.queue.Stats().NextAttempt

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if next.IsZero() || !m.started {
		return
	}
	m.retryTimer = time.AfterFunc(max(time.Until(next), 0), m.requestDrain)
}

func (m *Manager) runTask(ctx context.Context, e synctask.Entry) error {
	out, err := m.execute(ctx, e.Task)
	m.counters.taskDone(err)

	if err != nil {
		failed, markErr := m.queue.MarkFailed(e.ID, err)
		if markErr != nil {
			slog.Warn("sync mark failed", "key", e.Task.Key(), "error", markErr)
		}
		if e.Task.Kind() == synctask.KindPullAll {
			slog.Warn("sync pull failed", "retry", failed.RetryCount, "error", err)
			return err
		}
		slog.Warn("sync task failed", "key", e.Task.Key(), "retry", failed.RetryCount, "nextAttempt", failed.NextAttempt, "error", err)
		m.bus.Emit(events.SnapSyncFailed{LocalID: e.Task.Target(), Err: err, RetryCount: failed.RetryCount})
		return err
	}

	if err := m.queue.MarkCompleted(e.ID); err != nil {
		slog.Warn("sync mark completed", "key", e.Task.Key(), "error", err)
	}

	target := e.Task.Target()
	if target == "" || out.skipped {
		return nil
	}
	if !m.queue.HasTarget(target) {
		m.markSynced(ctx, target, out.observed)
	}

	if e.Task.Kind() == synctask.KindDelete {
		m.bus.Emit(events.SnapDeleted{LocalID: target})
	} else {
		m.bus.Emit(events.SnapSynced{LocalID: target})
	}
	return nil
}

func (m *Manager) execute(ctx context.Context, task synctask.Task) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sync task handler panic", "key", task.Key(), "panic", r)
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, task.Key(), r)
		}
	}()

	handler, ok := m.handlers[task.Kind()]
	if !ok {
		return outcome{}, fmt.Errorf("%w: %s", synctask.ErrUnknownKind, task.Kind())
	}
	return handler(ctx, task)
}

// markSynced flips the record to SYNCED unless it was edited after the
// handler read it
func (m *Manager) markSynced(ctx context.Context, localID string, observed time.Time) {
	rec, err := m.store.Get(ctx, localID)
	if errors.Is(err, memory.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Warn("sync mark synced", "localId", localID, "error", err)
		return
	}
	if !observed.IsZero() && !rec.UpdatedAt.Equal(observed) {
		return
	}
	if err := m.store.MarkSyncState(ctx, localID, memory.SyncStateSynced); err != nil {
		slog.Warn("sync mark synced", "localId", localID, "error", err)
	}
}

func (m *Manager) consumeChanges(ctx context.Context) {
	changes := m.store.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			task := m.taskForChange(change)
			if task == nil {
				continue
			}
			if m.queue.Enqueue(task) {
				slog.Debug("sync task queued", "key", task.Key())
			}
			m.TriggerNow()
		}
	}
}

func (m *Manager) taskForChange(c memory.Change) synctask.Task {
	switch c.Kind {
	case memory.ChangeCreated:
		t := synctask.CreateMemory{LocalID: c.LocalID}
		if c.HasPhoto {
			t.PhotoPath = memory.PhotoPath(m.cfg.UserID, c.LocalID)
		}
		if c.HasAudio {
			t.AudioPath = memory.AudioPath(m.cfg.UserID, c.LocalID)
		}
		return t
	case memory.ChangeUpdated:
		return synctask.UpdateMemory{LocalID: c.LocalID, ReuploadPhoto: c.PhotoChanged, ReuploadAudio: c.AudioChanged}
	case memory.ChangeFavorite:
		return synctask.ToggleFavorite{LocalID: c.LocalID, IsFavorite: c.IsFavorite}
	case memory.ChangeDeleted:
		return synctask.DeleteMemory{
			LocalID:         c.LocalID,
			RemoteID:        c.RemoteID,
			RemotePhotoPath: c.RemotePhotoPath,
			RemoteAudioPath: c.RemoteAudioPath,
		}
	default:
		slog.Warn("sync unknown change", "kind", c.Kind, "localId", c.LocalID)
		return nil
	}
}

// requeuePending queues work for PENDING records that have no task, which
// happens when the process stopped before their change was journaled.
func (m *Manager) requeuePending(ctx context.Context) {
	pending, err := m.store.Pending(ctx)
	if err != nil {
		slog.Warn("sync requeue pending", "error", err)
		return
	}

	requeued := 0
	for _, rec := range pending {
		if m.queue.HasTarget(rec.LocalID) {
			continue
		}
		var task synctask.Task
		switch {
		case rec.Deleted:
			task = synctask.DeleteMemory{
				LocalID:         rec.LocalID,
				RemoteID:        rec.RemoteID,
				RemotePhotoPath: rec.RemotePhotoPath,
				RemoteAudioPath: rec.RemoteAudioPath,
			}
		case rec.RemoteID == "":
			task = m.taskForChange(memory.Change{
				Kind:     memory.ChangeCreated,
				LocalID:  rec.LocalID,
				HasPhoto: rec.PhotoFile != "",
				HasAudio: rec.AudioFile != "",
			})
		default:
			task = synctask.UpdateMemory{LocalID: rec.LocalID}
		}
		if m.queue.Enqueue(task) {
			requeued++
		}
	}
	if requeued > 0 {
		slog.Info("sync requeued pending memories", "count", requeued)
	}
}
