package synctask

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Entry is a queued task together with its retry bookkeeping
type Entry struct {
	ID          uint64
	Task        Task
	Seq         uint64 // dispatch order, kept when a task is coalesced in place
	RetryCount  int
	NextAttempt time.Time
	LastError   string
	EnqueuedAt  time.Time
	Running     bool
	Exhausted   bool
}

// Store persists queue entries so pending tasks survive restarts
type Store interface {
	Save(entry *Entry) error
	Remove(id uint64) error
	Load() ([]*Entry, error)
}

// Stats is a point in time view of the queue
type Stats struct {
	Pending      int
	Running      int
	Exhausted    int
	BackoffLevel int
	// NextAttempt is the earliest time a backing off task becomes eligible,
	// zero when nothing is backing off.
	NextAttempt time.Time
}

// QueueOption configures a Queue
type QueueOption func(*Queue)

// WithStore mirrors every queue mutation into the given store
func WithStore(store Store) QueueOption {
	return func(q *Queue) {
		q.store = store
	}
}

// WithBackoff sets the retry policy
func WithBackoff(backoff Backoff) QueueOption {
	return func(q *Queue) {
		q.backoff = backoff
	}
}

// WithMaxRetries parks a task once it failed n times. Zero retries forever.
func WithMaxRetries(n int) QueueOption {
	return func(q *Queue) {
		q.maxRetries = n
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// Queue holds not yet completed tasks with at most one queued task per
// identity key. A running task is tracked separately so that a newer intent
// for the same key can queue up behind it.
type Queue struct {
	entries    map[uint64]*Entry
	pending    map[string]uint64 // key -> queued (not running) entry id
	running    mapset.Set[uint64]
	backoff    Backoff
	maxRetries int
	store      Store
	now        func() time.Time
	lastID     uint64
	mu         sync.Mutex
}

func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		entries: make(map[uint64]*Entry),
		pending: make(map[string]uint64),
		running: mapset.NewThreadUnsafeSet[uint64](),
		backoff: NewBackoff(DefaultBackoffBase, DefaultBackoffMax),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Restore loads the entries persisted in the store. Entries that were
// running when the process stopped are queued again.
func (q *Queue) Restore() (int, error) {
	if q.store == nil {
		return 0, nil
	}

	loaded, err := q.store.Load()
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// newest first, so that older entries are coalesced into newer ones
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].ID > loaded[j].ID })

	restored := 0
	for _, e := range loaded {
		q.lastID = max(q.lastID, e.ID)
		e.Running = false
		e.Exhausted = false
		if q.supersededLocked(e) {
			q.removeStored(e.ID)
			continue
		}
		q.entries[e.ID] = e
		q.pending[e.Task.Key()] = e.ID
		restored++
	}
	return restored, nil
}

// Enqueue inserts the task or coalesces it with a queued one:
//   - same key: the newer task replaces the queued one in place
//   - ToggleFavorite replaces any queued toggle for the same memory
//   - UpdateMemory is merged into a queued update, or dropped when a create
//     or delete for the memory is queued
//   - DeleteMemory cancels queued create, update and favorite tasks
//   - PullAll is a no-op when one is already queued
//
// It reports whether the task ended up in the queue.
func (q *Queue) Enqueue(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	target := task.Target()

	switch t := task.(type) {
	case PullAll:
		if q.queuedLocked(t.Key()) != nil {
			return false
		}

	case DeleteMemory:
		q.cancelLocked(CreateMemory{LocalID: target}.Key())
		q.cancelLocked(UpdateMemory{LocalID: target}.Key())
		q.cancelLocked(ToggleFavorite{LocalID: target, IsFavorite: true}.Key())
		q.cancelLocked(ToggleFavorite{LocalID: target, IsFavorite: false}.Key())

	case UpdateMemory:
		if q.queuedLocked(DeleteMemory{LocalID: target}.Key()) != nil ||
			q.queuedLocked(CreateMemory{LocalID: target}.Key()) != nil {
			return false
		}
		if prev := q.queuedLocked(t.Key()); prev != nil {
			p := prev.Task.(UpdateMemory)
			t.ReuploadPhoto = t.ReuploadPhoto || p.ReuploadPhoto
			t.ReuploadAudio = t.ReuploadAudio || p.ReuploadAudio
			task = t
		}

	case ToggleFavorite:
		if q.queuedLocked(DeleteMemory{LocalID: target}.Key()) != nil {
			return false
		}
		opposite := ToggleFavorite{LocalID: target, IsFavorite: !t.IsFavorite}
		if prev := q.queuedLocked(opposite.Key()); prev != nil {
			q.replaceLocked(prev, task)
			return true
		}
	}

	if prev := q.queuedLocked(task.Key()); prev != nil {
		q.replaceLocked(prev, task)
		return true
	}

	q.insertLocked(task)
	return true
}

// DequeueBatch returns up to maxCount tasks eligible to run now: queued,
// not parked, past their backoff and not touching a memory that already has
// a running task. PullAll comes first, then insertion order. At most one task
// per memory is returned. allow may further filter tasks, nil allows all.
func (q *Queue) DequeueBatch(maxCount int, allow func(Task) bool) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.eligibleLocked(maxCount, allow)
}

// ClaimBatch is DequeueBatch followed by MarkRunning on every returned entry,
// under a single lock.
func (q *Queue) ClaimBatch(maxCount int, allow func(Task) bool) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.eligibleLocked(maxCount, allow)
	for i := range batch {
		e := q.entries[batch[i].ID]
		delete(q.pending, e.Task.Key())
		e.Running = true
		q.running.Add(e.ID)
		batch[i].Running = true
	}
	return batch
}

func (q *Queue) eligibleLocked(maxCount int, allow func(Task) bool) []Entry {
	if maxCount <= 0 {
		return nil
	}

	now := q.now()
	busy := mapset.NewThreadUnsafeSet[string]()
	for id := range q.running.Iter() {
		if target := q.entries[id].Task.Target(); target != "" {
			busy.Add(target)
		}
	}

	candidates := make([]*Entry, 0, len(q.pending))
	for _, id := range q.pending {
		e := q.entries[id]
		if q.exhaustedLocked(e) || e.NextAttempt.After(now) {
			continue
		}
		if target := e.Task.Target(); target != "" && busy.Contains(target) {
			continue
		}
		if allow != nil && !allow(e.Task) {
			continue
		}
		candidates = append(candidates, e)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aPull, bPull := a.Task.Kind() == KindPullAll, b.Task.Kind() == KindPullAll
		if aPull != bPull {
			return aPull
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})

	batch := make([]Entry, 0, min(maxCount, len(candidates)))
	for _, e := range candidates {
		if len(batch) == maxCount {
			break
		}
		if target := e.Task.Target(); target != "" {
			if busy.Contains(target) {
				continue
			}
			busy.Add(target)
		}
		batch = append(batch, *e)
	}
	return batch
}

// MarkRunning moves a queued entry to the running set. It fails with
// ErrTaskNotFound when the entry was superseded after it was dequeued.
func (q *Queue) MarkRunning(id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return ErrTaskNotFound
	}
	if q.running.Contains(id) {
		return ErrTaskRunning
	}

	if q.pending[e.Task.Key()] == id {
		delete(q.pending, e.Task.Key())
	}
	e.Running = true
	q.running.Add(id)
	return nil
}

// MarkCompleted removes a running entry from the queue
func (q *Queue) MarkCompleted(id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[id]; !ok {
		return ErrTaskNotFound
	}
	if !q.running.Contains(id) {
		return ErrTaskNotRunning
	}

	q.running.Remove(id)
	delete(q.entries, id)
	q.removeStored(id)
	return nil
}

// MarkFailed increments the retry count of a running entry, schedules its
// next attempt with the backoff policy and queues it again. The entry is
// only dropped when a newer queued task for the same memory supersedes it.
func (q *Queue) MarkFailed(id uint64, cause error) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return Entry{}, ErrTaskNotFound
	}
	if !q.running.Contains(id) {
		return Entry{}, ErrTaskNotRunning
	}

	q.running.Remove(id)
	e.Running = false
	e.RetryCount++
	e.NextAttempt = q.now().Add(q.backoff.Delay(e.RetryCount - 1))
	if cause != nil {
		e.LastError = cause.Error()
	}

	if q.supersededLocked(e) {
		delete(q.entries, id)
		q.removeStored(id)
		return *e, nil
	}

	q.pending[e.Task.Key()] = id
	e.Exhausted = q.exhaustedLocked(e)
	q.save(e)
	return *e, nil
}

// Release returns a running entry to the queue without counting an attempt
func (q *Queue) Release(id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return ErrTaskNotFound
	}
	if !q.running.Contains(id) {
		return ErrTaskNotRunning
	}

	q.running.Remove(id)
	e.Running = false
	if q.supersededLocked(e) {
		delete(q.entries, id)
		q.removeStored(id)
		return nil
	}
	q.pending[e.Task.Key()] = id
	return nil
}

// Retry re-arms a parked or backing off task so it runs on the next cycle
func (q *Queue) Retry(key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.queuedLocked(key)
	if e == nil {
		return ErrTaskNotFound
	}
	q.rearmLocked(e)
	return nil
}

// RetryAll re-arms every parked task and returns how many were re-armed
func (q *Queue) RetryAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, id := range q.pending {
		e := q.entries[id]
		if q.exhaustedLocked(e) {
			q.rearmLocked(e)
			count++
		}
	}
	return count
}

// HasTarget reports whether any queued or running task operates on the memory
func (q *Queue) HasTarget(localID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.Task.Target() == localID {
			return true
		}
	}
	return false
}

// Len returns the number of queued and running entries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats returns counters for metrics
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	stats := Stats{Running: q.running.Cardinality()}
	for _, id := range q.pending {
		e := q.entries[id]
		stats.Pending++
		if q.exhaustedLocked(e) {
			stats.Exhausted++
			continue
		}
		if e.NextAttempt.After(now) {
			stats.BackoffLevel = max(stats.BackoffLevel, e.RetryCount)
			if stats.NextAttempt.IsZero() || e.NextAttempt.Before(stats.NextAttempt) {
				stats.NextAttempt = e.NextAttempt
			}
		}
	}
	return stats
}

// Snapshot returns a copy of every entry in dispatch order
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		c := *e
		c.Running = q.running.Contains(e.ID)
		c.Exhausted = !c.Running && q.exhaustedLocked(e)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (q *Queue) queuedLocked(key string) *Entry {
	id, ok := q.pending[key]
	if !ok {
		return nil
	}
	return q.entries[id]
}

func (q *Queue) insertLocked(task Task) *Entry {
	q.lastID++
	e := &Entry{
		ID:         q.lastID,
		Task:       task,
		Seq:        q.lastID,
		EnqueuedAt: q.now(),
	}
	q.entries[e.ID] = e
	q.pending[task.Key()] = e.ID
	q.save(e)
	return e
}

// replaceLocked swaps a queued entry for a new task, keeping its position
func (q *Queue) replaceLocked(prev *Entry, task Task) {
	q.cancelLocked(prev.Task.Key())

	q.lastID++
	e := &Entry{
		ID:         q.lastID,
		Task:       task,
		Seq:        prev.Seq,
		EnqueuedAt: q.now(),
	}
	q.entries[e.ID] = e
	q.pending[task.Key()] = e.ID
	q.save(e)
}

func (q *Queue) cancelLocked(key string) {
	id, ok := q.pending[key]
	if !ok {
		return
	}
	delete(q.pending, key)
	delete(q.entries, id)
	q.removeStored(id)
}

// supersededLocked reports whether a queued task makes e redundant. An
// update's asset flags are merged into the newer update first.
func (q *Queue) supersededLocked(e *Entry) bool {
	target := e.Task.Target()
	deleteQueued := q.queuedLocked(DeleteMemory{LocalID: target}.Key()) != nil

	switch t := e.Task.(type) {
	case PullAll, DeleteMemory:
		return q.queuedLocked(t.Key()) != nil
	case CreateMemory:
		return deleteQueued || q.queuedLocked(t.Key()) != nil
	case UpdateMemory:
		if deleteQueued || q.queuedLocked(CreateMemory{LocalID: target}.Key()) != nil {
			return true
		}
		if newer := q.queuedLocked(t.Key()); newer != nil {
			n := newer.Task.(UpdateMemory)
			n.ReuploadPhoto = n.ReuploadPhoto || t.ReuploadPhoto
			n.ReuploadAudio = n.ReuploadAudio || t.ReuploadAudio
			newer.Task = n
			q.save(newer)
			return true
		}
	case ToggleFavorite:
		opposite := ToggleFavorite{LocalID: target, IsFavorite: !t.IsFavorite}
		return deleteQueued || q.queuedLocked(t.Key()) != nil || q.queuedLocked(opposite.Key()) != nil
	}
	return false
}

func (q *Queue) exhaustedLocked(e *Entry) bool {
	return q.maxRetries > 0 && e.RetryCount >= q.maxRetries
}

func (q *Queue) rearmLocked(e *Entry) {
	e.RetryCount = 0
	e.NextAttempt = time.Time{}
	e.Exhausted = false
	q.save(e)
}

func (q *Queue) save(e *Entry) {
	if q.store == nil {
		return
	}
	if err := q.store.Save(e); err != nil {
		slog.Warn("task journal save", "key", e.Task.Key(), "error", err)
	}
}

func (q *Queue) removeStored(id uint64) {
	if q.store == nil {
		return
	}
	if err := q.store.Remove(id); err != nil {
		slog.Warn("task journal remove", "id", id, "error", err)
	}
}
