package synctask

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue(t *testing.T, opts ...QueueOption) (*Queue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]QueueOption{WithClock(clock.Now)}, opts...)
	return NewQueue(opts...), clock
}

func keys(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Task.Key())
	}
	return out
}

func runOne(t *testing.T, q *Queue) Entry {
	t.Helper()
	batch := q.DequeueBatch(1, nil)
	require.Len(t, batch, 1)
	require.NoError(t, q.MarkRunning(batch[0].ID))
	return batch[0]
}

func TestQueue_EnqueueSameKeyKeepsPosition(t *testing.T) {
	q, _ := newTestQueue(t)

	assert.True(t, q.Enqueue(CreateMemory{LocalID: "a", PhotoPath: "old"}))
	assert.True(t, q.Enqueue(CreateMemory{LocalID: "b"}))
	assert.True(t, q.Enqueue(CreateMemory{LocalID: "a", PhotoPath: "new"}))

	batch := q.DequeueBatch(10, nil)
	require.Len(t, batch, 2)
	assert.Equal(t, CreateMemory{LocalID: "a", PhotoPath: "new"}, batch[0].Task)
	assert.Equal(t, "CREATE:b", batch[1].Task.Key())
}

func TestQueue_FavoriteSupersedesFavorite(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(ToggleFavorite{LocalID: "a", IsFavorite: true})
	q.Enqueue(ToggleFavorite{LocalID: "a", IsFavorite: false})

	snapshot := q.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, ToggleFavorite{LocalID: "a", IsFavorite: false}, snapshot[0].Task)
}

func TestQueue_UpdateFoldsIntoCreate(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(CreateMemory{LocalID: "a"})
	assert.False(t, q.Enqueue(UpdateMemory{LocalID: "a", ReuploadPhoto: true}))

	assert.Equal(t, []string{"CREATE:a"}, keys(q.Snapshot()))
}

func TestQueue_UpdatesMergeAssetFlags(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(UpdateMemory{LocalID: "a", ReuploadPhoto: true})
	q.Enqueue(UpdateMemory{LocalID: "a", ReuploadAudio: true})

	snapshot := q.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, UpdateMemory{LocalID: "a", ReuploadPhoto: true, ReuploadAudio: true}, snapshot[0].Task)
}

func TestQueue_DeleteCancelsQueuedWork(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(CreateMemory{LocalID: "a"})
	q.Enqueue(ToggleFavorite{LocalID: "a", IsFavorite: true})
	q.Enqueue(CreateMemory{LocalID: "b"})
	assert.True(t, q.Enqueue(DeleteMemory{LocalID: "a"}))

	assert.Equal(t, []string{"CREATE:b", "DELETE:a"}, keys(q.Snapshot()))

	assert.False(t, q.Enqueue(UpdateMemory{LocalID: "a"}))
	assert.False(t, q.Enqueue(ToggleFavorite{LocalID: "a"}))
	assert.Equal(t, 2, q.Len())
}

func TestQueue_PullAllIdempotentAndFirst(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(CreateMemory{LocalID: "a"})
	assert.True(t, q.Enqueue(PullAll{}))
	assert.False(t, q.Enqueue(PullAll{}))

	batch := q.DequeueBatch(10, nil)
	assert.Equal(t, []string{"PULL_ALL", "CREATE:a"}, keys(batch))
}

func TestQueue_RunningTaskIsNotReplaced(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(CreateMemory{LocalID: "a", PhotoPath: "v1"})
	first := runOne(t, q)

	assert.True(t, q.Enqueue(CreateMemory{LocalID: "a", PhotoPath: "v2"}))
	assert.Equal(t, 2, q.Len())

	// the follow-up waits for the running task on the same memory
	assert.Empty(t, q.DequeueBatch(10, nil))

	require.NoError(t, q.MarkCompleted(first.ID))
	batch := q.DequeueBatch(10, nil)
	require.Len(t, batch, 1)
	assert.Equal(t, CreateMemory{LocalID: "a", PhotoPath: "v2"}, batch[0].Task)
}

func TestQueue_OneTaskPerMemoryPerBatch(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(CreateMemory{LocalID: "a"})
	q.Enqueue(ToggleFavorite{LocalID: "a", IsFavorite: true})
	q.Enqueue(CreateMemory{LocalID: "b"})

	assert.Equal(t, []string{"CREATE:a", "CREATE:b"}, keys(q.DequeueBatch(10, nil)))
}

func TestQueue_DequeueLimitAndFilter(t *testing.T) {
	q, _ := newTestQueue(t)

	for _, id := range []string{"a", "b", "c", "d"} {
		q.Enqueue(CreateMemory{LocalID: id})
	}
	q.Enqueue(DeleteMemory{LocalID: "e"})

	assert.Equal(t, []string{"CREATE:a", "CREATE:b"}, keys(q.DequeueBatch(2, nil)))
	assert.Nil(t, q.DequeueBatch(0, nil))

	onlyDeletes := func(task Task) bool { return task.Kind() == KindDelete }
	assert.Equal(t, []string{"DELETE:e"}, keys(q.DequeueBatch(10, onlyDeletes)))

	// dequeue does not remove anything
	assert.Equal(t, 5, q.Len())
}

func TestQueue_MarkFailedBacksOff(t *testing.T) {
	q, clock := newTestQueue(t, WithBackoff(NewBackoff(15*time.Second, time.Hour)))

	q.Enqueue(CreateMemory{LocalID: "a"})
	e := runOne(t, q)

	failed, err := q.MarkFailed(e.ID, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, "boom", failed.LastError)
	assert.Equal(t, clock.Now().Add(15*time.Second), failed.NextAttempt)

	assert.Empty(t, q.DequeueBatch(10, nil))
	stats := q.Stats()
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.BackoffLevel)
	assert.Equal(t, failed.NextAttempt, stats.NextAttempt)

	clock.Advance(15 * time.Second)
	e = runOne(t, q)
	failed, err = q.MarkFailed(e.ID, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, 2, failed.RetryCount)
	assert.Equal(t, clock.Now().Add(30*time.Second), failed.NextAttempt)

	clock.Advance(30 * time.Second)
	e = runOne(t, q)
	require.NoError(t, q.MarkCompleted(e.ID))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, Stats{}, q.Stats())
}

func TestQueue_FailedTaskSupersededByNewerIntent(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(ToggleFavorite{LocalID: "a", IsFavorite: true})
	e := runOne(t, q)
	q.Enqueue(ToggleFavorite{LocalID: "a", IsFavorite: false})

	_, err := q.MarkFailed(e.ID, errors.New("offline"))
	require.NoError(t, err)

	snapshot := q.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, ToggleFavorite{LocalID: "a", IsFavorite: false}, snapshot[0].Task)
	assert.Zero(t, snapshot[0].RetryCount)
}

func TestQueue_FailedCreateDroppedByDelete(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(CreateMemory{LocalID: "a"})
	e := runOne(t, q)
	q.Enqueue(DeleteMemory{LocalID: "a", RemoteID: "r1"})

	_, err := q.MarkFailed(e.ID, errors.New("offline"))
	require.NoError(t, err)
	assert.Equal(t, []string{"DELETE:a"}, keys(q.Snapshot()))
}

func TestQueue_FailedUpdateMergesIntoNewer(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(UpdateMemory{LocalID: "a", ReuploadPhoto: true})
	e := runOne(t, q)
	q.Enqueue(UpdateMemory{LocalID: "a", ReuploadAudio: true})

	_, err := q.MarkFailed(e.ID, errors.New("offline"))
	require.NoError(t, err)

	snapshot := q.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, UpdateMemory{LocalID: "a", ReuploadPhoto: true, ReuploadAudio: true}, snapshot[0].Task)
}

func TestQueue_MaxRetriesParksTask(t *testing.T) {
	q, clock := newTestQueue(t, WithMaxRetries(2))

	q.Enqueue(CreateMemory{LocalID: "a"})
	for i := 0; i < 2; i++ {
		e := runOne(t, q)
		_, err := q.MarkFailed(e.ID, errors.New("boom"))
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}

	assert.Empty(t, q.DequeueBatch(10, nil))
	assert.Equal(t, 1, q.Stats().Exhausted)
	assert.True(t, q.Snapshot()[0].Exhausted)

	assert.Equal(t, 1, q.RetryAll())
	assert.Equal(t, 0, q.Stats().Exhausted)
	assert.Len(t, q.DequeueBatch(10, nil), 1)
}

func TestQueue_RetryByKey(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(CreateMemory{LocalID: "a"})
	e := runOne(t, q)
	_, err := q.MarkFailed(e.ID, errors.New("boom"))
	require.NoError(t, err)
	assert.Empty(t, q.DequeueBatch(10, nil))

	require.NoError(t, q.Retry("CREATE:a"))
	assert.Len(t, q.DequeueBatch(10, nil), 1)

	assert.ErrorIs(t, q.Retry("CREATE:zzz"), ErrTaskNotFound)
}

func TestQueue_MarkErrors(t *testing.T) {
	q, _ := newTestQueue(t)

	assert.ErrorIs(t, q.MarkRunning(99), ErrTaskNotFound)
	assert.ErrorIs(t, q.MarkCompleted(99), ErrTaskNotFound)
	_, err := q.MarkFailed(99, nil)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	q.Enqueue(PullAll{})
	e := q.DequeueBatch(1, nil)[0]
	assert.ErrorIs(t, q.MarkCompleted(e.ID), ErrTaskNotRunning)
	require.NoError(t, q.MarkRunning(e.ID))
	assert.ErrorIs(t, q.MarkRunning(e.ID), ErrTaskRunning)
}

func TestQueue_SupersededAfterDequeue(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(CreateMemory{LocalID: "a", PhotoPath: "v1"})
	stale := q.DequeueBatch(1, nil)[0]
	q.Enqueue(CreateMemory{LocalID: "a", PhotoPath: "v2"})

	assert.ErrorIs(t, q.MarkRunning(stale.ID), ErrTaskNotFound)
}

func TestQueue_HasTarget(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(CreateMemory{LocalID: "a"})
	e := runOne(t, q)
	assert.True(t, q.HasTarget("a"))
	assert.False(t, q.HasTarget("b"))

	require.NoError(t, q.MarkCompleted(e.ID))
	assert.False(t, q.HasTarget("a"))
}

func TestQueue_ClaimBatch(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(CreateMemory{LocalID: "a"})
	q.Enqueue(CreateMemory{LocalID: "b"})

	claimed := q.ClaimBatch(10, nil)
	require.Len(t, claimed, 2)
	assert.True(t, claimed[0].Running)
	assert.Equal(t, 2, q.Stats().Running)
	assert.Empty(t, q.ClaimBatch(10, nil))

	// a newer intent queues behind the claimed task
	assert.True(t, q.Enqueue(CreateMemory{LocalID: "a", PhotoPath: "v2"}))
	assert.Equal(t, 3, q.Len())

	require.NoError(t, q.MarkCompleted(claimed[0].ID))
	require.NoError(t, q.MarkCompleted(claimed[1].ID))
	assert.Equal(t, []string{"CREATE:a"}, keys(q.ClaimBatch(10, nil)))
}

func TestQueue_Release(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue(CreateMemory{LocalID: "a"})
	claimed := q.ClaimBatch(10, nil)
	require.Len(t, claimed, 1)

	require.NoError(t, q.Release(claimed[0].ID))
	assert.ErrorIs(t, q.Release(claimed[0].ID), ErrTaskNotRunning)

	again := q.DequeueBatch(10, nil)
	require.Len(t, again, 1)
	assert.Zero(t, again[0].RetryCount)
	assert.Equal(t, claimed[0].ID, again[0].ID)
}
