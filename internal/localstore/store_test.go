package localstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openmined/soulsnaps/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func nextChange(t *testing.T, s *Store) memory.Change {
	t.Helper()
	select {
	case c := <-s.Changes():
		return c
	case <-time.After(time.Second):
		t.Fatal("no change published")
		return memory.Change{}
	}
}

func TestStore_CreateGetList(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	created, err := s.Create(ctx, &memory.Memory{
		Title:     "beach",
		MoodType:  "calm",
		PhotoFile: "/tmp/beach.jpg",
		Location:  &memory.Location{Lat: 1.5, Lng: -2.25, Name: "shore"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.LocalID)
	assert.Equal(t, memory.SyncStatePending, created.SyncState)

	change := nextChange(t, s)
	assert.Equal(t, memory.ChangeCreated, change.Kind)
	assert.Equal(t, created.LocalID, change.LocalID)
	assert.True(t, change.HasPhoto)
	assert.False(t, change.HasAudio)

	got, err := s.Get(ctx, created.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "beach", got.Title)
	require.NotNil(t, got.Location)
	assert.Equal(t, "shore", got.Location.Name)
	assert.Equal(t, -2.25, got.Location.Lng)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.Create(ctx, &memory.Memory{LocalID: created.LocalID})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(t.Context(), "nope")
	assert.ErrorIs(t, err, memory.ErrNotFound)
	assert.ErrorIs(t, s.MarkSyncState(t.Context(), "nope", memory.SyncStateSynced), memory.ErrNotFound)
	assert.ErrorIs(t, s.SetRemoteID(t.Context(), "nope", "r"), memory.ErrNotFound)
}

func TestStore_UpdateFlagsChangedAssets(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	m, err := s.Create(ctx, &memory.Memory{LocalID: "a", PhotoFile: "/p1.jpg"})
	require.NoError(t, err)
	nextChange(t, s)

	m.Title = "renamed"
	m.AudioFile = "/a1.m4a"
	_, err = s.Update(ctx, m)
	require.NoError(t, err)

	change := nextChange(t, s)
	assert.Equal(t, memory.ChangeUpdated, change.Kind)
	assert.False(t, change.PhotoChanged)
	assert.True(t, change.AudioChanged)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
}

func TestStore_SetFavorite(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Create(ctx, &memory.Memory{LocalID: "a"})
	require.NoError(t, err)
	nextChange(t, s)
	require.NoError(t, s.MarkSyncState(ctx, "a", memory.SyncStateSynced))

	got, err := s.SetFavorite(ctx, "a", true)
	require.NoError(t, err)
	assert.True(t, got.IsFavorite)
	assert.Equal(t, memory.SyncStatePending, got.SyncState)

	change := nextChange(t, s)
	assert.Equal(t, memory.Change{Kind: memory.ChangeFavorite, LocalID: "a", IsFavorite: true}, change)
}

func TestStore_DeleteTombstonesUntilSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Create(ctx, &memory.Memory{LocalID: "a"})
	require.NoError(t, err)
	nextChange(t, s)
	require.NoError(t, s.SetRemoteID(ctx, "a", "r1"))
	require.NoError(t, s.UpdateRemotePaths(ctx, "a", "soulsnaps/u/a/photo.jpg", ""))

	require.NoError(t, s.Delete(ctx, "a"))
	change := nextChange(t, s)
	assert.Equal(t, memory.ChangeDeleted, change.Kind)
	assert.Equal(t, "r1", change.RemoteID)
	assert.Equal(t, "soulsnaps/u/a/photo.jpg", change.RemotePhotoPath)
	assert.Empty(t, change.RemoteAudioPath)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	tomb, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)

	_, err = s.SetFavorite(ctx, "a", true)
	assert.ErrorIs(t, err, memory.ErrNotFound)

	require.NoError(t, s.MarkSyncState(ctx, "a", memory.SyncStateSynced))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestStore_UpdateRemotePathsKeepsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Create(ctx, &memory.Memory{LocalID: "a"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateRemotePaths(ctx, "a", "p", "x"))
	require.NoError(t, s.UpdateRemotePaths(ctx, "a", "", "y"))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "p", got.RemotePhotoPath)
	assert.Equal(t, "y", got.RemoteAudioPath)
}

func TestStore_UpsertRemote(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	row := &memory.Row{
		ID:         "r1",
		UserID:     "u",
		LocalID:    "a",
		Title:      "from server",
		IsFavorite: true,
		CreatedAt:  "2024-01-01T10:00:00Z",
		UpdatedAt:  "2024-01-02T10:00:00Z",
	}

	applied, err := s.UpsertRemote(ctx, row)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RemoteID)
	assert.Equal(t, memory.SyncStateSynced, got.SyncState)
	assert.True(t, got.IsFavorite)

	// idempotent
	applied, err = s.UpsertRemote(ctx, row)
	require.NoError(t, err)
	assert.True(t, applied)
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// remote rows never reach the change stream
	select {
	case c := <-s.Changes():
		t.Fatalf("unexpected change %+v", c)
	default:
	}
}

func TestStore_UpsertRemoteSkipsPendingLocal(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Create(ctx, &memory.Memory{LocalID: "a", Title: "local edit"})
	require.NoError(t, err)
	require.NoError(t, s.SetRemoteID(ctx, "a", "r1"))

	applied, err := s.UpsertRemote(ctx, &memory.Row{ID: "r1", LocalID: "a", Title: "stale", CreatedAt: "2024-01-01T10:00:00Z", UpdatedAt: "2024-01-01T10:00:00Z"})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "local edit", got.Title)
}

func TestStore_UpsertRemoteWithoutLocalID(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	applied, err := s.UpsertRemote(ctx, &memory.Row{ID: "r9", CreatedAt: "2024-01-01T10:00:00Z", UpdatedAt: "2024-01-01T10:00:00Z"})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetByRemoteID(ctx, "r9")
	require.NoError(t, err)
	assert.Equal(t, "r9", got.LocalID)
}

func TestStore_Pending(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Create(ctx, &memory.Memory{LocalID: "a"})
	require.NoError(t, err)
	_, err = s.Create(ctx, &memory.Memory{LocalID: "b"})
	require.NoError(t, err)
	require.NoError(t, s.MarkSyncState(ctx, "a", memory.SyncStateSynced))

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].LocalID)
}

func TestStore_UserEditsKeepRemoteIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Create(ctx, &memory.Memory{LocalID: "a", Title: "first"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 25 {
			_, err := s.Update(ctx, &memory.Memory{LocalID: "a", Title: fmt.Sprintf("edit %d", i)})
			assert.NoError(t, err)
			_, err = s.SetFavorite(ctx, "a", i%2 == 0)
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, s.SetRemoteID(ctx, "a", "r1"))
		assert.NoError(t, s.UpdateRemotePaths(ctx, "a", "soulsnaps/u/a/photo.jpg", "soulsnaps/u/a/audio.m4a"))
	}()
	wg.Wait()

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "edit 24", got.Title)
	assert.Equal(t, "r1", got.RemoteID)
	assert.Equal(t, "soulsnaps/u/a/photo.jpg", got.RemotePhotoPath)
	assert.Equal(t, "soulsnaps/u/a/audio.m4a", got.RemoteAudioPath)

	// the tombstone still carries the identity the remote delete needs
	require.NoError(t, s.Delete(ctx, "a"))
	var change memory.Change
	for change.Kind != memory.ChangeDeleted {
		change = nextChange(t, s)
	}
	assert.Equal(t, "r1", change.RemoteID)
	assert.Equal(t, "soulsnaps/u/a/photo.jpg", change.RemotePhotoPath)
}

func TestStore_UpdateIgnoresCallerRemoteFields(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Create(ctx, &memory.Memory{LocalID: "a"})
	require.NoError(t, err)
	require.NoError(t, s.SetRemoteID(ctx, "a", "r1"))

	got, err := s.Update(ctx, &memory.Memory{LocalID: "a", Title: "t", RemoteID: "other"})
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RemoteID)

	stored, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "r1", stored.RemoteID)
	assert.Equal(t, "t", stored.Title)
}

func TestStore_UpsertRemoteNeverOverwritesConcurrentEdit(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	for i := range 20 {
		localID, remoteID := fmt.Sprintf("a%d", i), fmt.Sprintf("r%d", i)
		_, err := s.Create(ctx, &memory.Memory{LocalID: localID, Title: "base"})
		require.NoError(t, err)
		require.NoError(t, s.SetRemoteID(ctx, localID, remoteID))
		require.NoError(t, s.MarkSyncState(ctx, localID, memory.SyncStateSynced))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, &memory.Memory{LocalID: localID, Title: "mine"})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := s.UpsertRemote(ctx, &memory.Row{
				ID: remoteID, LocalID: localID, Title: "theirs",
				CreatedAt: "2024-01-01T10:00:00Z", UpdatedAt: "2024-01-03T10:00:00Z",
			})
			assert.NoError(t, err)
		}()
		wg.Wait()

		got, err := s.Get(ctx, localID)
		require.NoError(t, err)
		assert.Equal(t, "mine", got.Title, localID)
		assert.Equal(t, memory.SyncStatePending, got.SyncState, localID)
	}
}

func TestStore_UpsertRemoteSkipsTombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Create(ctx, &memory.Memory{LocalID: "a"})
	require.NoError(t, err)
	require.NoError(t, s.SetRemoteID(ctx, "a", "r1"))
	require.NoError(t, s.MarkSyncState(ctx, "a", memory.SyncStateSynced))
	require.NoError(t, s.Delete(ctx, "a"))

	applied, err := s.UpsertRemote(ctx, &memory.Row{ID: "r1", LocalID: "a", Title: "back", CreatedAt: "2024-01-01T10:00:00Z", UpdatedAt: "2024-01-01T10:00:00Z"})
	require.NoError(t, err)
	assert.False(t, applied)

	tomb, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)
	assert.Empty(t, tomb.Title)
}
