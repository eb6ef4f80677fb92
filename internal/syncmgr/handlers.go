package syncmgr

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/soulsnaps/internal/memory"
	"github.com/openmined/soulsnaps/internal/rowapi"
	"github.com/openmined/soulsnaps/internal/synctask"
)

// outcome carries what a handler observed. observed is the UpdatedAt of the
// record the handler pushed, zero when there is nothing to compare. skipped
// is set when the record was gone and nothing reached the backend.
type outcome struct {
	observed time.Time
	skipped  bool
}

type handlerFunc func(ctx context.Context, task synctask.Task) (outcome, error)

// pushPlan selects the assets a push uploads
type pushPlan struct {
	photo     bool
	audio     bool
	photoPath string
	audioPath string
}

func (m *Manager) handleCreate(ctx context.Context, task synctask.Task) (outcome, error) {
	t := task.(synctask.CreateMemory)

	rec, ok, err := m.liveRecord(ctx, t.LocalID)
	if !ok {
		return outcome{skipped: err == nil}, err
	}

	return m.push(ctx, rec, pushPlan{
		photo:     rec.PhotoFile != "",
		audio:     rec.AudioFile != "",
		photoPath: t.PhotoPath,
		audioPath: t.AudioPath,
	})
}

func (m *Manager) handleUpdate(ctx context.Context, task synctask.Task) (outcome, error) {
	t := task.(synctask.UpdateMemory)

	rec, ok, err := m.liveRecord(ctx, t.LocalID)
	if !ok {
		return outcome{skipped: err == nil}, err
	}

	// assets that never made it to storage are uploaded whatever the flags
	return m.push(ctx, rec, pushPlan{
		photo: rec.PhotoFile != "" && (t.ReuploadPhoto || rec.RemotePhotoPath == ""),
		audio: rec.AudioFile != "" && (t.ReuploadAudio || rec.RemoteAudioPath == ""),
	})
}

func (m *Manager) handleFavorite(ctx context.Context, task synctask.Task) (outcome, error) {
	t := task.(synctask.ToggleFavorite)

	rec, ok, err := m.liveRecord(ctx, t.LocalID)
	if !ok {
		return outcome{skipped: err == nil}, err
	}

	if rec.RemoteID != "" {
		err := m.rows.SetFavorite(ctx, rec.RemoteID, t.IsFavorite)
		if err == nil {
			return outcome{observed: rec.UpdatedAt}, nil
		}
		if !errors.Is(err, rowapi.ErrNotFound) {
			return outcome{}, err
		}
		slog.Info("sync favorite target missing remotely, pushing full row", "localId", t.LocalID, "remoteId", rec.RemoteID)
	}

	// no row to patch yet
	rec.IsFavorite = t.IsFavorite
	return m.push(ctx, rec, pushPlan{
		photo: rec.PhotoFile != "" && rec.RemotePhotoPath == "",
		audio: rec.AudioFile != "" && rec.RemoteAudioPath == "",
	})
}

func (m *Manager) handleDelete(ctx context.Context, task synctask.Task) (outcome, error) {
	t := task.(synctask.DeleteMemory)

	// a create that finished after the delete was queued left its ids on the tombstone
	if rec, err := m.store.Get(ctx, t.LocalID); err == nil {
		t.RemoteID = cmp.Or(t.RemoteID, rec.RemoteID)
		t.RemotePhotoPath = cmp.Or(t.RemotePhotoPath, rec.RemotePhotoPath)
		t.RemoteAudioPath = cmp.Or(t.RemoteAudioPath, rec.RemoteAudioPath)
	} else if !errors.Is(err, memory.ErrNotFound) {
		return outcome{}, err
	}

	if t.RemoteID != "" {
		deleted, err := m.rows.Delete(ctx, t.RemoteID)
		if err != nil {
			return outcome{}, err
		}
		if !deleted {
			slog.Debug("sync delete, row already gone", "localId", t.LocalID, "remoteId", t.RemoteID)
		}
	}

	for _, path := range []string{t.RemotePhotoPath, t.RemoteAudioPath} {
		if path == "" {
			continue
		}
		if _, err := m.storage.Delete(ctx, path); err != nil {
			slog.Warn("sync delete object", "localId", t.LocalID, "path", path, "error", err)
		}
	}
	return outcome{}, nil
}

func (m *Manager) handlePullAll(ctx context.Context, _ synctask.Task) (outcome, error) {
	rows, err := m.rows.FetchAll(ctx, m.cfg.UserID)
	if err != nil {
		return outcome{}, err
	}

	// a remote id is applied once per pull
	seen := mapset.NewThreadUnsafeSetWithSize[string](len(rows))
	applied, skipped, failed := 0, 0, 0
	for _, row := range rows {
		if row.ID != "" && !seen.Add(row.ID) {
			skipped++
			continue
		}
		ok, err := m.store.UpsertRemote(ctx, row)
		switch {
		case err != nil:
			failed++
			slog.Warn("sync pull row", "remoteId", row.ID, "error", err)
		case ok:
			applied++
		default:
			skipped++
		}
	}

	slog.Info("sync pull", "rows", len(rows), "applied", applied, "skipped", skipped, "failed", failed)
	return outcome{}, nil
}

// liveRecord loads the record a push operates on. ok is false when the
// handler has nothing to do or failed: a deleted or purged record is left
// to its delete task and counts as success.
func (m *Manager) liveRecord(ctx context.Context, localID string) (*memory.Memory, bool, error) {
	rec, err := m.store.Get(ctx, localID)
	if errors.Is(err, memory.ErrNotFound) {
		slog.Debug("sync memory gone, nothing to push", "localId", localID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if rec.Deleted {
		return nil, false, nil
	}
	return rec, true, nil
}

// push uploads the planned assets, upserts the row and records the remote
// identity locally
func (m *Manager) push(ctx context.Context, rec *memory.Memory, plan pushPlan) (outcome, error) {
	if plan.photo {
		path := cmp.Or(plan.photoPath, memory.PhotoPath(m.cfg.UserID, rec.LocalID))
		remote, err := m.upload(ctx, rec.LocalID, memory.AssetPhoto, path)
		if err != nil {
			return outcome{}, err
		}
		rec.RemotePhotoPath = remote
	}
	if plan.audio {
		path := cmp.Or(plan.audioPath, memory.AudioPath(m.cfg.UserID, rec.LocalID))
		remote, err := m.upload(ctx, rec.LocalID, memory.AssetAudio, path)
		if err != nil {
			return outcome{}, err
		}
		rec.RemoteAudioPath = remote
	}

	if plan.photo || plan.audio {
		if err := m.store.UpdateRemotePaths(ctx, rec.LocalID, rec.RemotePhotoPath, rec.RemoteAudioPath); err != nil {
			return outcome{}, err
		}
	}

	remoteID, err := m.rows.Upsert(ctx, rec.ToRow(m.cfg.UserID))
	if err != nil {
		return outcome{}, err
	}
	if remoteID != rec.RemoteID {
		if err := m.store.SetRemoteID(ctx, rec.LocalID, remoteID); err != nil {
			return outcome{}, err
		}
	}
	return outcome{observed: rec.UpdatedAt}, nil
}

func (m *Manager) upload(ctx context.Context, localID string, kind memory.AssetKind, path string) (string, error) {
	data, err := m.pipeline.PrepareUpload(ctx, localID, kind)
	if err != nil {
		return "", fmt.Errorf("prepare %s: %w", kind, err)
	}
	remote, err := m.storage.Upload(ctx, path, data)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", kind, err)
	}
	m.counters.uploaded(len(data))
	return remote, nil
}
