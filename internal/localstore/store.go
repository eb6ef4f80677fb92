// Package localstore is the SQLite backed store of memory records. Every
// local mutation is published on the change stream consumed by the sync
// manager.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/soulsnaps/internal/db"
	"github.com/openmined/soulsnaps/internal/memory"
)

const changeBufferSize = 1024

const schema = `
CREATE TABLE IF NOT EXISTS memories (
    local_id TEXT PRIMARY KEY,
    remote_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    mood_type TEXT NOT NULL DEFAULT '',
    photo_file TEXT NOT NULL DEFAULT '',
    audio_file TEXT NOT NULL DEFAULT '',
    remote_photo_path TEXT NOT NULL DEFAULT '',
    remote_audio_path TEXT NOT NULL DEFAULT '',
    thumb_path TEXT NOT NULL DEFAULT '',
    medium_path TEXT NOT NULL DEFAULT '',
    location_lat REAL,
    location_lng REAL,
    location_name TEXT NOT NULL DEFAULT '',
    affirmation TEXT NOT NULL DEFAULT '',
    is_favorite INTEGER NOT NULL DEFAULT 0,
    sync_state TEXT NOT NULL,
    deleted INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL, -- RFC3339Nano
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_remote_id ON memories(remote_id);
CREATE INDEX IF NOT EXISTS idx_memories_sync_state ON memories(sync_state);
`

var ErrAlreadyExists = errors.New("memory already exists")

const (
	selectByLocalID  = "SELECT * FROM memories WHERE local_id = ?"
	selectByRemoteID = "SELECT * FROM memories WHERE remote_id = ? AND remote_id != ''"
)

type dbMemory struct {
	LocalID         string          `db:"local_id"`
	RemoteID        string          `db:"remote_id"`
	Title           string          `db:"title"`
	Description     string          `db:"description"`
	MoodType        string          `db:"mood_type"`
	PhotoFile       string          `db:"photo_file"`
	AudioFile       string          `db:"audio_file"`
	RemotePhotoPath string          `db:"remote_photo_path"`
	RemoteAudioPath string          `db:"remote_audio_path"`
	ThumbPath       string          `db:"thumb_path"`
	MediumPath      string          `db:"medium_path"`
	LocationLat     sql.NullFloat64 `db:"location_lat"`
	LocationLng     sql.NullFloat64 `db:"location_lng"`
	LocationName    string          `db:"location_name"`
	Affirmation     string          `db:"affirmation"`
	IsFavorite      bool            `db:"is_favorite"`
	SyncState       string          `db:"sync_state"`
	Deleted         bool            `db:"deleted"`
	CreatedAt       string          `db:"created_at"`
	UpdatedAt       string          `db:"updated_at"`
}

// Store keeps memory records in SQLite
type Store struct {
	db      *sqlx.DB
	changes chan memory.Change
	now     func() time.Time
}

// Open opens or creates the store at dbPath, ":memory:" for a throwaway store
func Open(dbPath string) (*Store, error) {
	conn, err := db.Open(db.WithPath(dbPath), db.WithMaxOpenConns(1), db.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return &Store{
		db:      conn,
		changes: make(chan memory.Change, changeBufferSize),
		now:     time.Now,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Changes is the stream of local mutations
func (s *Store) Changes() <-chan memory.Change {
	return s.changes
}

// Get returns a record, including a deleted one that is still waiting for
// its remote delete.
func (s *Store) Get(ctx context.Context, localID string) (*memory.Memory, error) {
	return getOne(ctx, s.db, localID, selectByLocalID, localID)
}

// GetByRemoteID looks a record up by its backend id
func (s *Store) GetByRemoteID(ctx context.Context, remoteID string) (*memory.Memory, error) {
	return getOne(ctx, s.db, remoteID, selectByRemoteID, remoteID)
}

// List returns the live records, newest first
func (s *Store) List(ctx context.Context) ([]*memory.Memory, error) {
	return s.query(ctx, "SELECT * FROM memories WHERE deleted = 0 ORDER BY created_at DESC, local_id")
}

// Pending returns every record, deleted ones included, not yet synced
func (s *Store) Pending(ctx context.Context) ([]*memory.Memory, error) {
	return s.query(ctx, "SELECT * FROM memories WHERE sync_state = ? ORDER BY updated_at, local_id", string(memory.SyncStatePending))
}

// Create inserts a new record in PENDING state. A LocalID is generated when
// empty.
func (s *Store) Create(ctx context.Context, m *memory.Memory) (*memory.Memory, error) {
	rec := *m
	if rec.LocalID == "" {
		rec.LocalID = uuid.NewString()
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.SyncState = memory.SyncStatePending
	rec.Deleted = false
	rec.RemoteID = ""
	rec.RemotePhotoPath = ""
	rec.RemoteAudioPath = ""

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getOne(ctx, tx, rec.LocalID, selectByLocalID, rec.LocalID); err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.LocalID)
		}
		return insert(ctx, tx, &rec)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, memory.Change{
		Kind:     memory.ChangeCreated,
		LocalID:  rec.LocalID,
		HasPhoto: rec.PhotoFile != "",
		HasAudio: rec.AudioFile != "",
	})
	return &rec, nil
}

// Update replaces the user editable fields of a record and marks it PENDING.
// A changed PhotoFile or AudioFile flags the asset for re-upload.
func (s *Store) Update(ctx context.Context, m *memory.Memory) (*memory.Memory, error) {
	now := s.now().UTC()
	var change memory.Change
	cur, err := s.edit(ctx, m.LocalID, func(cur *memory.Memory) {
		change = memory.Change{
			Kind:         memory.ChangeUpdated,
			LocalID:      cur.LocalID,
			PhotoChanged: m.PhotoFile != cur.PhotoFile,
			AudioChanged: m.AudioFile != cur.AudioFile,
		}

		cur.Title = m.Title
		cur.Description = m.Description
		cur.MoodType = m.MoodType
		cur.PhotoFile = m.PhotoFile
		cur.AudioFile = m.AudioFile
		cur.ThumbPath = m.ThumbPath
		cur.MediumPath = m.MediumPath
		cur.Location = m.Location
		cur.Affirmation = m.Affirmation
		cur.IsFavorite = m.IsFavorite
		cur.UpdatedAt = now
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, change)
	return cur, nil
}

// SetFavorite flips the favorite flag of a record
func (s *Store) SetFavorite(ctx context.Context, localID string, favorite bool) (*memory.Memory, error) {
	now := s.now().UTC()
	cur, err := s.edit(ctx, localID, func(cur *memory.Memory) {
		cur.IsFavorite = favorite
		cur.UpdatedAt = now
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, memory.Change{Kind: memory.ChangeFavorite, LocalID: localID, IsFavorite: favorite})
	return cur, nil
}

// Delete tombstones a record. The tombstone keeps the remote identity until
// the remote delete succeeds and the record is marked SYNCED.
func (s *Store) Delete(ctx context.Context, localID string) error {
	now := s.now().UTC()
	cur, err := s.edit(ctx, localID, func(cur *memory.Memory) {
		cur.Deleted = true
		cur.UpdatedAt = now
	})
	if errors.Is(err, errAlreadyDeleted) {
		return nil
	}
	if err != nil {
		return err
	}

	s.publish(ctx, memory.Change{
		Kind:            memory.ChangeDeleted,
		LocalID:         localID,
		RemoteID:        cur.RemoteID,
		RemotePhotoPath: cur.RemotePhotoPath,
		RemoteAudioPath: cur.RemoteAudioPath,
	})
	return nil
}

// errAlreadyDeleted reads as memory.ErrNotFound to callers of Update and
// SetFavorite.
var errAlreadyDeleted = fmt.Errorf("%w: tombstoned", memory.ErrNotFound)

// edit applies a user edit to a live record and marks it PENDING. The read
// and the write share one transaction, and the write leaves the remote
// identity columns alone so a concurrent SetRemoteID or UpdateRemotePaths
// is never undone. A tombstoned record yields errAlreadyDeleted.
func (s *Store) edit(ctx context.Context, localID string, apply func(*memory.Memory)) (*memory.Memory, error) {
	var cur *memory.Memory
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if cur, err = getOne(ctx, tx, localID, selectByLocalID, localID); err != nil {
			return err
		}
		if cur.Deleted {
			return errAlreadyDeleted
		}
		apply(cur)
		cur.SyncState = memory.SyncStatePending
		_, err = tx.NamedExecContext(ctx, `
			UPDATE memories SET
				title = :title, description = :description, mood_type = :mood_type,
				photo_file = :photo_file, audio_file = :audio_file,
				thumb_path = :thumb_path, medium_path = :medium_path,
				location_lat = :location_lat, location_lng = :location_lng,
				location_name = :location_name, affirmation = :affirmation,
				is_favorite = :is_favorite, sync_state = :sync_state, deleted = :deleted,
				updated_at = :updated_at
			WHERE local_id = :local_id`, fromMemory(cur))
		if err != nil {
			return fmt.Errorf("update memory %s: %w", localID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cur, nil
}

// UpsertRemote merges a remote row into the store by remote id, falling back
// to the local id carried by the row. Records with unsynced local changes
// are left untouched. It reports whether the row was applied.
func (s *Store) UpsertRemote(ctx context.Context, row *memory.Row) (bool, error) {
	incoming, err := row.ToMemory()
	if err != nil {
		return false, err
	}
	if incoming.LocalID == "" {
		incoming.LocalID = row.ID
	}

	applied := false
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := getOne(ctx, tx, row.ID, selectByRemoteID, row.ID)
		if errors.Is(err, memory.ErrNotFound) {
			cur, err = getOne(ctx, tx, incoming.LocalID, selectByLocalID, incoming.LocalID)
		}
		switch {
		case errors.Is(err, memory.ErrNotFound):
			applied = true
			return insert(ctx, tx, incoming)
		case err != nil:
			return err
		}

		incoming.LocalID = cur.LocalID
		incoming.PhotoFile = cur.PhotoFile
		incoming.AudioFile = cur.AudioFile
		res, err := tx.NamedExecContext(ctx, `
			UPDATE memories SET
				remote_id = :remote_id, title = :title, description = :description,
				mood_type = :mood_type, photo_file = :photo_file, audio_file = :audio_file,
				remote_photo_path = :remote_photo_path, remote_audio_path = :remote_audio_path,
				thumb_path = :thumb_path, medium_path = :medium_path,
				location_lat = :location_lat, location_lng = :location_lng,
				location_name = :location_name, affirmation = :affirmation,
				is_favorite = :is_favorite, sync_state = :sync_state, deleted = :deleted,
				created_at = :created_at, updated_at = :updated_at
			WHERE local_id = :local_id AND sync_state = 'SYNCED' AND deleted = 0`, fromMemory(incoming))
		if err != nil {
			return fmt.Errorf("update memory %s: %w", cur.LocalID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update memory %s: %w", cur.LocalID, err)
		}
		applied = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		slog.Debug("upsert remote skipped, local changes pending", "localId", incoming.LocalID, "remoteId", row.ID)
	}
	return applied, nil
}

// MarkSyncState sets the sync state of a record. Marking a deleted record
// SYNCED purges it.
func (s *Store) MarkSyncState(ctx context.Context, localID string, state memory.SyncState) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := getOne(ctx, tx, localID, selectByLocalID, localID)
		if err != nil {
			return err
		}

		if cur.Deleted && state == memory.SyncStateSynced {
			if _, err := tx.ExecContext(ctx, "DELETE FROM memories WHERE local_id = ?", localID); err != nil {
				return fmt.Errorf("purge memory %s: %w", localID, err)
			}
			return nil
		}

		if _, err := tx.ExecContext(ctx, "UPDATE memories SET sync_state = ? WHERE local_id = ?", string(state), localID); err != nil {
			return fmt.Errorf("update memory %s: %w", localID, err)
		}
		return nil
	})
}

// UpdateRemotePaths records the uploaded object keys. Empty paths keep the
// current value.
func (s *Store) UpdateRemotePaths(ctx context.Context, localID, photoPath, audioPath string) error {
	return s.exec(ctx, localID, `
		UPDATE memories SET
			remote_photo_path = COALESCE(NULLIF(?, ''), remote_photo_path),
			remote_audio_path = COALESCE(NULLIF(?, ''), remote_audio_path)
		WHERE local_id = ?`, photoPath, audioPath, localID)
}

// SetRemoteID records the backend id assigned to a record
func (s *Store) SetRemoteID(ctx context.Context, localID, remoteID string) error {
	return s.exec(ctx, localID, "UPDATE memories SET remote_id = ? WHERE local_id = ?", remoteID, localID)
}

// withTx runs fn in one transaction. The store holds a single connection,
// so no other statement runs between the reads and writes of fn.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, localID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update memory %s: %w", localID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return memory.ErrNotFound
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*memory.Memory, error) {
	var rows []dbMemory
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}

	out := make([]*memory.Memory, 0, len(rows))
	for _, row := range rows {
		m, err := row.toMemory()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func insert(ctx context.Context, e sqlx.ExtContext, m *memory.Memory) error {
	_, err := sqlx.NamedExecContext(ctx, e, `
		INSERT INTO memories (
			local_id, remote_id, title, description, mood_type, photo_file, audio_file,
			remote_photo_path, remote_audio_path, thumb_path, medium_path,
			location_lat, location_lng, location_name, affirmation, is_favorite,
			sync_state, deleted, created_at, updated_at
		) VALUES (
			:local_id, :remote_id, :title, :description, :mood_type, :photo_file, :audio_file,
			:remote_photo_path, :remote_audio_path, :thumb_path, :medium_path,
			:location_lat, :location_lng, :location_name, :affirmation, :is_favorite,
			:sync_state, :deleted, :created_at, :updated_at
		)`, fromMemory(m))
	if err != nil {
		return fmt.Errorf("insert memory %s: %w", m.LocalID, err)
	}
	return nil
}

func getOne(ctx context.Context, q sqlx.QueryerContext, key, query string, args ...any) (*memory.Memory, error) {
	var row dbMemory
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, memory.ErrNotFound
		}
		return nil, fmt.Errorf("get memory %s: %w", key, err)
	}
	return row.toMemory()
}

// publish blocks while the change buffer is full, until ctx is done
func (s *Store) publish(ctx context.Context, change memory.Change) {
	select {
	case s.changes <- change:
	case <-ctx.Done():
		slog.Warn("memory change dropped", "kind", change.Kind, "localId", change.LocalID, "error", ctx.Err())
	}
}

func fromMemory(m *memory.Memory) *dbMemory {
	row := &dbMemory{
		LocalID:         m.LocalID,
		RemoteID:        m.RemoteID,
		Title:           m.Title,
		Description:     m.Description,
		MoodType:        m.MoodType,
		PhotoFile:       m.PhotoFile,
		AudioFile:       m.AudioFile,
		RemotePhotoPath: m.RemotePhotoPath,
		RemoteAudioPath: m.RemoteAudioPath,
		ThumbPath:       m.ThumbPath,
		MediumPath:      m.MediumPath,
		Affirmation:     m.Affirmation,
		IsFavorite:      m.IsFavorite,
		SyncState:       string(m.SyncState),
		Deleted:         m.Deleted,
		CreatedAt:       m.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:       m.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.Location != nil {
		row.LocationLat = sql.NullFloat64{Float64: m.Location.Lat, Valid: true}
		row.LocationLng = sql.NullFloat64{Float64: m.Location.Lng, Valid: true}
		row.LocationName = m.Location.Name
	}
	return row
}

func (r *dbMemory) toMemory() (*memory.Memory, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("memory %s created_at: %w", r.LocalID, err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("memory %s updated_at: %w", r.LocalID, err)
	}

	m := &memory.Memory{
		LocalID:         r.LocalID,
		RemoteID:        r.RemoteID,
		Title:           r.Title,
		Description:     r.Description,
		MoodType:        r.MoodType,
		PhotoFile:       r.PhotoFile,
		AudioFile:       r.AudioFile,
		RemotePhotoPath: r.RemotePhotoPath,
		RemoteAudioPath: r.RemoteAudioPath,
		ThumbPath:       r.ThumbPath,
		MediumPath:      r.MediumPath,
		Affirmation:     r.Affirmation,
		IsFavorite:      r.IsFavorite,
		SyncState:       memory.SyncState(r.SyncState),
		Deleted:         r.Deleted,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}
	if r.LocationLat.Valid && r.LocationLng.Valid {
		m.Location = &memory.Location{Lat: r.LocationLat.Float64, Lng: r.LocationLng.Float64, Name: r.LocationName}
	}
	return m, nil
}
