package controlplane

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/soulsnaps/internal/events"
	"github.com/openmined/soulsnaps/internal/memory"
	"github.com/openmined/soulsnaps/internal/syncmgr"
	"github.com/openmined/soulsnaps/internal/synctask"
)

const (
	CodeOk              = "OK"
	ErrCodeBadRequest   = "ERR_BAD_REQUEST"
	ErrCodeUnauthorized = "ERR_UNAUTHORIZED"
	ErrCodeNotFound     = "ERR_NOT_FOUND"
	ErrCodeUnknownError = "ERR_UNKNOWN_ERROR"
)

// SyncService is the part of the sync manager exposed over HTTP
type SyncService interface {
	Metrics() syncmgr.Metrics
	Tasks() []synctask.Entry
	TriggerNow()
	Retry(key string) error
	RetryAll() int
}

// MemoryService is the part of the local store exposed over HTTP
type MemoryService interface {
	List(ctx context.Context) ([]*memory.Memory, error)
	Get(ctx context.Context, localID string) (*memory.Memory, error)
	Create(ctx context.Context, m *memory.Memory) (*memory.Memory, error)
	Update(ctx context.Context, m *memory.Memory) (*memory.Memory, error)
	SetFavorite(ctx context.Context, localID string, favorite bool) (*memory.Memory, error)
	Delete(ctx context.Context, localID string) error
}

type Response struct {
	Code string `json:"code"`
}

type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func AbortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	c.Error(err)
	c.PureJSON(status, ErrorResponse{Code: code, Error: err.Error()})
}

type TaskInfo struct {
	Key         string    `json:"key"`
	Kind        string    `json:"kind"`
	LocalID     string    `json:"localId,omitempty"`
	RetryCount  int       `json:"retryCount"`
	NextAttempt time.Time `json:"nextAttempt,omitzero"`
	LastError   string    `json:"lastError,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	Running     bool      `json:"running"`
	Exhausted   bool      `json:"exhausted"`
}

type TasksResponse struct {
	Tasks []TaskInfo `json:"tasks"`
}

type RetryRequest struct {
	// Key re-arms a single task. Empty re-arms every exhausted task.
	Key string `json:"key"`
}

type RetryResponse struct {
	Retried int `json:"retried"`
}

// EventPayload is the JSON form of a sync event on the event stream
type EventPayload struct {
	Type         events.Kind `json:"type"`
	LocalID      string      `json:"localId,omitempty"`
	Error        string      `json:"error,omitempty"`
	RetryCount   int         `json:"retryCount,omitempty"`
	TaskCount    int         `json:"taskCount,omitempty"`
	SuccessCount int         `json:"successCount,omitempty"`
	FailureCount int         `json:"failureCount,omitempty"`
	Connected    *bool       `json:"connected,omitempty"`
}

func NewEventPayload(ev events.Event) EventPayload {
	p := EventPayload{Type: ev.Kind()}
	switch e := ev.(type) {
	case events.SnapSynced:
		p.LocalID = e.LocalID
	case events.SnapSyncFailed:
		p.LocalID = e.LocalID
		p.RetryCount = e.RetryCount
		p.Error = errString(e.Err)
	case events.SnapDeleted:
		p.LocalID = e.LocalID
	case events.SyncStarted:
		p.TaskCount = e.TaskCount
	case events.SyncCompleted:
		p.SuccessCount = e.SuccessCount
		p.FailureCount = e.FailureCount
	case events.SyncFailed:
		p.Error = errString(e.Err)
	case events.ConnectivityChanged:
		p.Connected = &e.Connected
	}
	return p
}

type LocationBody struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Name string  `json:"name,omitempty"`
}

type MemoryResponse struct {
	LocalID         string        `json:"localId"`
	RemoteID        string        `json:"remoteId,omitempty"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	MoodType        string        `json:"moodType"`
	PhotoFile       string        `json:"photoFile,omitempty"`
	AudioFile       string        `json:"audioFile,omitempty"`
	RemotePhotoPath string        `json:"remotePhotoPath,omitempty"`
	RemoteAudioPath string        `json:"remoteAudioPath,omitempty"`
	Location        *LocationBody `json:"location,omitempty"`
	Affirmation     string        `json:"affirmation,omitempty"`
	IsFavorite      bool          `json:"isFavorite"`
	SyncState       string        `json:"syncState"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

type MemoryListResponse struct {
	Memories []MemoryResponse `json:"memories"`
}

type CreateMemoryRequest struct {
	Title       string        `json:"title" binding:"required"`
	Description string        `json:"description"`
	MoodType    string        `json:"moodType"`
	PhotoFile   string        `json:"photoFile"`
	AudioFile   string        `json:"audioFile"`
	Location    *LocationBody `json:"location"`
	Affirmation string        `json:"affirmation"`
	IsFavorite  bool          `json:"isFavorite"`
}

// UpdateMemoryRequest only changes the fields that are present
type UpdateMemoryRequest struct {
	Title       *string       `json:"title"`
	Description *string       `json:"description"`
	MoodType    *string       `json:"moodType"`
	PhotoFile   *string       `json:"photoFile"`
	AudioFile   *string       `json:"audioFile"`
	Location    *LocationBody `json:"location"`
	Affirmation *string       `json:"affirmation"`
}

type FavoriteRequest struct {
	IsFavorite *bool `json:"isFavorite" binding:"required"`
}

func newMemoryResponse(m *memory.Memory) MemoryResponse {
	resp := MemoryResponse{
		LocalID:         m.LocalID,
		RemoteID:        m.RemoteID,
		Title:           m.Title,
		Description:     m.Description,
		MoodType:        m.MoodType,
		PhotoFile:       m.PhotoFile,
		AudioFile:       m.AudioFile,
		RemotePhotoPath: m.RemotePhotoPath,
		RemoteAudioPath: m.RemoteAudioPath,
		Affirmation:     m.Affirmation,
		IsFavorite:      m.IsFavorite,
		SyncState:       string(m.SyncState),
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
	if m.Location != nil {
		resp.Location = &LocationBody{Lat: m.Location.Lat, Lng: m.Location.Lng, Name: m.Location.Name}
	}
	return resp
}

func (l *LocationBody) toLocation() *memory.Location {
	if l == nil {
		return nil
	}
	return &memory.Location{Lat: l.Lat, Lng: l.Lng, Name: l.Name}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
