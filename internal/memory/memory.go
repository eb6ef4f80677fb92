// Package memory holds the memory record model shared by the local store,
// the remote row API and the sync engine.
package memory

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("memory not found")
)

// SyncState is the sync state of a local memory record
type SyncState string

const (
	SyncStatePending SyncState = "PENDING"
	SyncStateSynced  SyncState = "SYNCED"
)

// AssetKind identifies one of the binary assets attached to a memory
type AssetKind int

const (
	AssetPhoto AssetKind = iota
	AssetAudio
)

func (k AssetKind) String() string {
	switch k {
	case AssetPhoto:
		return "photo"
	case AssetAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Location is where a memory was captured
type Location struct {
	Lat  float64
	Lng  float64
	Name string
}

// Memory is a local memory record.
//
// PhotoFile and AudioFile point at files on the device, RemotePhotoPath and
// RemoteAudioPath at the uploaded objects.
type Memory struct {
	LocalID         string
	RemoteID        string
	Title           string
	Description     string
	MoodType        string
	PhotoFile       string
	AudioFile       string
	RemotePhotoPath string
	RemoteAudioPath string
	ThumbPath       string
	MediumPath      string
	Location        *Location
	Affirmation     string
	IsFavorite      bool
	SyncState       SyncState
	Deleted         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasPhoto reports whether the memory carries a photo, local or already uploaded
func (m *Memory) HasPhoto() bool {
	return m.PhotoFile != "" || m.RemotePhotoPath != ""
}

// HasAudio reports whether the memory carries an audio clip, local or already uploaded
func (m *Memory) HasAudio() bool {
	return m.AudioFile != "" || m.RemoteAudioPath != ""
}

// ToRow converts the record into its remote representation for the given user.
func (m *Memory) ToRow(userID string) *Row {
	row := &Row{
		ID:          m.RemoteID,
		UserID:      userID,
		LocalID:     m.LocalID,
		Title:       m.Title,
		Description: m.Description,
		MoodType:    m.MoodType,
		PhotoURI:    m.RemotePhotoPath,
		AudioURI:    m.RemoteAudioPath,
		ThumbPath:   m.ThumbPath,
		MediumPath:  m.MediumPath,
		Affirmation: m.Affirmation,
		IsFavorite:  m.IsFavorite,
		IsSynced:    true,
		CreatedAt:   formatTime(m.CreatedAt),
		UpdatedAt:   formatTime(m.UpdatedAt),
	}
	if m.Location != nil {
		lat, lng := m.Location.Lat, m.Location.Lng
		row.LocationLat = &lat
		row.LocationLng = &lng
		row.LocationName = m.Location.Name
	}
	return row
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
