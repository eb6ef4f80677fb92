package memory

import (
	"fmt"
	"time"
)

// Row is the wire shape of a memory in the remote row API
type Row struct {
	ID           string   `json:"id,omitempty"`
	UserID       string   `json:"user_id"`
	LocalID      string   `json:"local_id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	MoodType     string   `json:"mood_type"`
	PhotoURI     string   `json:"photo_uri,omitempty"`
	AudioURI     string   `json:"audio_uri,omitempty"`
	ThumbPath    string   `json:"thumb_path,omitempty"`
	MediumPath   string   `json:"medium_path,omitempty"`
	LocationLat  *float64 `json:"location_lat,omitempty"`
	LocationLng  *float64 `json:"location_lng,omitempty"`
	LocationName string   `json:"location_name,omitempty"`
	Affirmation  string   `json:"affirmation,omitempty"`
	IsFavorite   bool     `json:"is_favorite"`
	IsSynced     bool     `json:"is_synced"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

// ToMemory converts a remote row into a synced local record. Local file
// paths are left empty, the assets live in remote storage.
func (r *Row) ToMemory() (*Memory, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("row %s created_at: %w", r.ID, err)
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("row %s updated_at: %w", r.ID, err)
	}

	m := &Memory{
		LocalID:         r.LocalID,
		RemoteID:        r.ID,
		Title:           r.Title,
		Description:     r.Description,
		MoodType:        r.MoodType,
		RemotePhotoPath: r.PhotoURI,
		RemoteAudioPath: r.AudioURI,
		ThumbPath:       r.ThumbPath,
		MediumPath:      r.MediumPath,
		Affirmation:     r.Affirmation,
		IsFavorite:      r.IsFavorite,
		SyncState:       SyncStateSynced,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}
	if r.LocationLat != nil && r.LocationLng != nil {
		m.Location = &Location{Lat: *r.LocationLat, Lng: *r.LocationLng, Name: r.LocationName}
	}
	return m, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
