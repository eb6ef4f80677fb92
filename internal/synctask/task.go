// Package synctask defines the pending sync tasks, the coalescing task queue
// that holds them, the retry backoff policy and the durable task journal.
package synctask

import (
	"fmt"
	"strconv"
)

// Kind is the variant of a sync task
type Kind string

const (
	KindCreate   Kind = "create"
	KindUpdate   Kind = "update"
	KindFavorite Kind = "favorite"
	KindDelete   Kind = "delete"
	KindPullAll  Kind = "pull_all"
)

// Task is a pending local-to-remote mutation or a full remote pull.
// Implementations are value types and must not be mutated once enqueued.
type Task interface {
	Kind() Kind
	// Key is the identity used for coalescing
	Key() string
	// Target is the local memory id the task operates on, empty for PullAll
	Target() string
}

// CreateMemory pushes a new memory with its assets
type CreateMemory struct {
	LocalID   string `json:"localId"`
	PhotoPath string `json:"photoPath"`
	AudioPath string `json:"audioPath,omitempty"`
}

func (t CreateMemory) Kind() Kind     { return KindCreate }
func (t CreateMemory) Key() string    { return "CREATE:" + t.LocalID }
func (t CreateMemory) Target() string { return t.LocalID }

// UpdateMemory pushes changed metadata and optionally re-uploads assets
type UpdateMemory struct {
	LocalID       string `json:"localId"`
	ReuploadPhoto bool   `json:"reuploadPhoto"`
	ReuploadAudio bool   `json:"reuploadAudio"`
}

func (t UpdateMemory) Kind() Kind     { return KindUpdate }
func (t UpdateMemory) Key() string    { return "UPDATE:" + t.LocalID }
func (t UpdateMemory) Target() string { return t.LocalID }

// ToggleFavorite pushes the favorite flag only
type ToggleFavorite struct {
	LocalID    string `json:"localId"`
	IsFavorite bool   `json:"isFavorite"`
}

func (t ToggleFavorite) Kind() Kind { return KindFavorite }
func (t ToggleFavorite) Key() string {
	return "FAV:" + t.LocalID + ":" + strconv.FormatBool(t.IsFavorite)
}
func (t ToggleFavorite) Target() string { return t.LocalID }

// DeleteMemory removes the remote row and, best effort, the remote objects.
// RemoteID is captured when known at delete time.
type DeleteMemory struct {
	LocalID         string `json:"localId"`
	RemoteID        string `json:"remoteId,omitempty"`
	RemotePhotoPath string `json:"remotePhotoPath,omitempty"`
	RemoteAudioPath string `json:"remoteAudioPath,omitempty"`
}

func (t DeleteMemory) Kind() Kind     { return KindDelete }
func (t DeleteMemory) Key() string    { return "DELETE:" + t.LocalID }
func (t DeleteMemory) Target() string { return t.LocalID }

// PullAll fetches every remote row of the user into the local store
type PullAll struct{}

func (PullAll) Kind() Kind     { return KindPullAll }
func (PullAll) Key() string    { return "PULL_ALL" }
func (PullAll) Target() string { return "" }

// Encode serializes a task for the journal
func Encode(task Task) ([]byte, error) {
	data, err := jsonMarshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode %s task: %w", task.Kind(), err)
	}
	return data, nil
}

// Decode rebuilds a task from its journal representation
func Decode(kind Kind, payload []byte) (Task, error) {
	var (
		task Task
		err  error
	)
	switch kind {
	case KindCreate:
		var t CreateMemory
		err = jsonUnmarshal(payload, &t)
		task = t
	case KindUpdate:
		var t UpdateMemory
		err = jsonUnmarshal(payload, &t)
		task = t
	case KindFavorite:
		var t ToggleFavorite
		err = jsonUnmarshal(payload, &t)
		task = t
	case KindDelete:
		var t DeleteMemory
		err = jsonUnmarshal(payload, &t)
		task = t
	case KindPullAll:
		task = PullAll{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s task: %w", kind, err)
	}
	return task, nil
}
