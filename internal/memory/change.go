package memory

// ChangeKind is the kind of local mutation recorded by the local store
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeFavorite ChangeKind = "favorite"
	ChangeDeleted  ChangeKind = "deleted"
)

// Change describes a local mutation that must be pushed to the backend
type Change struct {
	Kind    ChangeKind
	LocalID string

	// created
	HasPhoto bool
	HasAudio bool

	// updated
	PhotoChanged bool
	AudioChanged bool

	// favorite
	IsFavorite bool

	// deleted
	RemoteID        string
	RemotePhotoPath string
	RemoteAudioPath string
}
