package syncmgr

import (
	"context"

	"github.com/openmined/soulsnaps/internal/memory"
)

// LocalStore is the part of the local store the manager reads and updates
type LocalStore interface {
	Changes() <-chan memory.Change
	Get(ctx context.Context, localID string) (*memory.Memory, error)
	Pending(ctx context.Context) ([]*memory.Memory, error)
	UpsertRemote(ctx context.Context, row *memory.Row) (bool, error)
	MarkSyncState(ctx context.Context, localID string, state memory.SyncState) error
	UpdateRemotePaths(ctx context.Context, localID, photoPath, audioPath string) error
	SetRemoteID(ctx context.Context, localID, remoteID string) error
}
