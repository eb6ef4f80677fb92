package events

// Kind names an event type
type Kind string

const (
	KindSnapSynced          Kind = "snap_synced"
	KindSnapSyncFailed      Kind = "snap_sync_failed"
	KindSnapDeleted         Kind = "snap_deleted"
	KindSyncStarted         Kind = "sync_started"
	KindSyncCompleted       Kind = "sync_completed"
	KindSyncFailed          Kind = "sync_failed"
	KindConnectivityChanged Kind = "connectivity_changed"
)

// Event is implemented by all sync lifecycle events. The set is closed.
type Event interface {
	Kind() Kind
	isEvent()
}

// SnapSynced is emitted when a memory was pushed to the backend
type SnapSynced struct {
	LocalID string
}

func (SnapSynced) Kind() Kind { return KindSnapSynced }
func (SnapSynced) isEvent()   {}

// SnapSyncFailed is emitted when a task for a memory failed and was scheduled for retry
type SnapSyncFailed struct {
	LocalID    string
	Err        error
	RetryCount int
}

func (SnapSyncFailed) Kind() Kind { return KindSnapSyncFailed }
func (SnapSyncFailed) isEvent()   {}

// SnapDeleted is emitted when the remote row of a memory was deleted
type SnapDeleted struct {
	LocalID string
}

func (SnapDeleted) Kind() Kind { return KindSnapDeleted }
func (SnapDeleted) isEvent()   {}

// SyncStarted is emitted at the beginning of a drain cycle
type SyncStarted struct {
	TaskCount int
}

func (SyncStarted) Kind() Kind { return KindSyncStarted }
func (SyncStarted) isEvent()   {}

// SyncCompleted is emitted once all tasks of a drain cycle finished
type SyncCompleted struct {
	SuccessCount int
	FailureCount int
}

func (SyncCompleted) Kind() Kind { return KindSyncCompleted }
func (SyncCompleted) isEvent()   {}

// SyncFailed is emitted when a drain cycle could not run
type SyncFailed struct {
	Err error
}

func (SyncFailed) Kind() Kind { return KindSyncFailed }
func (SyncFailed) isEvent()   {}

// ConnectivityChanged is emitted on every observed connectivity transition
type ConnectivityChanged struct {
	Connected bool
}

func (ConnectivityChanged) Kind() Kind { return KindConnectivityChanged }
func (ConnectivityChanged) isEvent()   {}
