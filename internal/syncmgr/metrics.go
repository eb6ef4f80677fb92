package syncmgr

import (
	"sync"
	"time"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Metrics is a snapshot of the sync manager counters. Counters live in
// memory only and restart from zero with the process.
type Metrics struct {
	State            State         `json:"state"`
	Connected        bool          `json:"connected"`
	PendingTasks     int           `json:"pendingTasks"`
	RunningTasks     int           `json:"runningTasks"`
	ExhaustedTasks   int           `json:"exhaustedTasks"`
	CompletedTasks   int64         `json:"completedTasks"`
	FailedTasks      int64         `json:"failedTasks"`
	BackoffLevel     int           `json:"backoffLevel"`
	NextRetryAt      time.Time     `json:"nextRetryAt,omitzero"`
	LastSyncAt       time.Time     `json:"lastSyncAt,omitzero"`
	LastSyncDuration time.Duration `json:"lastSyncDuration"`
	UploadBytesTotal int64         `json:"uploadBytesTotal"`
}

type counters struct {
	state            State
	completed        int64
	failed           int64
	uploadBytes      int64
	lastSyncAt       time.Time
	lastSyncDuration time.Duration
	mu               sync.Mutex
}

func (c *counters) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *counters) taskDone(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failed++
	} else {
		c.completed++
	}
}

func (c *counters) uploaded(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadBytes += int64(n)
}

func (c *counters) cycleDone(at time.Time, took time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSyncAt = at
	c.lastSyncDuration = took
}

func (c *counters) fill(m *Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m.State = c.state
	m.CompletedTasks = c.completed
	m.FailedTasks = c.failed
	m.UploadBytesTotal = c.uploadBytes
	m.LastSyncAt = c.lastSyncAt
	m.LastSyncDuration = c.lastSyncDuration
}
