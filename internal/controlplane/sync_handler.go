package controlplane

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/soulsnaps/internal/events"
	"github.com/openmined/soulsnaps/internal/synctask"
)

type SyncHandler struct {
	sync SyncService
	bus  *events.Bus
}

// Status returns the sync metrics snapshot
func (h *SyncHandler) Status(c *gin.Context) {
	c.PureJSON(http.StatusOK, h.sync.Metrics())
}

func (h *SyncHandler) Tasks(c *gin.Context) {
	entries := h.sync.Tasks()
	tasks := make([]TaskInfo, 0, len(entries))
	for _, e := range entries {
		tasks = append(tasks, TaskInfo{
			Key:         e.Task.Key(),
			Kind:        string(e.Task.Kind()),
			LocalID:     e.Task.Target(),
			RetryCount:  e.RetryCount,
			NextAttempt: e.NextAttempt,
			LastError:   e.LastError,
			EnqueuedAt:  e.EnqueuedAt,
			Running:     e.Running,
			Exhausted:   e.Exhausted,
		})
	}
	c.PureJSON(http.StatusOK, TasksResponse{Tasks: tasks})
}

// Now requests an immediate drain. It is still gated by connectivity.
func (h *SyncHandler) Now(c *gin.Context) {
	h.sync.TriggerNow()
	c.PureJSON(http.StatusAccepted, Response{Code: CodeOk})
}

func (h *SyncHandler) Retry(c *gin.Context) {
	var req RetryRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
			return
		}
	}

	if req.Key == "" {
		c.PureJSON(http.StatusOK, RetryResponse{Retried: h.sync.RetryAll()})
		return
	}

	if err := h.sync.Retry(req.Key); err != nil {
		if errors.Is(err, synctask.ErrTaskNotFound) {
			AbortWithError(c, http.StatusNotFound, ErrCodeNotFound, err)
			return
		}
		AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}
	c.PureJSON(http.StatusOK, RetryResponse{Retried: 1})
}

// Events streams sync events as server-sent events. The first event is a
// status snapshot.
func (h *SyncHandler) Events(c *gin.Context) {
	sub, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx := c.Request.Context()
	c.SSEvent("status", h.sync.Metrics())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Kind()), NewEventPayload(ev))
			return true
		}
	})
}
