package controlplane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/soulsnaps/internal/events"
	"github.com/openmined/soulsnaps/internal/localstore"
	"github.com/openmined/soulsnaps/internal/syncmgr"
	"github.com/openmined/soulsnaps/internal/synctask"
)

const testToken = "t0ken"

type fakeSync struct {
	mu        sync.Mutex
	triggered int
	retried   []string
	entries   []synctask.Entry
}

func (f *fakeSync) Metrics() syncmgr.Metrics {
	return syncmgr.Metrics{State: syncmgr.StateIdle, Connected: true, PendingTasks: len(f.entries)}
}

func (f *fakeSync) Tasks() []synctask.Entry { return f.entries }

func (f *fakeSync) TriggerNow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered++
}

func (f *fakeSync) Retry(key string) error {
	for _, e := range f.entries {
		if e.Task.Key() == key {
			f.retried = append(f.retried, key)
			return nil
		}
	}
	return synctask.ErrTaskNotFound
}

func (f *fakeSync) RetryAll() int { return 2 }

type testServer struct {
	handler http.Handler
	sync    *fakeSync
	store   *localstore.Store
	bus     *events.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := localstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(16)
	t.Cleanup(bus.Close)

	fs := &fakeSync{entries: []synctask.Entry{
		{ID: 1, Task: synctask.CreateMemory{LocalID: "m1"}, EnqueuedAt: time.Now()},
		{ID: 2, Task: synctask.PullAll{}, RetryCount: 3, Exhausted: true, LastError: "boom"},
	}}

	cfg := Config{Token: testToken, RateLimit: 1000}
	return &testServer{
		handler: SetupRoutes(cfg, Deps{Sync: fs, Memories: store, Bus: bus}),
		sync:    fs,
		store:   store,
		bus:     bus,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestTokenAuth(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", "", http.StatusUnauthorized},
		{"bearer", "Bearer " + testToken, "", http.StatusOK},
		{"query", "", "?token=" + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/sync/status"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			s.handler.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, ErrCodeUnauthorized, decode[ErrorResponse](t, w).Code)
			}
		})
	}
}

func TestTokenAuth_Disabled(t *testing.T) {
	h := SetupRoutes(Config{RateLimit: 10}, Deps{Sync: &fakeSync{}, Bus: events.NewBus(1)})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sync/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIndexAndHealth(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "version")

	w = httptest.NewRecorder()
	s.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrCodeNotFound, decode[ErrorResponse](t, w).Code)
}

func TestSyncHandler_StatusAndTasks(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/v1/sync/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	m := decode[syncmgr.Metrics](t, w)
	assert.Equal(t, syncmgr.StateIdle, m.State)
	assert.Equal(t, 2, m.PendingTasks)

	w = s.do(t, http.MethodGet, "/v1/sync/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tasks := decode[TasksResponse](t, w).Tasks
	require.Len(t, tasks, 2)
	assert.Equal(t, "create", tasks[0].Kind)
	assert.Equal(t, "m1", tasks[0].LocalID)
	assert.Equal(t, "pull_all", tasks[1].Kind)
	assert.True(t, tasks[1].Exhausted)
	assert.Equal(t, "boom", tasks[1].LastError)
	assert.Equal(t, 3, tasks[1].RetryCount)
}

func TestSyncHandler_Now(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/sync/now", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, s.sync.triggered)
}

func TestSyncHandler_Retry(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/sync/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[RetryResponse](t, w).Retried)

	key := synctask.CreateMemory{LocalID: "m1"}.Key()
	w = s.do(t, http.MethodPost, "/v1/sync/retry", RetryRequest{Key: key})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{key}, s.sync.retried)

	w = s.do(t, http.MethodPost, "/v1/sync/retry", RetryRequest{Key: "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMemoryHandler_CRUD(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/memories", CreateMemoryRequest{
		Title:     "Beach",
		MoodType:  "calm",
		PhotoFile: "/tmp/beach.jpg",
		Location:  &LocationBody{Lat: 1.5, Lng: 2.5, Name: "Shore"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[MemoryResponse](t, w)
	require.NotEmpty(t, created.LocalID)
	assert.Equal(t, "PENDING", created.SyncState)
	require.NotNil(t, created.Location)
	assert.Equal(t, "Shore", created.Location.Name)

	path := "/v1/memories/" + created.LocalID

	w = s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Beach", decode[MemoryResponse](t, w).Title)

	title := "Sunset beach"
	w = s.do(t, http.MethodPatch, path, UpdateMemoryRequest{Title: &title})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[MemoryResponse](t, w)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, "calm", updated.MoodType)
	assert.Equal(t, "/tmp/beach.jpg", updated.PhotoFile)

	fav := true
	w = s.do(t, http.MethodPost, path+"/favorite", FavoriteRequest{IsFavorite: &fav})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[MemoryResponse](t, w).IsFavorite)

	w = s.do(t, http.MethodGet, "/v1/memories", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[MemoryListResponse](t, w).Memories, 1)

	w = s.do(t, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/v1/memories", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[MemoryListResponse](t, w).Memories)
}

func TestMemoryHandler_BadRequests(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/memories", map[string]any{"description": "no title"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/memories/missing/favorite", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	fav := true
	w = s.do(t, http.MethodPost, "/v1/memories/missing/favorite", FavoriteRequest{IsFavorite: &fav})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodDelete, "/v1/memories/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNewEventPayload(t *testing.T) {
	p := NewEventPayload(events.SnapSyncFailed{LocalID: "m1", Err: fmt.Errorf("nope"), RetryCount: 2})
	assert.Equal(t, events.KindSnapSyncFailed, p.Type)
	assert.Equal(t, "m1", p.LocalID)
	assert.Equal(t, "nope", p.Error)
	assert.Equal(t, 2, p.RetryCount)

	p = NewEventPayload(events.ConnectivityChanged{Connected: false})
	require.NotNil(t, p.Connected)
	assert.False(t, *p.Connected)

	p = NewEventPayload(events.SyncCompleted{SuccessCount: 3, FailureCount: 1})
	assert.Equal(t, 3, p.SuccessCount)
	assert.Equal(t, 1, p.FailureCount)
}

func TestSyncHandler_Events(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+eventsPath+"?token="+testToken, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	sc := bufio.NewScanner(resp.Body)
	next := func() (string, string) {
		var event, data string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimPrefix(line, "data:")
			case line == "" && event != "":
				return event, data
			}
		}
		return event, data
	}

	event, data := next()
	require.Equal(t, "status", event)
	assert.Contains(t, data, `"state":"idle"`)

	// the subscription exists once the status snapshot was written
	s.bus.Emit(events.SnapSynced{LocalID: "m9"})

	event, data = next()
	require.Equal(t, string(events.KindSnapSynced), event)
	var p EventPayload
	require.NoError(t, json.Unmarshal([]byte(data), &p))
	assert.Equal(t, "m9", p.LocalID)
}

func TestSecureHeaders(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/v1/sync/status", nil)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestProcessHandler(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/v1/process", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	info := decode[ProcessInfo](t, w)
	assert.NotZero(t, info.PID)
	assert.Positive(t, info.Goroutines)
}
