package server

import (
	"bufio"
	"context"
	"encoding/json/v2"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marginapp/margin-sync/internal/domain"
	syncerr "github.com/marginapp/margin-sync/internal/errors"
	"github.com/marginapp/margin-sync/internal/queue"
)

type fakeTasks struct {
	mu        sync.Mutex
	snapshot  queue.Snapshot
	retryErr  error
	cancelled []string
	dismissed []string
	events    chan queue.Event
}

func (f *fakeTasks) Snapshot() queue.Snapshot { return f.snapshot }

func (f *fakeTasks) Retry(taskID string) (domain.SyncTask, error) {
	if f.retryErr != nil {
		return domain.SyncTask{}, f.retryErr
	}
	return domain.SyncTask{ID: taskID, State: domain.TaskQueued}, nil
}

func (f *fakeTasks) Cancel(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

func (f *fakeTasks) Dismiss(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed = append(f.dismissed, taskID)
	return nil
}

func (f *fakeTasks) Subscribe() (<-chan queue.Event, func()) {
	if f.events == nil {
		f.events = make(chan queue.Event, 8)
	}
	return f.events, func() {}
}

type fakeSyncer struct {
	mu    sync.Mutex
	kinds []domain.Source
	all   bool
	err   error
}

func (f *fakeSyncer) SyncAll(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all = true
	return 5, f.err
}

func (f *fakeSyncer) SyncNow(_ context.Context, kinds ...domain.Source) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = kinds
	return len(kinds), f.err
}

type fakeRecords struct {
	source  domain.Source
	book    string
	deleted int
}

func (f *fakeRecords) Clear(_ context.Context, sourceKey domain.Source, bookID string) (int, error) {
	f.source, f.book = sourceKey, bookID
	return f.deleted, nil
}

func (f *fakeRecords) ClearSource(_ context.Context, sourceKey domain.Source) (int, error) {
	f.source = sourceKey
	return f.deleted, nil
}

func newTestServer(tasks *fakeTasks, syncer *fakeSyncer, records *fakeRecords) *Server {
	if tasks == nil {
		tasks = &fakeTasks{}
	}
	if syncer == nil {
		syncer = &fakeSyncer{}
	}
	if records == nil {
		records = &fakeRecords{}
	}
	return New(tasks, syncer, records, slog.New(slog.DiscardHandler))
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestHealthz(t *testing.T) {
	rec := doRequest(t, newTestServer(nil, nil, nil), http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
}

func TestListTasks(t *testing.T) {
	tasks := &fakeTasks{snapshot: queue.Snapshot{
		Failed: []domain.SyncTask{{ID: "task-1", State: domain.TaskFailed}},
		Queued: []domain.SyncTask{{ID: "task-2", State: domain.TaskQueued}},
	}}
	rec := doRequest(t, newTestServer(tasks, nil, nil), http.MethodGet, "/api/tasks", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "task-1")
	assert.Contains(t, body, `"counts"`)
	assert.Contains(t, body, `"failed":1`)
}

func TestSync_All(t *testing.T) {
	syncer := &fakeSyncer{}
	rec := doRequest(t, newTestServer(nil, syncer, nil), http.MethodPost, "/api/sync", "")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, syncer.all)
	assert.Contains(t, rec.Body.String(), `"enqueued":5`)
}

func TestSync_Filtered(t *testing.T) {
	syncer := &fakeSyncer{}
	rec := doRequest(t, newTestServer(nil, syncer, nil), http.MethodPost, "/api/sync",
		`{"sources":["kobo","pocket"]}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, syncer.all)
	assert.Equal(t, []domain.Source{domain.SourceKobo, domain.SourcePocket}, syncer.kinds)
}

func TestSync_UnknownSource(t *testing.T) {
	rec := doRequest(t, newTestServer(nil, nil, nil), http.MethodPost, "/api/sync",
		`{"sources":["palm-pilot"]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, string(syncerr.CodeValidation), env.Code)
}

func TestSync_ErrorMapsToStatus(t *testing.T) {
	syncer := &fakeSyncer{err: syncerr.SourceUnavailable("device detached")}
	rec := doRequest(t, newTestServer(nil, syncer, nil), http.MethodPost, "/api/sync", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "device detached", env.Error)
}

func TestRetryTask(t *testing.T) {
	rec := doRequest(t, newTestServer(nil, nil, nil), http.MethodPost, "/api/tasks/task-1/retry", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "task-1")
}

func TestRetryTask_NotFound(t *testing.T) {
	tasks := &fakeTasks{retryErr: syncerr.NotFoundf("task %s", "task-9")}
	rec := doRequest(t, newTestServer(tasks, nil, nil), http.MethodPost, "/api/tasks/task-9/retry", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, string(syncerr.CodeNotFound), env.Code)
}

func TestCancelAndDismissTask(t *testing.T) {
	tasks := &fakeTasks{}
	s := newTestServer(tasks, nil, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/tasks/task-1/cancel", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/tasks/task-2/dismiss", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, []string{"task-1"}, tasks.cancelled)
	assert.Equal(t, []string{"task-2"}, tasks.dismissed)
}

func TestClearRecords(t *testing.T) {
	records := &fakeRecords{deleted: 7}
	s := newTestServer(nil, nil, records)

	rec := doRequest(t, s, http.MethodDelete, "/api/records/kobo", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.SourceKobo, records.source)
	assert.Contains(t, rec.Body.String(), `"deleted":7`)

	rec = doRequest(t, s, http.MethodDelete, "/api/records/kindle/book-42", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.SourceKindle, records.source)
	assert.Equal(t, "book-42", records.book)
}

func TestClearRecords_UnknownSource(t *testing.T) {
	rec := doRequest(t, newTestServer(nil, nil, nil), http.MethodDelete, "/api/records/palm-pilot", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvents_Streams(t *testing.T) {
	tasks := &fakeTasks{events: make(chan queue.Event, 8)}
	srv := httptest.NewServer(newTestServer(tasks, nil, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	tasks.events <- queue.Event{
		Type: queue.EventFinished,
		Task: domain.SyncTask{ID: "task-1", State: domain.TaskSucceeded},
	}

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	assert.Equal(t, "event: task.finished", lines[0])
	assert.Contains(t, lines[1], `"task-1"`)
}

func TestEvents_OutlivesServerWriteTimeout(t *testing.T) {
	tasks := &fakeTasks{events: make(chan queue.Event, 8)}
	srv := httptest.NewUnstartedServer(newTestServer(tasks, nil, nil))
	srv.Config.WriteTimeout = 500 * time.Millisecond
	srv.Start()
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	readEvent := func() []string {
		t.Helper()
		var lines []string
		for len(lines) < 2 {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				lines = append(lines, trimmed)
			}
		}
		return lines
	}

	tasks.events <- queue.Event{
		Type: queue.EventStarted,
		Task: domain.SyncTask{ID: "early", State: domain.TaskRunning},
	}
	assert.Contains(t, readEvent()[1], `"early"`)

	// Events sent after the server's WriteTimeout has elapsed must still
	// reach the subscriber; the stream re-arms its own deadline per write.
	time.Sleep(time.Second)
	tasks.events <- queue.Event{
		Type: queue.EventFinished,
		Task: domain.SyncTask{ID: "late", State: domain.TaskSucceeded},
	}
	lines := readEvent()
	assert.Equal(t, "event: task.finished", lines[0])
	assert.Contains(t, lines[1], `"late"`)
}
