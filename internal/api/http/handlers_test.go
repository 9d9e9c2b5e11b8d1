package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starforge/starforge/internal/deadletter"
	"github.com/starforge/starforge/internal/observability"
	"github.com/starforge/starforge/internal/pipeline"
	"github.com/starforge/starforge/internal/record"
	"github.com/starforge/starforge/internal/router"
	"github.com/starforge/starforge/internal/schema"
	"github.com/starforge/starforge/internal/sink"
)

func newTestHandlers(t *testing.T) (*EventsHandler, *StatsHandler, *deadletter.Sink) {
	t.Helper()
	ctx := context.Background()
	store := sink.NewMemory()
	t.Cleanup(func() { store.Close() })

	dead, err := deadletter.NewSink(t.TempDir(), 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { dead.Close() })

	reg := schema.StarSchema()
	stats := observability.NewPipelineStats()
	w := record.NewWriter(store, stats)
	require.NoError(t, w.Prepare(ctx, reg))
	r := router.New(reg, w, dead, router.NewNotifier(16), stats)
	pipe := pipeline.New(pipeline.DefaultConfig(), reg, r, dead, stats)
	pipe.Start()
	t.Cleanup(pipe.Stop)

	return NewEventsHandler(pipe), NewStatsHandler(stats, dead, nil, nil), dead
}

func TestEventsHandler_AcceptsSingleEvent(t *testing.T) {
	events, _, _ := newTestHandlers(t)

	body := `{"metadata":{"table":"customers","operation":"insert","lsn":"0/1"},` +
		`"payload":{"id":1,"email":"a@example.com","name":"A","country":"USA",` +
		`"city":"X","created_at":"2024-01-01T00:00:00Z"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	DefaultMiddleware()(events).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp EventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, resp.RequestID, rec.Header().Get("X-Request-ID"))
}

func TestEventsHandler_AcceptsEventArray(t *testing.T) {
	events, _, _ := newTestHandlers(t)

	body := `[
		{"metadata":{"table":"products","operation":"insert","lsn":"0/1"},
		 "payload":{"id":1,"name":"Widget","category":"Tools","price":4.5,"created_at":"2024-01-01T00:00:00Z"}},
		{"metadata":{"table":"products","operation":"insert","lsn":"0/2"},
		 "payload":{"id":2,"name":"Gadget","category":"Tools","price":6.5,"created_at":"2024-01-01T00:00:00Z"}}
	]`
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	DefaultMiddleware()(events).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp EventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
}

func TestEventsHandler_RejectsInvalidJSON(t *testing.T) {
	events, _, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	DefaultMiddleware()(events).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsHandler_RejectsWrongMethod(t *testing.T) {
	events, _, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	rec := httptest.NewRecorder()
	DefaultMiddleware()(events).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatsHandler_ReportsCounters(t *testing.T) {
	events, statsH, dead := newTestHandlers(t)

	// An event with an unknown table is accepted, then dead-lettered.
	body := `{"metadata":{"table":"invoices","operation":"insert","lsn":"0/1"},"payload":{"id":1}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	DefaultMiddleware()(events).ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	waitForDeadLetter(t, dead)

	req = httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec = httptest.NewRecorder()
	DefaultMiddleware()(statsH).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Pipeline.Processed)
	assert.Equal(t, int64(1), resp.Pipeline.DeadLettered.UnknownEntityKind)
	assert.Equal(t, int64(1), resp.DeadLettered)
}

func waitForDeadLetter(t *testing.T, dead *deadletter.Sink) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if dead.Count() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("dead-letter record did not arrive")
}

func TestDeadLetterHandler_RejectsBadLimit(t *testing.T) {
	h := NewDeadLetterHandler(t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/v1/deadletter?limit=zero", nil)
	rec := httptest.NewRecorder()
	DefaultMiddleware()(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeadLetterHandler_EmptyDirectory(t *testing.T) {
	h := NewDeadLetterHandler(t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/v1/deadletter", nil)
	rec := httptest.NewRecorder()
	DefaultMiddleware()(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp DeadLetterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Records)
}

func TestHealthHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	(&HealthHandler{}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
