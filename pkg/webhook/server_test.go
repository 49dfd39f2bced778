package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zoff-tech/erp-bridge/pkg/dedup"
	"github.com/zoff-tech/erp-bridge/pkg/event"
	"github.com/zoff-tech/erp-bridge/pkg/hub"
	"github.com/zoff-tech/erp-bridge/pkg/ingest"
)

type fakeStatusRepo struct {
	events map[string]*event.IntegrationEvent

	counts   map[event.Status]int64
	oldest   *time.Time
	failures map[event.EntityType]string
}

func newFakeStatusRepo() *fakeStatusRepo {
	return &fakeStatusRepo{events: make(map[string]*event.IntegrationEvent)}
}

func (f *fakeStatusRepo) InsertIfAbsent(_ context.Context, ev *event.IntegrationEvent) (bool, error) {
	k := ev.EventID + "|" + string(ev.SourceChannel)
	if _, ok := f.events[k]; ok {
		return false, nil
	}
	f.events[k] = ev
	return true, nil
}

func (f *fakeStatusRepo) FindRecentMatch(context.Context, event.EntityType, event.Operation, string, uint64, time.Duration) (bool, error) {
	return false, nil
}
func (f *fakeStatusRepo) ClaimNextBatch(context.Context, int) ([]event.IntegrationEvent, error) {
	return nil, nil
}
func (f *fakeStatusRepo) MarkApplied(context.Context, string, event.SourceChannel) error { return nil }
func (f *fakeStatusRepo) MarkFailed(context.Context, string, event.SourceChannel, string, bool, time.Time) error {
	return nil
}
func (f *fakeStatusRepo) ReleaseDueRetries(context.Context, time.Time) (int64, error) { return 0, nil }
func (f *fakeStatusRepo) RecoverStale(context.Context, time.Duration) (int64, error)  { return 0, nil }

func (f *fakeStatusRepo) StatusCounts(context.Context) (map[event.Status]int64, error) {
	return f.counts, nil
}
func (f *fakeStatusRepo) OldestUnresolved(context.Context) (*time.Time, error) {
	return f.oldest, nil
}
func (f *fakeStatusRepo) LastTerminalFailures(context.Context) (map[event.EntityType]string, error) {
	return f.failures, nil
}

type fakeListener struct {
	connected bool
}

func (f *fakeListener) Listen(ctx context.Context, _ hub.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeListener) Connected() bool { return f.connected }
func (f *fakeListener) Close() error    { return nil }

func newTestServer(repo *fakeStatusRepo, connected bool) *Server {
	ing := ingest.NewIngestor(repo, dedup.NewDeduplicator(repo, 10*time.Minute))
	return NewServer(ing, repo, &fakeListener{connected: connected})
}

const validEventBody = `{
	"eventType": "Create",
	"entityType": "Product",
	"eventId": "evt_1",
	"timeStamp": "2024-05-01T10:00:00Z",
	"payload": {"data": {"id": "p-100", "name": "Widget"}}
}`

func TestReceiveEvent_Accepted(t *testing.T) {
	repo := newFakeStatusRepo()
	s := newTestServer(repo, true)

	req := httptest.NewRequest(http.MethodPost, "/webhook/events", strings.NewReader(validEventBody))
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]bool
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body["accepted"])
	assert.True(t, body["stored"])
	assert.Len(t, repo.events, 1)
}

func TestReceiveEvent_DuplicateStillAccepted(t *testing.T) {
	repo := newFakeStatusRepo()
	s := newTestServer(repo, true)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook/events", strings.NewReader(validEventBody))
		rec := httptest.NewRecorder()
		s.e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}

	assert.Len(t, repo.events, 1)
}

func TestReceiveEvent_MalformedRejected(t *testing.T) {
	s := newTestServer(newFakeStatusRepo(), true)

	req := httptest.NewRequest(http.MethodPost, "/webhook/events", strings.NewReader(`{"eventType":"Explode"}`))
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(newFakeStatusRepo(), true)

	req := httptest.NewRequest(http.MethodGet, "/webhook/health", nil)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus_Report(t *testing.T) {
	repo := newFakeStatusRepo()
	repo.counts = map[event.Status]int64{
		event.StatusPending:        3,
		event.StatusApplied:        12,
		event.StatusFailedTerminal: 1,
	}
	oldest := time.Now().Add(-90 * time.Second)
	repo.oldest = &oldest
	repo.failures = map[event.EntityType]string{
		event.EntityInvoice: "erp rejected request: invalid value",
	}
	s := newTestServer(repo, true)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var report StatusReport
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.HubConnected)
	assert.Equal(t, int64(3), report.Events[event.StatusPending])
	assert.NotNil(t, report.OldestUnresolvedAge)
	assert.InDelta(t, 90, *report.OldestUnresolvedAge, 5)
	assert.Contains(t, report.LastTerminalFailures[event.EntityInvoice], "invalid value")
}

func TestStatus_HubDisconnected(t *testing.T) {
	repo := newFakeStatusRepo()
	repo.counts = map[event.Status]int64{}
	s := newTestServer(repo, false)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var report StatusReport
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.HubConnected)
	assert.Nil(t, report.OldestUnresolvedAge)
	assert.Empty(t, report.LastTerminalFailures)
}
