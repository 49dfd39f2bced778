package processor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zoff-tech/erp-bridge/pkg/config"
	"github.com/zoff-tech/erp-bridge/pkg/erp"
	"github.com/zoff-tech/erp-bridge/pkg/event"
	"github.com/zoff-tech/erp-bridge/pkg/retry"
	"github.com/zoff-tech/erp-bridge/pkg/store"
)

type failureRecord struct {
	lastError   string
	terminal    bool
	nextRetryAt time.Time
}

type fakeRepo struct {
	mu      sync.Mutex
	batches [][]event.IntegrationEvent

	applied  []string
	failures map[string]failureRecord
}

func newFakeRepo(batches ...[]event.IntegrationEvent) *fakeRepo {
	return &fakeRepo{batches: batches, failures: make(map[string]failureRecord)}
}

func (f *fakeRepo) ClaimNextBatch(context.Context, int) ([]event.IntegrationEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeRepo) MarkApplied(_ context.Context, eventID string, _ event.SourceChannel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, eventID)
	return nil
}

func (f *fakeRepo) MarkFailed(_ context.Context, eventID string, _ event.SourceChannel, lastError string, terminal bool, nextRetryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[eventID] = failureRecord{lastError: lastError, terminal: terminal, nextRetryAt: nextRetryAt}
	return nil
}

func (f *fakeRepo) appliedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

func (f *fakeRepo) InsertIfAbsent(context.Context, *event.IntegrationEvent) (bool, error) {
	return false, nil
}
func (f *fakeRepo) FindRecentMatch(context.Context, event.EntityType, event.Operation, string, uint64, time.Duration) (bool, error) {
	return false, nil
}
func (f *fakeRepo) ReleaseDueRetries(context.Context, time.Time) (int64, error) { return 0, nil }
func (f *fakeRepo) RecoverStale(context.Context, time.Duration) (int64, error)  { return 0, nil }
func (f *fakeRepo) StatusCounts(context.Context) (map[event.Status]int64, error) {
	return nil, nil
}
func (f *fakeRepo) OldestUnresolved(context.Context) (*time.Time, error) { return nil, nil }
func (f *fakeRepo) LastTerminalFailures(context.Context) (map[event.EntityType]string, error) {
	return nil, nil
}

type upsertCall struct {
	entityType event.EntityType
	entityKey  string
	fields     map[string]any
}

type fakeClient struct {
	upserts []upsertCall
	deletes []string

	upsertErr   error
	deleteErr   error
	deleteFound bool
}

func (f *fakeClient) Upsert(_ context.Context, entityType event.EntityType, entityKey string, fields map[string]any) (int64, error) {
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	f.upserts = append(f.upserts, upsertCall{entityType: entityType, entityKey: entityKey, fields: fields})
	return int64(len(f.upserts)), nil
}

func (f *fakeClient) Delete(_ context.Context, _ event.EntityType, entityKey string) (bool, error) {
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	f.deletes = append(f.deletes, entityKey)
	return f.deleteFound, nil
}

func productMappings() map[string]config.EntityMapping {
	return map[string]config.EntityMapping{
		"Product": {
			Model:    "product.template",
			KeyField: "default_code",
			Fields:   map[string]string{"name": "name", "price": "list_price"},
			Required: []string{"name"},
		},
	}
}

func newTestOrchestrator(repo *fakeRepo, client *fakeClient) *Orchestrator {
	return newTestOrchestratorWith(repo, client)
}

func newTestOrchestratorWith(repo store.EventRepository, client erp.Client) *Orchestrator {
	mapper := erp.NewMapper(productMappings())
	policy := retry.NewPolicy(config.RetrySettings{
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  10 * time.Minute,
		MaxAttempts: 5,
	})
	cfg := &config.Settings{PollInterval: time.Millisecond, BatchSize: 10}
	return NewOrchestrator(repo, client, mapper, policy, cfg)
}

func claimedEvent(id string, op event.Operation, attempts int) event.IntegrationEvent {
	return event.IntegrationEvent{
		EventID:       id,
		SourceChannel: event.ChannelHub,
		EntityType:    event.EntityProduct,
		Operation:     op,
		EntityKey:     "Product/p-100",
		Payload:       json.RawMessage(`{"id":"p-100","name":"Widget","price":9.99}`),
		ReceivedAt:    time.Now().UTC(),
		Status:        event.StatusInFlight,
		AttemptCount:  attempts,
	}
}

func TestApplyOne_UpsertSuccess(t *testing.T) {
	repo := newFakeRepo()
	client := &fakeClient{}
	o := newTestOrchestrator(repo, client)

	o.applyOne(context.Background(), claimedEvent("evt_1", event.OperationCreate, 1))

	assert.Equal(t, []string{"evt_1"}, repo.applied)
	assert.Empty(t, repo.failures)
	assert.Len(t, client.upserts, 1)
	assert.Equal(t, "Product/p-100", client.upserts[0].entityKey)
	assert.Equal(t, map[string]any{"name": "Widget", "list_price": 9.99}, client.upserts[0].fields)
}

func TestApplyOne_DuplicateCreateStaysOneRecord(t *testing.T) {
	repo := newFakeRepo()
	client := &fakeClient{}
	o := newTestOrchestrator(repo, client)

	// A replayed Create reaches the ERP as the same idempotent upsert.
	o.applyOne(context.Background(), claimedEvent("evt_1", event.OperationCreate, 1))
	o.applyOne(context.Background(), claimedEvent("evt_1", event.OperationCreate, 2))

	assert.Len(t, client.upserts, 2)
	assert.Equal(t, client.upserts[0].entityKey, client.upserts[1].entityKey)
	assert.Equal(t, client.upserts[0].fields, client.upserts[1].fields)
}

func TestApplyOne_DeleteAbsentIsApplied(t *testing.T) {
	repo := newFakeRepo()
	client := &fakeClient{deleteFound: false}
	o := newTestOrchestrator(repo, client)

	o.applyOne(context.Background(), claimedEvent("evt_1", event.OperationDelete, 1))

	assert.Equal(t, []string{"evt_1"}, repo.applied)
	assert.Empty(t, repo.failures)
	assert.Equal(t, []string{"Product/p-100"}, client.deletes)
}

func TestApplyOne_TransportFailureIsRetryable(t *testing.T) {
	repo := newFakeRepo()
	client := &fakeClient{upsertErr: &erp.TransportError{Err: context.DeadlineExceeded}}
	o := newTestOrchestrator(repo, client)

	before := time.Now()
	o.applyOne(context.Background(), claimedEvent("evt_1", event.OperationUpdate, 1))

	assert.Empty(t, repo.applied)
	failure := repo.failures["evt_1"]
	assert.False(t, failure.terminal)
	assert.True(t, failure.nextRetryAt.After(before))
	assert.Contains(t, failure.lastError, "transport")
}

func TestApplyOne_RejectionIsTerminal(t *testing.T) {
	repo := newFakeRepo()
	client := &fakeClient{upsertErr: &erp.RemoteRejection{Message: "invalid value"}}
	o := newTestOrchestrator(repo, client)

	o.applyOne(context.Background(), claimedEvent("evt_1", event.OperationUpdate, 1))

	failure := repo.failures["evt_1"]
	assert.True(t, failure.terminal)
	assert.Contains(t, failure.lastError, "invalid value")
}

func TestApplyOne_MissingRequiredFieldIsTerminal(t *testing.T) {
	repo := newFakeRepo()
	client := &fakeClient{}
	o := newTestOrchestrator(repo, client)

	ev := claimedEvent("evt_1", event.OperationCreate, 1)
	ev.Payload = json.RawMessage(`{"id":"p-100","price":9.99}`)
	o.applyOne(context.Background(), ev)

	failure := repo.failures["evt_1"]
	assert.True(t, failure.terminal)
	assert.Contains(t, failure.lastError, "required target field")
	assert.Empty(t, client.upserts)
}

func TestApplyOne_ExhaustedRetriesBecomeTerminal(t *testing.T) {
	repo := newFakeRepo()
	client := &fakeClient{upsertErr: &erp.TransportError{Err: context.DeadlineExceeded}}
	o := newTestOrchestrator(repo, client)

	// Fifth attempt of a transient failure crosses the retry budget.
	o.applyOne(context.Background(), claimedEvent("evt_1", event.OperationUpdate, 5))

	failure := repo.failures["evt_1"]
	assert.True(t, failure.terminal)
}

func TestRun_DrainsBatchesAndStopsOnCancel(t *testing.T) {
	repo := newFakeRepo(
		[]event.IntegrationEvent{claimedEvent("evt_1", event.OperationCreate, 1)},
		[]event.IntegrationEvent{claimedEvent("evt_2", event.OperationUpdate, 1)},
	)
	client := &fakeClient{}
	o := newTestOrchestrator(repo, client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(repo.appliedIDs()) == 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop on cancel")
	}
	assert.Equal(t, []string{"evt_1", "evt_2"}, repo.appliedIDs())
}
