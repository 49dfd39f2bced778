package store

import (
	"context"
	"time"

	"github.com/zoff-tech/erp-bridge/pkg/event"
)

// EventRepository defines the database operations for integration events.
// It is the only shared mutable state between the channel adapters, the
// orchestrator workers and the retry scheduler, so every mutation must be
// atomic and durable before it returns.
type EventRepository interface {
	// InsertIfAbsent stores a new event in pending state. Re-delivery of
	// the same (event_id, source_channel) pair is a no-op and reports
	// inserted=false.
	InsertIfAbsent(ctx context.Context, ev *event.IntegrationEvent) (bool, error)
	// FindRecentMatch reports whether an event with the same entity type,
	// operation, entity key and payload hash was stored within the given
	// window. Used to absorb cross-channel duplicates carrying different
	// event ids.
	FindRecentMatch(ctx context.Context, entityType event.EntityType, op event.Operation, entityKey string, payloadHash uint64, window time.Duration) (bool, error)
	// ClaimNextBatch atomically moves up to batchSize pending events to
	// in_flight and increments their attempt count. An event is claimable
	// only when no older unresolved event shares its entity key, and no
	// two concurrent callers ever claim the same row.
	ClaimNextBatch(ctx context.Context, batchSize int) ([]event.IntegrationEvent, error)
	// MarkApplied finishes an event's lifecycle successfully.
	MarkApplied(ctx context.Context, eventID string, channel event.SourceChannel) error
	// MarkFailed records a failure. Terminal failures end the lifecycle;
	// retryable ones park the event until nextRetryAt.
	MarkFailed(ctx context.Context, eventID string, channel event.SourceChannel, lastError string, terminal bool, nextRetryAt time.Time) error
	// ReleaseDueRetries moves failed_retryable events whose next_retry_at
	// has elapsed back to pending and returns how many were released.
	ReleaseDueRetries(ctx context.Context, now time.Time) (int64, error)
	// RecoverStale re-queues in_flight events older than the liveness
	// threshold, reclaiming work orphaned by an ungraceful shutdown.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)

	// StatusCounts returns the number of events per status.
	StatusCounts(ctx context.Context) (map[event.Status]int64, error)
	// OldestUnresolved returns the receive time of the oldest event that
	// has not reached a terminal status, or nil when none exists.
	OldestUnresolved(ctx context.Context) (*time.Time, error)
	// LastTerminalFailures returns the newest failed_terminal error
	// message per entity type.
	LastTerminalFailures(ctx context.Context) (map[event.EntityType]string, error)
}
