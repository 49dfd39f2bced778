package processor

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/erp-bridge/pkg/config"
	"github.com/zoff-tech/erp-bridge/pkg/erp"
	"github.com/zoff-tech/erp-bridge/pkg/event"
	"github.com/zoff-tech/erp-bridge/pkg/retry"
	"github.com/zoff-tech/erp-bridge/pkg/store"
)

// Orchestrator pulls claimed events from the store, applies the field
// mapping and issues exactly one ERP call per claimed event per pass.
// Retries are scheduled through the store, never looped in-process.
type Orchestrator struct {
	repo         store.EventRepository
	client       erp.Client
	mapper       *erp.Mapper
	policy       *retry.Policy
	tracer       trace.Tracer
	pollInterval time.Duration
	batchSize    int
}

// NewOrchestrator creates a new instance of Orchestrator.
func NewOrchestrator(repo store.EventRepository, client erp.Client, mapper *erp.Mapper, policy *retry.Policy, cfg *config.Settings) *Orchestrator {
	return &Orchestrator{
		repo:         repo,
		client:       client,
		mapper:       mapper,
		policy:       policy,
		tracer:       otel.Tracer("erp-bridge"),
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
	}
}

// Run processes events until ctx is canceled. One failed event never
// stops the loop; its outcome is recorded on the row and the loop moves
// on to the next event.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		events, err := o.repo.ClaimNextBatch(ctx, o.batchSize)
		if err != nil {
			log.Printf("Failed to claim events: %v", err)
			o.sleep(ctx)
			continue
		}

		for _, ev := range events {
			o.applyOne(ctx, ev)
		}

		if len(events) == 0 {
			o.sleep(ctx)
		}
	}
}

func (o *Orchestrator) applyOne(ctx context.Context, ev event.IntegrationEvent) {
	ctx, span := o.tracer.Start(ctx, "ApplyIntegrationEvent", trace.WithAttributes(
		attribute.String("event.id", ev.EventID),
		attribute.String("event.channel", string(ev.SourceChannel)),
		attribute.String("event.entity_type", string(ev.EntityType)),
		attribute.String("event.operation", string(ev.Operation)),
		attribute.String("event.entity_key", ev.EntityKey),
		attribute.Int("event.attempt_count", ev.AttemptCount),
	))
	defer span.End()

	if err := o.mutate(ctx, ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.recordFailure(ctx, ev, err)
		return
	}

	if err := o.repo.MarkApplied(ctx, ev.EventID, ev.SourceChannel); err != nil {
		// The ERP mutation landed but the outcome did not; the stale
		// in-flight recovery will replay it, and the idempotent upsert
		// absorbs the duplicate application.
		log.Printf("Failed to mark event %s as applied: %v", ev.EventID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// mutate issues the single ERP call for an event.
func (o *Orchestrator) mutate(ctx context.Context, ev event.IntegrationEvent) error {
	switch ev.Operation {
	case event.OperationDelete:
		found, err := o.client.Delete(ctx, ev.EntityType, ev.EntityKey)
		if err != nil {
			return err
		}
		if !found {
			// Already gone counts as success: delete-if-exists.
			log.Printf("Delete for absent %s, treating as applied", ev.EntityKey)
		}
		return nil
	default:
		// Create, Update and Sync all map to the idempotent upsert so a
		// duplicate Create cannot produce a second remote record.
		fields, err := o.mapper.Map(ev.EntityType, ev.Payload)
		if err != nil {
			return err
		}
		_, err = o.client.Upsert(ctx, ev.EntityType, ev.EntityKey, fields)
		return err
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, ev event.IntegrationEvent, cause error) {
	retryable := erp.Retryable(cause) && !o.policy.Exhausted(ev.AttemptCount)

	var nextRetryAt time.Time
	if retryable {
		nextRetryAt = o.policy.NextRetryAt(time.Now(), ev.AttemptCount)
		log.Printf("Event %s failed (attempt %d), retrying at %s: %v",
			ev.EventID, ev.AttemptCount, nextRetryAt.Format(time.RFC3339), cause)
	} else {
		log.Printf("Event %s failed terminally after %d attempts: %v",
			ev.EventID, ev.AttemptCount, cause)
	}

	if err := o.repo.MarkFailed(ctx, ev.EventID, ev.SourceChannel, cause.Error(), !retryable, nextRetryAt); err != nil {
		log.Printf("Failed to record failure for event %s: %v", ev.EventID, err)
	}
}

func (o *Orchestrator) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(o.pollInterval):
	}
}
