package ingest

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zoff-tech/erp-bridge/pkg/dedup"
	"github.com/zoff-tech/erp-bridge/pkg/event"
	"github.com/zoff-tech/erp-bridge/pkg/store"
)

// Ingestor is the single ingestion path shared by both channel adapters:
// decode, dedup, persist as pending. Both channels go through here so no
// channel-specific data survives into later stages.
type Ingestor struct {
	repo  store.EventRepository
	dedup *dedup.Deduplicator
	now   func() time.Time
}

func NewIngestor(repo store.EventRepository, deduplicator *dedup.Deduplicator) *Ingestor {
	return &Ingestor{
		repo:  repo,
		dedup: deduplicator,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the receive-time clock, for tests.
func (i *Ingestor) WithClock(now func() time.Time) *Ingestor {
	i.now = now
	return i
}

// Ingest validates and stores a raw event from the given channel.
// It reports stored=false for duplicates, which are absorbed silently.
// Malformed input returns event.ErrMalformedEnvelope and stores nothing.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte, channel event.SourceChannel) (stored bool, err error) {
	tracer := otel.Tracer("erp-bridge")
	ctx, span := tracer.Start(ctx, "Ingest")
	defer span.End()

	ev, err := event.DecodeEnvelope(raw, channel, i.now())
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	span.SetAttributes(
		attribute.String("event.id", ev.EventID),
		attribute.String("event.channel", string(channel)),
		attribute.String("event.entity_type", string(ev.EntityType)),
		attribute.String("event.operation", string(ev.Operation)),
	)

	verdict, err := i.dedup.Classify(ctx, ev)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if verdict == dedup.Duplicate {
		log.Printf("Dropping cross-channel duplicate %s (%s %s via %s)",
			ev.EventID, ev.Operation, ev.EntityKey, channel)
		return false, nil
	}

	inserted, err := i.repo.InsertIfAbsent(ctx, ev)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if !inserted {
		log.Printf("Dropping re-delivered event %s via %s", ev.EventID, channel)
	}
	return inserted, nil
}
