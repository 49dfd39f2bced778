package store

import (
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/erp-bridge/pkg/event"
)

const tracerName = "erp-bridge"

// unresolvedStatuses are the statuses an event can still leave; a row in
// any of them blocks younger events on the same entity key.
var unresolvedStatuses = []event.Status{
	event.StatusPending,
	event.StatusInFlight,
	event.StatusFailedRetryable,
}

// orderBatch fixes the apply order of a claimed batch: oldest first, and
// on an exact receive-time collision the hub copy goes before the webhook
// copy, so the hub copy's write is the one that lands as the original.
func orderBatch(events []event.IntegrationEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].ReceivedAt.Equal(events[j].ReceivedAt) {
			return events[i].SourceChannel.Ordinal() < events[j].SourceChannel.Ordinal()
		}
		return events[i].ReceivedAt.Before(events[j].ReceivedAt)
	})
}

func addDBStatsToSpan(span trace.Span, system, statement string, eventsCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("eventsCount", eventsCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}
