package store

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/zoff-tech/erp-bridge/pkg/event"
)

type SpannerRepository struct {
	client *spanner.Client
}

func (s *SpannerRepository) InsertIfAbsent(ctx context.Context, ev *event.IntegrationEvent) (bool, error) {
	m := spanner.InsertMap("integration_events", map[string]interface{}{
		"event_id":       ev.EventID,
		"source_channel": string(ev.SourceChannel),
		"entity_type":    string(ev.EntityType),
		"operation":      string(ev.Operation),
		"entity_key":     ev.EntityKey,
		"payload":        []byte(ev.Payload),
		"payload_hash":   int64(ev.PayloadHash),
		"received_at":    ev.ReceivedAt,
		"status":         string(event.StatusPending),
		"attempt_count":  int64(0),
		"next_retry_at":  ev.ReceivedAt,
		"updated_at":     time.Now(),
	})
	_, err := s.client.Apply(ctx, []*spanner.Mutation{m})
	if spanner.ErrCode(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SpannerRepository) FindRecentMatch(ctx context.Context, entityType event.EntityType, op event.Operation, entityKey string, payloadHash uint64, window time.Duration) (bool, error) {
	stmt := spanner.Statement{
		SQL: `SELECT 1 FROM integration_events
              WHERE entity_type = @entityType AND operation = @operation
                AND entity_key = @entityKey AND payload_hash = @payloadHash
                AND received_at >= @since
              LIMIT 1`,
		Params: map[string]interface{}{
			"entityType":  string(entityType),
			"operation":   string(op),
			"entityKey":   entityKey,
			"payloadHash": int64(payloadHash),
			"since":       time.Now().Add(-window),
		},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	_, err := iter.Next()
	if err == iterator.Done {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SpannerRepository) ClaimNextBatch(ctx context.Context, batchSize int) ([]event.IntegrationEvent, error) {
	var events []event.IntegrationEvent
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		events = nil
		stmt := spanner.Statement{
			SQL: `SELECT e.event_id, e.source_channel, e.entity_type, e.operation, e.entity_key,
                         e.payload, e.payload_hash, e.received_at, e.attempt_count
                  FROM integration_events e
                  WHERE e.status = @pending
                    AND NOT EXISTS (
                      SELECT 1 FROM integration_events o
                      WHERE o.entity_key = e.entity_key
                        AND o.received_at < e.received_at
                        AND o.status IN ('pending', 'in_flight', 'failed_retryable'))
                  ORDER BY e.received_at
                  LIMIT @batchSize`,
			Params: map[string]interface{}{
				"pending":   string(event.StatusPending),
				"batchSize": int64(batchSize),
			},
		}

		iter := txn.Query(ctx, stmt)
		defer iter.Stop()
		for {
			row, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return err
			}

			var ev event.IntegrationEvent
			var channel, entityType, operation string
			var payload []byte
			var hash, attempts int64
			if err := row.Columns(&ev.EventID, &channel, &entityType, &operation,
				&ev.EntityKey, &payload, &hash, &ev.ReceivedAt, &attempts); err != nil {
				return err
			}
			ev.SourceChannel = event.SourceChannel(channel)
			ev.EntityType = event.EntityType(entityType)
			ev.Operation = event.Operation(operation)
			ev.Payload = payload
			ev.PayloadHash = uint64(hash)
			ev.AttemptCount = int(attempts) + 1
			ev.Status = event.StatusInFlight
			events = append(events, ev)
		}

		// The claim commits atomically with the read; a conflicting
		// transaction aborts and reruns with the rows already in flight.
		for _, ev := range events {
			update := spanner.Statement{
				SQL: `UPDATE integration_events
                      SET status = @inFlight, attempt_count = attempt_count + 1, updated_at = CURRENT_TIMESTAMP()
                      WHERE event_id = @id AND source_channel = @channel`,
				Params: map[string]interface{}{
					"inFlight": string(event.StatusInFlight),
					"id":       ev.EventID,
					"channel":  string(ev.SourceChannel),
				},
			}
			if _, err := txn.Update(ctx, update); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	orderBatch(events)
	return events, nil
}

func (s *SpannerRepository) MarkApplied(ctx context.Context, eventID string, channel event.SourceChannel) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE integration_events
                  SET status = @applied, last_error = NULL, updated_at = CURRENT_TIMESTAMP()
                  WHERE event_id = @id AND source_channel = @channel
                    AND status NOT IN ('applied', 'failed_terminal')`,
			Params: map[string]interface{}{
				"applied": string(event.StatusApplied),
				"id":      eventID,
				"channel": string(channel),
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerRepository) MarkFailed(ctx context.Context, eventID string, channel event.SourceChannel, lastError string, terminal bool, nextRetryAt time.Time) error {
	status := event.StatusFailedRetryable
	if terminal {
		status = event.StatusFailedTerminal
	}
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE integration_events
                  SET status = @status, last_error = @lastError, next_retry_at = @nextRetryAt, updated_at = CURRENT_TIMESTAMP()
                  WHERE event_id = @id AND source_channel = @channel
                    AND status NOT IN ('applied', 'failed_terminal')`,
			Params: map[string]interface{}{
				"status":      string(status),
				"lastError":   lastError,
				"nextRetryAt": nextRetryAt,
				"id":          eventID,
				"channel":     string(channel),
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerRepository) ReleaseDueRetries(ctx context.Context, now time.Time) (int64, error) {
	var released int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE integration_events
                  SET status = @pending, updated_at = CURRENT_TIMESTAMP()
                  WHERE status = @retryable AND next_retry_at <= @now`,
			Params: map[string]interface{}{
				"pending":   string(event.StatusPending),
				"retryable": string(event.StatusFailedRetryable),
				"now":       now,
			},
		}
		n, err := txn.Update(ctx, stmt)
		released = n
		return err
	})
	return released, err
}

func (s *SpannerRepository) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	var recovered int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE integration_events
                  SET status = @pending, updated_at = CURRENT_TIMESTAMP()
                  WHERE status = @inFlight AND updated_at < @cutoff`,
			Params: map[string]interface{}{
				"pending":  string(event.StatusPending),
				"inFlight": string(event.StatusInFlight),
				"cutoff":   time.Now().Add(-olderThan),
			},
		}
		n, err := txn.Update(ctx, stmt)
		recovered = n
		return err
	})
	return recovered, err
}

func (s *SpannerRepository) StatusCounts(ctx context.Context) (map[event.Status]int64, error) {
	stmt := spanner.Statement{
		SQL: `SELECT status, COUNT(*) FROM integration_events GROUP BY status`,
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	counts := make(map[event.Status]int64)
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var status string
		var n int64
		if err := row.Columns(&status, &n); err != nil {
			return nil, err
		}
		counts[event.Status(status)] = n
	}
	return counts, nil
}

func (s *SpannerRepository) OldestUnresolved(ctx context.Context) (*time.Time, error) {
	stmt := spanner.Statement{
		SQL: `SELECT MIN(received_at) FROM integration_events
              WHERE status IN ('pending', 'in_flight', 'failed_retryable')`,
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var oldest spanner.NullTime
	if err := row.Columns(&oldest); err != nil {
		return nil, err
	}
	if !oldest.Valid {
		return nil, nil
	}
	t := oldest.Time
	return &t, nil
}

func (s *SpannerRepository) LastTerminalFailures(ctx context.Context) (map[event.EntityType]string, error) {
	stmt := spanner.Statement{
		SQL: `SELECT entity_type, last_error FROM (
                SELECT entity_type, last_error,
                       ROW_NUMBER() OVER (PARTITION BY entity_type ORDER BY updated_at DESC) AS rn
                FROM integration_events
                WHERE status = @terminal AND last_error IS NOT NULL)
              WHERE rn = 1`,
		Params: map[string]interface{}{
			"terminal": string(event.StatusFailedTerminal),
		},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	failures := make(map[event.EntityType]string)
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var et, msg string
		if err := row.Columns(&et, &msg); err != nil {
			return nil, err
		}
		failures[event.EntityType(et)] = msg
	}
	return failures, nil
}
