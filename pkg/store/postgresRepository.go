package store

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/zoff-tech/erp-bridge/pkg/event"
)

type PostgresRepository struct {
	Db *sql.DB // using database/sql
}

const insertIfAbsentSQL = `INSERT INTO integration_events
 (event_id, source_channel, entity_type, operation, entity_key, payload, payload_hash, received_at, status, attempt_count, next_retry_at, updated_at)
 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', 0, $9, $10)
 ON CONFLICT (event_id, source_channel) DO NOTHING`

const findRecentMatchSQL = `SELECT 1 FROM integration_events
 WHERE entity_type=$1 AND operation=$2 AND entity_key=$3 AND payload_hash=$4 AND received_at >= $5
 LIMIT 1`

// claimSQL selects the oldest claimable pending rows. A row is claimable
// only when no older unresolved row shares its entity key; rows that tie
// on received_at do not block each other (any order is non-decreasing).
const claimSQL = `SELECT event_id, source_channel, entity_type, operation, entity_key, payload, payload_hash, received_at, attempt_count
 FROM integration_events e
 WHERE e.status='pending'
   AND NOT EXISTS (
     SELECT 1 FROM integration_events o
     WHERE o.entity_key = e.entity_key
       AND o.received_at < e.received_at
       AND o.status IN ('pending','in_flight','failed_retryable'))
 ORDER BY e.received_at
 FOR UPDATE OF e SKIP LOCKED
 LIMIT $1`

const markInFlightSQL = `UPDATE integration_events
 SET status='in_flight', attempt_count = attempt_count + 1, updated_at=$1
 WHERE event_id=$2 AND source_channel=$3`

const markAppliedSQL = `UPDATE integration_events
 SET status='applied', last_error=NULL, updated_at=$1
 WHERE event_id=$2 AND source_channel=$3 AND status NOT IN ('applied','failed_terminal')`

const markFailedSQL = `UPDATE integration_events
 SET status=$1, last_error=$2, next_retry_at=$3, updated_at=$4
 WHERE event_id=$5 AND source_channel=$6 AND status NOT IN ('applied','failed_terminal')`

const releaseDueSQL = `UPDATE integration_events
 SET status='pending', updated_at=$1
 WHERE status='failed_retryable' AND next_retry_at <= $2`

const recoverStaleSQL = `UPDATE integration_events
 SET status='pending', updated_at=$1
 WHERE status='in_flight' AND updated_at < $2`

const statusCountsSQL = `SELECT status, COUNT(*) FROM integration_events GROUP BY status`

const oldestUnresolvedSQL = `SELECT MIN(received_at) FROM integration_events
 WHERE status IN ('pending','in_flight','failed_retryable')`

const lastTerminalFailuresSQL = `SELECT DISTINCT ON (entity_type) entity_type, last_error
 FROM integration_events
 WHERE status='failed_terminal' AND last_error IS NOT NULL
 ORDER BY entity_type, updated_at DESC`

func (p *PostgresRepository) InsertIfAbsent(ctx context.Context, ev *event.IntegrationEvent) (bool, error) {
	var inserted bool
	err := p.withTransaction(ctx, "InsertIfAbsent", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, insertIfAbsentSQL,
			ev.EventID, ev.SourceChannel, ev.EntityType, ev.Operation, ev.EntityKey,
			[]byte(ev.Payload), int64(ev.PayloadHash), ev.ReceivedAt, ev.ReceivedAt, time.Now())
		if err != nil {
			return err
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = ra == 1
		return nil
	})
	return inserted, err
}

func (p *PostgresRepository) FindRecentMatch(ctx context.Context, entityType event.EntityType, op event.Operation, entityKey string, payloadHash uint64, window time.Duration) (bool, error) {
	var found bool
	err := p.withTransaction(ctx, "FindRecentMatch", func(ctx context.Context, tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, findRecentMatchSQL,
			entityType, op, entityKey, int64(payloadHash), time.Now().Add(-window)).Scan(&one)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (p *PostgresRepository) ClaimNextBatch(ctx context.Context, batchSize int) ([]event.IntegrationEvent, error) {
	var events []event.IntegrationEvent
	err := p.withTransaction(ctx, "ClaimNextBatch", func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, claimSQL, batchSize)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var ev event.IntegrationEvent
			var hash int64
			if err := rows.Scan(&ev.EventID, &ev.SourceChannel, &ev.EntityType, &ev.Operation,
				&ev.EntityKey, &ev.Payload, &hash, &ev.ReceivedAt, &ev.AttemptCount); err != nil {
				return err
			}
			ev.PayloadHash = uint64(hash)
			ev.Status = event.StatusInFlight
			ev.AttemptCount++
			events = append(events, ev)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		orderBatch(events)

		now := time.Now()
		for _, ev := range events {
			if _, err := tx.ExecContext(ctx, markInFlightSQL, now, ev.EventID, ev.SourceChannel); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (p *PostgresRepository) MarkApplied(ctx context.Context, eventID string, channel event.SourceChannel) error {
	return p.withTransaction(ctx, "MarkApplied", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, markAppliedSQL, time.Now(), eventID, channel)
		return err
	})
}

func (p *PostgresRepository) MarkFailed(ctx context.Context, eventID string, channel event.SourceChannel, lastError string, terminal bool, nextRetryAt time.Time) error {
	status := event.StatusFailedRetryable
	if terminal {
		status = event.StatusFailedTerminal
	}
	return p.withTransaction(ctx, "MarkFailed", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, markFailedSQL, status, lastError, nextRetryAt, time.Now(), eventID, channel)
		return err
	})
}

func (p *PostgresRepository) ReleaseDueRetries(ctx context.Context, now time.Time) (int64, error) {
	var released int64
	err := p.withTransaction(ctx, "ReleaseDueRetries", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, releaseDueSQL, now, now)
		if err != nil {
			return err
		}
		released, err = res.RowsAffected()
		return err
	})
	return released, err
}

func (p *PostgresRepository) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	var recovered int64
	err := p.withTransaction(ctx, "RecoverStale", func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.ExecContext(ctx, recoverStaleSQL, now, now.Add(-olderThan))
		if err != nil {
			return err
		}
		recovered, err = res.RowsAffected()
		return err
	})
	return recovered, err
}

func (p *PostgresRepository) StatusCounts(ctx context.Context) (map[event.Status]int64, error) {
	counts := make(map[event.Status]int64)
	err := p.withTransaction(ctx, "StatusCounts", func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, statusCountsSQL)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status event.Status
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			counts[status] = n
		}
		return rows.Err()
	})
	return counts, err
}

func (p *PostgresRepository) OldestUnresolved(ctx context.Context) (*time.Time, error) {
	var oldest *time.Time
	err := p.withTransaction(ctx, "OldestUnresolved", func(ctx context.Context, tx *sql.Tx) error {
		var t sql.NullTime
		if err := tx.QueryRowContext(ctx, oldestUnresolvedSQL).Scan(&t); err != nil {
			return err
		}
		if t.Valid {
			oldest = &t.Time
		}
		return nil
	})
	return oldest, err
}

func (p *PostgresRepository) LastTerminalFailures(ctx context.Context) (map[event.EntityType]string, error) {
	failures := make(map[event.EntityType]string)
	err := p.withTransaction(ctx, "LastTerminalFailures", func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, lastTerminalFailuresSQL)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var et event.EntityType
			var msg string
			if err := rows.Scan(&et, &msg); err != nil {
				return err
			}
			failures[et] = msg
		}
		return rows.Err()
	})
	return failures, err
}

func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	start := time.Now()
	tx, err := p.Db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		span.RecordError(err)
		return err
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", spanName, 0, time.Since(start))
	return nil
}
