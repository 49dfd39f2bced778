package dedup

import (
	"context"
	"time"

	"github.com/zoff-tech/erp-bridge/pkg/event"
	"github.com/zoff-tech/erp-bridge/pkg/store"
)

// Classification is the dedup verdict for an incoming event.
type Classification int

const (
	// New means no stored copy of this logical event is known.
	New Classification = iota
	// Duplicate means a copy already exists, either the same
	// (event_id, source_channel) pair or a cross-channel twin with a
	// different id but identical content within the recent window.
	Duplicate
)

// Deduplicator classifies incoming events against the event store. The
// cross-channel match is a heuristic: two copies slipping through is
// acceptable because the ERP upsert is idempotent, but a copy must never
// be invented, so only exact content matches count.
type Deduplicator struct {
	repo   store.EventRepository
	window time.Duration
}

func NewDeduplicator(repo store.EventRepository, window time.Duration) *Deduplicator {
	return &Deduplicator{repo: repo, window: window}
}

func (d *Deduplicator) Classify(ctx context.Context, ev *event.IntegrationEvent) (Classification, error) {
	match, err := d.repo.FindRecentMatch(ctx, ev.EntityType, ev.Operation, ev.EntityKey, ev.PayloadHash, d.window)
	if err != nil {
		return New, err
	}
	if match {
		return Duplicate, nil
	}
	return New, nil
}
