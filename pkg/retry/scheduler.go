package retry

import (
	"context"
	"log"
	"time"

	"github.com/zoff-tech/erp-bridge/pkg/store"
)

// Scheduler re-injects stalled events into the dispatch path. Every pass
// reclaims in-flight work orphaned past the liveness threshold and
// releases parked retries whose backoff has elapsed; the first pass runs
// immediately so a restart picks up crash leftovers without waiting.
type Scheduler struct {
	repo          store.EventRepository
	pollInterval  time.Duration
	staleInFlight time.Duration
}

func NewScheduler(repo store.EventRepository, pollInterval, staleInFlight time.Duration) *Scheduler {
	return &Scheduler{
		repo:          repo,
		pollInterval:  pollInterval,
		staleInFlight: staleInFlight,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	s.recoverStale(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Recovery must recur: a row orphaned younger than the liveness
			// threshold only crosses it while the process is already up.
			s.recoverStale(ctx)

			n, err := s.repo.ReleaseDueRetries(ctx, time.Now())
			if err != nil {
				log.Printf("Failed to release due retries: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("Released %d events for retry", n)
			}
		}
	}
}

func (s *Scheduler) recoverStale(ctx context.Context) {
	n, err := s.repo.RecoverStale(ctx, s.staleInFlight)
	if err != nil {
		log.Printf("Failed to recover stale in-flight events: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Recovered %d stale in-flight events to pending", n)
	}
}
