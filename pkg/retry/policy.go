package retry

import (
	"math/rand"
	"time"

	"github.com/zoff-tech/erp-bridge/pkg/config"
)

// Policy computes retry schedules: base * 2^attempt capped at Max, then
// jittered by ±20% so a burst of failures does not re-deliver as a herd.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int

	rng *rand.Rand
}

func NewPolicy(cfg config.RetrySettings) *Policy {
	return &Policy{
		Base:        cfg.BaseBackoff,
		Max:         cfg.MaxBackoff,
		MaxAttempts: cfg.MaxAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand overrides the jitter source, for tests.
func (p *Policy) WithRand(rng *rand.Rand) *Policy {
	p.rng = rng
	return p
}

// NextRetryAt schedules the retry after the given number of attempts.
// The ±20% jitter keeps delays strictly increasing while the exponent
// grows: the shortest possible next delay (0.8 * 2^(n+1)) still exceeds
// the longest possible previous one (1.2 * 2^n).
func (p *Policy) NextRetryAt(now time.Time, attempt int) time.Time {
	delay := p.Max
	if attempt < 30 {
		delay = p.Base << attempt
		if delay > p.Max || delay <= 0 {
			delay = p.Max
		}
	}

	// jitter in [-20%, +20%]
	jitter := (p.rng.Float64()*0.4 - 0.2) * float64(delay)
	delay += time.Duration(jitter)

	return now.Add(delay)
}

// Exhausted reports whether an event has used up its retry budget.
func (p *Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
