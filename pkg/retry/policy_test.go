package retry

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zoff-tech/erp-bridge/pkg/config"
)

func testPolicy() *Policy {
	return NewPolicy(config.RetrySettings{
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  10 * time.Minute,
		MaxAttempts: 5,
	}).WithRand(rand.New(rand.NewSource(1)))
}

func TestNextRetryAt_StrictlyIncreasing(t *testing.T) {
	p := testPolicy()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	var prev time.Duration
	for attempt := 0; attempt < 5; attempt++ {
		delay := p.NextRetryAt(now, attempt).Sub(now)
		assert.Greater(t, delay, prev, "attempt %d", attempt)
		prev = delay
	}
}

func TestNextRetryAt_JitterBounds(t *testing.T) {
	p := testPolicy()
	now := time.Now()

	for attempt := 0; attempt < 5; attempt++ {
		raw := 2 * time.Second << attempt
		for i := 0; i < 100; i++ {
			delay := p.NextRetryAt(now, attempt).Sub(now)
			assert.GreaterOrEqual(t, delay, time.Duration(0.8*float64(raw)))
			assert.LessOrEqual(t, delay, time.Duration(1.2*float64(raw)))
		}
	}
}

func TestNextRetryAt_CappedAtMax(t *testing.T) {
	p := testPolicy()
	now := time.Now()

	// 2s << 20 is far past the 10m cap.
	delay := p.NextRetryAt(now, 20).Sub(now)
	assert.LessOrEqual(t, delay, time.Duration(1.2*float64(10*time.Minute)))
	assert.GreaterOrEqual(t, delay, time.Duration(0.8*float64(10*time.Minute)))

	// Huge attempt counts must not overflow the shift.
	delay = p.NextRetryAt(now, 500).Sub(now)
	assert.Greater(t, delay, time.Duration(0))
	assert.LessOrEqual(t, delay, time.Duration(1.2*float64(10*time.Minute)))
}

func TestExhausted(t *testing.T) {
	p := testPolicy()

	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))
}
