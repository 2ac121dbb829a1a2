package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/core/internal/meshctx"
)

func newLimiter(now time.Time, globalRate float64, globalCap int, agentRate float64, agentCap int) (*Limiter, *meshctx.FixedClock) {
	clock := meshctx.NewFixedClock(now)
	mc := meshctx.New(nil).WithClock(clock)
	return New(mc, globalRate, globalCap, agentRate, agentCap, 0), clock
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	clock := meshctx.NewFixedClock(time.Now())
	b := NewTokenBucket(clock, 10, 10)

	require.True(t, b.Consume(10))
	assert.False(t, b.Consume(1))

	clock.Advance(time.Second)
	assert.InDelta(t, 10, b.TokensAvailable(), 0.01)
}

func TestLimiter_AllowsWithinCapacityThenBlocks(t *testing.T) {
	l, _ := newLimiter(time.Now(), 1000, 1000, 5, 5)
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("did:mesh:agent"))
	}
	assert.False(t, l.Allow("did:mesh:agent"))
}

func TestLimiter_PerAgentIsolation(t *testing.T) {
	l, _ := newLimiter(time.Now(), 1000, 1000, 2, 2)
	assert.True(t, l.Allow("did:mesh:alice"))
	assert.True(t, l.Allow("did:mesh:alice"))
	assert.False(t, l.Allow("did:mesh:alice"))

	// A different agent has its own independent bucket.
	assert.True(t, l.Allow("did:mesh:bob"))
}

func TestLimiter_GlobalCapExhaustedBlocksEveryAgent(t *testing.T) {
	l, _ := newLimiter(time.Now(), 1, 1, 1000, 1000)
	assert.True(t, l.Allow("did:mesh:alice"))
	assert.False(t, l.Allow("did:mesh:bob"))
}

func TestCheck_ReportsBackpressureNearExhaustion(t *testing.T) {
	l, _ := newLimiter(time.Now(), 1000, 1000, 10, 10)
	for i := 0; i < 9; i++ {
		l.Allow("did:mesh:agent")
	}
	res := l.Check("did:mesh:agent")
	assert.True(t, res.Backpressure)
}

func TestCheck_RetryAfterSetOnDenial(t *testing.T) {
	l, _ := newLimiter(time.Now(), 1000, 1000, 1, 1)
	l.Allow("did:mesh:agent")
	res := l.Check("did:mesh:agent")
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfterSeconds, 0.0)
}

func TestReset_RestoresFullCapacity(t *testing.T) {
	l, _ := newLimiter(time.Now(), 1000, 1000, 2, 2)
	l.Allow("did:mesh:agent")
	l.Allow("did:mesh:agent")
	assert.False(t, l.Allow("did:mesh:agent"))

	l.Reset("did:mesh:agent")
	assert.True(t, l.Allow("did:mesh:agent"))
}
