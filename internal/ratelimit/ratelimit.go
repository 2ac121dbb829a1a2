// Package ratelimit implements per-agent and global token-bucket rate
// limiting with backpressure signaling, ported from the trust proxy's
// rate limiter (spec section 4.9).
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/agentmesh/core/internal/meshctx"
	"github.com/agentmesh/core/internal/models"
)

// Defaults mirror the source's RateLimitConfig.
const (
	DefaultGlobalRate            = 100.0
	DefaultGlobalCapacity        = 200
	DefaultPerAgentRate          = 10.0
	DefaultPerAgentCapacity      = 20
	DefaultBackpressureThreshold = 0.8
)

// TokenBucket refills continuously based on elapsed wall time rather than
// on a ticking goroutine, so an idle bucket costs nothing and a burst
// check still sees an accurate fill level.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
	clock      meshctx.Clock
}

// NewTokenBucket creates a bucket starting full, at clock.Now().
func NewTokenBucket(clock meshctx.Clock, rate float64, capacity int) *TokenBucket {
	return &TokenBucket{
		rate:       rate,
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		lastRefill: clock.Now(),
		clock:      clock,
	}
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
		b.lastRefill = now
	}
}

// Consume attempts to remove n tokens, returning whether it succeeded.
func (b *TokenBucket) Consume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// TokensAvailable returns the current token count after refill.
func (b *TokenBucket) TokensAvailable() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// TimeUntilAvailable returns how long until n tokens would be available.
func (b *TokenBucket) TimeUntilAvailable(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= n {
		return 0
	}
	if b.rate <= 0 {
		return time.Duration(1<<63 - 1)
	}
	deficit := n - b.tokens
	return time.Duration(deficit / b.rate * float64(time.Second))
}

// Limiter enforces a global bucket and a per-agent bucket per DID.
type Limiter struct {
	mu                    sync.Mutex
	clock                 meshctx.Clock
	global                *TokenBucket
	globalRate            float64
	globalCapacity        int
	perAgentRate          float64
	perAgentCapacity      int
	backpressureThreshold float64
	agents                map[string]*TokenBucket
}

// New builds a Limiter. Zero values select the spec defaults.
func New(mc *meshctx.MeshContext, globalRate float64, globalCapacity int, perAgentRate float64, perAgentCapacity int, backpressureThreshold float64) *Limiter {
	if globalRate == 0 {
		globalRate = DefaultGlobalRate
	}
	if globalCapacity == 0 {
		globalCapacity = DefaultGlobalCapacity
	}
	if perAgentRate == 0 {
		perAgentRate = DefaultPerAgentRate
	}
	if perAgentCapacity == 0 {
		perAgentCapacity = DefaultPerAgentCapacity
	}
	if backpressureThreshold == 0 {
		backpressureThreshold = DefaultBackpressureThreshold
	}
	return &Limiter{
		clock:                 mc.Clock,
		global:                NewTokenBucket(mc.Clock, globalRate, globalCapacity),
		globalRate:            globalRate,
		globalCapacity:        globalCapacity,
		perAgentRate:          perAgentRate,
		perAgentCapacity:      perAgentCapacity,
		backpressureThreshold: backpressureThreshold,
		agents:                make(map[string]*TokenBucket),
	}
}

func (l *Limiter) agentBucket(agentDID string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.agents[agentDID]
	if !ok {
		b = NewTokenBucket(l.clock, l.perAgentRate, l.perAgentCapacity)
		l.agents[agentDID] = b
	}
	return b
}

// Allow checks both the per-agent and global buckets, consuming one
// token from each only if both have capacity: a per-agent token taken
// before the global bucket turns out empty is returned.
func (l *Limiter) Allow(agentDID string) bool {
	agentBucket := l.agentBucket(agentDID)
	if !agentBucket.Consume(1) {
		return false
	}
	if !l.global.Consume(1) {
		agentBucket.mu.Lock()
		agentBucket.tokens = math.Min(agentBucket.capacity, agentBucket.tokens+1)
		agentBucket.mu.Unlock()
		return false
	}
	return true
}

// Check runs a full rate-limit check, returning a structured result with
// remaining tokens, a retry-after hint, and a backpressure signal.
func (l *Limiter) Check(agentDID string) *models.RateLimitResult {
	agentBucket := l.agentBucket(agentDID)
	allowed := l.Allow(agentDID)

	remaining := math.Min(agentBucket.TokensAvailable(), l.global.TokensAvailable())

	var retryAfter float64
	if !allowed {
		retryAfter = math.Max(
			agentBucket.TimeUntilAvailable(1).Seconds(),
			l.global.TimeUntilAvailable(1).Seconds(),
		)
	}

	denom := float64(l.perAgentCapacity)
	if denom < 1 {
		denom = 1
	}
	usageRatio := 1.0 - (remaining / denom)
	backpressure := usageRatio >= l.backpressureThreshold

	return &models.RateLimitResult{
		Allowed:           allowed,
		RemainingTokens:   remaining,
		RetryAfterSeconds: retryAfter,
		Backpressure:      backpressure,
	}
}

// Status reports current token levels, globally and (if agentDID is
// non-empty) for one agent.
type Status struct {
	GlobalTokens   float64
	GlobalCapacity int
	AgentDID       string
	AgentTokens    float64
	AgentCapacity  int
}

func (l *Limiter) GetStatus(agentDID string) Status {
	status := Status{
		GlobalTokens:   l.global.TokensAvailable(),
		GlobalCapacity: l.globalCapacity,
	}
	if agentDID != "" {
		b := l.agentBucket(agentDID)
		status.AgentDID = agentDID
		status.AgentTokens = b.TokensAvailable()
		status.AgentCapacity = l.perAgentCapacity
	}
	return status
}

// Reset clears one agent's bucket, or every agent's bucket and the
// global bucket when agentDID is empty.
func (l *Limiter) Reset(agentDID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if agentDID != "" {
		if _, ok := l.agents[agentDID]; ok {
			l.agents[agentDID] = NewTokenBucket(l.clock, l.perAgentRate, l.perAgentCapacity)
		}
		return
	}
	l.agents = make(map[string]*TokenBucket)
	l.global = NewTokenBucket(l.clock, l.globalRate, l.globalCapacity)
}
