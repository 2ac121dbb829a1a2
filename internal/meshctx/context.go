// Package meshctx holds the single context object threaded through every
// AgentMesh engine constructor, replacing the source's module-level
// singletons (metrics collectors, tracers, identity) per spec section 9's
// design note on global mutable state.
package meshctx

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
)

// KVStore is the narrow persistence port every engine depends on instead of
// a concrete store. internal/kvstore provides in-memory and Redis-backed
// implementations; engines only ever see this shape.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl int64) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// EventBus is the narrow publish port every engine depends on instead of a
// concrete bus. internal/eventbus provides sync and async
// implementations; its NATSBroadcaster only forwards events a bus has
// already delivered and is not itself an EventBus.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Telemetry is the narrow metrics port every engine depends on instead of a
// concrete collector. internal/telemetry provides a prometheus-backed
// implementation.
type Telemetry interface {
	IncCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

// MeshContext bundles the ambient dependencies every engine needs: a
// clock, a cryptographically strong RNG, a KVStore-shaped persistence
// port, an event sink, a telemetry sink, and a logger. Nothing in
// AgentMesh reaches for a package-level singleton; everything is
// constructed with one of these.
type MeshContext struct {
	Clock     Clock
	RNG       io.Reader
	Logger    *slog.Logger
	Store     KVStore
	Bus       EventBus
	Telemetry Telemetry
}

// New builds a MeshContext with production defaults: a system clock, the
// OS CSPRNG, and the given logger (slog.Default() when logger is nil).
// Store, Bus, and Telemetry
// are left nil; callers wire concrete implementations in from
// internal/kvstore, internal/eventbus, and internal/telemetry.
func New(logger *slog.Logger) *MeshContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeshContext{
		Clock:  SystemClock{},
		RNG:    rand.Reader,
		Logger: logger,
	}
}

// WithClock returns a shallow copy of mc using the given clock, for tests
// that need deterministic EMA/TTL behavior.
func (mc *MeshContext) WithClock(c Clock) *MeshContext {
	cp := *mc
	cp.Clock = c
	return &cp
}

// WithRNG returns a shallow copy of mc using the given RNG, for tests that
// need deterministic nonces/salts.
func (mc *MeshContext) WithRNG(r io.Reader) *MeshContext {
	cp := *mc
	cp.RNG = r
	return &cp
}

// WithStore returns a shallow copy of mc using the given KVStore.
func (mc *MeshContext) WithStore(s KVStore) *MeshContext {
	cp := *mc
	cp.Store = s
	return &cp
}

// WithBus returns a shallow copy of mc using the given EventBus.
func (mc *MeshContext) WithBus(b EventBus) *MeshContext {
	cp := *mc
	cp.Bus = b
	return &cp
}

// WithTelemetry returns a shallow copy of mc using the given Telemetry sink.
func (mc *MeshContext) WithTelemetry(t Telemetry) *MeshContext {
	cp := *mc
	cp.Telemetry = t
	return &cp
}
