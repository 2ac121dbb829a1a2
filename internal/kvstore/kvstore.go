// Package kvstore provides the concrete persistence backends behind
// meshctx.KVStore: an in-memory map for tests and single-process
// deployments, and a Redis-backed store for shared state across
// replicas, adapted from the teacher's cache service.
package kvstore

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentmesh/core/internal/config"
	"github.com/agentmesh/core/internal/meshkind"
)

// MemoryStore is an in-process, mutex-guarded KVStore implementation
// with per-key expiry. Suitable for tests and single-replica
// deployments; state does not survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
	hasTTL    bool
}

// NewMemoryStore builds an empty MemoryStore. now defaults to time.Now
// if nil, for tests that need deterministic expiry.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{data: make(map[string]memoryEntry), now: now}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	entry, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if entry.hasTTL && m.now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores value under key. ttl is in seconds; 0 means no expiry.
func (m *MemoryStore) Set(_ context.Context, key, value string, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.hasTTL = true
		entry.expiresAt = m.now().Add(time.Duration(ttl) * time.Second)
	}
	m.data[key] = entry
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

// Keys returns every non-expired key matching a glob pattern (path.Match
// syntax, same as the teacher's Redis SCAN-by-pattern usage).
func (m *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	candidates := make([]string, 0, len(m.data))
	for k := range m.data {
		candidates = append(candidates, k)
	}
	m.mu.RUnlock()

	var out []string
	for _, k := range candidates {
		if _, ok, err := m.Get(ctx, k); err != nil || !ok {
			continue
		}
		matched, err := path.Match(pattern, k)
		if err != nil {
			return nil, meshkind.Wrap(meshkind.Transport, "invalid key pattern", err)
		}
		if matched {
			out = append(out, k)
		}
	}
	return out, nil
}

// RedisStore is a KVStore backed by go-redis, mirroring the teacher's
// CacheService: a thin wrapper around Get/Set/Del/Scan with error
// translation into the shared meshkind taxonomy.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig mirrors the teacher's CacheConfig shape.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisConfigFromAppConfig adapts internal/config's separate
// host/port/password/db fields into the combined address RedisStore
// expects.
func RedisConfigFromAppConfig(cfg config.RedisConfig) RedisConfig {
	return RedisConfig{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// NewRedisStore builds a RedisStore from cfg.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	poolSize := cfg.PoolSize
	if poolSize == 0 {
		poolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, meshkind.Wrap(meshkind.Transport, "redis get failed", err)
	}
	return val, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl int64) error {
	var expiry time.Duration
	if ttl > 0 {
		expiry = time.Duration(ttl) * time.Second
	}
	if err := r.client.Set(ctx, key, value, expiry).Err(); err != nil {
		return meshkind.Wrap(meshkind.Transport, "redis set failed", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return meshkind.Wrap(meshkind.Transport, "redis delete failed", err)
	}
	return nil
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, meshkind.Wrap(meshkind.Transport, "redis exists failed", err)
	}
	return n > 0, nil
}

func (r *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, meshkind.Wrap(meshkind.Transport, "redis scan failed", err)
	}
	return keys, nil
}

// Close releases the underlying Redis connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
