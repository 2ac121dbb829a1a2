package config

import (
	"os"
	"strconv"
	"time"
)

// RedisConfig holds Redis-specific configuration for the optional
// Redis-backed KVStore.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Config holds all configuration for the AgentMesh control plane.
type Config struct {
	// Service
	Port string
	Env  string

	// Credentials (C3)
	CredentialTTL           time.Duration
	CredentialExpiringSoon  time.Duration

	// Scope chains (C4)
	MaxDelegationDepth int

	// Trust handshake (C5)
	HandshakeTimeout      time.Duration
	HandshakeCacheTTL     time.Duration
	HandshakeFailureTTL   time.Duration
	HandshakeNonceSkew    time.Duration

	// Reward/scoring (C6)
	RewardRingBufferSize   int
	RewardHalfLife         time.Duration
	RevocationThreshold    float64
	RevocationHysteresis   float64

	// Policy engine (C7)
	PolicyRuleCacheTTL time.Duration
	OPAURL             string
	OPATimeout         time.Duration

	// Audit log (C8)
	AuditSinkTimeout time.Duration

	// Event bus (C9)
	AsyncBusQueueSize      int
	AsyncBusCallbackTimeout time.Duration
	NATSURL                string

	// Rate limiter (C10)
	GlobalRate                float64
	GlobalCapacity            int
	PerAgentRate              float64
	PerAgentCapacity          int
	BackpressureThreshold     float64

	// Persistence
	RedisURL string
	Redis    RedisConfig

	// HTTP contract surface (ADDED, internal/httpapi)
	DIDHeader        string
	PublicKeyHeader  string
	CapabilitiesHeader string
	SignatureHeader  string
	ExemptPaths      []string
	StrictHeaders    bool

	// Logging
	LogLevel string
}

// Load loads configuration from AGENTMESH_-prefixed environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port: getEnv("AGENTMESH_PORT", "8080"),
		Env:  getEnv("AGENTMESH_ENV", "development"),

		CredentialTTL:          getDurationEnv("AGENTMESH_CREDENTIAL_TTL", 15*time.Minute),
		CredentialExpiringSoon: getDurationEnv("AGENTMESH_CREDENTIAL_EXPIRING_SOON", 2*time.Minute),

		MaxDelegationDepth: getIntEnv("AGENTMESH_MAX_DELEGATION_DEPTH", 5),

		HandshakeTimeout:    getDurationEnv("AGENTMESH_HANDSHAKE_TIMEOUT", 30*time.Second),
		HandshakeCacheTTL:   getDurationEnv("AGENTMESH_HANDSHAKE_CACHE_TTL", 900*time.Second),
		HandshakeFailureTTL: getDurationEnv("AGENTMESH_HANDSHAKE_FAILURE_TTL", 60*time.Second),
		HandshakeNonceSkew:  getDurationEnv("AGENTMESH_HANDSHAKE_NONCE_SKEW", 60*time.Second),

		RewardRingBufferSize: getIntEnv("AGENTMESH_REWARD_RING_BUFFER_SIZE", 1000),
		RewardHalfLife:       getDurationEnv("AGENTMESH_REWARD_HALF_LIFE", 5*time.Minute),
		RevocationThreshold:  getFloat64Env("AGENTMESH_REVOCATION_THRESHOLD", 300),
		RevocationHysteresis: getFloat64Env("AGENTMESH_REVOCATION_HYSTERESIS", 400),

		PolicyRuleCacheTTL: getDurationEnv("AGENTMESH_POLICY_RULE_CACHE_TTL", 5*time.Minute),
		OPAURL:             getEnv("AGENTMESH_OPA_URL", ""),
		OPATimeout:         getDurationEnv("AGENTMESH_OPA_TIMEOUT", 5*time.Second),

		AuditSinkTimeout: getDurationEnv("AGENTMESH_AUDIT_SINK_TIMEOUT", 10*time.Second),

		AsyncBusQueueSize:       getIntEnv("AGENTMESH_ASYNC_BUS_QUEUE_SIZE", 10000),
		AsyncBusCallbackTimeout: getDurationEnv("AGENTMESH_ASYNC_BUS_CALLBACK_TIMEOUT", 5*time.Second),
		NATSURL:                 getEnv("AGENTMESH_NATS_URL", ""),

		GlobalRate:            getFloat64Env("AGENTMESH_GLOBAL_RATE", 100),
		GlobalCapacity:        getIntEnv("AGENTMESH_GLOBAL_CAPACITY", 200),
		PerAgentRate:          getFloat64Env("AGENTMESH_PER_AGENT_RATE", 10),
		PerAgentCapacity:      getIntEnv("AGENTMESH_PER_AGENT_CAPACITY", 20),
		BackpressureThreshold: getFloat64Env("AGENTMESH_BACKPRESSURE_THRESHOLD", 0.8),

		RedisURL: getEnv("AGENTMESH_REDIS_URL", "redis://redis:6379"),
		Redis: RedisConfig{
			Host:     getEnv("AGENTMESH_REDIS_HOST", "redis"),
			Port:     getIntEnv("AGENTMESH_REDIS_PORT", 6379),
			Password: getEnv("AGENTMESH_REDIS_PASSWORD", ""),
			DB:       getIntEnv("AGENTMESH_REDIS_DB", 0),
		},

		DIDHeader:          getEnv("AGENTMESH_DID_HEADER", "X-Agent-DID"),
		PublicKeyHeader:    getEnv("AGENTMESH_PUBLIC_KEY_HEADER", "X-Agent-Public-Key"),
		CapabilitiesHeader: getEnv("AGENTMESH_CAPABILITIES_HEADER", "X-Agent-Capabilities"),
		SignatureHeader:    getEnv("AGENTMESH_SIGNATURE_HEADER", "X-Agent-Signature"),
		ExemptPaths:        getListEnv("AGENTMESH_EXEMPT_PATHS", []string{"/health"}),
		StrictHeaders:      getBoolEnv("AGENTMESH_STRICT_HEADERS", true),

		LogLevel: getEnv("AGENTMESH_LOG_LEVEL", "info"),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getFloat64Env(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	start := 0
	for i := 0; i <= len(value); i++ {
		if i == len(value) || value[i] == ',' {
			if i > start {
				out = append(out, value[start:i])
			}
			start = i + 1
		}
	}
	return out
}
