package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetRuleset retrieves a cached ruleset snapshot by version.
	GetRuleset(ctx context.Context, tenantID string, version string) (*Ruleset, error)

	// SetRuleset caches a ruleset snapshot.
	SetRuleset(ctx context.Context, tenantID string, rs *Ruleset, ttl time.Duration) error

	// IncrementAmount atomically adds delta (minor units) to a windowed
	// counter and returns the new value. Used as the fast-path mirror of
	// the release ledger for monthly-cap checks.
	IncrementAmount(ctx context.Context, tenantID string, key string, delta int64, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
