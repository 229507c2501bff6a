package domain

import (
	"context"
	"time"
)

// Cache stores derived pipeline artifacts keyed by snapshot or run id.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and sizes the artifact cache.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string `json:"type" yaml:"type"`

	// In-process LRU. With Tiered set it fronts Redis.
	LocalMaxSize int           `json:"localMaxSize" yaml:"localMaxSize"`
	LocalTTL     time.Duration `json:"localTTL" yaml:"localTTL"`

	// ArtifactTTL bounds how long a derived table outlives its snapshot.
	ArtifactTTL time.Duration `json:"artifactTTL" yaml:"artifactTTL"`

	RedisAddr     string `json:"redisAddr" yaml:"redisAddr"`
	RedisPassword string `json:"-" yaml:"redisPassword"`
	RedisDB       int    `json:"redisDB" yaml:"redisDB"`

	// Tiered reads the local LRU before Redis.
	Tiered bool `json:"tiered" yaml:"tiered"`
}
