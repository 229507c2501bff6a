// Package cache stores derived pipeline artifacts (canonical tables, scored
// runs) keyed by snapshot or run identity.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/churnwatch/internal/domain"
)

// New builds the cache described by cfg: an in-process LRU for "memory",
// Redis for "redis", and Redis behind an LRU when cfg.Tiered is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "", "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		if !cfg.Tiered {
			return remote, nil
		}
		return NewTiered(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
	default:
		return nil, fmt.Errorf("%w: unsupported cache type: %s", domain.ErrConfig, cfg.Type)
	}
}

// CanonicalKey addresses the canonical table derived from a snapshot under
// the flatten and schema settings identified by derivation.
func CanonicalKey(snapshotID, derivation string) string {
	return "canonical:" + derivation + ":" + snapshotID
}

// RunKey addresses a scored run.
func RunKey(runID string) string { return "run:" + runID }

// GetJSON decodes the value at key into v. found is false on a miss.
func GetJSON(ctx context.Context, c domain.Cache, key string, v any) (found bool, err error) {
	data, err := c.Get(ctx, key)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, c domain.Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}
