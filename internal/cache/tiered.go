package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/churnwatch/internal/domain"
)

const defaultLocalTTL = 5 * time.Minute

// Tiered answers reads from a local LRU and falls through to a shared
// remote cache. Writes and deletes go to both.
type Tiered struct {
	local    *LRUCache
	remote   domain.Cache
	localTTL time.Duration
}

// NewTiered layers local over remote. Entries copied into local live for
// at most localTTL.
func NewTiered(local *LRUCache, remote domain.Cache, localTTL time.Duration) *Tiered {
	if localTTL <= 0 {
		localTTL = defaultLocalTTL
	}
	return &Tiered{local: local, remote: remote, localTTL: localTTL}
}

func (c *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	if val, _ := c.local.Get(ctx, key); val != nil {
		return val, nil
	}
	val, err := c.remote.Get(ctx, key)
	if err != nil || val == nil {
		return nil, err
	}
	_ = c.local.Set(ctx, key, val, c.localTTL)
	return val, nil
}

func (c *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	// A local copy never outlives the remote one.
	localTTL := c.localTTL
	if ttl > 0 {
		localTTL = min(localTTL, ttl)
	}
	_ = c.local.Set(ctx, key, value, localTTL)
	return c.remote.Set(ctx, key, value, ttl)
}

func (c *Tiered) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	return c.remote.Delete(ctx, key)
}

func (c *Tiered) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("remote cache: %w", err)
	}
	return nil
}

func (c *Tiered) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats reports the local tier.
func (c *Tiered) Stats() Stats {
	return c.local.Stats()
}
