// Package cache provides a Redis-backed cache for resolved actor documents,
// so repeated inbound activities from the same actor skip the network fetch.
package cache

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fedimirror/fedimirror/internal/fediverse"
)

const keyPrefix = "fedimirror:actor:"

// Actors implements fediverse.ActorCache on top of Redis.
type Actors struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewActors builds an Actors cache. Entries expire after ttl.
func NewActors(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Actors {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Actors{rdb: rdb, ttl: ttl, logger: logger}
}

// Get returns the cached actor document for uri, if present. Cache failures
// are treated as misses.
func (a *Actors) Get(ctx context.Context, uri string) (*fediverse.Actor, bool) {
	raw, err := a.rdb.Get(ctx, keyPrefix+uri).Bytes()
	if err != nil {
		if err != redis.Nil {
			a.logger.Debug("actor cache get failed", zap.String("uri", uri), zap.Error(err))
		}
		return nil, false
	}
	var actor fediverse.Actor
	if err := json.Unmarshal(raw, &actor); err != nil {
		a.logger.Warn("actor cache entry corrupt", zap.String("uri", uri), zap.Error(err))
		return nil, false
	}
	return &actor, true
}

// Set stores the actor document for uri. Failures are logged, not surfaced:
// the cache is an optimization, resolution works without it.
func (a *Actors) Set(ctx context.Context, uri string, actor *fediverse.Actor) {
	raw, err := json.Marshal(actor)
	if err != nil {
		a.logger.Warn("actor cache encode failed", zap.String("uri", uri), zap.Error(err))
		return
	}
	if err := a.rdb.Set(ctx, keyPrefix+uri, raw, a.ttl).Err(); err != nil {
		a.logger.Debug("actor cache set failed", zap.String("uri", uri), zap.Error(err))
	}
}
