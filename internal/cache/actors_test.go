package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fedimirror/fedimirror/internal/fediverse"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Actors, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewActors(rdb, ttl, zaptest.NewLogger(t)), mr
}

func testActor() *fediverse.Actor {
	actor := &fediverse.Actor{
		ID:                "https://remote.example/users/bob",
		Type:              "Person",
		PreferredUsername: "bob",
		Inbox:             "https://remote.example/users/bob/inbox",
	}
	actor.Endpoints.SharedInbox = "https://remote.example/inbox"
	actor.PublicKey.ID = actor.ID + "#main-key"
	actor.PublicKey.PublicKeyPem = "pem"
	return actor
}

func TestActorsRoundTrip(t *testing.T) {
	t.Parallel()
	cache, _ := newTestCache(t, time.Hour)

	actor := testActor()
	cache.Set(context.Background(), actor.ID, actor)

	got, ok := cache.Get(context.Background(), actor.ID)
	require.True(t, ok)
	assert.Equal(t, actor.ID, got.ID)
	assert.Equal(t, actor.Endpoints.SharedInbox, got.Endpoints.SharedInbox)
	assert.Equal(t, actor.PublicKey.PublicKeyPem, got.PublicKey.PublicKeyPem)
}

func TestActorsMiss(t *testing.T) {
	t.Parallel()
	cache, _ := newTestCache(t, time.Hour)

	_, ok := cache.Get(context.Background(), "https://remote.example/users/nobody")
	assert.False(t, ok)
}

func TestActorsTTLExpiry(t *testing.T) {
	t.Parallel()
	cache, mr := newTestCache(t, time.Minute)

	actor := testActor()
	cache.Set(context.Background(), actor.ID, actor)

	mr.FastForward(2 * time.Minute)

	_, ok := cache.Get(context.Background(), actor.ID)
	assert.False(t, ok)
}

func TestActorsCorruptEntryIsAMiss(t *testing.T) {
	t.Parallel()
	cache, mr := newTestCache(t, time.Hour)

	require.NoError(t, mr.Set(keyPrefix+"https://x.example/u/a", "not json"))
	_, ok := cache.Get(context.Background(), "https://x.example/u/a")
	assert.False(t, ok)
}

func TestActorsServerDownIsAMiss(t *testing.T) {
	t.Parallel()
	cache, mr := newTestCache(t, time.Hour)

	actor := testActor()
	cache.Set(context.Background(), actor.ID, actor)
	mr.Close()

	_, ok := cache.Get(context.Background(), actor.ID)
	assert.False(t, ok)
	// Set after the outage must not panic either.
	cache.Set(context.Background(), actor.ID, actor)
}
