package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedimirror/fedimirror/internal/relay"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestAccountStoreSelectionOrder(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := NewAccountStore(clk)

	a, err := store.Create(context.Background(), relay.SourceAccount{Handle: "a"})
	require.NoError(t, err)
	b, err := store.Create(context.Background(), relay.SourceAccount{Handle: "b"})
	require.NoError(t, err)

	// Touch a, making b the least recently synced.
	require.NoError(t, store.TouchLastSync(context.Background(), []int64{a.ID}))

	selected, err := store.SelectShardBatch(context.Background(), 0, 100, 100, 10)
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Equal(t, b.ID, selected[0].ID, "never-synced accounts lead")
	assert.Equal(t, a.ID, selected[1].ID)

	// Limit applies after ordering.
	selected, err = store.SelectShardBatch(context.Background(), 0, 100, 100, 1)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, b.ID, selected[0].ID)
}

func TestAccountStoreShardFilter(t *testing.T) {
	t.Parallel()

	store := NewAccountStore(&fakeClock{now: time.Now()})
	for i := 0; i < 6; i++ {
		_, err := store.Create(context.Background(), relay.SourceAccount{Handle: string(rune('a' + i))})
		require.NoError(t, err)
	}

	// Ids 1..6 over modulus 3: window [0,1) selects residue 0 only.
	selected, err := store.SelectShardBatch(context.Background(), 0, 1, 3, 10)
	require.NoError(t, err)
	require.Len(t, selected, 2)
	for _, account := range selected {
		assert.Zero(t, account.ID%3)
	}
}

func TestAccountStoreWatermarkMonotonic(t *testing.T) {
	t.Parallel()

	store := NewAccountStore(&fakeClock{now: time.Now()})
	account, err := store.Create(context.Background(), relay.SourceAccount{Handle: "a", LastPostID: 10})
	require.NoError(t, err)

	require.NoError(t, store.UpdateWatermark(context.Background(), account.ID, 20))
	got, ok := store.Get(account.ID)
	require.True(t, ok)
	assert.Equal(t, int64(20), got.LastPostID)

	// Regressions are ignored.
	require.NoError(t, store.UpdateWatermark(context.Background(), account.ID, 15))
	got, _ = store.Get(account.ID)
	assert.Equal(t, int64(20), got.LastPostID)
}

func TestFollowerStoreSubscriptionLifecycle(t *testing.T) {
	t.Parallel()

	accounts := NewAccountStore(&fakeClock{now: time.Now()})
	followers := NewFollowerStore(accounts)

	account, err := accounts.Create(context.Background(), relay.SourceAccount{Handle: "alice"})
	require.NoError(t, err)
	follower, err := followers.Create(context.Background(), relay.Follower{
		ActorID: "https://h1/u/a", Host: "h1",
	})
	require.NoError(t, err)

	require.NoError(t, followers.AddSubscription(context.Background(), follower.ID, account.ID))
	// Idempotent.
	require.NoError(t, followers.AddSubscription(context.Background(), follower.ID, account.ID))

	subs, err := followers.ListSubscribers(context.Background(), account.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	// The edge is visible from the account side too.
	ids, err := accounts.GetSubscriberIDs(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{follower.ID}, ids)

	remaining, err := followers.RemoveSubscription(context.Background(), follower.ID, account.ID)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	ids, err = accounts.GetSubscriberIDs(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFollowerStoreDeleteDropsEdges(t *testing.T) {
	t.Parallel()

	accounts := NewAccountStore(&fakeClock{now: time.Now()})
	followers := NewFollowerStore(accounts)

	account, err := accounts.Create(context.Background(), relay.SourceAccount{Handle: "alice"})
	require.NoError(t, err)
	follower, err := followers.Create(context.Background(), relay.Follower{ActorID: "x", Host: "h1"})
	require.NoError(t, err)
	require.NoError(t, followers.AddSubscription(context.Background(), follower.ID, account.ID))

	require.NoError(t, followers.Delete(context.Background(), follower.ID))

	_, err = followers.Get(context.Background(), "x", "h1")
	assert.ErrorIs(t, err, relay.ErrNotFound)
	ids, err := accounts.GetSubscriberIDs(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFollowerStoreGetUnknown(t *testing.T) {
	t.Parallel()

	followers := NewFollowerStore(nil)
	_, err := followers.Get(context.Background(), "nobody", "nowhere")
	assert.ErrorIs(t, err, relay.ErrNotFound)
}
