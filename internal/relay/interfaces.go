package relay

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// AccountStore persists mirrored source accounts.
type AccountStore interface {
	// SelectShardBatch returns up to limit accounts whose id modulo modulus
	// falls inside [low, high), least recently synced first (never-synced
	// accounts lead).
	SelectShardBatch(ctx context.Context, low, high, modulus, limit int) ([]SourceAccount, error)
	// TouchLastSync stamps last_sync to now for the given ids so the next
	// selection pass skips them while their fetch is still in flight.
	TouchLastSync(ctx context.Context, ids []int64) error
	GetSubscriberIDs(ctx context.Context, accountID int64) ([]int64, error)
	GetByHandle(ctx context.Context, handle string) (SourceAccount, error)
	Create(ctx context.Context, account SourceAccount) (SourceAccount, error)
	// UpdateWatermark advances the last-synced-post-id after a successful
	// fetch. The watermark is monotonic; stores ignore regressions.
	UpdateWatermark(ctx context.Context, id int64, lastPostID int64) error
	Delete(ctx context.Context, id int64) error
}

// FollowerStore persists Fediverse subscribers and their subscriptions.
type FollowerStore interface {
	Create(ctx context.Context, follower Follower) (Follower, error)
	Get(ctx context.Context, actorID, host string) (Follower, error)
	// ListSubscribers returns every follower subscribed to the account.
	ListSubscribers(ctx context.Context, accountID int64) ([]Follower, error)
	UpdateErrorCount(ctx context.Context, id int64, count int32) error
	Delete(ctx context.Context, id int64) error
	// AddSubscription is idempotent: re-following an already followed
	// account is not an error and does not duplicate the relation.
	AddSubscription(ctx context.Context, followerID, accountID int64) error
	// RemoveSubscription deletes one relation and reports how many
	// subscriptions the follower still holds.
	RemoveSubscription(ctx context.Context, followerID, accountID int64) (remaining int, err error)
}

// SourceClient is the source-network collaborator. Its own contract covers
// token rotation and per-account fetch-error accounting; the pipeline sees
// only pass/fail outcomes.
type SourceClient interface {
	FetchUser(ctx context.Context, handle string) (Profile, error)
	FetchNewPosts(ctx context.Context, account SourceAccount) ([]Post, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
