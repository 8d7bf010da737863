package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fedimirror/fedimirror/internal/relay"
)

// FollowerStore implements relay.FollowerStore on Postgres.
type FollowerStore struct {
	pool querier
}

// NewFollowerStore constructs a FollowerStore from an existing pool.
func NewFollowerStore(pool querier) (*FollowerStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &FollowerStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *FollowerStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const followerColumns = `id, actor_id, acct, host, inbox_path, shared_inbox_path, posting_error_count`

// Create inserts a follower and returns it with its id.
func (s *FollowerStore) Create(ctx context.Context, follower relay.Follower) (relay.Follower, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO followers (actor_id, acct, host, inbox_path, shared_inbox_path, posting_error_count)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`,
		follower.ActorID, follower.Acct, follower.Host,
		follower.InboxPath, follower.SharedInboxPath, follower.PostingErrorCount)
	if err := row.Scan(&follower.ID); err != nil {
		return relay.Follower{}, fmt.Errorf("insert follower: %w", err)
	}
	return follower, nil
}

// Get looks a follower up by its remote actor URI and host.
func (s *FollowerStore) Get(ctx context.Context, actorID, host string) (relay.Follower, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+followerColumns+` FROM followers WHERE actor_id = $1 AND host = $2`, actorID, host)
	follower, err := scanFollower(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.Follower{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.Follower{}, fmt.Errorf("select follower: %w", err)
	}
	return follower, nil
}

// ListSubscribers returns every follower subscribed to the account.
func (s *FollowerStore) ListSubscribers(ctx context.Context, accountID int64) ([]relay.Follower, error) {
	rows, err := s.pool.Query(ctx, `
SELECT f.id, f.actor_id, f.acct, f.host, f.inbox_path, f.shared_inbox_path, f.posting_error_count
FROM followers f
JOIN subscriptions s ON s.follower_id = f.id
WHERE s.account_id = $1
ORDER BY f.id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("select subscribers: %w", err)
	}
	defer rows.Close()

	var followers []relay.Follower
	for rows.Next() {
		follower, err := scanFollower(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		followers = append(followers, follower)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return followers, nil
}

// UpdateErrorCount persists a follower's posting error count.
func (s *FollowerStore) UpdateErrorCount(ctx context.Context, id int64, count int32) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE followers SET posting_error_count = $2 WHERE id = $1`, id, count); err != nil {
		return fmt.Errorf("update error count: %w", err)
	}
	return nil
}

// Delete removes a follower and its subscriptions.
func (s *FollowerStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE follower_id = $1`, id); err != nil {
		return fmt.Errorf("delete subscriptions: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM followers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete follower: %w", err)
	}
	return nil
}

// AddSubscription creates the relation idempotently.
func (s *FollowerStore) AddSubscription(ctx context.Context, followerID, accountID int64) error {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO subscriptions (follower_id, account_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING`, followerID, accountID); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// RemoveSubscription drops one relation and reports how many the follower
// still holds.
func (s *FollowerStore) RemoveSubscription(ctx context.Context, followerID, accountID int64) (int, error) {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE follower_id = $1 AND account_id = $2`, followerID, accountID); err != nil {
		return 0, fmt.Errorf("delete subscription: %w", err)
	}
	var remaining int
	row := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM subscriptions WHERE follower_id = $1`, followerID)
	if err := row.Scan(&remaining); err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return remaining, nil
}

func scanFollower(row pgx.Row) (relay.Follower, error) {
	var follower relay.Follower
	err := row.Scan(
		&follower.ID,
		&follower.ActorID,
		&follower.Acct,
		&follower.Host,
		&follower.InboxPath,
		&follower.SharedInboxPath,
		&follower.PostingErrorCount,
	)
	return follower, err
}
