package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fedimirror/fedimirror/internal/relay"
)

// AccountStore implements relay.AccountStore on Postgres.
type AccountStore struct {
	pool querier
}

// NewAccountStore constructs an AccountStore from an existing pool.
func NewAccountStore(pool querier) (*AccountStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &AccountStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *AccountStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// last_sync is NULL until the first crawl; it scans as the zero epoch.
const accountColumns = `id, handle, last_post_id, COALESCE(last_sync, to_timestamp(0)), fetch_error_count, follower_count, protected`

// SelectShardBatch returns the least recently synced accounts whose id
// modulo modulus falls inside [low, high). Never-synced accounts lead.
func (s *AccountStore) SelectShardBatch(ctx context.Context, low, high, modulus, limit int) ([]relay.SourceAccount, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+accountColumns+`
FROM source_accounts
WHERE (id % $1) >= $2 AND (id % $1) < $3
ORDER BY last_sync ASC NULLS FIRST
LIMIT $4`,
		modulus, low, high, limit)
	if err != nil {
		return nil, fmt.Errorf("select shard batch: %w", err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// TouchLastSync stamps last_sync to the database clock for the ids.
func (s *AccountStore) TouchLastSync(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE source_accounts SET last_sync = now() WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("touch last sync: %w", err)
	}
	return nil
}

// GetSubscriberIDs returns the follower ids subscribed to the account.
func (s *AccountStore) GetSubscriberIDs(ctx context.Context, accountID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT follower_id FROM subscriptions WHERE account_id = $1 ORDER BY follower_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("select subscriber ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriber ids: %w", err)
	}
	return ids, nil
}

// GetByHandle looks an account up by its source-network handle.
func (s *AccountStore) GetByHandle(ctx context.Context, handle string) (relay.SourceAccount, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+accountColumns+` FROM source_accounts WHERE handle = $1`, handle)
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.SourceAccount{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.SourceAccount{}, fmt.Errorf("select account by handle: %w", err)
	}
	return account, nil
}

// Create inserts a new mirrored account and returns it with its id.
func (s *AccountStore) Create(ctx context.Context, account relay.SourceAccount) (relay.SourceAccount, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO source_accounts (handle, last_post_id, fetch_error_count, follower_count, protected)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`,
		account.Handle, account.LastPostID, account.FetchErrorCount, account.FollowerCount, account.Protected)
	if err := row.Scan(&account.ID); err != nil {
		return relay.SourceAccount{}, fmt.Errorf("insert account: %w", err)
	}
	return account, nil
}

// UpdateWatermark advances last_post_id; regressions are ignored.
func (s *AccountStore) UpdateWatermark(ctx context.Context, id int64, lastPostID int64) error {
	if _, err := s.pool.Exec(ctx, `
UPDATE source_accounts SET last_post_id = $2 WHERE id = $1 AND last_post_id < $2`,
		id, lastPostID); err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}
	return nil
}

// Delete removes an account that lost its last subscriber.
func (s *AccountStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM source_accounts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

func scanAccounts(rows pgx.Rows) ([]relay.SourceAccount, error) {
	var accounts []relay.SourceAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}

func scanAccount(row pgx.Row) (relay.SourceAccount, error) {
	var account relay.SourceAccount
	err := row.Scan(
		&account.ID,
		&account.Handle,
		&account.LastPostID,
		&account.LastSync,
		&account.FetchErrorCount,
		&account.FollowerCount,
		&account.Protected,
	)
	return account, err
}
