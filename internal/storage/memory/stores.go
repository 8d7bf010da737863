// Package memory provides in-memory store implementations for local
// development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fedimirror/fedimirror/internal/relay"
)

// Clock mirrors relay.Clock so tests can control selection ordering.
type Clock interface {
	Now() time.Time
}

// AccountStore is an in-memory relay.AccountStore.
type AccountStore struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[int64]relay.SourceAccount
	subs     map[int64][]int64 // account id -> follower ids, sorted
	clock    Clock
}

// NewAccountStore constructs an empty AccountStore.
func NewAccountStore(clock Clock) *AccountStore {
	return &AccountStore{
		nextID:   1,
		accounts: map[int64]relay.SourceAccount{},
		subs:     map[int64][]int64{},
		clock:    clock,
	}
}

// SelectShardBatch returns shard members least recently synced first.
func (s *AccountStore) SelectShardBatch(_ context.Context, low, high, modulus, limit int) ([]relay.SourceAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var selected []relay.SourceAccount
	for _, account := range s.accounts {
		if modulus <= 0 {
			continue
		}
		r := int(account.ID % int64(modulus))
		if r >= low && r < high {
			selected = append(selected, account)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		if selected[i].LastSync.Equal(selected[j].LastSync) {
			return selected[i].ID < selected[j].ID
		}
		return selected[i].LastSync.Before(selected[j].LastSync)
	})
	if len(selected) > limit {
		selected = selected[:limit]
	}
	return selected, nil
}

// TouchLastSync stamps last sync to now for the ids.
func (s *AccountStore) TouchLastSync(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, id := range ids {
		if account, ok := s.accounts[id]; ok {
			account.LastSync = now
			s.accounts[id] = account
		}
	}
	return nil
}

// GetSubscriberIDs returns the follower ids subscribed to the account.
func (s *AccountStore) GetSubscriberIDs(_ context.Context, accountID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.subs[accountID]...), nil
}

// GetByHandle looks an account up by handle.
func (s *AccountStore) GetByHandle(_ context.Context, handle string) (relay.SourceAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.accounts {
		if account.Handle == handle {
			return account, nil
		}
	}
	return relay.SourceAccount{}, relay.ErrNotFound
}

// Create inserts an account, assigning its id.
func (s *AccountStore) Create(_ context.Context, account relay.SourceAccount) (relay.SourceAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account.ID = s.nextID
	s.nextID++
	s.accounts[account.ID] = account
	return account, nil
}

// UpdateWatermark advances the watermark; regressions are ignored.
func (s *AccountStore) UpdateWatermark(_ context.Context, id int64, lastPostID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account, ok := s.accounts[id]; ok && account.LastPostID < lastPostID {
		account.LastPostID = lastPostID
		s.accounts[id] = account
	}
	return nil
}

// Delete removes the account and its subscription edges.
func (s *AccountStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	delete(s.subs, id)
	return nil
}

// Get returns an account by id (test helper).
func (s *AccountStore) Get(id int64) (relay.SourceAccount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	return account, ok
}

// Subscribe registers a follower id on an account (test helper; the
// authoritative write path is FollowerStore.AddSubscription).
func (s *AccountStore) Subscribe(accountID, followerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.subs[accountID] {
		if id == followerID {
			return
		}
	}
	s.subs[accountID] = append(s.subs[accountID], followerID)
	sort.Slice(s.subs[accountID], func(i, j int) bool { return s.subs[accountID][i] < s.subs[accountID][j] })
}

// Unsubscribe removes a follower id from an account.
func (s *AccountStore) Unsubscribe(accountID, followerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.subs[accountID]
	for i, id := range ids {
		if id == followerID {
			s.subs[accountID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// FollowerStore is an in-memory relay.FollowerStore. When linked to an
// AccountStore, subscription edges stay visible through both interfaces.
type FollowerStore struct {
	mu        sync.Mutex
	nextID    int64
	followers map[int64]relay.Follower
	subs      map[int64]map[int64]struct{} // follower id -> account ids
	accounts  *AccountStore
}

// NewFollowerStore constructs an empty FollowerStore. accounts may be nil.
func NewFollowerStore(accounts *AccountStore) *FollowerStore {
	return &FollowerStore{
		nextID:    1,
		followers: map[int64]relay.Follower{},
		subs:      map[int64]map[int64]struct{}{},
		accounts:  accounts,
	}
}

// Create inserts a follower, assigning its id.
func (s *FollowerStore) Create(_ context.Context, follower relay.Follower) (relay.Follower, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	follower.ID = s.nextID
	s.nextID++
	s.followers[follower.ID] = follower
	s.subs[follower.ID] = map[int64]struct{}{}
	return follower, nil
}

// Get looks a follower up by actor URI and host.
func (s *FollowerStore) Get(_ context.Context, actorID, host string) (relay.Follower, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, follower := range s.followers {
		if follower.ActorID == actorID && follower.Host == host {
			return follower, nil
		}
	}
	return relay.Follower{}, relay.ErrNotFound
}

// ListSubscribers returns the followers subscribed to the account.
func (s *FollowerStore) ListSubscribers(_ context.Context, accountID int64) ([]relay.Follower, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var followers []relay.Follower
	for id, accounts := range s.subs {
		if _, ok := accounts[accountID]; ok {
			followers = append(followers, s.followers[id])
		}
	}
	sort.Slice(followers, func(i, j int) bool { return followers[i].ID < followers[j].ID })
	return followers, nil
}

// UpdateErrorCount persists a follower's posting error count.
func (s *FollowerStore) UpdateErrorCount(_ context.Context, id int64, count int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if follower, ok := s.followers[id]; ok {
		follower.PostingErrorCount = count
		s.followers[id] = follower
	}
	return nil
}

// Delete removes a follower and its subscription edges.
func (s *FollowerStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	accounts := s.subs[id]
	delete(s.followers, id)
	delete(s.subs, id)
	s.mu.Unlock()

	if s.accounts != nil {
		for accountID := range accounts {
			s.accounts.Unsubscribe(accountID, id)
		}
	}
	return nil
}

// AddSubscription creates the relation idempotently.
func (s *FollowerStore) AddSubscription(_ context.Context, followerID, accountID int64) error {
	s.mu.Lock()
	if s.subs[followerID] == nil {
		s.subs[followerID] = map[int64]struct{}{}
	}
	s.subs[followerID][accountID] = struct{}{}
	s.mu.Unlock()

	if s.accounts != nil {
		s.accounts.Subscribe(accountID, followerID)
	}
	return nil
}

// RemoveSubscription drops one relation and reports the remaining count.
func (s *FollowerStore) RemoveSubscription(_ context.Context, followerID, accountID int64) (int, error) {
	s.mu.Lock()
	delete(s.subs[followerID], accountID)
	remaining := len(s.subs[followerID])
	s.mu.Unlock()

	if s.accounts != nil {
		s.accounts.Unsubscribe(accountID, followerID)
	}
	return remaining, nil
}

// GetByID returns a follower by id (test helper).
func (s *FollowerStore) GetByID(id int64) (relay.Follower, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	follower, ok := s.followers[id]
	return follower, ok
}
