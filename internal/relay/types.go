// Package relay defines the core types and interfaces for the mirror relay
// pipeline: the accounts being mirrored, their Fediverse subscribers, and the
// batches flowing from the crawl scheduler through retrieval to fan-out.
package relay

import (
	"math"
	"time"
)

// NeverSynced is the watermark value for an account that has not been crawled.
const NeverSynced int64 = -1

// ErrorCountCeiling is the hard eviction ceiling for a follower's posting
// error count. It sits below the int32 maximum so the saturating increment
// can never get near an overflow regardless of the configured threshold.
const ErrorCountCeiling int32 = math.MaxInt32 - 1000

// SourceAccount is a mirrored account on the source network.
type SourceAccount struct {
	ID              int64
	Handle          string
	LastPostID      int64 // watermark, NeverSynced until the first crawl
	LastSync        time.Time
	FetchErrorCount int
	FollowerCount   int
	Protected       bool
}

// Post is one post retrieved from the source network. Conversion into a
// protocol payload is the formatter's concern; the pipeline only carries it.
type Post struct {
	ID          int64
	AuthorID    int64
	Author      string
	Text        string
	URL         string
	PublishedAt time.Time
}

// Profile is the source network's view of an account, returned by FetchUser.
type Profile struct {
	Handle        string
	DisplayName   string
	Description   string
	Protected     bool
	FollowerCount int
}

// Follower is a Fediverse actor subscribed to one or more source accounts.
type Follower struct {
	ID                int64
	ActorID           string // globally unique remote URI
	Acct              string
	Host              string
	InboxPath         string // path relative to Host
	SharedInboxPath   string // empty when the remote offers none
	PostingErrorCount int32
}

// AccountWork is one account's slot inside a pipeline batch. The scheduler
// fills Account and SubscriberIDs, the retrieval stage fills Posts.
type AccountWork struct {
	Account       SourceAccount
	SubscriberIDs []int64
	Posts         []Post
}

// AccountBatch is the unit pushed across the pipeline channels.
type AccountBatch struct {
	Accounts []AccountWork
}

// WorkerShard assigns a modulo partition of the account id-space to one
// worker. A worker owns account id i iff i mod Modulus falls inside its
// window, which is the configured base window shifted by Ordinal spans.
type WorkerShard struct {
	Ordinal  int
	BaseLow  int
	BaseHigh int
	Modulus  int
}

// Window returns the half-open [low, high) residue window for this worker.
// Adjacent ordinals over the same base window are disjoint.
func (s WorkerShard) Window() (low, high int) {
	span := s.BaseHigh - s.BaseLow
	offset := s.Ordinal * span
	return s.BaseLow + offset, s.BaseHigh + offset
}

// Contains reports whether the account id belongs to this worker's shard.
func (s WorkerShard) Contains(id int64) bool {
	if s.Modulus <= 0 {
		return false
	}
	low, high := s.Window()
	r := int(id % int64(s.Modulus))
	return r >= low && r < high
}

// NextErrorCount applies one failed delivery cycle to a posting error count,
// saturating instead of wrapping.
func NextErrorCount(count int32) int32 {
	if count == math.MaxInt32 {
		return count
	}
	return count + 1
}

// ShouldEvict reports whether a follower whose count just became next must be
// removed. A threshold <= 0 disables threshold eviction; the ceiling is an
// unconditional safety valve.
func ShouldEvict(next, threshold int32) bool {
	if next >= ErrorCountCeiling {
		return true
	}
	return threshold > 0 && next > threshold
}
