// Package fanout implements the delivery fan-out stage: turning each
// account's freshly retrieved posts into signed deliveries to its
// subscribers, grouped per remote host where a shared inbox allows it, with
// per-subscriber failure accounting and eviction.
package fanout

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fedimirror/fedimirror/internal/fediverse"
	"github.com/fedimirror/fedimirror/internal/metrics"
	"github.com/fedimirror/fedimirror/internal/relay"
)

// Formatter converts a post batch into the protocol payload delivered to
// subscriber inboxes. Content transformation is an external concern; the
// stage only carries the result.
type Formatter interface {
	Format(account relay.SourceAccount, posts []relay.Post) any
}

// Config controls Stage behavior.
type Config struct {
	// Parallelism bounds how many accounts fan out concurrently.
	Parallelism int
	// CleanupThreshold evicts a subscriber once its error count exceeds
	// it; <= 0 disables threshold eviction (the ceiling still applies).
	CleanupThreshold int32
}

// Stage consumes retrieval output and delivers to subscriber inboxes.
type Stage struct {
	in        <-chan relay.AccountBatch
	followers relay.FollowerStore
	deliver   fediverse.Deliverer
	keys      *fediverse.KeyRing
	formatter Formatter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a fan-out Stage consuming from in.
func New(in <-chan relay.AccountBatch, followers relay.FollowerStore, deliver fediverse.Deliverer, keys *fediverse.KeyRing, formatter Formatter, cfg Config, logger *zap.Logger) *Stage {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &Stage{
		in:        in,
		followers: followers,
		deliver:   deliver,
		keys:      keys,
		formatter: formatter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run loops until the context is canceled. Accounts within a batch run
// concurrently up to Parallelism; each account's own deliveries are
// sequential to bound per-account burstiness.
func (s *Stage) Run(ctx context.Context) {
	sem := make(chan struct{}, s.cfg.Parallelism)
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-s.in:
			if !ok {
				return
			}
			var wg sync.WaitGroup
			for _, work := range batch.Accounts {
				if ctx.Err() != nil {
					break
				}
				sem <- struct{}{}
				wg.Add(1)
				go func(work relay.AccountWork) {
					defer wg.Done()
					defer func() { <-sem }()
					metrics.IncActiveFanoutWorkers()
					defer metrics.DecActiveFanoutWorkers()
					s.processAccount(ctx, work)
				}(work)
			}
			wg.Wait()
		}
	}
}

// processAccount delivers one account's post batch: shared-inbox host
// groups first, then the remaining subscribers directly.
func (s *Stage) processAccount(ctx context.Context, work relay.AccountWork) {
	// The subscriber list may have changed since scheduling.
	subs, err := s.followers.ListSubscribers(ctx, work.Account.ID)
	if err != nil {
		s.logger.Error("list subscribers failed",
			zap.String("handle", work.Account.Handle),
			zap.Error(err),
		)
		return
	}
	if len(subs) == 0 {
		return
	}

	activity := s.formatter.Format(work.Account, work.Posts)
	signingActor := s.keys.ActorURI(work.Account.Handle)

	shared := map[string][]relay.Follower{}
	var direct []relay.Follower
	for _, sub := range subs {
		if sub.SharedInboxPath != "" {
			shared[sub.Host] = append(shared[sub.Host], sub)
		} else {
			direct = append(direct, sub)
		}
	}

	hosts := make([]string, 0, len(shared))
	for host := range shared {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	delivered := false
	for _, host := range hosts {
		group := shared[host]
		err := s.timedDeliver(ctx, activity, host, signingActor, group[0].SharedInboxPath)
		delivered = delivered || err == nil
		s.applyOutcome(ctx, work.Account.ID, group, err)
	}
	for _, sub := range direct {
		err := s.timedDeliver(ctx, activity, sub.Host, signingActor, sub.InboxPath)
		delivered = delivered || err == nil
		s.applyOutcome(ctx, work.Account.ID, []relay.Follower{sub}, err)
	}
	if delivered {
		metrics.ObservePostsRelayed(len(work.Posts))
	}
}

func (s *Stage) timedDeliver(ctx context.Context, activity any, host, signingActor, inboxPath string) error {
	start := time.Now()
	err := s.deliver.Deliver(ctx, activity, host, signingActor, inboxPath)
	metrics.ObserveDeliveryDuration(time.Since(start))
	return err
}

// applyOutcome maps one delivery outcome onto every subscriber it covered.
// Each mutation is its own storage operation.
func (s *Stage) applyOutcome(ctx context.Context, accountID int64, subs []relay.Follower, err error) {
	switch {
	case err == nil:
		metrics.ObserveDelivery("ok")
		for _, sub := range subs {
			if sub.PostingErrorCount == 0 {
				continue
			}
			if uerr := s.followers.UpdateErrorCount(ctx, sub.ID, 0); uerr != nil {
				s.logger.Error("reset error count failed", zap.Int64("follower_id", sub.ID), zap.Error(uerr))
			}
		}
	case fediverse.IsForbidden(err):
		// The relationship itself is void, not just this delivery.
		metrics.ObserveDelivery("forbidden")
		s.logger.Warn("delivery forbidden, removing subscriptions", zap.Error(err))
		for _, sub := range subs {
			s.removeSubscription(ctx, sub, accountID)
		}
	default:
		metrics.ObserveDelivery("failed")
		s.logger.Warn("delivery failed", zap.Error(err))
		for _, sub := range subs {
			next := relay.NextErrorCount(sub.PostingErrorCount)
			if relay.ShouldEvict(next, s.cfg.CleanupThreshold) {
				s.logger.Info("evicting subscriber",
					zap.Int64("follower_id", sub.ID),
					zap.Int32("error_count", next),
				)
				s.removeSubscription(ctx, sub, accountID)
				metrics.ObserveEviction()
				continue
			}
			if uerr := s.followers.UpdateErrorCount(ctx, sub.ID, next); uerr != nil {
				s.logger.Error("update error count failed", zap.Int64("follower_id", sub.ID), zap.Error(uerr))
			}
		}
	}
}

// removeSubscription drops one relation and deletes the follower record
// once its subscription set is empty.
func (s *Stage) removeSubscription(ctx context.Context, sub relay.Follower, accountID int64) {
	remaining, err := s.followers.RemoveSubscription(ctx, sub.ID, accountID)
	if err != nil {
		s.logger.Error("remove subscription failed", zap.Int64("follower_id", sub.ID), zap.Error(err))
		return
	}
	if remaining == 0 {
		if err := s.followers.Delete(ctx, sub.ID); err != nil {
			s.logger.Error("delete follower failed", zap.Int64("follower_id", sub.ID), zap.Error(err))
		}
	}
}
