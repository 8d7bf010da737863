// Package scheduler implements the crawl scheduler: a continuous loop that
// selects the least-recently-synced accounts inside this worker's shard and
// feeds them to the retrieval stage in randomized batches.
package scheduler

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/fedimirror/fedimirror/internal/relay"
)

// Config controls Scheduler behavior.
type Config struct {
	Shard relay.WorkerShard
	// SelectCap bounds one selection pass and the batch size.
	SelectCap int
	// IdleSleep is the pause between selection passes, keeping an empty
	// shard from spinning.
	IdleSleep time.Duration
	// Parallelism <= 0 is the maintenance pause switch: the scheduler
	// starts but never selects anything.
	Parallelism int
}

// Scheduler drives account selection for one worker shard.
type Scheduler struct {
	accounts relay.AccountStore
	out      chan<- relay.AccountBatch
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Scheduler emitting batches onto out.
func New(accounts relay.AccountStore, out chan<- relay.AccountBatch, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.SelectCap <= 0 {
		cfg.SelectCap = 200
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 10 * time.Second
	}
	return &Scheduler{
		accounts: accounts,
		out:      out,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run loops until the context is canceled. Cancellation is honored at the
// selection-to-push boundary; a partial batch is never pushed.
func (s *Scheduler) Run(ctx context.Context) {
	if s.cfg.Parallelism <= 0 {
		s.logger.Warn("scheduler paused: parallelism is zero")
		<-ctx.Done()
		return
	}
	low, high := s.cfg.Shard.Window()
	s.logger.Info("scheduler started",
		zap.Int("shard_low", low),
		zap.Int("shard_high", high),
		zap.Int("modulus", s.cfg.Shard.Modulus),
	)
	for {
		if ctx.Err() != nil {
			return
		}
		pushed, err := s.iterate(ctx, low, high)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("scheduler iteration failed", zap.Error(err))
		}
		if !pushed {
			if !sleep(ctx, s.cfg.IdleSleep) {
				return
			}
		}
	}
}

// iterate runs one selection pass and reports whether any batch was pushed.
func (s *Scheduler) iterate(ctx context.Context, low, high int) (bool, error) {
	accounts, err := s.accounts.SelectShardBatch(ctx, low, high, s.cfg.Shard.Modulus, s.cfg.SelectCap)
	if err != nil {
		return false, err
	}
	if len(accounts) == 0 {
		return false, nil
	}

	// Stamp last_sync before the fetch completes so a sibling pass cannot
	// re-select the same accounts.
	ids := make([]int64, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}
	if err := s.accounts.TouchLastSync(ctx, ids); err != nil {
		return false, err
	}

	rand.Shuffle(len(accounts), func(i, j int) {
		accounts[i], accounts[j] = accounts[j], accounts[i]
	})

	batchSize := min(len(accounts), s.cfg.SelectCap)
	for start := 0; start < len(accounts); start += batchSize {
		end := min(start+batchSize, len(accounts))
		batch, err := s.buildBatch(ctx, accounts[start:end])
		if err != nil {
			return false, err
		}
		select {
		case <-ctx.Done():
			return false, nil
		case s.out <- batch:
		}
	}
	return true, nil
}

// buildBatch attaches a read-only snapshot of each account's subscribers.
func (s *Scheduler) buildBatch(ctx context.Context, accounts []relay.SourceAccount) (relay.AccountBatch, error) {
	work := make([]relay.AccountWork, 0, len(accounts))
	for _, account := range accounts {
		subs, err := s.accounts.GetSubscriberIDs(ctx, account.ID)
		if err != nil {
			return relay.AccountBatch{}, err
		}
		work = append(work, relay.AccountWork{Account: account, SubscriberIDs: subs})
	}
	return relay.AccountBatch{Accounts: work}, nil
}

// sleep waits for d or cancellation, reporting false when canceled.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
