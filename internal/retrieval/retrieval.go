// Package retrieval implements the post-retrieval stage: fetching new posts
// for scheduled accounts in bounded parallel waves and forwarding only the
// accounts that produced something.
package retrieval

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fedimirror/fedimirror/internal/metrics"
	"github.com/fedimirror/fedimirror/internal/relay"
)

// Config controls Stage behavior.
type Config struct {
	// Parallelism caps in-flight fetches; <= 0 suspends the stage (same
	// maintenance switch as the scheduler).
	Parallelism int
	// BatchDelay is the pause between fetch waves within one batch.
	BatchDelay time.Duration
}

// Stage consumes scheduler batches and fetches new posts per account.
type Stage struct {
	in       <-chan relay.AccountBatch
	out      chan<- relay.AccountBatch
	source   relay.SourceClient
	accounts relay.AccountStore
	cfg      Config
	logger   *zap.Logger
}

// New constructs a retrieval Stage between in and out.
func New(in <-chan relay.AccountBatch, out chan<- relay.AccountBatch, source relay.SourceClient, accounts relay.AccountStore, cfg Config, logger *zap.Logger) *Stage {
	return &Stage{
		in:       in,
		out:      out,
		source:   source,
		accounts: accounts,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run loops until the context is canceled.
func (s *Stage) Run(ctx context.Context) {
	if s.cfg.Parallelism <= 0 {
		s.logger.Warn("retrieval paused: parallelism is zero")
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-s.in:
			if !ok {
				return
			}
			forward := s.processBatch(ctx, batch)
			if len(forward.Accounts) == 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case s.out <- forward:
			}
		}
	}
}

// processBatch fetches the batch in waves of Parallelism accounts and
// returns the accounts that yielded new posts. A failing account is logged
// and dropped for this cycle; it never disturbs its siblings.
func (s *Stage) processBatch(ctx context.Context, batch relay.AccountBatch) relay.AccountBatch {
	var (
		mu   sync.Mutex
		keep []relay.AccountWork
	)
	for start := 0; start < len(batch.Accounts); start += s.cfg.Parallelism {
		if ctx.Err() != nil {
			break
		}
		end := min(start+s.cfg.Parallelism, len(batch.Accounts))
		var wg sync.WaitGroup
		for _, work := range batch.Accounts[start:end] {
			wg.Add(1)
			go func(work relay.AccountWork) {
				defer wg.Done()
				if done := s.fetchOne(ctx, &work); done {
					mu.Lock()
					keep = append(keep, work)
					mu.Unlock()
				}
			}(work)
		}
		wg.Wait()
		if end < len(batch.Accounts) && s.cfg.BatchDelay > 0 {
			if !sleep(ctx, s.cfg.BatchDelay) {
				break
			}
		}
	}
	return relay.AccountBatch{Accounts: keep}
}

// fetchOne fetches one account's new posts, advancing the watermark on
// success. It reports whether the account should be forwarded.
func (s *Stage) fetchOne(ctx context.Context, work *relay.AccountWork) bool {
	posts, err := s.source.FetchNewPosts(ctx, work.Account)
	if err != nil {
		s.logger.Warn("fetch new posts failed",
			zap.String("handle", work.Account.Handle),
			zap.Error(err),
		)
		return false
	}
	metrics.ObserveAccountCrawled()
	if len(posts) == 0 {
		return false
	}

	watermark := work.Account.LastPostID
	for _, p := range posts {
		if p.ID > watermark {
			watermark = p.ID
		}
	}
	if err := s.accounts.UpdateWatermark(ctx, work.Account.ID, watermark); err != nil {
		s.logger.Error("update watermark failed",
			zap.String("handle", work.Account.Handle),
			zap.Error(err),
		)
	}
	work.Posts = posts
	return true
}

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
