package cmd

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fedimirror/fedimirror/internal/api"
	actorcache "github.com/fedimirror/fedimirror/internal/cache"
	systemclock "github.com/fedimirror/fedimirror/internal/clock/system"
	"github.com/fedimirror/fedimirror/internal/config"
	"github.com/fedimirror/fedimirror/internal/fanout"
	"github.com/fedimirror/fedimirror/internal/fediverse"
	"github.com/fedimirror/fedimirror/internal/httpsig"
	"github.com/fedimirror/fedimirror/internal/inboxsvc"
	"github.com/fedimirror/fedimirror/internal/logging"
	"github.com/fedimirror/fedimirror/internal/moderation"
	"github.com/fedimirror/fedimirror/internal/relay"
	"github.com/fedimirror/fedimirror/internal/retrieval"
	"github.com/fedimirror/fedimirror/internal/scheduler"
	"github.com/fedimirror/fedimirror/internal/source"
	"github.com/fedimirror/fedimirror/internal/storage/memory"
	"github.com/fedimirror/fedimirror/internal/storage/postgres"
)

// newServeCmd creates the 'serve' subcommand: the crawl pipeline plus the
// ActivityPub HTTP surface, running until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the relay: crawl pipeline and ActivityPub endpoints",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	key, err := loadInstanceKey(cfg.Instance)
	if err != nil {
		return err
	}
	keys, err := fediverse.NewKeyRing(cfg.Instance.Domain, key)
	if err != nil {
		return fmt.Errorf("build key ring: %w", err)
	}
	userAgent := fmt.Sprintf("fedimirror/1.0 (+https://%s)", cfg.Instance.Domain)
	clk := systemclock.Clock{}

	accounts, followers, closeStores, err := buildStores(ctx, cfg, clk, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	var cache fediverse.ActorCache
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		defer func() { _ = rdb.Close() }()
		cache = actorcache.NewActors(rdb, time.Duration(cfg.Cache.TTLSeconds)*time.Second, logger)
	}

	resolver := fediverse.NewResolver(keys, cache, clk, userAgent, logger)
	deliverer := fediverse.NewClient(keys, clk, userAgent, logger)
	sourceClient := source.New(source.Config{
		BaseURL:        cfg.Source.BaseURL,
		RequestsPerSec: cfg.Source.RequestsPerSec,
		Timeout:        time.Duration(cfg.Source.TimeoutSeconds) * time.Second,
		UserAgent:      userAgent,
	}, logger)
	policy, err := moderation.New(cfg.Moderation.Mode, cfg.Moderation.Patterns)
	if err != nil {
		return fmt.Errorf("build moderation policy: %w", err)
	}

	queueDepth := cfg.Fanout.QueueDepth
	if queueDepth <= 0 {
		queueDepth = 16
	}
	scheduled := make(chan relay.AccountBatch, queueDepth)
	retrieved := make(chan relay.AccountBatch, queueDepth)

	shard := relay.WorkerShard{
		Ordinal:  cfg.Crawl.Ordinal,
		BaseLow:  cfg.Crawl.ShardLow,
		BaseHigh: cfg.Crawl.ShardHigh,
		Modulus:  cfg.Crawl.ShardModulus,
	}
	pipeline := relay.NewPipeline(logger,
		scheduler.New(accounts, scheduled, scheduler.Config{
			Shard:       shard,
			SelectCap:   cfg.Crawl.SelectCap,
			IdleSleep:   cfg.Crawl.IdleSleep(),
			Parallelism: cfg.Crawl.Parallelism,
		}, logger),
		retrieval.New(scheduled, retrieved, sourceClient, accounts, retrieval.Config{
			Parallelism: cfg.Retrieval.Parallelism,
			BatchDelay:  cfg.Retrieval.BatchDelay(),
		}, logger),
		fanout.New(retrieved, followers, deliverer, keys, fediverse.NewNoteFormatter(keys), fanout.Config{
			Parallelism:      cfg.Fanout.Parallelism,
			CleanupThreshold: cfg.Fanout.CleanupThreshold,
		}, logger),
	)

	inbox := inboxsvc.New(accounts, followers, resolver, deliverer, keys, policy, sourceClient, clk, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(inbox, accounts, keys, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		pipeline.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
			<-pipelineDone
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	<-pipelineDone
	logger.Info("relay stopped")
	return nil
}

// buildStores wires the Postgres stores when a DSN is configured, and falls
// back to in-memory stores for local development.
func buildStores(ctx context.Context, cfg config.Config, clk relay.Clock, logger *zap.Logger) (relay.AccountStore, relay.FollowerStore, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Warn("no db.dsn configured, using in-memory stores")
		accounts := memory.NewAccountStore(clk)
		return accounts, memory.NewFollowerStore(accounts), func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}
	accounts, err := postgres.NewAccountStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("build account store: %w", err)
	}
	followers, err := postgres.NewFollowerStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("build follower store: %w", err)
	}
	return accounts, followers, pool.Close, nil
}

func loadInstanceKey(cfg config.InstanceConfig) (*rsa.PrivateKey, error) {
	pem := cfg.PrivateKeyPEM
	if pem == "" {
		raw, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		pem = string(raw)
	}
	key, err := httpsig.ParsePrivateKeyPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
