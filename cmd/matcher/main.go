package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spotdex/matcher/params"
	"github.com/spotdex/matcher/pkg/api"
	"github.com/spotdex/matcher/pkg/book"
	"github.com/spotdex/matcher/pkg/engine"
	"github.com/spotdex/matcher/pkg/indexer"
	"github.com/spotdex/matcher/pkg/model"
	"github.com/spotdex/matcher/pkg/settlement"
	"github.com/spotdex/matcher/pkg/stats"
	"github.com/spotdex/matcher/pkg/util"
)

func main() {
	// Load config from .env file and environment variables. Config errors
	// are the only thing allowed to kill the process after startup checks.
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Transaction stats sink (optional Postgres) ----
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			sugar.Fatalw("stats_db_connect_failed", "err", err)
		}
		defer pool.Close()
	} else {
		sugar.Info("no DATABASE_URL, transaction stats will be log-only")
	}
	sink := stats.NewSink(pool, sugar)
	go sink.Run(ctx)

	// ---- Settlement: one contract client per signer key ----
	var (
		clients []settlement.Submitter
		reader  settlement.ChainReader
	)
	for i, key := range cfg.Settlement.PrivateKeys {
		client, err := settlement.Dial(ctx, cfg.Settlement, key)
		if err != nil {
			sugar.Fatalw("settlement_dial_failed", "err", err)
		}
		clients = append(clients, client)
		if i == 0 {
			reader = client
		}
		sugar.Infow("settlement_signer", "address", client.Signer())
	}
	batcher := settlement.NewBatcher(clients, cfg.BatchSize(), sugar)

	// ---- Order book + order source ----
	orders := book.New()
	filter := engine.NewPhantomFilter(reader, orders, sugar)

	var source engine.OrderSource
	switch cfg.Matcher.Mode {
	case params.FeedPoll:
		source = indexer.NewClient(cfg.Indexer, sugar)
	case params.FeedPush:
		// Incremental feed: the stream only upserts; orders leave the book
		// on full fill, phantom eviction, or a zero-size update.
		stream := indexer.NewStream(cfg.Indexer, func(o *model.Order) {
			if o.Filled() {
				orders.Remove(o.ID)
				return
			}
			orders.Upsert(o)
		}, sugar)
		go func() {
			if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
				sugar.Errorw("stream_exited", "err", err)
			}
		}()
	}

	matcher := engine.NewMatcher(cfg.Matcher, orders, source, filter, batcher, sink, sugar)

	// ---- Admin API ----
	adminServer := api.NewServer(matcher, orders, sugar)
	go func() {
		if err := adminServer.Start(cfg.AdminAddr); err != nil {
			sugar.Fatalw("admin_server_failed", "err", err)
		}
	}()

	sugar.Infow("matcher_starting",
		"mode", cfg.Matcher.Mode,
		"batch_size", cfg.BatchSize(),
		"signers", len(clients),
		"fetch_limit", cfg.Indexer.FetchLimit)

	if err := matcher.Run(ctx); err != nil && ctx.Err() == nil {
		sugar.Fatalw("run_loop_failed", "err", err)
	}
	sugar.Infow("matcher_shutdown")
}
