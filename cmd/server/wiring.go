package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/lbe-engine/internal/config"
	"github.com/atmx/lbe-engine/internal/journal"
	"github.com/atmx/lbe-engine/internal/ledger"
)

// backend is the ledger and receipt sink shared by every command.
type backend struct {
	ledger  ledger.Ledger
	journal journal.Sink
	cleanup []func()
}

func (b *backend) Close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

// openBackend connects to PostgreSQL (wrapped in a Redis read-through cache
// when configured) or falls back to an in-memory ledger.
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{}

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		b.cleanup = append(b.cleanup, pool.Close)

		pg := ledger.NewPostgresLedger(pool)
		if err := pg.Migrate(ctx, cfg.Rent()); err != nil {
			b.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		b.ledger = pg
		slog.Info("connected to PostgreSQL")

		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				b.Close()
				return nil, fmt.Errorf("invalid redis url: %w", err)
			}
			rdb := redis.NewClient(opt)
			b.cleanup = append(b.cleanup, func() { rdb.Close() })
			b.ledger = ledger.NewCachedLedger(b.ledger, rdb, cfg.RedisTTL())
			slog.Info("Redis cache enabled", "ttl", cfg.RedisTTL().String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory ledger (data will not persist)")
		b.ledger = ledger.NewMemoryLedger(cfg.Rent())
	}

	if cfg.Journal.S3Bucket != "" {
		sink, err := journal.NewS3Sink(ctx, cfg.S3())
		if err != nil {
			b.Close()
			return nil, err
		}
		b.journal = sink
		slog.Info("settlement receipts go to S3", "bucket", cfg.Journal.S3Bucket)
	} else {
		b.journal = journal.NewMemorySink()
	}
	return b, nil
}
