package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"bikeshare-etl/internal/config"
	"bikeshare-etl/internal/db"
	"bikeshare-etl/internal/domain"
	"bikeshare-etl/internal/logging"
	"bikeshare-etl/internal/metrics"
	"bikeshare-etl/internal/publisher"
)

// env holds what every subcommand needs: configuration, a logger, the
// database store and the optional metrics server and NATS publisher.
type env struct {
	cfg     *config.Config
	log     *slog.Logger
	runID   string
	store   *db.Store
	metrics *metrics.Collector
	pub     *publisher.NATSPublisher

	closers []func()
}

type envOptions struct {
	metrics bool
	events  bool
}

func newEnv(ctx context.Context, opts envOptions) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, runID: uuid.NewString()}
	e.log = log.With("run_id", e.runID)

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.Ping(ctx, pool); err != nil {
		pool.Close()
		// The ledger lives in this database.
		return nil, fmt.Errorf("%w: db ping: %w", domain.ErrLedgerUnavailable, err)
	}
	e.store = db.NewStore(pool)
	e.closers = append(e.closers, e.store.Close)

	if opts.metrics && cfg.MetricsAddr != "" {
		e.metrics = metrics.NewCollector(cfg.ParseWorkers, cfg.LoaderWorkers)
		srv := e.metrics.Serve(cfg.MetricsAddr, e.log)
		e.closers = append(e.closers, func() {
			// Shutdown with timeout
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	if opts.events && cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, e.runID, publisherMetrics(e.metrics), e.log.With("component", "publisher"))
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		e.pub = pub
		e.closers = append(e.closers, pub.Close)
	}
	return e, nil
}

// Close releases resources in reverse order of acquisition.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// publisherMetrics avoids handing the publisher a typed nil collector.
func publisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}
