package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq" // Postgres Driver

	"github.com/Mindburn-Labs/fedresolve/pkg/config"
	"github.com/Mindburn-Labs/fedresolve/pkg/conflict"
	"github.com/Mindburn-Labs/fedresolve/pkg/masking"
	"github.com/Mindburn-Labs/fedresolve/pkg/observability"
	"github.com/Mindburn-Labs/fedresolve/pkg/orchestration"
	"github.com/Mindburn-Labs/fedresolve/pkg/source"
	"github.com/Mindburn-Labs/fedresolve/pkg/source/adapters"
	"github.com/Mindburn-Labs/fedresolve/pkg/store"
)

// app is one CLI invocation's fully wired service.
type app struct {
	cfg      *config.Config
	catalog  *config.Catalog
	logger   *slog.Logger
	svc      *orchestration.Service
	receipts store.ReceiptStore
	obs      *observability.Provider
	closers  []func() error
}

// newApp loads the environment and catalog and builds every source.
func newApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg := config.Load()
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)

	cat, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, catalog: cat, logger: logger, obs: observability.Disabled()}
	if err := a.wire(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	reg := source.NewRegistry()
	for _, sc := range a.catalog.Sources {
		src, err := a.buildSource(ctx, sc)
		if err != nil {
			return fmt.Errorf("source %q: %w", sc.Name, err)
		}
		if err := reg.Register(sc.Descriptor(), src); err != nil {
			return err
		}
	}

	var masker orchestration.Masker
	if a.catalog.Masking != nil {
		engine, err := masking.NewEngine(a.catalog.Masking)
		if err != nil {
			return err
		}
		masker = engine
	}

	strategy, err := conflict.ParseStrategy(a.catalog.Strategy)
	if err != nil {
		return err
	}

	if err := a.openReceipts(ctx); err != nil {
		return fmt.Errorf("receipt store: %w", err)
	}

	if a.cfg.OTelEnabled {
		oc := observability.DefaultConfig()
		oc.Enabled = true
		oc.OTLPEndpoint = a.cfg.OTelEndpoint
		oc.Environment = a.cfg.Environment
		p, err := observability.New(ctx, oc)
		if err != nil {
			return err
		}
		a.obs = p
	}

	opts := []orchestration.Option{
		orchestration.WithReceipts(a.receipts),
		orchestration.WithLogger(a.logger.With("component", "orchestration")),
		orchestration.WithTimeout(a.cfg.ResolveTimeout),
		orchestration.WithStrategy(strategy),
		orchestration.WithObservability(a.obs),
	}
	for t, p := range a.catalog.DefaultPayloads() {
		opts = append(opts, orchestration.WithDefault(t, p))
	}
	for t, links := range a.catalog.Chains {
		opts = append(opts, orchestration.WithChainLinks(t, links...))
	}

	a.svc, err = orchestration.New(reg, masker, opts...)
	return err
}

func (a *app) buildSource(ctx context.Context, sc config.SourceConfig) (source.DataSource, error) {
	switch sc.Kind {
	case config.KindStatic:
		return source.NewStaticSource(sc.Name, sc.StaticRecords()), nil

	case config.KindCreditBureau:
		var apiKey string
		if sc.APIKeyEnv != "" {
			apiKey = os.Getenv(sc.APIKeyEnv)
		}
		return adapters.NewCreditBureauSource(adapters.CreditBureauConfig{
			Name:      sc.Name,
			BaseURL:   sc.BaseURL,
			Types:     sc.Types,
			APIKey:    apiKey,
			Schema:    sc.Schema,
			Retry:     retryPolicy(sc.Retries),
			Timeout:   sc.Timeout,
			RateLimit: sc.RateLimit,
			Burst:     sc.Burst,
		})

	case config.KindPartnerAPI:
		return adapters.NewPartnerAPISource(adapters.PartnerAPIConfig{
			Name:      sc.Name,
			BaseURL:   sc.BaseURL,
			Types:     sc.Types,
			FieldMap:  sc.FieldMap,
			HealthTTL: sc.HealthTTL,
			Timeout:   sc.Timeout,
			RateLimit: sc.RateLimit,
			Burst:     sc.Burst,
		})

	case config.KindMarketData:
		feed := make(adapters.StaticFeed, len(sc.Quotes))
		for id, q := range sc.Quotes {
			feed[id] = adapters.Quote{
				Symbol:     q.Symbol,
				Price:      q.Price,
				Volatility: q.Volatility,
				Currency:   q.Currency,
				AsOf:       q.AsOf,
			}
		}
		return adapters.NewMarketDataSource(sc.Name, feed, sc.Types...), nil

	case config.KindExternalRating:
		rows := make([]adapters.Rating, 0, len(sc.Ratings))
		for _, r := range sc.Ratings {
			rows = append(rows, adapters.Rating{
				EntityID: r.EntityID,
				Agency:   r.Agency,
				Grade:    r.Grade,
				Score:    r.Score,
				Outlook:  r.Outlook,
			})
		}
		return adapters.NewExternalRatingDataSource(sc.Name, rows, sc.Types...), nil

	case config.KindLegacy:
		db, err := sql.Open(sc.Driver, sc.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		src, err := adapters.NewLegacyCustomerDataSource(sc.Name, db, adapters.Dialect(sc.Driver), sc.Types...)
		if err != nil {
			return nil, err
		}
		if err := src.Migrate(ctx); err != nil {
			return nil, err
		}
		return src, nil

	case config.KindArchive:
		reader, err := adapters.NewObjectReader(ctx, adapters.ArchiveConfig{
			Backend:  adapters.ArchiveBackend(sc.Archive.Backend),
			Bucket:   sc.Archive.Bucket,
			Region:   sc.Archive.Region,
			Endpoint: sc.Archive.Endpoint,
			Prefix:   sc.Archive.Prefix,
		})
		if err != nil {
			return nil, err
		}
		if c, ok := reader.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
		return adapters.NewArchiveSource(sc.Name, reader, sc.Archive.Prefix, sc.Types...), nil

	case config.KindCache:
		addr := sc.Addr
		if addr == "" {
			addr = a.cfg.RedisAddr
		}
		if addr == "" {
			return nil, errors.New("redis_cache needs addr or REDIS_ADDR")
		}
		src := adapters.NewCacheSource(sc.Name, addr, sc.Password, sc.DB, sc.TTL, sc.Types...)
		a.closers = append(a.closers, src.Close)
		return src, nil

	default:
		return nil, fmt.Errorf("unknown kind %q", sc.Kind)
	}
}

// retryPolicy maps the catalog's attempt count. Zero keeps the adapter default.
func retryPolicy(attempts int) source.RetryPolicy {
	if attempts <= 0 {
		return source.RetryPolicy{}
	}
	return source.RetryPolicy{
		MaxAttempts: attempts,
		Base:        100 * time.Millisecond,
		Max:         time.Second,
		MaxJitter:   50 * time.Millisecond,
	}
}

// openReceipts uses PostgreSQL when DATABASE_URL is set and SQLite otherwise.
func (a *app) openReceipts(ctx context.Context) error {
	if a.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", a.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		pg := store.NewPostgresReceiptStore(db)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		a.receipts = pg
		return nil
	}

	db, err := sql.Open("sqlite", a.cfg.SQLitePath)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	a.closers = append(a.closers, db.Close)
	lite, err := store.NewSQLiteReceiptStore(db)
	if err != nil {
		return err
	}
	a.receipts = lite
	return nil
}

// Close flushes telemetry and releases every connection.
func (a *app) Close(ctx context.Context) error {
	errs := []error{a.obs.Shutdown(ctx)}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
