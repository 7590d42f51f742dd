// Package app turns a Config into a running set of components. The HTTP server
// and the vcctl CLI share it so both see the same issuer and store.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"studentvc/internal/audit"
	"studentvc/internal/identity"
	"studentvc/internal/issuance"
	"studentvc/internal/platform/config"
	"studentvc/internal/platform/kafka"
	"studentvc/internal/platform/metrics"
	"studentvc/internal/platform/postgres"
	"studentvc/internal/platform/redis"
	"studentvc/internal/ratelimit"
	"studentvc/internal/store"
	"studentvc/internal/verify"
)

const auditQueueSize = 4096

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Key        *identity.Key
	KeyCreated bool
	Store      store.Backend
	Service    *issuance.Service
	RateLimit  *ratelimit.Middleware
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	Health     map[string]func(ctx context.Context) error

	redis      *redis.Client
	auditQueue *audit.Async
	closers    []func() error
	stop       context.CancelFunc
	wg         sync.WaitGroup
}

// Build connects to every configured backend. On error everything opened so
// far is closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Health:   map[string]func(context.Context) error{},
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewWithRegisterer(a.Registry)

	if err = a.loadKey(ctx); err != nil {
		return nil, err
	}
	backend, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Store = store.Instrument(backend, cfg.Store.Backend, a.Metrics)

	publisher, err := a.openAudit(ctx)
	if err != nil {
		return nil, err
	}

	a.Service = issuance.New(a.Key, a.Store, serviceOptions(cfg, logger, a.Metrics, publisher)...)

	if a.RateLimit, err = a.openRateLimit(ctx); err != nil {
		return nil, err
	}

	if a.KeyCreated {
		a.emit(ctx, publisher, audit.Event{Action: audit.ActionKeyCreated, IssuerID: a.Key.Identifier()})
	}
	return a, nil
}

func (a *App) emit(ctx context.Context, publisher audit.Publisher, event audit.Event) {
	if err := publisher.Emit(ctx, event); err != nil {
		a.Logger.WarnContext(ctx, "failed to emit audit event",
			"event", string(event.Action),
			"error", err,
		)
	}
}

func serviceOptions(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, publisher audit.Publisher) []issuance.Option {
	opts := []issuance.Option{
		issuance.WithLogger(logger),
		issuance.WithMetrics(m),
		issuance.WithAuditPublisher(publisher),
		issuance.WithIssuerName(cfg.Issuer.Name),
		issuance.WithValidFor(cfg.Issuer.ValidFor),
		issuance.WithStrictDates(cfg.Issuer.StrictDates),
	}
	if cfg.Issuer.RejectDuplicates {
		opts = append(opts, issuance.WithDuplicatePolicy(issuance.DuplicateReject))
	}

	verifyOpts := []verify.Option{verify.WithResolveTimeout(cfg.Verify.ResolveTimeout)}
	if len(cfg.Verify.TrustedIssuers) > 0 {
		verifyOpts = append(verifyOpts, verify.WithTrustedIssuers(cfg.Verify.TrustedIssuers...))
	}
	if cfg.Verify.FailClosed {
		verifyOpts = append(verifyOpts, verify.WithUnknownStatusPolicy(verify.FailClosed))
	}
	return append(opts, issuance.WithVerifyOptions(verifyOpts...))
}

// SeedSource picks the issuer seed source from configuration. It returns nil
// when none is configured.
func SeedSource(cfg config.IssuerConfig) identity.SeedSource {
	switch {
	case cfg.Seed != "":
		return identity.StaticSeed(cfg.Seed)
	case cfg.SeedFile != "" && cfg.SeedPassphrase != "":
		return identity.EncryptedSeedFile{Path: cfg.SeedFile, Passphrase: []byte(cfg.SeedPassphrase)}
	case cfg.SeedFile != "":
		return identity.SeedFile{Path: cfg.SeedFile}
	default:
		return nil
	}
}

func (a *App) loadKey(ctx context.Context) error {
	src := SeedSource(a.Config.Issuer)
	if src == nil {
		key, err := identity.Generate(nil)
		if err != nil {
			return fmt.Errorf("generate issuer key: %w", err)
		}
		a.Logger.WarnContext(ctx, "no issuer seed configured; issuer identifier changes on every restart",
			"issuer_id", key.Identifier())
		a.Key, a.KeyCreated = key, true
		return nil
	}

	key, created, err := identity.LoadOrInit(ctx, src)
	if err != nil {
		return fmt.Errorf("load issuer key: %w", err)
	}
	a.Key, a.KeyCreated = key, created
	a.Logger.InfoContext(ctx, "issuer key ready", "issuer_id", key.Identifier(), "created", created)
	return nil
}

func (a *App) openStore(ctx context.Context) (store.Backend, error) {
	cfg := a.Config
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendFile:
		f, err := store.NewFile(cfg.Store.Dir)
		if err != nil {
			return nil, err
		}
		return f, nil
	case config.BackendRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return store.NewRedis(client.Client), nil
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.Health["postgres"] = db.PingContext
		pg := store.NewPostgres(db)
		if cfg.Postgres.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return pg, nil
	case config.BackendSQLite:
		db, err := store.OpenSQLite(ctx, cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.Health["sqlite"] = db.Ping
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// redisClient connects on first use; the store and the rate limiter share
// the connection pool.
func (a *App) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := redis.New(ctx, a.Config.Redis)
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	a.Health["redis"] = client.Health
	return client, nil
}

func (a *App) openRateLimit(ctx context.Context) (*ratelimit.Middleware, error) {
	cfg := a.Config.RateLimit
	if !cfg.Enabled {
		return nil, nil
	}

	var backend ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.Backend == config.BackendRedis {
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		backend = ratelimit.NewRedisStore(client.Client)
	}

	limiter := ratelimit.New(backend,
		ratelimit.WithLimit(ratelimit.ClassIssue, ratelimit.Limit(cfg.Issue)),
		ratelimit.WithLimit(ratelimit.ClassRead, ratelimit.Limit(cfg.Read)),
		ratelimit.WithLimit(ratelimit.ClassVerify, ratelimit.Limit(cfg.Verify)),
		ratelimit.WithAllowlist(cfg.Allowlist...),
		ratelimit.WithLogger(a.Logger),
		ratelimit.WithMetrics(a.Metrics),
	)
	throttle := ratelimit.NewThrottle(cfg.GlobalRPS, cfg.GlobalBurst)
	return ratelimit.NewMiddleware(limiter, throttle, a.Logger, a.Metrics), nil
}

// openAudit always logs events; with Kafka configured it also queues them for
// a background producer so request latency never depends on the broker.
func (a *App) openAudit(ctx context.Context) (audit.Publisher, error) {
	sinks := audit.Multi{audit.NewLogPublisher(a.Logger)}

	client, err := kafka.New(ctx, a.Config.Kafka)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return sinks, nil
	}
	a.Health["kafka"] = client.Ping

	queue := audit.NewAsync(auditQueueSize, audit.WithDropCounter(a.Metrics))
	a.auditQueue = queue
	worker := audit.NewWorker(audit.NewKafkaPublisher(client, a.Config.Kafka.Topic), queue.Inbox(), a.Logger)

	workerCtx, stop := context.WithCancel(context.Background())
	a.stop = stop
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = worker.Run(workerCtx)
	}()
	a.closers = append(a.closers, func() error {
		client.Close()
		return nil
	})
	return append(sinks, queue), nil
}

// Close stops background workers and releases connections.
func (a *App) Close() error {
	if a.stop != nil {
		a.stop()
		a.wg.Wait()
	}
	if a.auditQueue != nil {
		if n := a.auditQueue.Dropped(); n > 0 {
			a.Logger.Warn("audit events dropped while the publish queue was full", "dropped", n)
		}
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
