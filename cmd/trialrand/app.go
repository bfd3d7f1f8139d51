package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"trialrand/internal/platform/config"
	"trialrand/internal/platform/logger"
	platformredis "trialrand/internal/platform/redis"
	"trialrand/internal/randomization/healthcheck"
	"trialrand/internal/randomization/ingest"
	"trialrand/internal/randomization/metrics"
	"trialrand/internal/randomization/models"
	"trialrand/internal/randomization/ports"
	"trialrand/internal/randomization/registry"
	"trialrand/internal/randomization/service"
	"trialrand/internal/randomization/store"
	"trialrand/internal/randomization/store/memory"
	"trialrand/internal/randomization/store/postgres"
	storeredis "trialrand/internal/randomization/store/redis"
	"trialrand/internal/randomization/store/sqlite"
	"trialrand/internal/randomization/store/sqlstore"
	"trialrand/internal/site"
	"trialrand/pkg/platform/audit"
	"trialrand/pkg/platform/audit/publisher"
	auditkafka "trialrand/pkg/platform/audit/store/kafka"
	auditmemory "trialrand/pkg/platform/audit/store/memory"
	"trialrand/pkg/platform/audit/store/sqldb"
	"trialrand/pkg/platform/tracing"
)

// app holds everything a command needs, built from one config file.
type app struct {
	cfg     *config.Config
	loader  *config.Loader
	logger  *slog.Logger
	promReg *prometheus.Registry
	metrics *metrics.Metrics
	tracing *tracing.Provider

	db        *sql.DB
	redis     *platformredis.Client
	s3        *s3.Client
	sites     ports.SiteDirectory
	publisher *publisher.Publisher
	registry  *registry.Registry

	// memory keeps in-memory record stores stable across lookups within
	// one process.
	memory  map[string]*memory.InMemoryStore
	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfgPath string, logOut io.Writer) (*app, error) {
	loader, err := config.NewLoader(cfgPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(logOut, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		loader:  loader,
		logger:  log,
		promReg: prometheus.NewRegistry(),
		memory:  make(map[string]*memory.InMemoryStore),
	}
	if err := a.open(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	var err error

	a.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.promReg)

	a.tracing, err = tracing.NewProvider(ctx, a.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	a.closers = append(a.closers, a.tracing.Shutdown)

	a.redis, err = platformredis.New(ctx, a.cfg.Redis)
	if err != nil {
		return err
	}
	if a.redis != nil {
		a.closers = append(a.closers, func(context.Context) error { return a.redis.Close() })
	}

	if err := a.openDatabase(ctx); err != nil {
		return err
	}
	if err := a.openSites(ctx); err != nil {
		return err
	}
	if err := a.openAudit(ctx); err != nil {
		return err
	}
	if err := a.openS3(ctx); err != nil {
		return err
	}

	regOpts := []registry.Option{registry.WithLogger(a.logger), registry.WithMetrics(a.metrics)}
	if a.publisher != nil {
		regOpts = append(regOpts, registry.WithAuditPublisher(a.publisher))
	}
	a.registry = registry.New(regOpts...)
	return nil
}

func (a *app) openDatabase(ctx context.Context) error {
	var err error
	switch a.cfg.Store.Backend {
	case config.BackendPostgres:
		a.db, err = postgres.Open(ctx, a.cfg.Store.PostgresDriver, a.cfg.Store.PostgresDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return a.db.Close() })
		return postgres.New(a.db, "").Migrate(ctx)
	case config.BackendSQLite:
		a.db, err = sqlite.Open(ctx, a.cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return a.db.Close() })
		return sqlite.New(a.db, "").Migrate(ctx)
	}
	return nil
}

func (a *app) openSites(ctx context.Context) error {
	static := site.Static(a.cfg.StaticSites())
	var dir ports.SiteDirectory = static
	if a.cfg.Sites.Backend == config.BackendRedis {
		remote := site.NewRedis(a.redis, a.cfg.Sites.RedisKey)
		if err := remote.Seed(ctx, static); err != nil {
			return err
		}
		dir = remote
		if a.cfg.Sites.CacheTTL > 0 {
			dir = site.NewCached(remote, a.cfg.Sites.CacheTTL)
		}
	}
	a.sites = dir
	return nil
}

func (a *app) openAudit(ctx context.Context) error {
	var sink audit.Store
	switch a.cfg.Audit.Sink {
	case config.BackendNone:
		return nil
	case config.BackendDatabase:
		rebind := func(q string) string { return q }
		if a.cfg.Store.Backend == config.BackendPostgres {
			rebind = sqlstore.RebindDollar
		}
		db := sqldb.New(a.db, rebind)
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		sink = db
	case config.BackendKafka:
		k := a.cfg.Audit.Kafka
		producer, err := auditkafka.New(ctx, auditkafka.Config{
			Brokers:           k.Brokers,
			Topic:             k.Topic,
			Partitions:        k.Partitions,
			ReplicationFactor: k.ReplicationFactor,
		})
		if err != nil {
			return fmt.Errorf("audit sink: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			producer.Close()
			return nil
		})
		sink = producer
	default:
		sink = auditmemory.NewInMemoryStore()
	}
	opts := []publisher.Option{publisher.WithLogger(a.logger)}
	if a.cfg.Audit.AsyncBuffer > 0 {
		opts = append(opts, publisher.WithAsyncBuffer(a.cfg.Audit.AsyncBuffer))
	}
	a.publisher = publisher.NewPublisher(sink, opts...)
	// Drained before the sink closes.
	a.closers = append(a.closers, func(context.Context) error {
		a.publisher.Close()
		return nil
	})
	return nil
}

func (a *app) openS3(ctx context.Context) error {
	needed := a.cfg.S3.Endpoint != ""
	for _, s := range a.cfg.Schemes {
		if strings.HasPrefix(s.Source, "s3://") {
			needed = true
		}
	}
	if !needed {
		return nil
	}
	client, err := ingest.NewS3Client(ctx, ingest.S3Config{
		Region:          a.cfg.S3.Region,
		Endpoint:        a.cfg.S3.Endpoint,
		AccessKeyID:     a.cfg.S3.AccessKeyID,
		SecretAccessKey: a.cfg.S3.SecretAccessKey,
		PathStyle:       a.cfg.S3.PathStyle,
	})
	if err != nil {
		return fmt.Errorf("s3 client: %w", err)
	}
	a.s3 = client
	return nil
}

// openSource resolves a list location against the configured S3 client.
func (a *app) openSource(location string) (ingest.Source, error) {
	var client ingest.S3API
	if a.s3 != nil {
		client = a.s3
	}
	return ingest.OpenSource(location, client)
}

func (a *app) recordStore(scheme string) ports.RecordStore {
	switch a.cfg.Store.Backend {
	case config.BackendPostgres:
		return postgres.New(a.db, scheme)
	case config.BackendSQLite:
		return sqlite.New(a.db, scheme)
	case config.BackendRedis:
		return storeredis.New(a.redis, scheme)
	}
	if s, ok := a.memory[scheme]; ok {
		return s
	}
	s := memory.New()
	a.memory[scheme] = s
	return s
}

func (a *app) schemeConfig(name string) (config.SchemeConfig, error) {
	for _, s := range a.cfg.Schemes {
		if s.Name == name {
			return s, nil
		}
	}
	return config.SchemeConfig{}, fmt.Errorf("scheme %s is not configured", name)
}

func (a *app) listStore(sc config.SchemeConfig) (*store.ListStore, error) {
	scheme, err := sc.Scheme()
	if err != nil {
		return nil, err
	}
	opts := []store.Option{store.WithLogger(a.logger), store.WithMetrics(a.metrics)}
	if a.publisher != nil {
		opts = append(opts, store.WithAuditPublisher(a.publisher))
	}
	return store.New(scheme, a.recordStore(scheme.Name), a.sites, opts...)
}

// loadList ingests the scheme's source into its store.
func (a *app) loadList(ctx context.Context, sc config.SchemeConfig) (int, error) {
	ls, err := a.listStore(sc)
	if err != nil {
		return 0, err
	}
	src, err := a.openSource(sc.Source)
	if err != nil {
		return 0, err
	}
	rows, err := ingest.Load(ctx, ls, src, a.logger)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// registerAll registers every configured scheme. An empty store is loaded
// from its source first when autoLoad is set. With lenient, strict schemes
// are registered despite findings and get their policy back afterwards, so
// the health check can report them.
func (a *app) registerAll(ctx context.Context, autoLoad, lenient bool) error {
	for _, sc := range a.cfg.Schemes {
		if err := a.register(ctx, sc, autoLoad, lenient); err != nil {
			return fmt.Errorf("scheme %s: %w", sc.Name, err)
		}
	}
	return nil
}

func (a *app) register(ctx context.Context, sc config.SchemeConfig, autoLoad, lenient bool) error {
	policy := sc.Policy()
	if lenient {
		sc.Strict = false
	}
	ls, err := a.listStore(sc)
	if err != nil {
		return err
	}
	existing, err := ls.Records(ctx)
	if err != nil {
		return err
	}

	var source []models.Row
	src, srcErr := a.openSource(sc.Source)
	switch {
	case srcErr != nil:
		a.logger.WarnContext(ctx, "list source unavailable", "scheme", sc.Name, "error", srcErr)
	case len(existing) == 0 && autoLoad:
		source, err = ingest.Load(ctx, ls, src, a.logger)
		if err != nil {
			return err
		}
	default:
		source, _, err = ingest.Read(ctx, src, ls.Scheme().Columns)
		if err != nil {
			a.logger.WarnContext(ctx, "list source unreadable, skipping source comparison",
				"scheme", sc.Name, "error", err)
			source = nil
		}
	}

	_, err = a.registry.Register(ctx, registry.Registration{
		Store:  ls,
		Source: source,
		Options: []service.Option{
			service.WithLogger(a.logger),
			service.WithMetrics(a.metrics),
			service.WithTracer(a.tracing.Tracer()),
		},
	})
	if err != nil {
		return err
	}
	if lenient && policy.Strict {
		return a.registry.UpdatePolicy(sc.Name, policy)
	}
	return nil
}

func (a *app) checker() *healthcheck.Checker {
	return healthcheck.New(a.cfg.Health.SecureDir,
		healthcheck.WithSourceOpener(a.openSource),
		healthcheck.WithLogger(a.logger),
		healthcheck.WithMetrics(a.metrics),
		healthcheck.WithConcurrency(a.cfg.Health.Concurrency),
	)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil && a.logger != nil {
		a.logger.WarnContext(ctx, "shutdown", "error", err)
	}
}
