// Package app assembles the registrar from configuration: store, bus,
// orchestrator, watcher connector, channel workers, diagnostics and the ops
// server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"registrar/internal/channels"
	"registrar/internal/channels/displayname"
	"registrar/internal/channels/kafkarelay"
	"registrar/internal/comms"
	commsmetrics "registrar/internal/comms/metrics"
	"registrar/internal/connector"
	connectormetrics "registrar/internal/connector/metrics"
	"registrar/internal/diagnostics"
	"registrar/internal/ops"
	"registrar/internal/platform/config"
	"registrar/internal/platform/httpserver"
	platformmetrics "registrar/internal/platform/metrics"
	"registrar/internal/platform/postgres"
	"registrar/internal/platform/redis"
	verificationmetrics "registrar/internal/verification/metrics"
	"registrar/internal/verification/models"
	"registrar/internal/verification/service"
	"registrar/internal/verification/store"
	"registrar/pkg/domain"
	"registrar/pkg/platform/circuit"
	"registrar/pkg/platform/retry"
)

// checkPolicy bounds display-name lookups against the store.
var checkPolicy = retry.Policy{Attempts: 3, Interval: 200 * time.Millisecond}

// App is a fully wired registrar. Setup builds it, Run drives it.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	reg    *prometheus.Registry

	bus          *comms.Bus
	repo         *store.Repository
	orchestrator *service.Service
	connector    *connector.Connector
	connectorEP  *comms.Handle
	emitter      *diagnostics.Emitter
	workers      []*channels.Worker
	feeder       *comms.Handle
	server       *http.Server

	closers []func() error
}

type options struct {
	store    store.Store
	dialer   connector.Dialer
	registry *prometheus.Registry
	tokens   models.TokenGenerator
}

// Option overrides a dependency Setup would otherwise build from config.
type Option func(*options)

// WithStore uses kv instead of the configured driver.
func WithStore(kv store.Store) Option {
	return func(o *options) {
		o.store = kv
	}
}

// WithDialer replaces the websocket dialer for the watcher session.
func WithDialer(d connector.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithRegistry collects metrics into reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithTokenGenerator replaces the random challenge token source.
func WithTokenGenerator(gen models.TokenGenerator) Option {
	return func(o *options) {
		o.tokens = gen
	}
}

// Setup initialises the store, restores the orchestrator, registers every bus
// endpoint and opens the watcher session. A watcher that stays unreachable
// yields an error for which retry.IsFatal reports true.
func Setup(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = platformmetrics.NewRegistry()
	}

	a := &App{cfg: cfg, logger: logger, reg: o.registry}
	if err := a.setup(ctx, o); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) setup(ctx context.Context, o options) error {
	kv := o.store
	if kv == nil {
		var err error
		if kv, err = a.openStore(ctx); err != nil {
			return err
		}
	}
	a.repo = store.NewRepository(kv)

	a.bus = comms.New(
		comms.WithQueueSize(a.cfg.Bus.QueueSize),
		comms.WithLogger(a.logger),
		comms.WithMetrics(commsmetrics.New(a.reg)),
	)
	a.closers = append(a.closers, func() error {
		a.bus.Close()
		return nil
	})

	svcOpts := []service.Option{
		service.WithLogger(a.logger),
		service.WithMetrics(verificationmetrics.New(a.reg)),
		service.WithConfig(service.Config{
			MaxAttempts:   a.cfg.Verification.MaxAttempts,
			MaxAge:        a.cfg.Verification.MaxAge,
			SweepInterval: a.cfg.Verification.SweepInterval,
			PersistRetry: retry.Policy{
				Attempts: a.cfg.Verification.PersistAttempts,
				Interval: a.cfg.Verification.PersistInterval,
			},
		}),
		service.WithBreaker(circuit.New("store")),
	}
	if o.tokens != nil {
		svcOpts = append(svcOpts, service.WithTokenGenerator(o.tokens))
	}
	orchestrator, err := service.New(ctx, a.repo, a.bus.Hub(), svcOpts...)
	if err != nil {
		return fmt.Errorf("restore orchestrator: %w", err)
	}
	a.orchestrator = orchestrator

	if err := a.registerEndpoints(ctx); err != nil {
		return err
	}

	if a.cfg.Watcher.Enabled {
		dialer := o.dialer
		if dialer == nil {
			dialer = connector.NewWebsocketDialer(a.cfg.Watcher.URL, a.cfg.Watcher.AuthSecret)
		}
		a.connector = connector.New(a.connectorEP, dialer,
			connector.WithLogger(a.logger),
			connector.WithMetrics(connectormetrics.New(a.reg)),
			connector.WithQueueSize(a.cfg.Watcher.QueueSize),
			connector.WithPolicy(retry.Policy{
				Attempts: a.cfg.Watcher.ConnectAttempts,
				Interval: a.cfg.Watcher.RetryInterval,
				Fatal:    true,
			}),
		)
		if err := a.connector.Connect(ctx); err != nil {
			return err
		}
	}

	if a.cfg.Ops.Addr != "" {
		handler := ops.New(a.orchestrator, a.repo, a.emitter,
			ops.WithLogger(a.logger),
			ops.WithFeeder(a.feeder),
			ops.WithObserver(ops.NewMetrics(a.reg)),
			ops.WithMetricsHandler(promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg})),
		)
		a.server = httpserver.New(a.cfg.Ops.Addr, handler.Router())
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.Store.Driver {
	case config.DriverRedis:
		client, err := redis.New(ctx, a.cfg.Store.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeRedis(client))
		return store.NewRedisStore(client, store.WithNamespace(a.cfg.Store.Namespace)), nil
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeDB(db))
		pg := store.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate store: %w", err)
		}
		return pg, nil
	default:
		a.logger.Warn("using in-memory store, state will not survive a restart")
		return store.NewInMemoryStore(), nil
	}
}

func (a *App) registerEndpoints(ctx context.Context) error {
	var err error
	if a.connectorEP, err = a.bus.Register(domain.ReservedConnector); err != nil {
		return err
	}
	if a.feeder, err = a.bus.Register(domain.ReservedFeeder); err != nil {
		return err
	}
	emitterEP, err := a.bus.Register(domain.ReservedEmitter)
	if err != nil {
		return err
	}
	a.emitter = diagnostics.NewEmitter(emitterEP, a.cfg.Ops.DiagnosticsKeep, a.logger)

	workerOpts := []channels.Option{
		channels.WithLogger(a.logger),
		channels.WithRestartInterval(a.cfg.Channels.RestartInterval),
		channels.WithQueueSize(a.cfg.Channels.QueueSize),
	}

	if a.cfg.DisplayName.Enabled {
		ep, err := a.bus.Register(domain.AccountDisplayName)
		if err != nil {
			return err
		}
		checker := displayname.NewChecker(a.repo,
			displayname.WithThreshold(a.cfg.DisplayName.Threshold),
			displayname.WithViolationsCap(a.cfg.DisplayName.ViolationsCap),
		)
		transport := displayname.NewTransport(checker, checkPolicy, a.logger)
		a.workers = append(a.workers, channels.NewWorker(ep, transport, workerOpts...))
	}

	relayed := map[domain.AccountType]bool{
		domain.AccountChat:   a.cfg.Channels.Chat,
		domain.AccountEmail:  a.cfg.Channels.Email,
		domain.AccountSocial: a.cfg.Channels.Social,
	}
	for _, account := range domain.ChannelAccounts {
		if !relayed[account] {
			continue
		}
		relay, err := kafkarelay.New(a.cfg.Channels.Brokers, a.cfg.Channels.TopicPrefix, account,
			kafkarelay.WithLogger(a.logger),
			kafkarelay.WithProduceTimeout(a.cfg.Channels.ProduceTimeout))
		if err != nil {
			return fmt.Errorf("relay %s: %w", account, err)
		}
		a.closers = append(a.closers, func() error {
			relay.Close()
			return nil
		})
		a.ensureTopics(ctx, account, relay)
		ep, err := a.bus.Register(account)
		if err != nil {
			return err
		}
		a.workers = append(a.workers, channels.NewWorker(ep, relay, workerOpts...))
	}
	return nil
}

// ensureTopics logs and continues when the cluster cannot be reached.
func (a *App) ensureTopics(ctx context.Context, account domain.AccountType, relay *kafkarelay.Relay) {
	timeout := a.cfg.Channels.SetupTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := relay.EnsureTopics(ctx); err != nil {
		a.logger.Warn("relay topics not ensured, continuing",
			"channel", account, "brokers", a.cfg.Channels.Brokers, "error", err)
	}
}

// Feeder returns the endpoint used to inject claims without a watcher.
func (a *App) Feeder() *comms.Handle {
	return a.feeder
}

// Orchestrator returns the verification service.
func (a *App) Orchestrator() *service.Service {
	return a.orchestrator
}

// Repository returns the identity repository.
func (a *App) Repository() *store.Repository {
	return a.repo
}

// Diagnostics returns the diagnostics emitter.
func (a *App) Diagnostics() *diagnostics.Emitter {
	return a.emitter
}

// Run drives every component until ctx is done or one of them fails. A
// cancelled ctx is a clean shutdown and returns nil.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.orchestrator.Run(gctx) })
	g.Go(func() error { return a.emitter.Run(gctx) })
	if a.connector != nil {
		g.Go(func() error { return a.connector.Run(gctx) })
	} else {
		g.Go(func() error { return connector.Sink(gctx, a.connectorEP, a.logger) })
	}
	for _, w := range a.workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	if a.server != nil {
		g.Go(func() error { return httpserver.Serve(gctx, a.server) })
	}

	a.logger.Info("registrar running",
		"watcher", a.cfg.Watcher.Enabled,
		"workers", len(a.workers),
		"ops_addr", a.cfg.Ops.Addr,
	)
	err := g.Wait()
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, comms.ErrClosed)) {
		return nil
	}
	return err
}

// Close releases the bus, relay clients and store connections in reverse
// order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func closeRedis(client *goredis.Client) func() error {
	return func() error { return client.Close() }
}

func closeDB(db *sql.DB) func() error {
	return func() error { return db.Close() }
}
