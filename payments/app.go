package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/timour/course-checkout/common/broker"
	"github.com/timour/course-checkout/common/metrics"
	"github.com/timour/course-checkout/discovery"
	"github.com/timour/course-checkout/discovery/consul"
	"github.com/timour/course-checkout/discovery/inmem"
	"github.com/timour/course-checkout/payments/access"
	"github.com/timour/course-checkout/payments/checkout"
	"github.com/timour/course-checkout/payments/fulfillment"
	"github.com/timour/course-checkout/payments/notify"
	"github.com/timour/course-checkout/payments/processor"
	"github.com/timour/course-checkout/payments/store"
	"github.com/timour/course-checkout/payments/subscription"
	"github.com/timour/course-checkout/payments/webhook"
)

type App struct {
	config   Config
	logger   *slog.Logger
	registry discovery.Registry
	metrics  *prometheus.Registry

	db            *store.PostgresStore
	cache         *store.CatalogCache
	channel       *amqp.Channel
	closeRabbitMQ func() error

	handler  http.Handler
	consumer *notify.Consumer
	server   *http.Server
}

// openStores connects Postgres and, when REDIS_ADDR is set, the catalog
// cache. The returned Store is the cached view when a cache is configured.
func openStores(cfg Config, logger *slog.Logger) (*store.PostgresStore, *store.CatalogCache, store.Store, error) {
	db, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Info("connected to postgres")

	if cfg.RedisAddr == "" {
		return db, nil, db, nil
	}

	cache, err := store.NewCatalogCache(cfg.RedisAddr, cfg.CacheTTL)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	logger.Info("connected to redis", slog.String("addr", cfg.RedisAddr), slog.Duration("ttl", cfg.CacheTTL))
	return db, cache, store.NewCachedStore(db, cache, logger), nil
}

func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	a := &App{config: cfg, logger: logger, metrics: prometheus.NewRegistry()}
	a.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if cfg.ConsulAddr != "" {
		registry, err := consul.NewRegistry(cfg.ConsulAddr, logger)
		if err != nil {
			return nil, err
		}
		a.registry = registry
		logger.Info("consul registry initialized", slog.String("addr", cfg.ConsulAddr))
	} else {
		a.registry = inmem.NewRegistry()
		logger.Info("CONSUL_ADDR not set, using in-memory registry")
	}

	db, cache, catalogView, err := openStores(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.db, a.cache = db, cache

	bm := metrics.NewBusinessMetrics(cfg.ServiceName, a.metrics)
	gateway := processor.NewStripeProcessor(cfg.StripeKey, logger, bm)
	logger.Info("stripe processor initialized")

	var notifier notify.Notifier
	mailer := notify.NewLogMailer(logger)
	if cfg.AMQPHost != "" {
		ch, closeFn, err := broker.Connect(cfg.AMQPUser, cfg.AMQPPass, cfg.AMQPHost, cfg.AMQPPort, logger)
		if err != nil {
			a.closeStores()
			return nil, err
		}
		logger.Info("rabbitmq connected", slog.String("host", cfg.AMQPHost))
		a.channel, a.closeRabbitMQ = ch, closeFn
		notifier = notify.NewPublisher(ch)
		a.consumer = notify.NewConsumer(ch, mailer, logger)
	} else {
		logger.Info("AMQP_HOST not set, sending confirmations directly")
		notifier = notify.NewDirect(mailer)
	}

	a.handler = wire(cfg, db, catalogView, gateway, notifier, logger, a.metrics, bm)
	return a, nil
}

// wire builds the HTTP surface. ledger must be the uncached store: access
// checks, status polling and the bundle read at checkout use committed state.
// catalogView may be cached and serves buyer and course display data.
func wire(cfg Config, ledger store.Store, catalogView store.Store, gateway processor.Gateway, notifier notify.Notifier, logger *slog.Logger, reg *prometheus.Registry, bm *metrics.BusinessMetrics) http.Handler {
	resolver := access.NewResolver(ledger, logger)
	initiator := checkout.NewInitiator(catalogView, ledger, gateway, resolver, checkout.Config{
		BaseURL:  cfg.BaseURL,
		Currency: cfg.Currency,
	}, logger, bm)

	reconciler := fulfillment.NewReconciler(gateway, ledger, catalogView, notifier, logger, bm)
	updater := subscription.NewUpdater(gateway, ledger, logger)
	dispatcher := webhook.NewDispatcher(gateway, reconciler, updater, webhook.Config{
		Secret:  cfg.WebhookSecret,
		Timeout: cfg.WebhookTimeout,
	}, logger, bm)

	telemetry := NewTelemetryMiddleware(initiator, resolver)
	h := NewPaymentHTTPHandler(telemetry, telemetry, ledger, dispatcher, reg, logger)
	return h.Handler(metrics.NewHTTPMetrics(cfg.ServiceName, reg))
}

// Start registers the instance, starts the notification consumer and serves
// HTTP until ctx is cancelled or the server fails.
func (a *App) Start(ctx context.Context) error {
	instanceID := a.config.InstanceID
	if instanceID == "" {
		instanceID = discovery.GenerateInstanceID(a.config.ServiceName)
	}
	if err := a.registry.Register(ctx, instanceID, a.config.ServiceName, a.config.HTTPAddr); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}
	defer func() {
		deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.registry.Deregister(deregCtx, instanceID, a.config.ServiceName); err != nil {
			a.logger.Error("failed to deregister", slog.Any("error", err))
		}
	}()
	go discovery.Heartbeat(ctx, a.registry, instanceID, a.config.ServiceName, discovery.DefaultHeartbeat, a.logger)

	if a.consumer != nil {
		go func() {
			if err := a.consumer.Listen(ctx); err != nil {
				a.logger.Error("notification consumer stopped", slog.Any("error", err))
			}
		}()
	}

	a.server = &http.Server{
		Addr:              a.config.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting http server", slog.String("addr", a.config.HTTPAddr), slog.String("instance_id", instanceID))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down gracefully")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if a.closeRabbitMQ != nil {
		if err := a.closeRabbitMQ(); err != nil {
			errs = append(errs, fmt.Errorf("rabbitmq: %w", err))
		}
	}
	a.closeStores()
	return errors.Join(errs...)
}

func (a *App) closeStores() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("error closing redis", slog.Any("error", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("error closing postgres", slog.Any("error", err))
		}
	}
}
