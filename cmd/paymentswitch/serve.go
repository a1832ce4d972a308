package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"paymentswitch/internal/app/payments"
	"paymentswitch/internal/config"
	"paymentswitch/internal/connector"
	"paymentswitch/internal/connector/sandbox"
	"paymentswitch/internal/domain"
	"paymentswitch/internal/execution"
	payments_http "paymentswitch/internal/handler/http/payments"
	kafka_handler "paymentswitch/internal/handler/kafka"
	"paymentswitch/internal/infrastructure/database"
	kafka_infra "paymentswitch/internal/infrastructure/kafka"
	"paymentswitch/internal/infrastructure/rabbitmq"
	redis_infra "paymentswitch/internal/infrastructure/redis"
	"paymentswitch/internal/logging"
	"paymentswitch/internal/monitoring"
	"paymentswitch/internal/outbox"
	"paymentswitch/internal/repository"
	"paymentswitch/internal/repository/idempotency_repo"
	idempotency_redis "paymentswitch/internal/repository/idempotency_repo/redis"
	"paymentswitch/internal/repository/memory"
	"paymentswitch/internal/repository/postgres"
	"paymentswitch/internal/routing"
	"paymentswitch/internal/shutdown"
	"paymentswitch/internal/webhooks"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the payment switch HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			logger, err := logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			defer logger.Sync()

			return serve(cmd.Context(), cfg, logger)
		},
	}
}

// adapters lists the connector adapters compiled into the binary.
func adapters() []connector.Adapter {
	return []connector.Adapter{
		sandbox.New(),
		sandbox.New(sandbox.WithName("sandbox_eu")),
	}
}

func serve(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Payment switch starting...", zap.String("version", Version), zap.String("store", cfg.StoreBackend))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background workers outlive the signal: they stop only after the
	// coordinator has drained in-flight payments.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(parent))
	defer cancelWork()

	meterProvider, metricsHandler, err := monitoring.InitMeter(serviceName, logger)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	tracerProvider, _, err := monitoring.InitTracer(serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	var (
		store repository.Store
		db    *sql.DB
	)
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		dbConfig := dbConfigFrom(cfg)
		logger.Info("Waiting for database to be available...")
		db, err = database.ConnectWithRetry(ctx, dbConfig, 10, 5*time.Second, logger)
		if err != nil {
			return err
		}
		if err := database.RunMigrations(cfg.MigrationsPath, dbConfig, logger); err != nil {
			closeQuietly(db, logger)
			return err
		}
		store = postgres.NewStore(db)
	default:
		logger.Warn("Using in-memory store, payments are lost on restart")
		store = memory.NewStore()
	}

	idempotency, redisClient, err := newIdempotency(ctx, cfg, logger)
	if err != nil {
		closeQuietly(db, logger)
		return err
	}

	registry := connector.NewRegistry(connector.NewEnvSecretResolver(), adapters()...)
	loadMerchants := func() ([]domain.MerchantConfig, error) { return config.LoadMerchants(cfg.MerchantConfigPath) }
	merchants, err := loadMerchants()
	if err != nil {
		closeQuietly(db, logger)
		return err
	}
	snap, err := registry.Load(merchants)
	if err != nil {
		closeQuietly(db, logger)
		return err
	}
	logger.Info("Merchant configuration loaded",
		zap.Int("merchants", len(snap.MerchantIDs())),
		zap.Int64("version", snap.Version),
	)

	transitions := execution.NewTransitioner(
		outbox.NewEmitter(cfg.KafkaPaymentEventsTopic),
		logger.With(zap.String("component", "Transitioner")),
	)
	pipeline := execution.NewPipeline(
		store,
		registry,
		routing.NewEngine(registry),
		execution.NewHTTPTransport(),
		transitions,
		execution.Config{ConnectorTimeout: cfg.ConnectorTimeout},
		logger.With(zap.String("component", "Pipeline")),
	)
	reconciler := webhooks.NewReconciler(
		store,
		registry,
		transitions,
		webhooks.Config{MaxAttempts: cfg.WebhookRetryMaxAttempts, RetryDelay: cfg.WebhookRetryDelay},
		logger.With(zap.String("component", "WebhookReconciler")),
	)
	gate := shutdown.NewGate()

	paymentService := payments.NewPaymentService(
		store,
		registry,
		pipeline,
		reconciler,
		transitions,
		gate,
		idempotency,
		loadMerchants,
		logger.With(zap.String("component", "PaymentService")),
	)
	logger.Info("Payment Service initialized.")

	router := payments_http.NewRouter(paymentService, gate, payments_http.Options{
		BodyLimit:      cfg.RequestBodyLimit,
		Metrics:        metricsHandler,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stoppers := []shutdown.Stopper{shutdown.StopFunc(httpServer.Shutdown)}

	publisher, closePublisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		closeQuietly(db, logger)
		return err
	}
	if publisher != nil {
		processor := outbox.NewProcessor(
			store,
			publisher,
			cfg.OutboxPollInterval,
			cfg.OutboxPollTimeout,
			logger.With(zap.String("component", "OutboxProcessor")),
		)
		go processor.Start(workCtx)
	}

	var webhookConsumer kafka_infra.Consumer
	if cfg.KafkaWebhookTopic != "" {
		webhookConsumer = kafka_infra.NewConsumer(
			cfg.GetKafkaBrokers(),
			cfg.KafkaConsumerGroup,
			cfg.KafkaWebhookTopic,
			logger.With(zap.String("component", "WebhookConsumer")),
		)
		handler := kafka_handler.WebhookMessageHandler(
			paymentService,
			logger.With(zap.String("component", "WebhookMessageHandler")),
		)
		go func() {
			if err := webhookConsumer.Start(ctx, handler); err != nil {
				logger.Error("Webhook Kafka consumer failed", zap.Error(err))
			}
		}()
	}

	go reconciler.Run(workCtx)

	stoppers = append(stoppers, shutdown.StopFunc(func(context.Context) error {
		cancelWork()
		var errs []error
		if webhookConsumer != nil {
			errs = append(errs, webhookConsumer.Close())
		}
		if closePublisher != nil {
			errs = append(errs, closePublisher())
		}
		if redisClient != nil {
			errs = append(errs, redisClient.Close())
		}
		if db != nil {
			errs = append(errs, db.Close())
		}
		return errors.Join(errs...)
	}))
	stoppers = append(stoppers,
		shutdown.StopFunc(tracerProvider.Shutdown),
		shutdown.StopFunc(meterProvider.Shutdown),
	)

	coordinator := shutdown.NewCoordinator(gate, shutdown.Config{DrainTimeout: cfg.DrainTimeout}, logger.With(zap.String("component", "ShutdownCoordinator")), stoppers...)

	var notify <-chan struct{}
	if redisClient != nil {
		watchdog := redis_infra.NewWatchdog(redisClient, cfg.Redis.PingInterval, cfg.Redis.FailureThreshold, logger)
		go watchdog.Run(workCtx)
		notify = watchdog.Notify()
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			stop()
		}
	}()

	coordinator.Run(ctx, notify)

	select {
	case err := <-serverErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	default:
	}
	logger.Info("Application gracefully shut down.")
	return nil
}

// newIdempotency connects to Redis for idempotency keys. The in-memory
// store falls back to a process-local map when Redis is unreachable.
func newIdempotency(ctx context.Context, cfg *config.Config, logger *zap.Logger) (idempotency_repo.IdempotencyRepository, *goredis.Client, error) {
	if cfg.Redis.Addr == "" {
		return idempotency_repo.NewMemoryRepository(), nil, nil
	}
	client, err := redis_infra.NewClient(ctx, redis_infra.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		if cfg.StoreBackend == config.StoreBackendMemory {
			logger.Warn("Redis unavailable, idempotency keys are process-local", zap.Error(err))
			return idempotency_repo.NewMemoryRepository(), nil, nil
		}
		return nil, nil, err
	}
	logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))
	return idempotency_redis.NewIdempotencyRepository(client), client, nil
}

// newPublisher returns the broker the outbox drains into, or nil when
// events are disabled.
func newPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (outbox.Publisher, func() error, error) {
	switch cfg.EventsBroker {
	case config.EventsBrokerKafka:
		topics := []string{cfg.KafkaPaymentEventsTopic, cfg.KafkaWebhookTopic}
		topicCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := kafka_infra.EnsureTopics(topicCtx, cfg.GetKafkaBrokers(), topics, logger); err != nil {
			return nil, nil, fmt.Errorf("ensure kafka topics: %w", err)
		}
		producer := kafka_infra.NewProducer(cfg.GetKafkaBrokers(), logger.With(zap.String("component", "KafkaProducer")))
		return producer, producer.Close, nil
	case config.EventsBrokerRabbitMQ:
		publisher, err := rabbitmq.NewPublisher(cfg.RabbitMQURL, logger.With(zap.String("component", "RabbitMQPublisher")))
		if err != nil {
			return nil, nil, err
		}
		return publisher, publisher.Close, nil
	default:
		logger.Info("Status events are not published", zap.String("events_broker", cfg.EventsBroker))
		return nil, nil, nil
	}
}

func closeQuietly(db *sql.DB, logger *zap.Logger) {
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		logger.Error("Error closing database connection", zap.Error(err))
	}
}
