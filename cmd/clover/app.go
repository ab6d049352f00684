package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/handlers"
	"github.com/Ramsey-B/clover/pkg/ai"
	"github.com/Ramsey-B/clover/pkg/auth"
	"github.com/Ramsey-B/clover/pkg/crm"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/fetch"
	"github.com/Ramsey-B/clover/pkg/health"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/queue"
	"github.com/Ramsey-B/clover/pkg/ratelimit"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/scheduler"
	"github.com/Ramsey-B/clover/pkg/startup"
	"github.com/Ramsey-B/clover/pkg/syncer"
	"github.com/Ramsey-B/clover/pkg/webhook"
	"github.com/Ramsey-B/clover/pkg/workflow"
)

const (
	depDatabase  = "database"
	depRedis     = "redis"
	depKafka     = "kafka"
	depServices  = "services"
	depWorkers   = "workers"
	depScheduler = "scheduler"
	depHTTP      = "http"
)

type app struct {
	cfg    *config.Config
	logger ectologger.Logger

	sqlDB     *sqlx.DB
	redis     *redis.Client
	producer  *kafka.Producer
	processor *queue.Processor
	scheduler *scheduler.Scheduler
	health    *health.Checker
	server    *echo.Echo
	serverErr chan error
}

// register adds every dependency to the startup graph.
func (a *app) register(s *startup.Startup) {
	a.serverErr = make(chan error, 1)
	a.health = health.NewChecker(version)

	s.AddDependency(&startup.Func{
		Name:    depDatabase,
		StartFn: a.startDatabase,
		StopFn: func(context.Context) error {
			return a.sqlDB.Close()
		},
	})
	s.AddDependency(&startup.Func{
		Name: depRedis,
		StartFn: func(ctx context.Context) error {
			client, err := redis.NewClient(ctx, redis.Config{
				Host:     a.cfg.RedisHost,
				Port:     a.cfg.RedisPort,
				Password: a.cfg.RedisPassword,
				DB:       a.cfg.RedisDB,
			}, a.logger)
			if err != nil {
				return err
			}
			a.redis = client
			return nil
		},
		StopFn: func(context.Context) error {
			return a.redis.Close()
		},
	})
	s.AddDependency(&startup.Func{
		Name: depKafka,
		StartFn: func(context.Context) error {
			a.producer = kafka.NewProducer(kafka.ParseConfig(a.cfg.KafkaBrokers, a.cfg.KafkaWorkflowTopic, a.cfg.KafkaNotificationTopic), a.logger)
			return nil
		},
		StopFn: func(context.Context) error {
			return a.producer.Close()
		},
	})
	s.AddDependency(&startup.Func{
		Name:     depServices,
		Requires: []string{depDatabase, depRedis, depKafka},
		StartFn:  a.wire,
	})
	s.AddDependency(&startup.Func{
		Name:     depWorkers,
		Requires: []string{depServices},
		StartFn: func(ctx context.Context) error {
			return a.processor.Start(ctx)
		},
		StopFn: func(ctx context.Context) error {
			return a.processor.Stop(ctx)
		},
	})
	s.AddDependency(&startup.Func{
		Name:     depScheduler,
		Requires: []string{depServices},
		StartFn: func(ctx context.Context) error {
			if !a.cfg.SchedulerEnabled {
				a.logger.Info("hydration scheduler disabled")
				return nil
			}
			return a.scheduler.Start(ctx)
		},
		StopFn: func(ctx context.Context) error {
			if !a.scheduler.IsRunning() {
				return nil
			}
			return a.scheduler.Stop(ctx)
		},
	})
	s.AddDependency(&startup.Func{
		Name:     depHTTP,
		Requires: []string{depServices, depWorkers},
		StartFn: func(context.Context) error {
			go func() {
				if err := a.server.StartServer(a.httpServer()); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.serverErr <- err
				}
			}()
			return nil
		},
		StopFn: func(ctx context.Context) error {
			return a.server.Shutdown(ctx)
		},
	})
}

func (a *app) startDatabase(ctx context.Context) error {
	db, err := database.Connect(ctx, database.ConnectionConfig{
		Host:            a.cfg.DatabaseHost,
		Port:            a.cfg.DatabasePort,
		User:            a.cfg.DatabaseUserName,
		Password:        a.cfg.DatabasePassword,
		Name:            a.cfg.DatabaseName,
		SSLMode:         a.cfg.DatabaseSSLMode,
		MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
	})
	if err != nil {
		return err
	}

	migrations := database.NewMigrationService(a.logger, database.MigrationConfig{
		FolderPath:   a.cfg.DatabaseMigrationFolderPath,
		Version:      a.cfg.DatabaseMigrationVersion,
		Force:        a.cfg.DatabaseMigrationForce,
		AutoRollback: a.cfg.DatabaseMigrationAutoRollback,
	})
	if err := migrations.Migrate(db.DB, a.cfg.DatabaseName); err != nil {
		_ = db.Close()
		return err
	}

	a.sqlDB = db
	return nil
}

// wire builds the domain services over the started infrastructure.
func (a *app) wire(context.Context) error {
	cfg, logger := a.cfg, a.logger
	db := database.NewDatabaseInstance(a.sqlDB, logger)

	apps := repositories.NewApplicationRepository(db, logger)
	locations := repositories.NewLocationRepository(db, logger)
	triggers := repositories.NewTriggerRepository(db, logger)
	contacts := repositories.NewContactRepository(db, logger)
	stores := syncer.Stores{
		Contacts:           contacts,
		Conversations:      repositories.NewConversationRepository(db, logger),
		Messages:           repositories.NewMessageRepository(db, logger),
		Opportunities:      repositories.NewOpportunityRepository(db, logger),
		Tasks:              repositories.NewTaskRepository(db, logger),
		TranscriptSegments: repositories.NewTranscriptSegmentRepository(db, logger),
	}

	streams := redis.NewStreams(a.redis)
	dlq := redis.NewDeadLetterQueue(a.redis, cfg.RedisStreamsJobQueue+":dlq", logger)
	jobs := queue.NewPublisher(streams, cfg.RedisStreamsJobQueue)
	locker := redis.NewLocker(a.redis, "clover:lock:")

	httpClient := httpclient.NewClient(httpclient.Config{Timeout: cfg.CRMRequestTimeout}, logger)
	crmClient := crm.NewClient(httpClient, crm.Config{
		BaseURL:          cfg.CRMBaseURL,
		TokenURL:         cfg.CRMTokenURL,
		LocationTokenURL: cfg.CRMLocationTokenURL,
		APIVersion:       cfg.CRMAPIVersion,
	}, logger)
	pager := fetch.NewPager(httpClient, fetch.Config{
		PageDelay: cfg.FetchPageDelay,
		RateLimit: ratelimit.Policy{
			MaxRetries:        cfg.FetchMaxRateLimitRetries,
			MaxWait:           cfg.FetchMaxRateLimitWait,
			DefaultRetryAfter: cfg.FetchDefaultRetryAfter,
		},
	}, logger, fetch.WithBlocker(redis.NewBlocker(a.redis, "clover:ratelimit:")))

	tokens := auth.NewManager(apps, locations, crmClient, logger,
		auth.WithCache(a.redis),
		auth.WithLocker(locker),
		auth.WithCacheSkew(cfg.LocationTokenCacheSkew),
	)

	orchestrator := syncer.NewOrchestrator(stores, crmClient, pager, jobs, syncer.Config{
		PageSize:           cfg.FetchPageSize,
		MaxPages:           cfg.FetchMaxPages,
		HydrationBatchSize: cfg.HydrationBatchSize,
		OpportunitiesAsync: cfg.SyncOpportunitiesAsync,
	}, logger)

	llmClient := httpclient.NewClient(httpclient.Config{Timeout: cfg.LLMTimeout}, logger)
	pipeline, err := ai.NewPipeline(orchestrator, ai.NewLLMClient(llmClient, ai.LLMConfig{
		URL:         cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
	}, logger), repositories.NewUsageLogRepository(db, logger), repositories.NewCallSummaryRepository(db, logger), ai.Config{
		MinDuration:     time.Duration(cfg.WebhookMinCallDuration) * time.Second,
		InputCostPer1K:  cfg.LLMInputCostPer1K,
		OutputCostPer1K: cfg.LLMOutputCostPer1K,
	}, logger)
	if err != nil {
		return fmt.Errorf("build summary pipeline: %w", err)
	}

	registry := workflow.NewRegistry()
	actions := &workflow.Actions{
		Summarizer: pipeline,
		CRM:        crmClient,
		Contacts:   contacts,
		Refresher:  orchestrator,
		Notifier:   a.producer,
		Config: workflow.ActionConfig{
			SummaryMinDuration:  cfg.CallSummaryMinDuration,
			FollowUpMinDuration: cfg.FollowUpTaskMinDuration,
		},
		Logger: logger,
	}
	actions.RegisterDefaults(registry)
	engine := workflow.NewEngine(triggers, registry, logger,
		workflow.WithForwarder(workflow.NewForwarder(httpClient, cfg.WorkflowForwardTimeout, logger)),
		workflow.WithEvents(a.producer),
	)

	calls := webhook.NewCallProcessor(locations, triggers, tokens, orchestrator, engine, logger,
		webhook.WithMinCallDuration(cfg.WebhookMinCallDuration),
		webhook.WithProcessingDelay(cfg.WebhookProcessingDelay),
	)

	consumer := cfg.RedisStreamsConsumerName
	if consumer == "" {
		consumer, _ = os.Hostname()
	}
	processorCfg := queue.DefaultProcessorConfig()
	processorCfg.Stream = cfg.RedisStreamsJobQueue
	processorCfg.ConsumerGroup = cfg.RedisStreamsConsumerGroup
	processorCfg.ConsumerName = consumer
	processorCfg.WorkerCount = cfg.WorkerCount
	processorCfg.MaxRetries = cfg.WorkerMaxRetries
	a.processor = queue.NewProcessor(streams, dlq, processorCfg, logger)
	syncer.NewJobs(orchestrator, tokens, logger).Register(a.processor)

	a.scheduler = scheduler.NewScheduler(locations, locker, jobs, scheduler.Config{
		PollInterval: cfg.SchedulerPollInterval,
		BatchSize:    cfg.HydrationBatchSize,
	}, logger)

	a.health = health.NewChecker(version,
		health.Check{Name: "database", Ping: a.sqlDB.PingContext},
		health.Check{Name: "redis", Ping: a.redis.Ping},
		health.Check{Name: "kafka", Ping: a.producer.Ping, Optional: true},
	)

	verifier, err := a.verifier(context.Background())
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))

	a.health.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// webhooks are authenticated by the CRM, not by our identity provider
	v1 := e.Group("/api/v1")
	handlers.NewWebhookHandler(calls, webhook.NewTriggerRegistrar(triggers, logger), webhook.NewInstaller(locations, apps, tokens, cfg.CRMClientID, logger)).RegisterRoutes(v1)

	admin := e.Group("/api/v1")
	if verifier != nil {
		admin.Use(middleware.Authentication(logger, verifier))
	}
	handlers.NewSyncHandler(orchestrator, tokens, jobs, logger).RegisterRoutes(admin)
	handlers.NewApplicationHandler(apps, tokens).RegisterRoutes(admin)
	handlers.NewDLQHandler(dlq, streams, cfg.RedisStreamsJobQueue, logger).RegisterRoutes(admin)

	a.server = e
	return nil
}

func (a *app) verifier(ctx context.Context) (middleware.TokenVerifier, error) {
	if !a.cfg.AuthEnabled {
		a.logger.Warn("admin API authentication is disabled")
		return nil, nil
	}
	return middleware.NewOIDCVerifier(ctx, a.cfg.AuthIssuerURL, a.cfg.AuthClientID)
}

func (a *app) httpServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		ReadTimeout:       time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}
}
