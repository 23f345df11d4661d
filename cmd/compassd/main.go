package main

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/ai"
	"github.com/lalithlochan/compass/internal/api"
	"github.com/lalithlochan/compass/internal/catalog"
	"github.com/lalithlochan/compass/internal/channel"
	"github.com/lalithlochan/compass/internal/circuitbreaker"
	"github.com/lalithlochan/compass/internal/clock"
	"github.com/lalithlochan/compass/internal/config"
	"github.com/lalithlochan/compass/internal/connectivity"
	"github.com/lalithlochan/compass/internal/notify"
	"github.com/lalithlochan/compass/internal/observ"
	"github.com/lalithlochan/compass/internal/periodic"
	"github.com/lalithlochan/compass/internal/recommend"
	"github.com/lalithlochan/compass/internal/redis"
	"github.com/lalithlochan/compass/internal/remote"
	"github.com/lalithlochan/compass/internal/store"
	"github.com/lalithlochan/compass/internal/syncqueue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting compassd",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("timezone", cfg.Timezone),
	)

	ctx := context.Background()

	// Local store. A failed open is logged and retried lazily by every
	// operation, so the process still serves defaults.
	st := store.New(cfg.DataDir, store.DefaultSchema(), logger)
	if err := st.Init(ctx); err != nil {
		logger.Error("local store unavailable, continuing with defaults", zap.Error(err))
	}
	defer st.Close()

	if err := seedCatalog(ctx, cfg, st, logger); err != nil {
		logger.Warn("catalog seeding failed", zap.Error(err))
	}

	// Redis for sync idempotency, the AI quota and request limits
	var redisClient *redis.Client
	if cfg.RedisEnabled() {
		redisClient, err = redis.New(ctx, redis.Config{
			Addr:     net.JoinHostPort(cfg.RedisHost, strconv.Itoa(cfg.RedisPort)),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, idempotency and limits disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	// Connectivity. Without a probe the backend is assumed reachable.
	monitor := connectivity.NewMonitor(cfg.ProbeURL == "", logger)
	runner := periodic.NewRunner(logger.Named("periodic"))
	if cfg.ProbeURL != "" {
		prober := connectivity.NewProber(cfg.ProbeURL, cfg.ProbeTimeout, monitor, logger)
		runner.Add(prober.Task(cfg.ProbeInterval))
	}

	// Notification scheduler
	channels, err := buildChannels(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create notification channels: %w", err)
	}
	scheduler := notify.New(st, channels, clock.Real{}, notify.Config{
		Location:         cfg.Location,
		ReminderHour:     cfg.ReminderHour,
		DispatchInterval: cfg.DispatchInterval,
		CleanupInterval:  cfg.CleanupInterval,
		Retention:        time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}, logger)
	for _, t := range scheduler.Tasks() {
		runner.Add(t)
	}

	// Recommendation manager
	manager := recommend.NewManager(st, monitor, recommend.Config{Timeout: cfg.AITimeout}, logger)
	if n, err := manager.LoadRules(ctx); err != nil {
		logger.Warn("failed to load rule profiles, using built-in defaults", zap.Error(err))
	} else {
		logger.Info("rule engine ready", zap.Int("stored_profiles", n))
	}
	if cfg.AIEnabled {
		client, err := ai.NewClient(ai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
			Timeout: cfg.AITimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create AI client: %w", err)
		}
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("ai"), logger)
		manager.WithAI(ai.NewAdvisor(client, logger), breaker)
	}

	// Background sync
	queue := syncqueue.New(st, clock.Real{}, syncqueue.Config{
		MaxRetries: cfg.SyncMaxRetries,
	}, logger)
	executor, closeExecutor, err := buildExecutor(ctx, cfg, redisClient, logger)
	if err != nil {
		return fmt.Errorf("failed to create sync executor: %w", err)
	}
	defer closeExecutor()
	drainer := syncqueue.NewDrainer(queue, executor, monitor, logger)
	runner.Add(drainer.RetryTask(cfg.SyncRetryInterval))

	var requestLimiter api.Limiter
	if redisClient != nil {
		scheduler.WithThrottle(redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.TestNotificationLimit,
			Window: time.Hour,
		}))
		if cfg.AIEnabled && cfg.AIDailyQuota > 0 {
			quota := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.AIDailyQuota,
				Window: 24 * time.Hour,
			})
			manager.WithQuota(recommend.NewLimiterQuota(quota, "ai-quota"))
		}
		requestLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: time.Minute,
		})
	}

	logger.Info("services initialized",
		zap.Int("channels", len(channels)),
		zap.Bool("ai_enabled", cfg.AIEnabled),
		zap.Bool("redis_enabled", redisClient != nil),
		zap.Bool("online", monitor.Online()),
	)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	drainerDone := make(chan struct{})
	go func() {
		defer close(drainerDone)
		drainer.Run(bgCtx)
	}()
	if err := runner.Start(bgCtx); err != nil {
		return fmt.Errorf("failed to start background tasks: %w", err)
	}
	defer runner.Stop()
	if monitor.Online() {
		drainer.Trigger()
	}

	handler := api.NewHandler(logger, scheduler, manager, queue, drainer)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, api.RouterConfig{Limiter: requestLimiter}, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		runner.Stop()
		bgCancel()
		<-drainerDone
		logger.Info("server stopped gracefully")
	}

	return nil
}

func seedCatalog(ctx context.Context, cfg *config.Config, st *store.Store, logger *zap.Logger) error {
	var fsys fs.FS = catalog.Defaults()
	if cfg.CatalogSeedDir != "" {
		fsys = os.DirFS(cfg.CatalogSeedDir)
	}
	report, err := catalog.NewSeeder(st, logger).Seed(ctx, fsys)
	if err != nil {
		return err
	}
	logger.Info("catalog seeded", zap.Int("written", report.Total()))
	return nil
}

// buildChannels wires the delivery channels. AWS channels are used in
// production or when an endpoint override is set; otherwise every target logs.
func buildChannels(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]channel.Channel, error) {
	protect := func(ch channel.Channel) channel.Channel {
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(ch.Name()), logger)
		return circuitbreaker.NewProtectedChannel(ch, breaker, logger)
	}

	if !cfg.IsProduction() && cfg.AWSEndpoint == "" {
		chans := []channel.Channel{
			channel.NewLogChannel(channel.TargetEmail, channel.PermissionGranted, logger),
			channel.NewLogChannel(channel.TargetSMS, channel.PermissionGranted, logger),
		}
		if cfg.WebhookURL != "" {
			chans = append(chans, protect(channel.NewWebhookChannel(channel.WebhookConfig{
				URL:     cfg.WebhookURL,
				Timeout: cfg.WebhookTimeout,
			}, logger)))
		} else {
			chans = append(chans, channel.NewLogChannel(channel.TargetPush, channel.PermissionGranted, logger))
		}
		return chans, nil
	}

	var chans []channel.Channel

	sesClient, err := channel.NewSESClient(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
	if err != nil {
		return nil, fmt.Errorf("ses client: %w", err)
	}
	chans = append(chans, protect(channel.NewEmailChannel(sesClient, cfg.SESFromEmail, logger)))

	if cfg.PushEnabled || cfg.SMSEnabled {
		snsClient, err := channel.NewSNSClient(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
		if err != nil {
			return nil, fmt.Errorf("sns client: %w", err)
		}
		if cfg.PushEnabled {
			chans = append(chans, protect(channel.NewPushChannel(snsClient, logger)))
		}
		if cfg.SMSEnabled {
			chans = append(chans, protect(channel.NewSMSChannel(snsClient, logger)))
		}
	}

	if cfg.WebhookURL != "" && !cfg.PushEnabled {
		chans = append(chans, protect(channel.NewWebhookChannel(channel.WebhookConfig{
			URL:     cfg.WebhookURL,
			Timeout: cfg.WebhookTimeout,
		}, logger)))
	}
	return chans, nil
}

// buildExecutor routes sync actions to Postgres and SQS. With neither
// configured actions are logged and completed. The returned func releases
// connections.
func buildExecutor(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (syncqueue.Executor, func(), error) {
	closeFn := func() {}
	router := remote.NewRouter(logger)

	if cfg.PostgresEnabled() {
		pool, err := remote.Connect(ctx, remote.PostgresConfig{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, logger)
		if err != nil {
			return nil, closeFn, fmt.Errorf("connect to database: %w", err)
		}
		closeFn = pool.Close

		sink := remote.NewPostgresSink(pool, logger)
		applied, err := sink.EnsureSchema(ctx)
		if err != nil {
			pool.Close()
			return nil, func() {}, fmt.Errorf("apply remote schema: %w", err)
		}
		logger.Info("remote schema ready", zap.Int("applied", applied))

		router.Handle(remote.TypeQuizAnswers, sink).
			Handle(remote.TypeRecommendation, sink).
			Handle(remote.TypeProfileUpdate, sink)
	}

	if cfg.SQSQueueURL != "" {
		client, err := remote.NewSQSClient(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
		if err != nil {
			closeFn()
			return nil, func() {}, fmt.Errorf("sqs client: %w", err)
		}
		// Postgres owns the known types when configured; SQS takes the rest.
		router.Fallback(remote.NewSQSSink(client, cfg.SQSQueueURL, logger))
	}

	if !cfg.PostgresEnabled() && cfg.SQSQueueURL == "" {
		syncLog := logger.Named("sync.log")
		router.Fallback(syncqueue.ExecutorFunc(func(ctx context.Context, a syncqueue.Action) error {
			syncLog.Info("no remote sink configured, completing action",
				zap.String("action_id", a.ID),
				zap.String("type", a.Type),
			)
			return nil
		}))
	}

	logger.Info("sync executor ready", zap.Strings("routed_types", router.Types()))

	var exec syncqueue.Executor = router
	if redisClient != nil {
		exec = remote.NewIdempotentExecutor(router, redis.NewIdempotencyService(redisClient, logger), logger)
	}
	return exec, closeFn, nil
}
