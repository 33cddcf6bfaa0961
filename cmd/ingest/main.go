package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"boardmail/backend/internal/config"
	"boardmail/backend/internal/credential"
	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/health"
	"boardmail/backend/internal/logger"
	"boardmail/backend/internal/monitoring"
	"boardmail/backend/internal/poller"
	"boardmail/backend/internal/provider"
	"boardmail/backend/internal/provider/gmail"
	"boardmail/backend/internal/provider/imap"
	"boardmail/backend/internal/service"
	"boardmail/backend/internal/storage"
	"boardmail/backend/internal/storage/filesystem"
	"boardmail/backend/internal/storage/memory"
	"boardmail/backend/internal/storage/postgres"
	redisstore "boardmail/backend/internal/storage/redis"
	httptransport "boardmail/backend/internal/transport/http"
	"boardmail/backend/internal/websocket"
)

// main 启动邮箱轮询与写入引擎，以及运维 HTTP 端口。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log, "boardmail-ingest"))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("starting boardmail ingest",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.Duration("poll_interval", cfg.Poller.Interval),
		zap.Int("workers", cfg.Poller.Workers),
	)

	if err := run(cfg, log); err != nil {
		log.Fatal("ingest exited with error", zap.Error(err))
	}
	log.Info("ingest exited cleanly")
}

func run(cfg *config.Config, log *zap.Logger) error {
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	// 初始化监控系统
	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(store.Health, log)

	alertManager := monitoring.NewAlertManager(3, log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.StoreUnavailableRule(store.Health))

	// 附件对象存储
	objects, err := filesystem.NewStore(cfg.Storage.AttachmentDir)
	if err != nil {
		return fmt.Errorf("failed to initialize attachment storage: %w", err)
	}
	healthChecker.AddReadiness("attachments", objects.Health)
	log.Info("attachment storage initialized", zap.String("path", cfg.Storage.AttachmentDir))

	// 看板事件推送；配置 Redis 时事件经 Redis 频道在实例间转发
	hub := websocket.NewHub(cfg.CORS.AllowedOrigins, store, log.Named("websocket"))
	var (
		events    service.EventPublisher = hub
		lease     poller.Lease
		publisher *redisstore.Publisher
	)
	if cfg.Redis.Address != "" {
		rc, err := redisstore.New(&cfg.Redis, log)
		if err != nil {
			return err
		}
		defer rc.Close()

		lease = redisstore.NewLease(rc)
		publisher = redisstore.NewPublisher(rc)
		events = publisher
		healthChecker.AddReadiness("redis", rc.Ping)
	} else {
		log.Info("redis not configured, using in-process lease and event delivery")
	}

	// 提供商
	guard := provider.GuardOptions{Rate: cfg.Poller.ProviderRate, Burst: cfg.Poller.ProviderBurst}
	gmailClient := gmail.New(gmail.Config{
		ClientID:        cfg.Google.ClientID,
		ClientSecret:    cfg.Google.ClientSecret,
		RedirectURL:     cfg.Google.RedirectURL,
		BatchSize:       cfg.Poller.BatchSize,
		BootstrapWindow: cfg.Poller.BootstrapWindow,
		Guard:           guard,
	}, log.Named("gmail"))
	imapClient := imap.New(imap.Config{
		BatchSize:       cfg.Poller.BatchSize,
		BootstrapWindow: cfg.Poller.BootstrapWindow,
		Guard:           guard,
	}, log.Named("imap"))

	providers := provider.NewRegistry()
	providers.Register(domain.ProviderGmail, gmailClient)
	providers.Register(domain.ProviderIMAP, imapClient)
	providers.RegisterRefresher(domain.ProviderIMAP, gmailClient)

	// 凭证保险库
	cipher, err := credential.NewCipher(cfg.Vault.Secret)
	if err != nil {
		return err
	}
	vault := credential.NewVault(cipher, store, providers, credential.Options{
		RefreshSkew:    cfg.Vault.RefreshSkew,
		RefreshTimeout: cfg.Vault.RefreshTimeout,
	}, log.Named("vault"))
	vault.SetObserver(metrics)

	// 写入路径
	resolver := service.NewThreadResolver(store, cfg.Poller.ResolveRetries, log)
	machine := service.NewCardStateMachine(store, log)
	machine.AddObserver(service.NewReadTracker(store, log))
	machine.AddObserver(metrics)
	writer := service.NewIngestionWriter(store, resolver, machine, events, log)
	writer.SetObserver(metrics)

	mailPoller := poller.New(poller.Dependencies{
		Store:     store,
		Vault:     vault,
		Providers: providers,
		Writer:    writer,
		Objects:   objects,
		Lease:     lease,
		Telemetry: monitoring.NewSink(metrics, alertManager),
		Logger:    log.Named("poller"),
	}, poller.Options{
		Interval:        cfg.Poller.Interval,
		Workers:         cfg.Poller.Workers,
		AccountTimeout:  cfg.Poller.AccountTimeout,
		ProviderTimeout: cfg.Poller.ProviderTimeout,
		WriteTimeout:    cfg.Poller.WriteTimeout,
		LeaseTTL:        cfg.Poller.LeaseTTL,
	})

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:   cfg,
		Metrics:  metrics,
		Health:   healthChecker,
		Alerts:   alertManager,
		Poller:   mailPoller,
		Accounts: store,
		Hub:      hub,
		Logger:   log,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting mailbox poller")
		return mailPoller.Run(groupCtx)
	})

	group.Go(func() error {
		log.Info("starting ops HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})

	if publisher != nil {
		group.Go(func() error {
			return publisher.Relay(groupCtx, hub.Deliver)
		})
	}

	group.Go(func() error {
		alertManager.StartMonitoring(groupCtx, time.Minute)
		return nil
	})

	group.Go(func() error {
		resolver.RunCacheCleanup(groupCtx)
		return nil
	})

	// 定时更新运行时间
	group.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				metrics.UpdateSystemUptime()
			}
		}
	})

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStore 按配置选择存储：未配置数据库时使用内存存储（开发环境）
func openStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type == "" {
		log.Warn("using memory storage (development mode), data is lost on restart")
		return memory.NewStore(), nil
	}

	store, err := postgres.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database storage: %w", err)
	}
	if err := store.Health(); err != nil {
		store.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	log.Info("database storage initialized",
		zap.String("database_type", cfg.Database.Type),
		zap.Bool("auto_migrate", cfg.Database.AutoMigrate),
	)
	return store, nil
}
