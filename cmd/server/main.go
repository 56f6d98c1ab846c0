package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apk-analysis/apk-risk-go/internal/analysis"
	"github.com/apk-analysis/apk-risk-go/internal/api"
	"github.com/apk-analysis/apk-risk-go/internal/api/handlers"
	"github.com/apk-analysis/apk-risk-go/internal/config"
	"github.com/apk-analysis/apk-risk-go/internal/features"
	"github.com/apk-analysis/apk-risk-go/internal/middleware"
	"github.com/apk-analysis/apk-risk-go/internal/queue"
	"github.com/apk-analysis/apk-risk-go/internal/repository"
	"github.com/apk-analysis/apk-risk-go/internal/retry"
	"github.com/apk-analysis/apk-risk-go/internal/service"
	"github.com/apk-analysis/apk-risk-go/internal/watcher"
	"github.com/apk-analysis/apk-risk-go/internal/worker"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 打印版本信息
	fmt.Printf("APK Risk Triage Service\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// .env 可选
	_ = godotenv.Load()

	// 2. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting APK Risk Triage Service %s", Version)
	logger.Infof("Config loaded from: %s", *configPath)

	// 4. 初始化数据库
	dbRetry := retry.DefaultConfig(logger)
	dbRetry.MaxAttempts = 5
	db, err := retry.DoWithResult(context.Background(), dbRetry, func(ctx context.Context) (*gorm.DB, error) {
		return repository.InitDB(&cfg.Database, logger)
	})
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")

	// 5. 指标与内存监控
	promMetrics := middleware.NewPrometheusMetrics(logger, "apk_risk", nil)
	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second, 1024)
	memMonitor.OnSample = promMetrics.UpdateMemoryStats
	memMonitor.Start()
	defer memMonitor.Stop()
	logger.Info("Memory monitor started")

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	go reportDBStats(rootCtx, db, promMetrics, logger)

	// 6. 分析器
	var (
		cache     features.Cache
		cacheRepo *repository.FeatureCacheRepository
	)
	if cfg.Analysis.CacheEnabled {
		cacheRepo = repository.NewFeatureCacheRepository(db, logger)
		cache = cacheRepo
	}
	analyzer, releaseModel, err := analysis.NewFromConfig(cfg, cache, logger)
	if err != nil {
		logger.Fatalf("Failed to init analyzer: %v", err)
	}
	defer releaseModel()
	if cacheRepo != nil {
		ttl := time.Duration(cfg.Analysis.CacheTTLHours) * time.Hour
		purgeFeatureCache(rootCtx, cacheRepo, analyzer.ScanVersion(), ttl, logger)
		go runCachePurge(rootCtx, cacheRepo, analyzer.ScanVersion(), ttl, logger)
	}
	logger.WithFields(logrus.Fields{
		"scorer":         analyzer.ScorerName(),
		"cache_enabled":  cfg.Analysis.CacheEnabled,
		"low_threshold":  cfg.Verdict.LowThreshold,
		"high_threshold": cfg.Verdict.HighThreshold,
	}).Info("Analyzer initialized")

	// 7. 服务与实时推送
	hub := handlers.NewLiveHub(logger)
	go hub.Run(rootCtx)

	svc := service.NewAnalysisService(repository.NewAnalysisRepository(db, logger), analyzer, nil, promMetrics, hub, service.Options{
		InboundDir:     cfg.Analysis.InboundDir,
		MaxUploadBytes: int64(cfg.Analysis.MaxUploadMB) << 20,
		Timeout:        time.Duration(cfg.Analysis.TimeoutSeconds) * time.Second,
	}, logger)

	if n, err := svc.RecoverInterrupted(rootCtx); err != nil {
		logger.WithError(err).Warn("Failed to recover interrupted analyses")
	} else if n > 0 {
		logger.Infof("Recovered %d interrupted analyses", n)
	}

	// 8. 执行层：RabbitMQ 或本地 worker 池
	stopExecution := startExecution(rootCtx, cfg, svc, promMetrics, logger)
	defer stopExecution()

	if n, err := svc.RequeuePending(rootCtx); err != nil {
		logger.WithError(err).Warn("Failed to requeue pending analyses")
	} else if n > 0 {
		logger.Infof("Requeued %d pending analyses", n)
	}

	// 9. 目录监控
	if cfg.Watcher.Enabled {
		fileWatcher, err := watcher.NewFileWatcher(cfg.Watcher.Dir, watcher.Options{
			Pattern:      cfg.Watcher.Pattern,
			ScanExisting: true,
		}, createFileHandler(svc, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		defer fileWatcher.Stop()

		if err := fileWatcher.Start(rootCtx); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
		logger.Infof("File watcher started for directory: %s", cfg.Watcher.Dir)
	}

	// 10. HTTP 服务
	router := api.SetupRouter(cfg, logger, api.Deps{
		Service:    svc,
		Hub:        hub,
		MemMonitor: memMonitor,
		Metrics:    promMetrics,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: time.Duration(cfg.Analysis.TimeoutSeconds)*time.Second + time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 11. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	stopExecution()
	rootCancel()

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("Server stopped")
}

// startExecution 启动分析执行层并注入派发器，返回幂等的停止函数
func startExecution(ctx context.Context, cfg *config.Config, svc *service.AnalysisService,
	promMetrics *middleware.PrometheusMetrics, logger *logrus.Logger) func() {
	if !cfg.RabbitMQ.Enabled {
		pool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, func(ctx context.Context, job worker.Job) error {
			return svc.Process(ctx, job.AnalysisID, job.APKPath)
		}, logger)
		pool.OnQueueChange = promMetrics.UpdateWorkerQueueSize
		pool.Start(ctx)
		svc.SetDispatcher(pool)
		logger.Infof("Worker pool started with %d workers", cfg.Worker.Concurrency)
		return pool.Stop
	}

	mq, err := queue.NewRabbitMQ(cfg.RabbitMQ, logger)
	if err != nil {
		logger.Fatalf("Failed to init RabbitMQ: %v", err)
	}
	logger.WithField("prefetch_count", cfg.RabbitMQ.Prefetch).Info("RabbitMQ connected successfully")

	retryCfg := retry.DefaultConfig(logger)
	retryCfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		promMetrics.RecordRetryAttempt("publish")
	}
	producer := queue.NewProducer(mq, logger).WithRetry(retryCfg)
	svc.SetDispatcher(producer)

	consumer := queue.NewConsumer(mq, func(ctx context.Context, msg queue.JobMessage) error {
		return svc.Process(ctx, msg.AnalysisID, msg.APKPath)
	}, cfg.Worker.Concurrency, logger)
	if err := consumer.Start(ctx); err != nil {
		logger.Fatalf("Failed to start consumer: %v", err)
	}
	logger.Infof("Job consumer started with %d workers", cfg.Worker.Concurrency)

	// 队列积压深度
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if depth, err := mq.QueueDepth(); err == nil {
					promMetrics.UpdateWorkerQueueSize(depth)
				}
			}
		}
	}()

	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		consumer.Stop()
		mq.Close()
	}
}

func createFileHandler(svc *service.AnalysisService, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		fileName := filepath.Base(filePath)
		logger.WithFields(logrus.Fields{
			"file_path": filePath,
			"file_name": fileName,
		}).Info("New APK file detected")

		record, dedup, err := svc.Submit(ctx, fileName, filePath, service.SourceWatcher)
		if err != nil {
			return fmt.Errorf("failed to submit analysis: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"analysis_id":  record.ID,
			"file_name":    fileName,
			"deduplicated": dedup,
		}).Info("Watched APK submitted")
		return nil
	}
}

// purgeFeatureCache 删除扫描版本不一致或超过 ttl 的特征缓存
func purgeFeatureCache(ctx context.Context, repo *repository.FeatureCacheRepository, version string, ttl time.Duration, logger *logrus.Logger) {
	var before time.Time
	if ttl > 0 {
		before = time.Now().Add(-ttl)
	}
	n, err := repo.PurgeStale(ctx, version, before)
	if err != nil {
		logger.WithError(err).Warn("Failed to purge feature cache")
		return
	}
	logger.WithFields(logrus.Fields{
		"scan_version": version,
		"ttl":          ttl.String(),
		"purged":       n,
	}).Info("Feature cache purged")
}

func runCachePurge(ctx context.Context, repo *repository.FeatureCacheRepository, version string, ttl time.Duration, logger *logrus.Logger) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purgeFeatureCache(ctx, repo, version, ttl, logger)
		}
	}
}

// reportDBStats 定期导出连接池指标
func reportDBStats(ctx context.Context, db *gorm.DB, promMetrics *middleware.PrometheusMetrics, logger *logrus.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sqlDB, err := db.DB()
			if err != nil {
				logger.WithError(err).Debug("Failed to get sql.DB for stats")
				continue
			}
			stats := sqlDB.Stats()
			promMetrics.UpdateDBStats(stats.OpenConnections, stats.InUse)
		}
	}
}
