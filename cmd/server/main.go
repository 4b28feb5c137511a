package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sakaledger/internal/alert"
	"sakaledger/internal/config"
	"sakaledger/internal/guard"
	"sakaledger/internal/handler"
	"sakaledger/internal/infrastructure/cache"
	"sakaledger/internal/infrastructure/database"
	"sakaledger/internal/infrastructure/mq"
	"sakaledger/internal/job"
	"sakaledger/internal/repository"
	"sakaledger/internal/service"
	"sakaledger/pkg/idgen"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logrus.WithError(err).Fatal("服务异常退出")
	}
}

func run(configPath string) error {
	// .env 可选，用于本地覆盖 SAKA_ 前缀的配置
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("加载 .env 失败")
	}

	// 配置非法直接退出，不做任何修正
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return err
	}

	mutationGuard := guard.New()
	db, err := database.InitMySQL(&cfg.MySQL, mutationGuard)
	if err != nil {
		return err
	}

	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	producer, err := mq.NewSyncProducer(&cfg.Kafka)
	if err != nil {
		return err
	}
	publisher := mq.NewPublisher(producer)
	defer publisher.Close()

	// 完整性监控：guard -> monitor -> 去重 -> 发件箱 -> Kafka
	alertSink := alert.NewDeduplicatingSink(
		alert.NewOutboxSink(repository.NewOutboxRepository(db), cfg.Kafka.Topic.IntegrityAlert),
		alert.NewRedisDeduper(redisClient, cfg.Saka.Integrity.AlertDedupeWindow),
	)
	monitor := service.NewIntegrityMonitor(db, alertSink, cfg.Saka.Integrity)
	mutationGuard.Subscribe(monitor)

	ledgerService := service.NewLedgerService(db, mutationGuard, cfg)
	compostService := service.NewCompostService(db, mutationGuard, cfg)
	redistributionService := service.NewRedistributionService(db, mutationGuard, cfg)
	metricsService := service.NewMetricsService(db, redisClient)

	scheduler := job.NewScheduler(compostService, redistributionService, redisClient, cfg.Saka)
	outboxSender := job.NewOutboxSender(db, publisher, cfg.Kafka.MaxRetryCount)

	router := handler.SetupRouter(handler.NewHandler(handler.Deps{
		Ledger:    ledgerService,
		Metrics:   metricsService,
		Monitor:   monitor,
		Scheduler: scheduler,
	}), cfg.Server.AdminToken)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		outboxSender.Start(gctx)
		return nil
	})
	g.Go(func() error {
		scheduler.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logrus.WithField("port", cfg.Server.Port).Info("服务启动")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 服务异常: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("正在关闭服务...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logrus.Info("服务已关闭")
	return nil
}

func setupLogging(cfg config.LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if strings.EqualFold(cfg.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
