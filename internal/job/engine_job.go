package job

import (
	"context"
	"errors"
	"time"

	"sakaledger/internal/config"
	"sakaledger/internal/infrastructure/lock"
	"sakaledger/internal/model"
	"sakaledger/internal/service"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// 引擎执行锁的过期时间，执行期间由 DistributedLock.Do 自动续期
const engineLockTTL = 2 * time.Minute

// ErrEngineBusy 另一个实例（或另一个手动触发）正在执行同一个引擎
var ErrEngineBusy = lock.ErrLockFailed

// Scheduler 按配置的间隔触发堆肥与再分配，并提供带同一把锁的手动触发入口
type Scheduler struct {
	compost        *service.CompostService
	redistribution *service.RedistributionService
	rdb            *redis.Client
	cfg            config.SakaConfig
	stopCh         chan struct{}
	log            *logrus.Entry
}

func NewScheduler(compost *service.CompostService, redistribution *service.RedistributionService, rdb *redis.Client, cfg config.SakaConfig) *Scheduler {
	return &Scheduler{
		compost:        compost,
		redistribution: redistribution,
		rdb:            rdb,
		cfg:            cfg,
		stopCh:         make(chan struct{}),
		log:            logrus.WithField("component", "scheduler"),
	}
}

// Start 阻塞直到 ctx 取消或 Stop；未启用的引擎不会注册 ticker
func (s *Scheduler) Start(ctx context.Context) {
	var compostC, redistributionC <-chan time.Time
	if s.cfg.Compost.Enabled {
		t := time.NewTicker(s.cfg.Compost.Interval)
		defer t.Stop()
		compostC = t.C
	}
	if s.cfg.Redistribution.Enabled {
		t := time.NewTicker(s.cfg.Redistribution.Interval)
		defer t.Stop()
		redistributionC = t.C
	}
	s.log.WithFields(logrus.Fields{
		"compost_interval":        s.cfg.Compost.Interval,
		"compost_enabled":         s.cfg.Compost.Enabled,
		"redistribution_interval": s.cfg.Redistribution.Interval,
		"redistribution_enabled":  s.cfg.Redistribution.Enabled,
	}).Info("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped by context")
			return
		case <-s.stopCh:
			s.log.Info("scheduler stopped")
			return
		case <-compostC:
			s.tick(ctx, "compost", func(ctx context.Context) error {
				_, err := s.TriggerCompost(ctx, false, model.SourceScheduler)
				return err
			})
		case <-redistributionC:
			s.tick(ctx, "redistribution", func(ctx context.Context) error {
				_, err := s.TriggerRedistribution(ctx, false, model.SourceScheduler)
				return err
			})
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) tick(ctx context.Context, engine string, run func(ctx context.Context) error) {
	err := run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrEngineBusy):
		s.log.WithField("engine", engine).Info("engine already running elsewhere, skip this tick")
	default:
		s.log.WithError(err).WithField("engine", engine).Error("scheduled engine run failed")
	}
}

// TriggerCompost 持有 saka:lock:compost 执行一次堆肥
func (s *Scheduler) TriggerCompost(ctx context.Context, dryRun bool, source string) (*model.CompostLog, error) {
	var runLog *model.CompostLog
	err := lock.NewRunLock(s.rdb, lock.KeyCompost, engineLockTTL).Do(ctx, func(ctx context.Context) error {
		var err error
		runLog, err = s.compost.Run(ctx, service.CompostRequest{DryRun: dryRun, Source: source})
		return err
	})
	return runLog, err
}

// TriggerRedistribution 持有 saka:lock:redistribution 执行一次再分配
func (s *Scheduler) TriggerRedistribution(ctx context.Context, dryRun bool, source string) (*service.RedistributionReport, error) {
	var report *service.RedistributionReport
	err := lock.NewRunLock(s.rdb, lock.KeyRedistribution, engineLockTTL).Do(ctx, func(ctx context.Context) error {
		var err error
		report, err = s.redistribution.Run(ctx, service.RedistributionRequest{DryRun: dryRun, Source: source})
		return err
	})
	return report, err
}
