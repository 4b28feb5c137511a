package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sakaledger/internal/infrastructure/cache"
	"sakaledger/internal/model"
	"sakaledger/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MetricsService 只读聚合，不做任何写入（创建周期除外）
type MetricsService struct {
	walletRepo      *repository.WalletRepository
	transactionRepo *repository.TransactionRepository
	compostLogRepo  *repository.CompostLogRepository
	siloRepo        *repository.SiloRepository
	cycleRepo       *repository.CycleRepository

	rdb      *redis.Client // 可为 nil
	cacheTTL time.Duration

	now func() time.Time
	log *logrus.Entry
}

const (
	globalTotalsCacheKey = "saka:metrics:global"
	MaxMetricsDays       = 3650
	recentRunsLimit      = 20
)

func NewMetricsService(db *gorm.DB, rdb *redis.Client) *MetricsService {
	return &MetricsService{
		walletRepo:      repository.NewWalletRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		compostLogRepo:  repository.NewCompostLogRepository(db),
		siloRepo:        repository.NewSiloRepository(db),
		cycleRepo:       repository.NewCycleRepository(db),
		rdb:             rdb,
		cacheTTL:        60 * time.Second,
		now:             func() time.Time { return time.Now().UTC() },
		log:             logrus.WithField("component", "metrics_service"),
	}
}

func (s *MetricsService) window(days int) (time.Time, time.Time, error) {
	if days < 1 || days > MaxMetricsDays {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: days must be in [1,%d], got %d", ErrInvalidWindow, MaxMetricsDays, days)
	}
	now := s.now()
	// until 向后留一秒，包含当前这一秒内写入的流水
	return now.Add(-time.Duration(days) * 24 * time.Hour), now.Add(time.Second), nil
}

type CompostMetrics struct {
	Days            int                 `json:"days"`
	Since           time.Time           `json:"since"`
	Runs            int64               `json:"runs"`
	WalletsAffected int64               `json:"wallets_affected"`
	TotalComposted  int64               `json:"total_composted"`
	Transactions    int64               `json:"transactions"`
	UsersComposted  int64               `json:"users_composted"`
	RecentRuns      []*model.CompostLog `json:"recent_runs"`
}

func (s *MetricsService) CompostMetrics(ctx context.Context, days int) (*CompostMetrics, error) {
	since, until, err := s.window(days)
	if err != nil {
		return nil, err
	}
	stats, err := s.compostLogRepo.StatsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	byType, err := s.transactionRepo.AggregateByType(ctx, since, until)
	if err != nil {
		return nil, err
	}
	recent, err := s.compostLogRepo.ListSince(ctx, since, recentRunsLimit)
	if err != nil {
		return nil, err
	}
	compost := byType[model.TransactionTypeCompost]
	return &CompostMetrics{
		Days:            days,
		Since:           since,
		Runs:            stats.Runs,
		WalletsAffected: stats.WalletsAffected,
		TotalComposted:  stats.TotalComposted,
		Transactions:    compost.Count,
		UsersComposted:  compost.Users,
		RecentRuns:      recent,
	}, nil
}

type RedistributionMetrics struct {
	Days               int       `json:"days"`
	Since              time.Time `json:"since"`
	Transactions       int64     `json:"transactions"`
	TotalRedistributed int64     `json:"total_redistributed"`
	UsersCredited      int64     `json:"users_credited"`
	SiloBalance        int64     `json:"silo_balance"`
	TotalCycles        int64     `json:"total_cycles"`
}

func (s *MetricsService) RedistributionMetrics(ctx context.Context, days int) (*RedistributionMetrics, error) {
	since, until, err := s.window(days)
	if err != nil {
		return nil, err
	}
	byType, err := s.transactionRepo.AggregateByType(ctx, since, until)
	if err != nil {
		return nil, err
	}
	silo, err := s.siloRepo.Get(ctx)
	if err != nil {
		return nil, err
	}
	agg := byType[model.TransactionTypeRedistribution]
	return &RedistributionMetrics{
		Days:               days,
		Since:              since,
		Transactions:       agg.Count,
		TotalRedistributed: agg.Amount,
		UsersCredited:      agg.Users,
		SiloBalance:        silo.TotalBalance,
		TotalCycles:        silo.TotalCycles,
	}, nil
}

// GlobalTotals 全局汇总；流通量 = 钱包余额之和 + Silo 余额
type GlobalTotals struct {
	Wallets            int64     `json:"wallets"`
	CirculatingBalance int64     `json:"circulating_balance"`
	TotalHarvested     int64     `json:"total_harvested"`
	TotalPlanted       int64     `json:"total_planted"`
	TotalComposted     int64     `json:"total_composted"`
	SiloBalance        int64     `json:"silo_balance"`
	SiloTotalComposted int64     `json:"silo_total_composted"`
	SiloTotalCycles    int64     `json:"silo_total_cycles"`
	TotalSupply        int64     `json:"total_supply"`
	GeneratedAt        time.Time `json:"generated_at"`
}

// GlobalTotals 结果缓存 60 秒，Redis 不可用时直接查库
func (s *MetricsService) GlobalTotals(ctx context.Context) (*GlobalTotals, error) {
	if s.rdb != nil {
		var cached GlobalTotals
		hit, err := cache.GetJSON(ctx, s.rdb, globalTotalsCacheKey, &cached)
		if err != nil {
			s.log.WithError(err).Warn("global totals cache read failed")
		} else if hit {
			return &cached, nil
		}
	}

	wallets, err := s.walletRepo.Totals(ctx)
	if err != nil {
		return nil, err
	}
	silo, err := s.siloRepo.Get(ctx)
	if err != nil {
		return nil, err
	}
	totals := &GlobalTotals{
		Wallets:            wallets.Wallets,
		CirculatingBalance: wallets.Balance,
		TotalHarvested:     wallets.TotalHarvested,
		TotalPlanted:       wallets.TotalPlanted,
		TotalComposted:     wallets.TotalComposted,
		SiloBalance:        silo.TotalBalance,
		SiloTotalComposted: silo.TotalComposted,
		SiloTotalCycles:    silo.TotalCycles,
		TotalSupply:        wallets.Balance + silo.TotalBalance,
		GeneratedAt:        s.now(),
	}

	if s.rdb != nil {
		if err := cache.SetJSON(ctx, s.rdb, globalTotalsCacheKey, totals, s.cacheTTL); err != nil {
			s.log.WithError(err).Warn("global totals cache write failed")
		}
	}
	return totals, nil
}

// ============================================================================
// 周期
// ============================================================================

type CycleStats struct {
	Harvested     int64 `json:"harvested"`
	Planted       int64 `json:"planted"`
	Composted     int64 `json:"composted"`
	Redistributed int64 `json:"redistributed"`
	Transactions  int64 `json:"transactions"`
}

type CycleWithStats struct {
	*model.Cycle
	Stats CycleStats `json:"stats"`
}

func (s *MetricsService) CycleStats(ctx context.Context, cycleID int64) (*CycleWithStats, error) {
	cycle, err := s.cycleRepo.GetByID(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	return s.withStats(ctx, cycle)
}

func (s *MetricsService) withStats(ctx context.Context, cycle *model.Cycle) (*CycleWithStats, error) {
	byType, err := s.transactionRepo.AggregateByType(ctx, cycle.StartDate, cycle.EndDate)
	if err != nil {
		return nil, err
	}
	out := &CycleWithStats{Cycle: cycle}
	out.Stats.Harvested = byType[model.TransactionTypeHarvest].Amount
	out.Stats.Planted = byType[model.TransactionTypeSpend].Amount
	out.Stats.Composted = byType[model.TransactionTypeCompost].Amount
	out.Stats.Redistributed = byType[model.TransactionTypeRedistribution].Amount
	for _, agg := range byType {
		out.Stats.Transactions += agg.Count
	}
	return out, nil
}

func (s *MetricsService) ListCycles(ctx context.Context) ([]*CycleWithStats, error) {
	cycles, err := s.cycleRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*CycleWithStats, 0, len(cycles))
	for _, c := range cycles {
		withStats, err := s.withStats(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, withStats)
	}
	return out, nil
}

type CreateCycleRequest struct {
	Name      string
	StartDate time.Time
	EndDate   time.Time
	IsActive  bool
}

func (s *MetricsService) CreateCycle(ctx context.Context, req CreateCycleRequest) (*model.Cycle, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is empty", ErrInvalidCycle)
	}
	if !req.EndDate.After(req.StartDate) {
		return nil, fmt.Errorf("%w: end_date must be after start_date", ErrInvalidCycle)
	}
	cycle := &model.Cycle{
		Name:      name,
		StartDate: req.StartDate.UTC(),
		EndDate:   req.EndDate.UTC(),
		IsActive:  req.IsActive,
	}
	if err := s.cycleRepo.Create(ctx, cycle); err != nil {
		return nil, fmt.Errorf("创建周期失败: %w", err)
	}
	s.log.WithFields(logrus.Fields{"cycle_id": cycle.ID, "name": cycle.Name, "active": cycle.IsActive}).Info("cycle created")
	return cycle, nil
}
