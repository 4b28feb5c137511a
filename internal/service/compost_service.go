package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sakaledger/internal/config"
	"sakaledger/internal/guard"
	"sakaledger/internal/model"
	"sakaledger/internal/repository"
	"sakaledger/internal/telemetry"
	"sakaledger/pkg/idgen"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ============================================================================
// Compost Engine
// ============================================================================
//
// 长期不活跃的钱包按固定比例衰减，衰减量进入 Silo：
//
//	amount = floor(balance × rate)，amount < min_amount 时跳过
//
// 每个钱包一个事务（先锁钱包再锁 Silo），单个钱包失败不影响其他钱包。
// 堆肥不算"活跃"，不会更新 last_activity_date；引擎本身不做节流，频率由调度方决定。
//
// ============================================================================

const engineCompost = "compost"

type CompostService struct {
	db    *gorm.DB
	guard *guard.Guard
	cfg   config.CompostConfig

	walletRepo     *repository.WalletRepository
	siloRepo       *repository.SiloRepository
	compostLogRepo *repository.CompostLogRepository
	cycleRepo      *repository.CycleRepository
	entries        *entryWriter

	now func() time.Time
	log *logrus.Entry
}

func NewCompostService(db *gorm.DB, g *guard.Guard, cfg *config.Config) *CompostService {
	return &CompostService{
		db:             db,
		guard:          g,
		cfg:            cfg.Saka.Compost,
		walletRepo:     repository.NewWalletRepository(db),
		siloRepo:       repository.NewSiloRepository(db),
		compostLogRepo: repository.NewCompostLogRepository(db),
		cycleRepo:      repository.NewCycleRepository(db),
		entries: &entryWriter{
			transactionRepo: repository.NewTransactionRepository(db),
			outboxRepo:      repository.NewOutboxRepository(db),
			topic:           cfg.Kafka.Topic.LedgerEvent,
		},
		now: func() time.Time { return time.Now().UTC() },
		log: logrus.WithField("component", "compost_engine"),
	}
}

type CompostRequest struct {
	DryRun bool
	Source string
}

// errNotEligible 钱包在行锁下复查时已不满足条件
var errNotEligible = errors.New("wallet no longer eligible")

// Amount 计算衰减量 floor(balance × rate)
func (s *CompostService) Amount(balance int64) int64 {
	return floorMul(balance, s.cfg.Rate)
}

// Run 执行一次堆肥，无论是否 dry run 都写入一条 CompostLog
func (s *CompostService) Run(ctx context.Context, req CompostRequest) (*model.CompostLog, error) {
	if !s.cfg.Enabled && !req.DryRun {
		return nil, fmt.Errorf("%w: compost", ErrEngineDisabled)
	}
	if req.Source == "" {
		req.Source = model.SourceManual
	}

	started := s.now()
	cutoff := started.Add(-time.Duration(s.cfg.InactivityDays) * 24 * time.Hour)
	runLog := &model.CompostLog{
		RunNo:          idgen.GenerateCompostRunNo(),
		StartedAt:      started,
		DryRun:         req.DryRun,
		InactivityDays: s.cfg.InactivityDays,
		Rate:           decimal.NewFromFloat(s.cfg.Rate),
		MinBalance:     s.cfg.MinBalance,
		MinAmount:      s.cfg.MinAmount,
		Source:         req.Source,
	}
	log := s.log.WithFields(logrus.Fields{"run_no": runLog.RunNo, "dry_run": req.DryRun, "source": req.Source})

	if cycle, err := s.cycleRepo.GetActiveAt(ctx, started); err != nil {
		log.WithError(err).Warn("active cycle lookup failed")
	} else if cycle != nil {
		runLog.CycleID = &cycle.ID
	}

	candidates, err := s.walletRepo.ListCompostCandidates(ctx, cutoff, s.cfg.MinBalance)
	if err != nil {
		return nil, fmt.Errorf("查询堆肥候选钱包失败: %w", err)
	}

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			log.WithError(err).Warn("compost run interrupted")
			break
		}
		if req.DryRun {
			if amount := s.Amount(candidate.Balance); s.worthComposting(amount) {
				runLog.WalletsAffected++
				runLog.TotalComposted += amount
			}
			continue
		}

		amount, err := s.compostWallet(ctx, candidate.UserID, cutoff)
		switch {
		case errors.Is(err, errNotEligible):
			continue
		case err != nil:
			runLog.WalletsFailed++
			telemetry.RecordEngineWalletFailure(engineCompost)
			log.WithError(err).WithField("user_id", candidate.UserID).Error("compost wallet failed, will retry next run")
			continue
		}
		runLog.WalletsAffected++
		runLog.TotalComposted += amount
	}

	runLog.FinishedAt = s.now()
	if err := s.compostLogRepo.Create(ctx, runLog); err != nil {
		return nil, fmt.Errorf("写入堆肥日志失败: %w", err)
	}

	telemetry.RecordEngineRun(engineCompost, req.DryRun, runLog.FinishedAt.Sub(started).Seconds())
	if !req.DryRun {
		telemetry.RecordGrains(model.TransactionTypeCompost, runLog.TotalComposted)
	}
	log.WithFields(logrus.Fields{
		"candidates":       len(candidates),
		"wallets_affected": runLog.WalletsAffected,
		"wallets_failed":   runLog.WalletsFailed,
		"total_composted":  runLog.TotalComposted,
	}).Info("compost run finished")
	return runLog, nil
}

func (s *CompostService) worthComposting(amount int64) bool {
	return amount > 0 && amount >= s.cfg.MinAmount
}

// compostWallet 单个钱包的衰减，独立事务、独立 Permit
func (s *CompostService) compostWallet(ctx context.Context, userID int64, cutoff time.Time) (int64, error) {
	var composted int64
	err := s.guard.WithMutationAllowed(ctx, engineCompost, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			wallet, err := s.walletRepo.GetByUserIDForUpdate(ctx, tx, userID)
			if err != nil {
				return err
			}
			// 候选列表是锁外查的，这里按当前状态复查
			if !wallet.IsInactiveSince(cutoff) || wallet.Balance < s.cfg.MinBalance {
				return errNotEligible
			}
			amount := s.Amount(wallet.Balance)
			if !s.worthComposting(amount) {
				return errNotEligible
			}

			now := s.now()
			before := wallet.Balance
			wallet.Balance -= amount
			wallet.TotalComposted += amount
			if err := s.walletRepo.Save(ctx, tx, wallet); err != nil {
				return fmt.Errorf("保存钱包失败: %w", err)
			}
			if _, err := s.entries.write(ctx, tx, wallet, model.TransactionTypeCompost, model.ReasonCompost, amount, before, now); err != nil {
				return err
			}

			silo, err := s.siloRepo.GetForUpdate(ctx, tx)
			if err != nil {
				return fmt.Errorf("锁定 Silo 失败: %w", err)
			}
			silo.TotalBalance += amount
			silo.TotalComposted += amount
			silo.LastCompostAt = &now
			if err := s.siloRepo.Save(ctx, tx, silo); err != nil {
				return fmt.Errorf("保存 Silo 失败: %w", err)
			}

			composted = amount
			return nil
		})
	})
	return composted, mapLockError(err)
}

// floorMul floor(value × rate)，用 decimal 避免浮点误差（例如 1000 × 0.1）
func floorMul(value int64, rate float64) int64 {
	return decimal.NewFromInt(value).Mul(decimal.NewFromFloat(rate)).Floor().IntPart()
}
