package service

import (
	"context"
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
// Redistribution Engine
// ============================================================================
//
// 把 Silo 中的 floor(total_balance × rate) 分给最近 active_days 内活跃的钱包：
//
//	equal            每个钱包 floor(pool / n)
//	harvest_weighted 每个钱包 floor(pool × total_harvested / Σtotal_harvested)
//
// 钱包按 id 排序，同样的输入得到同样的分配。整数取整剩下的零头留在 Silo。
// 每个钱包一个事务：锁钱包 -> 锁 Silo -> 钱包加、Silo 减同一个数，
// 所以任何时刻 Silo 的减少量都恰好等于已入账的份额之和。
//
// ============================================================================

const engineRedistribution = "redistribution"

const (
	SkipBelowThreshold = "below_threshold"
	SkipNoEligible     = "no_eligible_wallets"
	SkipShareTooSmall  = "share_below_one_grain"
)

const (
	AllocationCredited = "credited"
	AllocationPlanned  = "planned"
	AllocationFailed   = "failed"
)

type RedistributionService struct {
	db    *gorm.DB
	guard *guard.Guard
	cfg   config.RedistributionConfig

	walletRepo *repository.WalletRepository
	siloRepo   *repository.SiloRepository
	entries    *entryWriter

	now func() time.Time
	log *logrus.Entry
}

func NewRedistributionService(db *gorm.DB, g *guard.Guard, cfg *config.Config) *RedistributionService {
	return &RedistributionService{
		db:         db,
		guard:      g,
		cfg:        cfg.Saka.Redistribution,
		walletRepo: repository.NewWalletRepository(db),
		siloRepo:   repository.NewSiloRepository(db),
		entries: &entryWriter{
			transactionRepo: repository.NewTransactionRepository(db),
			outboxRepo:      repository.NewOutboxRepository(db),
			topic:           cfg.Kafka.Topic.LedgerEvent,
		},
		now: func() time.Time { return time.Now().UTC() },
		log: logrus.WithField("component", "redistribution_engine"),
	}
}

type RedistributionRequest struct {
	DryRun bool
	Source string
}

type Allocation struct {
	UserID        int64  `json:"user_id"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	TransactionNo string `json:"transaction_no,omitempty"`
}

type RedistributionReport struct {
	RunNo              string       `json:"run_no"`
	DryRun             bool         `json:"dry_run"`
	Source             string       `json:"source"`
	Policy             string       `json:"policy"`
	StartedAt          time.Time    `json:"started_at"`
	FinishedAt         time.Time    `json:"finished_at"`
	SiloBalanceBefore  int64        `json:"silo_balance_before"`
	SiloBalanceAfter   int64        `json:"silo_balance_after"`
	Pool               int64        `json:"pool"`
	EligibleWallets    int          `json:"eligible_wallets"`
	WalletsCredited    int          `json:"wallets_credited"`
	WalletsFailed      int          `json:"wallets_failed"`
	TotalRedistributed int64        `json:"total_redistributed"`
	Skipped            bool         `json:"skipped"`
	SkipReason         string       `json:"skip_reason,omitempty"`
	Allocations        []Allocation `json:"allocations"`
}

func (s *RedistributionService) Run(ctx context.Context, req RedistributionRequest) (*RedistributionReport, error) {
	if !s.cfg.Enabled && !req.DryRun {
		return nil, fmt.Errorf("%w: redistribution", ErrEngineDisabled)
	}
	if req.Source == "" {
		req.Source = model.SourceManual
	}

	started := s.now()
	report := &RedistributionReport{
		RunNo:     idgen.GenerateRedistributionRunNo(),
		DryRun:    req.DryRun,
		Source:    req.Source,
		Policy:    s.cfg.Policy,
		StartedAt: started,
	}
	log := s.log.WithFields(logrus.Fields{"run_no": report.RunNo, "dry_run": req.DryRun, "source": req.Source})
	defer func() {
		telemetry.RecordEngineRun(engineRedistribution, req.DryRun, s.now().Sub(started).Seconds())
	}()

	silo, err := s.siloRepo.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取 Silo 失败: %w", err)
	}
	report.SiloBalanceBefore = silo.TotalBalance
	report.SiloBalanceAfter = silo.TotalBalance

	if silo.TotalBalance <= 0 || silo.TotalBalance < s.cfg.MinSiloBalance {
		return s.skip(report, SkipBelowThreshold, log), nil
	}

	since := started.Add(-time.Duration(s.cfg.ActiveDays) * 24 * time.Hour)
	eligible, err := s.walletRepo.ListActiveSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("查询活跃钱包失败: %w", err)
	}
	report.EligibleWallets = len(eligible)
	if len(eligible) == 0 {
		return s.skip(report, SkipNoEligible, log), nil
	}

	report.Pool = floorMul(silo.TotalBalance, s.cfg.Rate)
	shares := Shares(s.cfg.Policy, report.Pool, eligible)
	var planned int64
	for _, share := range shares {
		planned += share
	}
	if planned == 0 {
		return s.skip(report, SkipShareTooSmall, log), nil
	}

	for i, wallet := range eligible {
		if shares[i] == 0 {
			continue
		}
		alloc := Allocation{UserID: wallet.UserID, Amount: shares[i], Status: AllocationPlanned}
		if req.DryRun {
			report.WalletsCredited++
			report.TotalRedistributed += alloc.Amount
			report.Allocations = append(report.Allocations, alloc)
			continue
		}
		if err := ctx.Err(); err != nil {
			log.WithError(err).Warn("redistribution run interrupted")
			break
		}

		trans, err := s.creditWallet(ctx, wallet.UserID, alloc.Amount)
		if err != nil {
			alloc.Status = AllocationFailed
			report.WalletsFailed++
			telemetry.RecordEngineWalletFailure(engineRedistribution)
			log.WithError(err).WithField("user_id", wallet.UserID).Error("redistribution credit failed, will retry next run")
			report.Allocations = append(report.Allocations, alloc)
			continue
		}
		alloc.Status = AllocationCredited
		alloc.TransactionNo = trans.TransactionNo
		report.WalletsCredited++
		report.TotalRedistributed += alloc.Amount
		report.Allocations = append(report.Allocations, alloc)
	}

	if req.DryRun {
		report.SiloBalanceAfter = silo.TotalBalance - report.TotalRedistributed
	} else {
		after, err := s.completeCycle(ctx)
		if err != nil {
			log.WithError(err).Error("increment silo total_cycles failed")
			return nil, err
		}
		report.SiloBalanceAfter = after.TotalBalance
		telemetry.RecordGrains(model.TransactionTypeRedistribution, report.TotalRedistributed)
	}

	report.FinishedAt = s.now()
	log.WithFields(logrus.Fields{
		"eligible":            report.EligibleWallets,
		"wallets_credited":    report.WalletsCredited,
		"wallets_failed":      report.WalletsFailed,
		"total_redistributed": report.TotalRedistributed,
		"silo_balance_after":  report.SiloBalanceAfter,
	}).Info("redistribution run finished")
	return report, nil
}

func (s *RedistributionService) skip(report *RedistributionReport, reason string, log *logrus.Entry) *RedistributionReport {
	report.Skipped = true
	report.SkipReason = reason
	report.FinishedAt = s.now()
	log.WithFields(logrus.Fields{"skip_reason": reason, "silo_balance": report.SiloBalanceBefore}).Info("redistribution skipped")
	return report
}

// creditWallet 钱包加 amount、Silo 减 amount，同一事务
func (s *RedistributionService) creditWallet(ctx context.Context, userID, amount int64) (*model.SakaTransaction, error) {
	var trans *model.SakaTransaction
	err := s.guard.WithMutationAllowed(ctx, engineRedistribution, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			wallet, err := s.walletRepo.GetByUserIDForUpdate(ctx, tx, userID)
			if err != nil {
				return err
			}
			silo, err := s.siloRepo.GetForUpdate(ctx, tx)
			if err != nil {
				return fmt.Errorf("锁定 Silo 失败: %w", err)
			}
			if silo.TotalBalance < amount {
				return fmt.Errorf("%w: silo=%d, share=%d", ErrSiloDepleted, silo.TotalBalance, amount)
			}

			now := s.now()
			before := wallet.Balance
			wallet.Balance += amount
			if err := s.walletRepo.Save(ctx, tx, wallet); err != nil {
				return fmt.Errorf("保存钱包失败: %w", err)
			}
			trans, err = s.entries.write(ctx, tx, wallet, model.TransactionTypeRedistribution, model.ReasonRedistribution, amount, before, now)
			if err != nil {
				return err
			}

			silo.TotalBalance -= amount
			if err := s.siloRepo.Save(ctx, tx, silo); err != nil {
				return fmt.Errorf("保存 Silo 失败: %w", err)
			}
			return nil
		})
	})
	return trans, mapLockError(err)
}

// completeCycle total_cycles + 1
func (s *RedistributionService) completeCycle(ctx context.Context) (*model.Silo, error) {
	var silo *model.Silo
	err := s.guard.WithMutationAllowed(ctx, engineRedistribution, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			silo, err = s.siloRepo.GetForUpdate(ctx, tx)
			if err != nil {
				return err
			}
			silo.TotalCycles++
			return s.siloRepo.Save(ctx, tx, silo)
		})
	})
	return silo, mapLockError(err)
}

// Shares 计算每个钱包的份额，返回值与 wallets 一一对应；wallets 必须已按 id 排序
func Shares(policy string, pool int64, wallets []*model.SakaWallet) []int64 {
	shares := make([]int64, len(wallets))
	if pool <= 0 || len(wallets) == 0 {
		return shares
	}

	if policy == config.PolicyHarvestWeighted {
		var total int64
		for _, w := range wallets {
			total += w.TotalHarvested
		}
		if total > 0 {
			p := decimal.NewFromInt(pool)
			t := decimal.NewFromInt(total)
			for i, w := range wallets {
				q, _ := p.Mul(decimal.NewFromInt(w.TotalHarvested)).QuoRem(t, 0)
				shares[i] = q.IntPart()
			}
			return shares
		}
		// 没有任何收获记录时退化为均分
	}

	each := pool / int64(len(wallets))
	for i := range shares {
		shares[i] = each
	}
	return shares
}
