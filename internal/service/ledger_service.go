package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sakaledger/internal/config"
	"sakaledger/internal/guard"
	"sakaledger/internal/model"
	"sakaledger/internal/repository"
	"sakaledger/internal/telemetry"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ============================================================================
// Ledger Service
// ============================================================================
//
// 余额变更的唯一合法路径：
//
//	guard.WithMutationAllowed
//	  └─ db.Transaction
//	       ├─ SELECT ... FOR UPDATE 锁定钱包
//	       ├─ 在行锁下重新校验（日上限 / 余额）
//	       ├─ 内存修改 -> Save 单行
//	       └─ 创建流水 + 发件箱消息
//
// 事务提交后 guard 才把本次写入交给 Integrity Monitor 配对检查。
//
// ============================================================================

type LedgerService struct {
	db           *gorm.DB
	guard        *guard.Guard
	rewards      map[string]config.RewardConfig
	spendReasons map[string]struct{}
	lockTimeout  time.Duration

	walletRepo      *repository.WalletRepository
	transactionRepo *repository.TransactionRepository
	siloRepo        *repository.SiloRepository
	entries         *entryWriter

	now func() time.Time
	log *logrus.Entry
}

func NewLedgerService(db *gorm.DB, g *guard.Guard, cfg *config.Config) *LedgerService {
	spendReasons := make(map[string]struct{}, len(cfg.Saka.SpendReasons))
	for _, r := range cfg.Saka.SpendReasons {
		spendReasons[r] = struct{}{}
	}
	transactionRepo := repository.NewTransactionRepository(db)
	return &LedgerService{
		db:              db,
		guard:           g,
		rewards:         cfg.Saka.Rewards,
		spendReasons:    spendReasons,
		lockTimeout:     cfg.Saka.LockTimeout,
		walletRepo:      repository.NewWalletRepository(db),
		transactionRepo: transactionRepo,
		siloRepo:        repository.NewSiloRepository(db),
		entries: &entryWriter{
			transactionRepo: transactionRepo,
			outboxRepo:      repository.NewOutboxRepository(db),
			topic:           cfg.Kafka.Topic.LedgerEvent,
		},
		now: func() time.Time { return time.Now().UTC() },
		log: logrus.WithField("component", "ledger_service"),
	}
}

// HarvestResult 收获结果；LimitReached 是正常结果而不是错误
type HarvestResult struct {
	UserID         int64                  `json:"user_id"`
	Reason         string                 `json:"reason"`
	Amount         int64                  `json:"amount"`
	LimitReached   bool                   `json:"limit_reached"`
	DailyCap       int64                  `json:"daily_cap"`
	HarvestedToday int64                  `json:"harvested_today"`
	Balance        int64                  `json:"balance"`
	Transaction    *model.SakaTransaction `json:"transaction,omitempty"`
}

// Harvest 按原因收获 SAKA
//
// amount 为 nil 时使用该原因的 base_reward。单日（UTC）同一原因累计不超过
// base_reward × daily_limit；剩余额度不足时按剩余额度入账，额度为 0 时不做任何变更，
// 返回 LimitReached。
func (s *LedgerService) Harvest(ctx context.Context, userID int64, reason string, amount *int64) (*HarvestResult, error) {
	if userID <= 0 {
		return nil, ErrInvalidUserID
	}
	reward, ok := s.rewards[reason]
	if !ok {
		telemetry.RecordHarvest("unknown", "error")
		return nil, fmt.Errorf("%w: %q", ErrUnknownReason, reason)
	}
	want := reward.BaseReward
	if amount != nil {
		if *amount <= 0 {
			return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, *amount)
		}
		want = *amount
	}

	result := &HarvestResult{UserID: userID, Reason: reason, DailyCap: reward.DailyCap()}

	err := s.mutate(ctx, "harvest:"+reason, func(ctx context.Context, tx *gorm.DB) error {
		wallet, err := s.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}

		now := s.now()
		dayStart, dayEnd := utcDay(now)
		harvested, err := s.transactionRepo.SumHarvested(ctx, tx, userID, reason, dayStart, dayEnd)
		if err != nil {
			return fmt.Errorf("统计当日收获失败: %w", err)
		}
		result.HarvestedToday = harvested
		result.Balance = wallet.Balance

		remaining := result.DailyCap - harvested
		if remaining <= 0 {
			result.LimitReached = true
			return nil
		}
		credit := want
		if credit > remaining {
			credit = remaining
		}

		before := wallet.Balance
		wallet.Balance += credit
		wallet.TotalHarvested += credit
		wallet.LastActivityDate = &now
		if err := s.walletRepo.Save(ctx, tx, wallet); err != nil {
			return fmt.Errorf("保存钱包失败: %w", err)
		}

		trans, err := s.entries.write(ctx, tx, wallet, model.TransactionTypeHarvest, reason, credit, before, now)
		if err != nil {
			return err
		}

		result.Amount = credit
		result.HarvestedToday += credit
		result.Balance = wallet.Balance
		result.Transaction = trans
		return nil
	})
	if err != nil {
		telemetry.RecordHarvest(reason, "error")
		s.log.WithError(err).WithFields(logrus.Fields{"user_id": userID, "reason": reason}).Warn("harvest failed")
		return nil, err
	}

	if result.LimitReached {
		telemetry.RecordHarvest(reason, "limit_reached")
		s.log.WithFields(logrus.Fields{"user_id": userID, "reason": reason, "daily_cap": result.DailyCap}).Debug("daily harvest limit reached")
		return result, nil
	}
	telemetry.RecordHarvest(reason, "credited")
	telemetry.RecordGrains(model.TransactionTypeHarvest, result.Amount)
	s.log.WithFields(logrus.Fields{
		"user_id":        userID,
		"reason":         reason,
		"amount":         result.Amount,
		"transaction_no": result.Transaction.TransactionNo,
	}).Info("harvest credited")
	return result, nil
}

// Spend 消费（种植）SAKA，余额不足时整体回滚，余额不变
func (s *LedgerService) Spend(ctx context.Context, userID int64, reason string, amount int64) (*model.SakaTransaction, error) {
	if userID <= 0 {
		return nil, ErrInvalidUserID
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}
	if err := s.checkSpendReason(reason); err != nil {
		telemetry.RecordSpend("unknown", "error")
		return nil, err
	}

	var trans *model.SakaTransaction
	err := s.mutate(ctx, "spend:"+reason, func(ctx context.Context, tx *gorm.DB) error {
		wallet, err := s.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		if wallet.Balance < amount {
			return fmt.Errorf("%w: balance=%d, amount=%d", ErrInsufficientBalance, wallet.Balance, amount)
		}

		now := s.now()
		before := wallet.Balance
		wallet.Balance -= amount
		wallet.TotalPlanted += amount
		wallet.LastActivityDate = &now
		if err := s.walletRepo.Save(ctx, tx, wallet); err != nil {
			return fmt.Errorf("保存钱包失败: %w", err)
		}

		trans, err = s.entries.write(ctx, tx, wallet, model.TransactionTypeSpend, reason, amount, before, now)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			telemetry.RecordSpend(reason, "insufficient_balance")
		} else {
			telemetry.RecordSpend(reason, "error")
			s.log.WithError(err).WithFields(logrus.Fields{"user_id": userID, "reason": reason}).Warn("spend failed")
		}
		return nil, err
	}

	telemetry.RecordSpend(reason, "debited")
	telemetry.RecordGrains(model.TransactionTypeSpend, amount)
	s.log.WithFields(logrus.Fields{
		"user_id":        userID,
		"reason":         reason,
		"amount":         amount,
		"transaction_no": trans.TransactionNo,
	}).Info("spend debited")
	return trans, nil
}

func (s *LedgerService) checkSpendReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("%w: empty reason", ErrUnknownReason)
	}
	if len(s.spendReasons) == 0 {
		return nil
	}
	if _, ok := s.spendReasons[reason]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownReason, reason)
	}
	return nil
}

// mutate 在 Permit 作用域内开启事务，超时与死锁映射为 ErrLockTimeout
func (s *LedgerService) mutate(ctx context.Context, purpose string, fn func(ctx context.Context, tx *gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	err := s.guard.WithMutationAllowed(ctx, purpose, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(ctx, tx)
		})
	})
	return mapLockError(err)
}

// lockWallet 事务里的第一条读必须是加锁读：InnoDB 可重复读下，普通读会在拿到行锁之前
// 固定快照，之后的日上限统计就看不到并发事务刚提交的流水
func (s *LedgerService) lockWallet(ctx context.Context, tx *gorm.DB, userID int64) (*model.SakaWallet, error) {
	wallet, err := s.walletRepo.GetByUserIDForUpdate(ctx, tx, userID)
	if errors.Is(err, repository.ErrWalletNotFound) {
		if err := s.walletRepo.CreateIfAbsent(ctx, tx, userID); err != nil {
			return nil, fmt.Errorf("初始化钱包失败: %w", err)
		}
		wallet, err = s.walletRepo.GetByUserIDForUpdate(ctx, tx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("锁定钱包失败: %w", err)
	}
	return wallet, nil
}

// ============================================================================
// 钱包开通与查询
// ============================================================================

// OnUserCreated 用户创建后的开通钩子，重复调用只会有一个钱包
func (s *LedgerService) OnUserCreated(ctx context.Context, userID int64) (*model.SakaWallet, error) {
	return s.EnsureWallet(ctx, userID)
}

func (s *LedgerService) EnsureWallet(ctx context.Context, userID int64) (*model.SakaWallet, error) {
	if userID <= 0 {
		return nil, ErrInvalidUserID
	}
	wallet, err := s.walletRepo.GetOrCreate(ctx, nil, userID)
	if err != nil {
		return nil, fmt.Errorf("初始化钱包失败: %w", err)
	}
	return wallet, nil
}

// GetWallet 查询钱包；不存在的钱包返回零值视图，不会落库
func (s *LedgerService) GetWallet(ctx context.Context, userID int64) (*model.SakaWallet, error) {
	if userID <= 0 {
		return nil, ErrInvalidUserID
	}
	wallet, err := s.walletRepo.GetByUserID(ctx, nil, userID)
	if errors.Is(err, repository.ErrWalletNotFound) {
		return &model.SakaWallet{UserID: userID}, nil
	}
	return wallet, err
}

func (s *LedgerService) ListTransactions(ctx context.Context, userID int64, filter repository.TransactionFilter) ([]*model.SakaTransaction, int64, error) {
	if userID <= 0 {
		return nil, 0, ErrInvalidUserID
	}
	if filter.TransactionType != "" {
		if _, ok := model.DirectionOf(filter.TransactionType); !ok {
			return nil, 0, fmt.Errorf("%w: unknown transaction_type %q", ErrInvalidFilter, filter.TransactionType)
		}
	}
	if filter.Direction != "" && filter.Direction != model.DirectionEarn && filter.Direction != model.DirectionSpend {
		return nil, 0, fmt.Errorf("%w: unknown direction %q", ErrInvalidFilter, filter.Direction)
	}
	return s.transactionRepo.ListByUserID(ctx, userID, filter)
}

func (s *LedgerService) GetSiloState(ctx context.Context) (*model.Silo, error) {
	return s.siloRepo.Get(ctx)
}
