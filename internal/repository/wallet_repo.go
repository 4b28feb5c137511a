package repository

import (
	"context"
	"errors"
	"time"

	"sakaledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrWalletNotFound = errors.New("SAKA 钱包不存在")

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *WalletRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID int64) (*model.SakaWallet, error) {
	var wallet model.SakaWallet
	err := r.conn(tx).WithContext(ctx).Where("user_id = ?", userID).Take(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// GetByUserIDForUpdate SELECT ... FOR UPDATE，行锁持有到事务提交
func (r *WalletRepository) GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.SakaWallet, error) {
	var wallet model.SakaWallet
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// GetOrCreate 幂等创建钱包
//
// 并发创建时依赖 user_id 唯一索引 + ON CONFLICT DO NOTHING，
// 两个请求同时创建只会落一行，之后都读到同一个钱包。
func (r *WalletRepository) GetOrCreate(ctx context.Context, tx *gorm.DB, userID int64) (*model.SakaWallet, error) {
	wallet, err := r.GetByUserID(ctx, tx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}
	if err := r.CreateIfAbsent(ctx, tx, userID); err != nil {
		return nil, err
	}
	return r.GetByUserID(ctx, tx, userID)
}

// CreateIfAbsent 插入零余额钱包，已存在时什么也不做
func (r *WalletRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, userID int64) error {
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&model.SakaWallet{UserID: userID}).Error
}

// Save 保存单行钱包，受保护列的变化必须在 guard.WithMutationAllowed 内
func (r *WalletRepository) Save(ctx context.Context, tx *gorm.DB, wallet *model.SakaWallet) error {
	return r.conn(tx).WithContext(ctx).Save(wallet).Error
}

// ListCompostCandidates 堆肥候选：最后活跃（从未活跃则为创建时间）早于 cutoff 且余额不低于 minBalance
// 这里只是筛选，执行时会在行锁下重新校验
func (r *WalletRepository) ListCompostCandidates(ctx context.Context, cutoff time.Time, minBalance int64) ([]*model.SakaWallet, error) {
	var wallets []*model.SakaWallet
	err := r.db.WithContext(ctx).
		Where("((last_activity_date IS NOT NULL AND last_activity_date < ?) OR (last_activity_date IS NULL AND created_at < ?)) AND balance >= ?",
			cutoff, cutoff, minBalance).
		Order("id ASC").
		Find(&wallets).Error
	return wallets, err
}

// ListActiveSince 再分配对象：since 之后有过收获/消费的钱包，按 id 排序保证结果可复现
func (r *WalletRepository) ListActiveSince(ctx context.Context, since time.Time) ([]*model.SakaWallet, error) {
	var wallets []*model.SakaWallet
	err := r.db.WithContext(ctx).
		Where("last_activity_date IS NOT NULL AND last_activity_date >= ?", since).
		Order("id ASC").
		Find(&wallets).Error
	return wallets, err
}

// WalletTotals 全部钱包的汇总
type WalletTotals struct {
	Wallets        int64 `json:"wallets"`
	Balance        int64 `json:"balance"`
	TotalHarvested int64 `json:"total_harvested"`
	TotalPlanted   int64 `json:"total_planted"`
	TotalComposted int64 `json:"total_composted"`
}

func (r *WalletRepository) Totals(ctx context.Context) (*WalletTotals, error) {
	var totals WalletTotals
	err := r.db.WithContext(ctx).
		Model(&model.SakaWallet{}).
		Select("COUNT(*) AS wallets, " +
			"COALESCE(SUM(balance), 0) AS balance, " +
			"COALESCE(SUM(total_harvested), 0) AS total_harvested, " +
			"COALESCE(SUM(total_planted), 0) AS total_planted, " +
			"COALESCE(SUM(total_composted), 0) AS total_composted").
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return &totals, nil
}
