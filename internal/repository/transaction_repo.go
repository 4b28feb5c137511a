package repository

import (
	"context"
	"errors"
	"time"

	"sakaledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrTransactionNotFound = errors.New("SAKA 流水不存在")

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create 追加一条流水，流水表不提供任何修改方法
func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.SakaTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.SakaTransaction, error) {
	var trans model.SakaTransaction
	err := r.db.WithContext(ctx).Where("transaction_no = ?", transactionNo).Take(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// SumHarvested 某用户某原因在 [since, until) 内已收获的数量
// 必须在持有钱包行锁的同一事务里调用；这里用共享锁读，读到的是最新提交的流水而不是事务快照
func (r *TransactionRepository) SumHarvested(ctx context.Context, tx *gorm.DB, userID int64, reason string, since, until time.Time) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var sum int64
	err := tx.WithContext(ctx).
		Model(&model.SakaTransaction{}).
		Clauses(clause.Locking{Strength: "SHARE"}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND reason = ? AND transaction_type = ? AND created_at >= ? AND created_at < ?",
			userID, reason, model.TransactionTypeHarvest, since, until).
		Scan(&sum).Error
	return sum, err
}

// TransactionFilter 流水查询条件，零值表示不过滤
type TransactionFilter struct {
	TransactionType string
	Direction       string
	Reason          string
	Since           *time.Time
	Until           *time.Time
	Page            int
	PageSize        int
}

func (f *TransactionFilter) normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID int64, filter TransactionFilter) ([]*model.SakaTransaction, int64, error) {
	filter.normalize()

	var transactions []*model.SakaTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.SakaTransaction{}).Where("user_id = ?", userID)
	if filter.TransactionType != "" {
		query = query.Where("transaction_type = ?", filter.TransactionType)
	}
	if filter.Direction != "" {
		query = query.Where("direction = ?", filter.Direction)
	}
	if filter.Reason != "" {
		query = query.Where("reason = ?", filter.Reason)
	}
	if filter.Since != nil {
		query = query.Where("created_at >= ?", *filter.Since)
	}
	if filter.Until != nil {
		query = query.Where("created_at < ?", *filter.Until)
	}

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC, id DESC").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// DirectionSums 某用户的 EARN / SPEND 累计
type DirectionSums struct {
	Earned int64
	Spent  int64
	Count  int64
}

func (r *TransactionRepository) SumByUser(ctx context.Context, userID int64) (*DirectionSums, error) {
	var sums DirectionSums
	err := r.db.WithContext(ctx).
		Model(&model.SakaTransaction{}).
		Select("COALESCE(SUM(CASE WHEN direction = ? THEN amount ELSE 0 END), 0) AS earned, "+
			"COALESCE(SUM(CASE WHEN direction = ? THEN amount ELSE 0 END), 0) AS spent, "+
			"COUNT(*) AS count", model.DirectionEarn, model.DirectionSpend).
		Where("user_id = ?", userID).
		Scan(&sums).Error
	if err != nil {
		return nil, err
	}
	return &sums, nil
}

// TypeAggregate 按交易类型聚合
type TypeAggregate struct {
	TransactionType string `json:"transaction_type"`
	Count           int64  `json:"count"`
	Amount          int64  `json:"amount"`
	Users           int64  `json:"users"`
}

// AggregateByType 统计 [since, until) 内各类型的笔数、数量、涉及用户数
func (r *TransactionRepository) AggregateByType(ctx context.Context, since, until time.Time) (map[string]TypeAggregate, error) {
	var rows []TypeAggregate
	err := r.db.WithContext(ctx).
		Model(&model.SakaTransaction{}).
		Select("transaction_type, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount, COUNT(DISTINCT user_id) AS users").
		Where("created_at >= ? AND created_at < ?", since, until).
		Group("transaction_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]TypeAggregate, len(rows))
	for _, row := range rows {
		out[row.TransactionType] = row
	}
	return out, nil
}
