package repository

import (
	"context"
	"time"

	"sakaledger/internal/model"

	"gorm.io/gorm"
)

type CompostLogRepository struct {
	db *gorm.DB
}

func NewCompostLogRepository(db *gorm.DB) *CompostLogRepository {
	return &CompostLogRepository{db: db}
}

func (r *CompostLogRepository) Create(ctx context.Context, log *model.CompostLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// ListSince 按开始时间倒序
func (r *CompostLogRepository) ListSince(ctx context.Context, since time.Time, limit int) ([]*model.CompostLog, error) {
	var logs []*model.CompostLog
	err := r.db.WithContext(ctx).
		Where("started_at >= ?", since).
		Order("started_at DESC, id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// CompostRunStats 堆肥执行汇总（不含 dry run）
type CompostRunStats struct {
	Runs            int64 `json:"runs"`
	WalletsAffected int64 `json:"wallets_affected"`
	TotalComposted  int64 `json:"total_composted"`
}

func (r *CompostLogRepository) StatsSince(ctx context.Context, since time.Time) (*CompostRunStats, error) {
	var stats CompostRunStats
	err := r.db.WithContext(ctx).
		Model(&model.CompostLog{}).
		Select("COUNT(*) AS runs, COALESCE(SUM(wallets_affected), 0) AS wallets_affected, COALESCE(SUM(total_composted), 0) AS total_composted").
		Where("started_at >= ? AND dry_run = ?", since, false).
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
