package repository

import (
	"context"
	"errors"
	"time"

	"sakaledger/internal/model"

	"gorm.io/gorm"
)

var ErrCycleNotFound = errors.New("周期不存在")

type CycleRepository struct {
	db *gorm.DB
}

func NewCycleRepository(db *gorm.DB) *CycleRepository {
	return &CycleRepository{db: db}
}

// Create 新建周期；激活的新周期会让其他周期失效，同一时刻只有一个激活周期
func (r *CycleRepository) Create(ctx context.Context, cycle *model.Cycle) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cycle.IsActive {
			if err := tx.Model(&model.Cycle{}).Where("is_active = ?", true).Update("is_active", false).Error; err != nil {
				return err
			}
		}
		return tx.Create(cycle).Error
	})
}

func (r *CycleRepository) GetByID(ctx context.Context, id int64) (*model.Cycle, error) {
	var cycle model.Cycle
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&cycle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCycleNotFound
		}
		return nil, err
	}
	return &cycle, nil
}

// GetActiveAt 返回激活且窗口 [start, end) 覆盖 t 的周期，没有则返回 nil
func (r *CycleRepository) GetActiveAt(ctx context.Context, t time.Time) (*model.Cycle, error) {
	var cycle model.Cycle
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND start_date <= ? AND end_date > ?", true, t, t).
		Order("start_date DESC").
		Take(&cycle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cycle, nil
}

func (r *CycleRepository) List(ctx context.Context) ([]*model.Cycle, error) {
	var cycles []*model.Cycle
	err := r.db.WithContext(ctx).Order("start_date DESC, id DESC").Find(&cycles).Error
	return cycles, err
}
