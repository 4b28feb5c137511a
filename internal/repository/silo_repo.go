package repository

import (
	"context"
	"errors"

	"sakaledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SiloRepository struct {
	db *gorm.DB
}

func NewSiloRepository(db *gorm.DB) *SiloRepository {
	return &SiloRepository{db: db}
}

// Get 读取 Silo，不存在时返回零值（尚未发生过堆肥）
func (r *SiloRepository) Get(ctx context.Context) (*model.Silo, error) {
	var silo model.Silo
	err := r.db.WithContext(ctx).Where("id = ?", model.SiloID).Take(&silo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.Silo{ID: model.SiloID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &silo, nil
}

// Ensure 确保单例行存在，并发安全
func (r *SiloRepository) Ensure(ctx context.Context, tx *gorm.DB) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(&model.Silo{ID: model.SiloID}).Error
}

// GetForUpdate 锁定 Silo 行；调用方必须先锁钱包再锁 Silo
func (r *SiloRepository) GetForUpdate(ctx context.Context, tx *gorm.DB) (*model.Silo, error) {
	if err := r.Ensure(ctx, tx); err != nil {
		return nil, err
	}
	var silo model.Silo
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", model.SiloID).
		Take(&silo).Error
	if err != nil {
		return nil, err
	}
	return &silo, nil
}

func (r *SiloRepository) Save(ctx context.Context, tx *gorm.DB, silo *model.Silo) error {
	return tx.WithContext(ctx).Save(silo).Error
}
