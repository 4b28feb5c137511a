package model

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ============================================================================
// 交易方向与类型
// ============================================================================

const (
	DirectionEarn  = "EARN"
	DirectionSpend = "SPEND"
)

const (
	TransactionTypeHarvest        = "HARVEST"
	TransactionTypeSpend          = "SPEND"
	TransactionTypeCompost        = "COMPOST"
	TransactionTypeRedistribution = "REDISTRIBUTION"
)

const (
	ReasonCompost        = "compost"
	ReasonRedistribution = "redistribution"
)

// typeDirections 每种交易类型唯一允许的方向
var typeDirections = map[string]string{
	TransactionTypeHarvest:        DirectionEarn,
	TransactionTypeRedistribution: DirectionEarn,
	TransactionTypeSpend:          DirectionSpend,
	TransactionTypeCompost:        DirectionSpend,
}

// DirectionOf 交易类型唯一允许的方向
func DirectionOf(transactionType string) (string, bool) {
	d, ok := typeDirections[transactionType]
	return d, ok
}

// ============================================================================
// SAKA 流水实体
// ============================================================================

// SakaTransaction SAKA 流水表
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— guard 插件拒绝对该表的 UPDATE / DELETE
// 2. 钱包余额的每一次变化都恰好对应一条流水
// 3. transaction_type 与 direction 必须一致，创建时校验
type SakaTransaction struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo   string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	UserID          int64     `gorm:"index:idx_saka_tx_daily,priority:1;index;not null" json:"user_id"`
	Amount          int64     `gorm:"not null" json:"amount"` // 正数，方向由 direction 表示
	Direction       string    `gorm:"type:varchar(8);not null" json:"direction"`
	TransactionType string    `gorm:"type:varchar(20);index:idx_saka_tx_daily,priority:3;index;not null" json:"transaction_type"`
	Reason          string    `gorm:"type:varchar(64);index:idx_saka_tx_daily,priority:2;not null" json:"reason"`
	BalanceBefore   int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter    int64     `gorm:"not null" json:"balance_after"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index:idx_saka_tx_daily,priority:4;index" json:"created_at"`
}

const TransactionTable = "saka_transactions"

func (SakaTransaction) TableName() string {
	return TransactionTable
}

// Validate 校验类型与方向配对、金额为正
func (t *SakaTransaction) Validate() error {
	if t.TransactionType == "" {
		return fmt.Errorf("%w: transaction_type is empty", ErrInvalidTransaction)
	}
	want, ok := DirectionOf(t.TransactionType)
	if !ok {
		return fmt.Errorf("%w: unknown transaction_type %q", ErrInvalidTransaction, t.TransactionType)
	}
	if t.Direction != want {
		return fmt.Errorf("%w: %s requires direction %s, got %q", ErrInvalidTransaction, t.TransactionType, want, t.Direction)
	}
	if t.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidTransaction, t.Amount)
	}
	if t.Reason == "" {
		return fmt.Errorf("%w: reason is empty", ErrInvalidTransaction)
	}
	if t.UserID == 0 {
		return fmt.Errorf("%w: user_id is empty", ErrInvalidTransaction)
	}
	return nil
}

func (t *SakaTransaction) BeforeCreate(tx *gorm.DB) error {
	return t.Validate()
}

// Signed 这条流水对应的余额变化量（带符号）
func (t *SakaTransaction) Signed() int64 {
	if t.Direction == DirectionSpend {
		return -t.Amount
	}
	return t.Amount
}
