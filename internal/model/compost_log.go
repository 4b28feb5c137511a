package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CompostLog 每次堆肥执行一条（包括 dry run），写入后不可修改
type CompostLog struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	RunNo           string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"run_no"`
	CycleID         *int64          `gorm:"index" json:"cycle_id"`
	StartedAt       time.Time       `gorm:"not null;index" json:"started_at"`
	FinishedAt      time.Time       `gorm:"not null" json:"finished_at"`
	DryRun          bool            `gorm:"not null;default:false" json:"dry_run"`
	WalletsAffected int             `gorm:"not null;default:0" json:"wallets_affected"`
	WalletsFailed   int             `gorm:"not null;default:0" json:"wallets_failed"`
	TotalComposted  int64           `gorm:"not null;default:0" json:"total_composted"`
	InactivityDays  int             `gorm:"not null" json:"inactivity_days"`
	Rate            decimal.Decimal `gorm:"type:decimal(8,6);not null" json:"rate"`
	MinBalance      int64           `gorm:"not null" json:"min_balance"`
	MinAmount       int64           `gorm:"not null" json:"min_amount"`
	Source          string          `gorm:"type:varchar(32);not null" json:"source"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

const CompostLogTable = "saka_compost_logs"

func (CompostLog) TableName() string {
	return CompostLogTable
}

const (
	SourceScheduler = "scheduler"
	SourceAdmin     = "admin"
	SourceManual    = "manual"
)
