package model

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// SakaWallet 用户的 SAKA 钱包，每个用户一个
//
// 余额相关字段受 guard 插件保护：只能在 Permit 作用域内通过
// "加锁读取 -> 内存修改 -> Save 单行" 的方式变更，并且必须配对一条 SakaTransaction。
// 这张表与货币钱包没有任何外键、共享字段或可 join 的属性。
type SakaWallet struct {
	ID               int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID           int64      `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance          int64      `gorm:"not null;default:0;check:chk_saka_wallets_balance,balance >= 0" json:"balance"`
	TotalHarvested   int64      `gorm:"not null;default:0" json:"total_harvested"`
	TotalPlanted     int64      `gorm:"not null;default:0" json:"total_planted"`
	TotalComposted   int64      `gorm:"not null;default:0" json:"total_composted"`
	LastActivityDate *time.Time `gorm:"index" json:"last_activity_date"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

const WalletTable = "saka_wallets"

func (SakaWallet) TableName() string {
	return WalletTable
}

// WalletProtectedColumns 受保护的列
var WalletProtectedColumns = []string{"balance", "total_harvested", "total_planted", "total_composted"}

// BeforeSave 余额永远不能为负
func (w *SakaWallet) BeforeSave(tx *gorm.DB) error {
	if w.Balance < 0 {
		return fmt.Errorf("%w: user_id=%d balance=%d", ErrNegativeBalance, w.UserID, w.Balance)
	}
	return nil
}

// Protected 受保护列的当前值，按列名索引
func (w *SakaWallet) Protected() map[string]int64 {
	return map[string]int64{
		"balance":         w.Balance,
		"total_harvested": w.TotalHarvested,
		"total_planted":   w.TotalPlanted,
		"total_composted": w.TotalComposted,
	}
}

// IsInactiveSince 最后一次收获 / 消费是否早于 cutoff
// 从未活跃过的钱包从创建时间开始算不活跃
func (w *SakaWallet) IsInactiveSince(cutoff time.Time) bool {
	if w.LastActivityDate == nil {
		return !w.CreatedAt.IsZero() && w.CreatedAt.Before(cutoff)
	}
	return w.LastActivityDate.Before(cutoff)
}
