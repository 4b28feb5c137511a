package model

import "time"

// SiloID Silo 是单例，只有这一行
const SiloID int64 = 1

// Silo 公共池：堆肥衰减的 SAKA 进入这里，等待再分配
type Silo struct {
	ID             int64      `gorm:"primaryKey;check:chk_saka_silo_singleton,id = 1" json:"id"`
	TotalBalance   int64      `gorm:"not null;default:0;check:chk_saka_silo_balance,total_balance >= 0" json:"total_balance"`
	TotalComposted int64      `gorm:"not null;default:0" json:"total_composted"`
	TotalCycles    int64      `gorm:"not null;default:0" json:"total_cycles"`
	LastCompostAt  *time.Time `json:"last_compost_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

const SiloTable = "saka_silo"

func (Silo) TableName() string {
	return SiloTable
}

// SiloProtectedColumns 受保护的列
var SiloProtectedColumns = []string{"total_balance", "total_composted", "total_cycles"}

func (s *Silo) Protected() map[string]int64 {
	return map[string]int64{
		"total_balance":   s.TotalBalance,
		"total_composted": s.TotalComposted,
		"total_cycles":    s.TotalCycles,
	}
}
