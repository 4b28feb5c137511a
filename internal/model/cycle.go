package model

import "time"

// Cycle 统计用的时间窗口（例如一个季度），不影响账本行为
type Cycle struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"name"`
	StartDate time.Time `gorm:"not null;index" json:"start_date"`
	EndDate   time.Time `gorm:"not null" json:"end_date"`
	IsActive  bool      `gorm:"not null;default:false;index" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Cycle) TableName() string {
	return "saka_cycles"
}

// Contains t 是否落在 [StartDate, EndDate) 内
func (c *Cycle) Contains(t time.Time) bool {
	return !t.Before(c.StartDate) && t.Before(c.EndDate)
}
