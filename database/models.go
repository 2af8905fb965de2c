package database

import (
	"time"
)

// Record 记录表的行，按派生地址存放投票和投票人记录
type Record struct {
	Address   string    `gorm:"primaryKey;size:64"`
	Kind      string    `gorm:"size:16;not null;index"`
	Value     []byte    `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 实现gorm.Tabler接口
func (Record) TableName() string {
	return "records"
}
