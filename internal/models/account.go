package models

import "time"

// Account is an operator account that authors posts, comments and replies.
// Accounts are soft-deleted by clearing IsActive.
type Account struct {
	ID             string `gorm:"primaryKey;size:64"`
	Credential     string `gorm:"size:512"`
	Nickname       string `gorm:"size:128"`
	IsMain         bool
	DailyPostLimit *int
	ActivityStart  int    `gorm:"not null"`
	ActivityEnd    int    `gorm:"not null"`
	RestDays       string `gorm:"size:32"` // comma-separated weekday indices, 0=Sunday
	IsActive       bool   `gorm:"index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
