package models

import "time"

// AccountSession persists one account's authenticated platform state so a
// restarted process can resume without logging in again.
type AccountSession struct {
	AccountID       string `gorm:"primaryKey;size:64"`
	State           string `gorm:"type:text"` // signed and encrypted
	Status          string `gorm:"size:16"`
	LastLoginAt     *time.Time
	LastValidatedAt *time.Time
	UpdatedAt       time.Time
}
