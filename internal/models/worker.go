package models

import "time"

// Worker is a registered per-account queue consumer.
type Worker struct {
	ID           string    `gorm:"primaryKey;size:64"`
	AccountID    string    `gorm:"size:64;index"`
	Status       string    `gorm:"size:16;index"`
	CurrentJob   string    `gorm:"size:32"`
	StartedAt    time.Time
	LastActivity time.Time `gorm:"index"`
}
