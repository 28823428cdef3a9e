package models

import "time"

// Cafe is a destination community. At most one cafe is the default.
type Cafe struct {
	ID          string `gorm:"primaryKey;size:64"`
	Name        string `gorm:"size:256"`
	Categories  string `gorm:"type:json"` // JSON array of category names
	MenuMapping string `gorm:"type:json"` // JSON object category -> menu id
	IsDefault   bool   `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
