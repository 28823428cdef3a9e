package models

// DailyPostCount counts successful posts per account per calendar day.
type DailyPostCount struct {
	AccountID string `gorm:"primaryKey;size:64"`
	Day       string `gorm:"primaryKey;size:10"` // YYYY-MM-DD in the configured zone
	Count     int    `gorm:"not null"`
}

// DailyActivity is an observability ledger of actions per account, cafe and day.
type DailyActivity struct {
	AccountID string `gorm:"primaryKey;size:64"`
	CafeID    string `gorm:"primaryKey;size:64"`
	Day       string `gorm:"primaryKey;size:10"`
	Posts     int    `gorm:"not null"`
	Comments  int    `gorm:"not null"`
	Replies   int    `gorm:"not null"`
	Likes     int    `gorm:"not null"`
}
