package models

import "time"

// QueueSettingsID is the primary key of the singleton settings row.
const QueueSettingsID = 1

// QueueSettings holds delay ranges, retry policy and the job timeout.
// All durations are milliseconds.
type QueueSettings struct {
	ID                 uint `gorm:"primaryKey"`
	BetweenPostsMin    int64
	BetweenPostsMax    int64
	BetweenCommentsMin int64
	BetweenCommentsMax int64
	AfterPostMin       int64
	AfterPostMax       int64
	RetryAttempts      int
	RetryBackoffMs     int64
	TimeoutMs          int64
	EnforceDailyLimit  bool
	UpdatedAt          time.Time
}
