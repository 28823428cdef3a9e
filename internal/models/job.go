package models

import "time"

// Job is one scheduled unit of work for one account. Payload holds the
// type-specific fields as a tagged JSON envelope and never changes after
// enqueue.
type Job struct {
	ID             string     `gorm:"primaryKey;size:32"`
	AccountID      string     `gorm:"size:64;not null;index:idx_job_queue,priority:1"`
	CafeID         string     `gorm:"size:64"`
	BatchID        string     `gorm:"size:64;index"`
	Type           string     `gorm:"size:16;not null"`
	Payload        string     `gorm:"type:text;not null"`
	Status         string     `gorm:"size:16;not null;index:idx_job_queue,priority:2"`
	ScheduledAt    time.Time  `gorm:"index:idx_job_queue,priority:3"`
	DependsOn      string     `gorm:"size:32;index"`
	Attempts       int        `gorm:"not null"`
	MaxAttempts    int        `gorm:"not null"`
	LastError      string     `gorm:"type:text"`
	FailureKind    string     `gorm:"size:16"`
	NeedsAttention bool       `gorm:"index"`
	Alerted        bool
	ResultRef      string     `gorm:"size:256"`
	WorkerID       string     `gorm:"size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time

	Events []JobEvent `gorm:"foreignKey:JobID"`
}

// JobEvent is an append-only ledger entry for a job's lifecycle.
type JobEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	JobID     string `gorm:"size:32;index"`
	AccountID string `gorm:"size:64"`
	Kind      string `gorm:"size:16;not null"`
	Attempt   int
	Message   string `gorm:"type:text"`
	CreatedAt time.Time
}
