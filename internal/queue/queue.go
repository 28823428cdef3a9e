// Package queue is the durable per-account job store. Every account has one
// logical queue ordered by ScheduledAt, and at most one of its jobs may be
// active at a time.
package queue

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/cafeyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Job statuses.
const (
	StatusWaiting   = "waiting"
	StatusDelayed   = "delayed"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job event kinds.
const (
	EventEnqueued  = "enqueued"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventRetry     = "retry"
	EventDeferred  = "deferred"
	EventRecovered = "recovered"
)

// maxBackoff caps the exponential retry delay.
const maxBackoff = 24 * time.Hour

var (
	ErrNotFound       = errors.New("queue: job not found")
	ErrJobActive      = errors.New("queue: job is active")
	ErrNotCancellable = errors.New("queue: only waiting or delayed jobs can be removed")
	ErrAccountBusy    = errors.New("queue: account already has an active job")
	ErrEmpty          = errors.New("queue: no ready job")
)

// ValidTransitions maps each status to the statuses it may move to.
var ValidTransitions = map[string][]string{
	StatusWaiting: {StatusActive},
	StatusDelayed: {StatusWaiting},
	StatusActive:  {StatusCompleted, StatusFailed, StatusWaiting, StatusDelayed},
}

// cancellable are the statuses Remove and Clear may delete.
var cancellable = []string{StatusWaiting, StatusDelayed}

// EnqueueOpts holds parameters for adding a job.
type EnqueueOpts struct {
	AccountID   string
	CafeID      string
	BatchID     string
	Payload     Payload
	Delay       time.Duration // from now; ignored when At is set
	At          time.Time
	DependsOn   string
	MaxAttempts int
}

// ListFilters holds optional filters for listing jobs.
type ListFilters struct {
	AccountID string
	Status    string
	Type      string
	BatchID   string
	Limit     int
}

// FailOpts describes a failed attempt.
type FailOpts struct {
	Message   string
	Kind      string // transient, auth, fatal, dependency
	Retry     bool
	Backoff   time.Duration
	Attention bool
	Now       time.Time
}

// GenerateID creates a job ID in job-xxxxxxxxxx format (10-char hex).
func GenerateID() (string, error) {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("queue: generate ID: %w", err)
	}
	return "job-" + hex.EncodeToString(b), nil
}

// Backoff returns base*2^(attempt-1), capped at a day.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func isValidTransition(from, to string) bool {
	for _, v := range ValidTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

// Enqueue validates and stores a job. A job scheduled in the future starts
// delayed; otherwise it is immediately waiting.
func Enqueue(db *gorm.DB, opts EnqueueOpts) (*models.Job, error) {
	if opts.AccountID == "" {
		return nil, fmt.Errorf("queue: account is required")
	}
	payload, err := EncodePayload(opts.Payload)
	if err != nil {
		return nil, err
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	now := time.Now().UTC()
	at := now.Add(opts.Delay)
	if !opts.At.IsZero() {
		at = opts.At.UTC()
	}
	status := StatusWaiting
	if at.After(now) {
		status = StatusDelayed
	}

	var job models.Job
	err = db.Transaction(func(tx *gorm.DB) error {
		id, err := generateUniqueID(tx)
		if err != nil {
			return err
		}
		job = models.Job{
			ID:          id,
			AccountID:   opts.AccountID,
			CafeID:      opts.CafeID,
			BatchID:     opts.BatchID,
			Type:        opts.Payload.Type(),
			Payload:     payload,
			Status:      status,
			ScheduledAt: at,
			DependsOn:   opts.DependsOn,
			MaxAttempts: opts.MaxAttempts,
		}
		if err := tx.Create(&job).Error; err != nil {
			return fmt.Errorf("queue: enqueue for %s: %w", opts.AccountID, err)
		}
		return addEvent(tx, &job, EventEnqueued, fmt.Sprintf("%s scheduled at %s", status, at.Format(time.RFC3339)))
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Get retrieves a job with its event ledger.
func Get(db *gorm.DB, id string) (*models.Job, error) {
	var job models.Job
	err := db.Preload("Events", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("queue: get %s: %w", id, err)
	}
	return &job, nil
}

// List returns jobs matching filters in schedule order.
func List(db *gorm.DB, f ListFilters) ([]models.Job, error) {
	q := db.Model(&models.Job{})
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.BatchID != "" {
		q = q.Where("batch_id = ?", f.BatchID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var jobs []models.Job
	if err := q.Order("scheduled_at ASC, created_at ASC, id ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	return jobs, nil
}

// Events returns the ledger for a job, oldest first.
func Events(db *gorm.DB, jobID string) ([]models.JobEvent, error) {
	var events []models.JobEvent
	if err := db.Where("job_id = ?", jobID).Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("queue: events for %s: %w", jobID, err)
	}
	return events, nil
}

// Promote moves delayed jobs whose time has come to waiting. An empty
// accountID promotes across all queues.
func Promote(db *gorm.DB, accountID string, now time.Time) (int64, error) {
	q := db.Model(&models.Job{}).Where("status = ? AND scheduled_at <= ?", StatusDelayed, now.UTC())
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	res := q.Update("status", StatusWaiting)
	if res.Error != nil {
		return 0, fmt.Errorf("queue: promote: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Claim atomically takes the oldest due waiting job for accountID and marks
// it active. It returns ErrAccountBusy if the account already has an active
// job and ErrEmpty if nothing is ready.
func Claim(db *gorm.DB, accountID, workerID string, now time.Time) (*models.Job, error) {
	now = now.UTC()
	var claimed models.Job

	err := db.Transaction(func(tx *gorm.DB) error {
		// Serialize claimers for the same account on the account row.
		var lock []models.Account
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", accountID).Find(&lock).Error; err != nil {
			return fmt.Errorf("queue: lock account %s: %w", accountID, err)
		}

		var active int64
		if err := tx.Model(&models.Job{}).
			Where("account_id = ? AND status = ?", accountID, StatusActive).
			Count(&active).Error; err != nil {
			return fmt.Errorf("queue: count active for %s: %w", accountID, err)
		}
		if active > 0 {
			return ErrAccountBusy
		}

		result := tx.Where("account_id = ? AND status = ? AND scheduled_at <= ?", accountID, StatusWaiting, now).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("scheduled_at ASC, created_at ASC, id ASC").
			Limit(1).
			Find(&claimed)
		if result.Error != nil {
			return fmt.Errorf("queue: find ready job for %s: %w", accountID, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrEmpty
		}

		res := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", claimed.ID, StatusWaiting).
			Updates(map[string]interface{}{
				"status":     StatusActive,
				"attempts":   gorm.Expr("attempts + 1"),
				"worker_id":  workerID,
				"started_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("queue: claim %s: %w", claimed.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrEmpty
		}
		claimed.Status = StatusActive
		claimed.Attempts++
		claimed.WorkerID = workerID
		claimed.StartedAt = &now

		return addEvent(tx, &claimed, EventStarted, "claimed by "+workerID)
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// Complete marks an active job completed and records its result reference.
func Complete(db *gorm.DB, jobID, resultRef string, now time.Time) error {
	now = now.UTC()
	return db.Transaction(func(tx *gorm.DB) error {
		job, err := load(tx, jobID)
		if err != nil {
			return err
		}
		if err := transition(tx, job, StatusCompleted, map[string]interface{}{
			"result_ref":  resultRef,
			"finished_at": now,
			"worker_id":   "",
		}); err != nil {
			return err
		}
		return addEvent(tx, job, EventCompleted, resultRef)
	})
}

// Fail records a failed attempt on an active job. When opts.Retry is set and
// attempts remain, the job is rescheduled after an exponential backoff and
// retried is true. Otherwise the job is terminally failed.
func Fail(db *gorm.DB, jobID string, opts FailOpts) (retried bool, err error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	err = db.Transaction(func(tx *gorm.DB) error {
		job, err := load(tx, jobID)
		if err != nil {
			return err
		}
		if err := addEvent(tx, job, EventFailed, opts.Message); err != nil {
			return err
		}

		if opts.Retry && job.Attempts < job.MaxAttempts {
			next := now.Add(Backoff(opts.Backoff, job.Attempts))
			if err := transition(tx, job, StatusDelayed, map[string]interface{}{
				"scheduled_at": next,
				"last_error":   opts.Message,
				"failure_kind": opts.Kind,
				"worker_id":    "",
			}); err != nil {
				return err
			}
			retried = true
			return addEvent(tx, job, EventRetry, "retry at "+next.Format(time.RFC3339))
		}

		return transition(tx, job, StatusFailed, map[string]interface{}{
			"last_error":      opts.Message,
			"failure_kind":    opts.Kind,
			"needs_attention": opts.Attention,
			"finished_at":     now,
			"worker_id":       "",
		})
	})
	return retried, err
}

// Defer returns an active job to the queue until the given time without
// consuming an attempt.
func Defer(db *gorm.DB, jobID string, until time.Time, reason string, now time.Time) error {
	until, now = until.UTC(), now.UTC()
	return db.Transaction(func(tx *gorm.DB) error {
		job, err := load(tx, jobID)
		if err != nil {
			return err
		}
		to := StatusWaiting
		if until.After(now) {
			to = StatusDelayed
		}
		attempts := job.Attempts - 1
		if attempts < 0 {
			attempts = 0
		}
		if err := transition(tx, job, to, map[string]interface{}{
			"scheduled_at": until,
			"attempts":     attempts,
			"worker_id":    "",
			"started_at":   nil,
		}); err != nil {
			return err
		}
		job.Attempts = attempts
		return addEvent(tx, job, EventDeferred, fmt.Sprintf("%s; until %s", reason, until.Format(time.RFC3339)))
	})
}

// Remove deletes a single waiting or delayed job. Active jobs are refused
// with ErrJobActive.
func Remove(db *gorm.DB, jobID string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		job, err := load(tx, jobID)
		if err != nil {
			return err
		}
		switch job.Status {
		case StatusActive:
			return fmt.Errorf("%w: %s", ErrJobActive, jobID)
		case StatusWaiting, StatusDelayed:
		default:
			return fmt.Errorf("%w: %s is %s", ErrNotCancellable, jobID, job.Status)
		}

		if err := tx.Where("job_id = ?", jobID).Delete(&models.JobEvent{}).Error; err != nil {
			return fmt.Errorf("queue: delete events for %s: %w", jobID, err)
		}
		res := tx.Where("id = ? AND status IN ?", jobID, cancellable).Delete(&models.Job{})
		if res.Error != nil {
			return fmt.Errorf("queue: remove %s: %w", jobID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrJobActive, jobID)
		}
		return nil
	})
}

// Clear removes every waiting and delayed job for accountID in one
// transaction. Active jobs are left untouched.
func Clear(db *gorm.DB, accountID string) (int64, error) {
	if accountID == "" {
		return 0, fmt.Errorf("queue: account is required")
	}
	return drain(db, accountID)
}

// ClearAll drains every account's queue of waiting and delayed jobs.
func ClearAll(db *gorm.DB) (int64, error) {
	return drain(db, "")
}

func drain(db *gorm.DB, accountID string) (int64, error) {
	var removed int64
	err := db.Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.Job{}).Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status IN ?", cancellable)
		if accountID != "" {
			q = q.Where("account_id = ?", accountID)
		}
		var ids []string
		if err := q.Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("queue: select jobs to clear: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Where("job_id IN ?", ids).Delete(&models.JobEvent{}).Error; err != nil {
			return fmt.Errorf("queue: clear events: %w", err)
		}
		res := tx.Where("id IN ? AND status IN ?", ids, cancellable).Delete(&models.Job{})
		if res.Error != nil {
			return fmt.Errorf("queue: clear: %w", res.Error)
		}
		removed = res.RowsAffected
		return nil
	})
	return removed, err
}

// RecoverActive returns jobs left active by workerID to waiting.
func RecoverActive(db *gorm.DB, workerID string) (int64, error) {
	var recovered int64
	err := db.Transaction(func(tx *gorm.DB) error {
		var jobs []models.Job
		if err := tx.Where("worker_id = ? AND status = ?", workerID, StatusActive).Find(&jobs).Error; err != nil {
			return fmt.Errorf("queue: find active jobs for %s: %w", workerID, err)
		}
		for i := range jobs {
			if err := transition(tx, &jobs[i], StatusWaiting, map[string]interface{}{
				"worker_id":  "",
				"started_at": nil,
			}); err != nil {
				return err
			}
			if err := addEvent(tx, &jobs[i], EventRecovered, "worker "+workerID+" stopped"); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	return recovered, err
}

// PendingPosts counts post jobs for accountID scheduled in [from, to) that
// have not finished yet.
func PendingPosts(db *gorm.DB, accountID string, from, to time.Time) (int64, error) {
	var n int64
	err := db.Model(&models.Job{}).
		Where("account_id = ? AND type = ? AND status IN ?", accountID, TypePost,
			[]string{StatusWaiting, StatusDelayed, StatusActive}).
		Where("scheduled_at >= ? AND scheduled_at < ?", from.UTC(), to.UTC()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("queue: pending posts for %s: %w", accountID, err)
	}
	return n, nil
}

// NextDue returns the earliest schedule time among the account's waiting and
// delayed jobs, or nil when the queue is empty.
func NextDue(db *gorm.DB, accountID string) (*time.Time, error) {
	var jobs []models.Job
	err := db.Select("scheduled_at").
		Where("account_id = ? AND status IN ?", accountID, cancellable).
		Order("scheduled_at ASC").Limit(1).Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("queue: next due for %s: %w", accountID, err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0].ScheduledAt, nil
}

// NeedingAttention lists terminally failed jobs flagged for an operator that
// have not been alerted yet.
func NeedingAttention(db *gorm.DB) ([]models.Job, error) {
	var jobs []models.Job
	err := db.Where("needs_attention = ? AND alerted = ?", true, false).
		Order("finished_at ASC").Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("queue: needing attention: %w", err)
	}
	return jobs, nil
}

// MarkAlerted records that an operator was notified about a job.
func MarkAlerted(db *gorm.DB, jobID string) error {
	if err := db.Model(&models.Job{}).Where("id = ?", jobID).Update("alerted", true).Error; err != nil {
		return fmt.Errorf("queue: mark alerted %s: %w", jobID, err)
	}
	return nil
}

func load(tx *gorm.DB, id string) (*models.Job, error) {
	var job models.Job
	if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("queue: get %s: %w", id, err)
	}
	return &job, nil
}

// transition moves job to status `to` if the current status allows it and no
// one else changed it in between.
func transition(tx *gorm.DB, job *models.Job, to string, updates map[string]interface{}) error {
	if !isValidTransition(job.Status, to) {
		return fmt.Errorf("queue: invalid status transition for %s from %q to %q; valid transitions: %v",
			job.ID, job.Status, to, ValidTransitions[job.Status])
	}
	updates["status"] = to
	res := tx.Model(&models.Job{}).Where("id = ? AND status = ?", job.ID, job.Status).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("queue: update %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("queue: %s changed status concurrently", job.ID)
	}
	job.Status = to
	return nil
}

func addEvent(tx *gorm.DB, job *models.Job, kind, msg string) error {
	ev := models.JobEvent{
		JobID:     job.ID,
		AccountID: job.AccountID,
		Kind:      kind,
		Attempt:   job.Attempts,
		Message:   msg,
	}
	if err := tx.Create(&ev).Error; err != nil {
		return fmt.Errorf("queue: record %s event for %s: %w", kind, job.ID, err)
	}
	return nil
}

// generateUniqueID generates an ID and retries once on collision.
func generateUniqueID(db *gorm.DB) (string, error) {
	for range 2 {
		id, err := GenerateID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := db.Model(&models.Job{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("queue: check ID uniqueness: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("queue: failed to generate unique ID after retries")
}
