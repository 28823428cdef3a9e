package dashboard

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zulandar/cafeyard/internal/account"
	"github.com/zulandar/cafeyard/internal/models"
	"github.com/zulandar/cafeyard/internal/queue"
	"github.com/zulandar/cafeyard/internal/quota"
	"github.com/zulandar/cafeyard/internal/worker"
	"gorm.io/gorm"
)

// AccountRow is one account's line in the status overview.
type AccountRow struct {
	ID           string              `json:"id"`
	Nickname     string              `json:"nickname,omitempty"`
	Active       bool                `json:"active"`
	DailyLimit   int                 `json:"daily_limit"` // 0 = unlimited
	PostsToday   int                 `json:"posts_today"`
	Queue        queue.AccountStatus `json:"queue"`
	Worker       string              `json:"worker,omitempty"`
	WorkerStatus string              `json:"worker_status,omitempty"`
	CurrentJob   string              `json:"current_job,omitempty"`
	LastActivity *time.Time          `json:"last_activity,omitempty"`
	Session      string              `json:"session,omitempty"`
	LastLoginAt  *time.Time          `json:"last_login_at,omitempty"`
}

// Overview is the response of GET /api/status.
type Overview struct {
	Day       string       `json:"day"`
	Accounts  []AccountRow `json:"accounts"`
	Totals    Totals       `json:"totals"`
	Attention int64        `json:"needs_attention"`
	At        time.Time    `json:"generated_at"`
}

// Totals sums queue counts across accounts.
type Totals struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (t *Totals) add(s queue.AccountStatus) {
	t.Waiting += s.Waiting
	t.Delayed += s.Delayed
	t.Active += s.Active
	t.Completed += s.Completed
	t.Failed += s.Failed
}

// StatusOverview joins accounts with their queue counts, today's post count,
// live worker and persisted session state. Accounts that were deactivated
// but still have jobs are included.
func StatusOverview(db *gorm.DB, tracker *quota.Tracker) (*Overview, error) {
	accounts, err := account.List(db, true)
	if err != nil {
		return nil, err
	}
	statuses, err := queue.Status(db)
	if err != nil {
		return nil, err
	}
	workers, err := worker.ListLive(db)
	if err != nil {
		return nil, err
	}
	var sessions []models.AccountSession
	if err := db.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("dashboard: load sessions: %w", err)
	}

	byQueue := make(map[string]queue.AccountStatus, len(statuses))
	for _, s := range statuses {
		byQueue[s.AccountID] = s
	}
	byWorker := make(map[string]models.Worker, len(workers))
	for _, w := range workers {
		byWorker[w.AccountID] = w
	}
	bySession := make(map[string]models.AccountSession, len(sessions))
	for _, s := range sessions {
		bySession[s.AccountID] = s
	}

	ov := &Overview{Day: tracker.Today(), At: time.Now().UTC()}
	for _, a := range accounts {
		st, hasJobs := byQueue[a.ID]
		delete(byQueue, a.ID)
		if !a.IsActive && !hasJobs {
			continue
		}
		if !hasJobs {
			st = queue.AccountStatus{AccountID: a.ID}
		}
		posts, err := tracker.CountOn(a.ID, ov.Day)
		if err != nil {
			return nil, err
		}
		row := AccountRow{
			ID:         a.ID,
			Nickname:   a.Nickname,
			Active:     a.IsActive,
			DailyLimit: account.Limit(a),
			PostsToday: posts,
			Queue:      st,
		}
		if w, ok := byWorker[a.ID]; ok {
			last := w.LastActivity
			row.Worker, row.WorkerStatus, row.CurrentJob, row.LastActivity = w.ID, w.Status, w.CurrentJob, &last
		}
		if s, ok := bySession[a.ID]; ok {
			row.Session, row.LastLoginAt = s.Status, s.LastLoginAt
		}
		ov.Totals.add(st)
		ov.Accounts = append(ov.Accounts, row)
	}
	// Jobs left behind by deleted accounts.
	for _, st := range statuses {
		if _, ok := byQueue[st.AccountID]; ok {
			ov.Totals.add(st)
			ov.Accounts = append(ov.Accounts, AccountRow{ID: st.AccountID, Queue: st})
		}
	}

	if err := db.Model(&models.Job{}).Where("needs_attention = ?", true).Count(&ov.Attention).Error; err != nil {
		return nil, fmt.Errorf("dashboard: count attention: %w", err)
	}
	return ov, nil
}

// JobView is a job with its decoded payload, as returned by the jobs API.
type JobView struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	CafeID         string          `json:"cafe_id,omitempty"`
	BatchID        string          `json:"batch_id,omitempty"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	DependsOn      string          `json:"depends_on,omitempty"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      string          `json:"last_error,omitempty"`
	FailureKind    string          `json:"failure_kind,omitempty"`
	NeedsAttention bool            `json:"needs_attention,omitempty"`
	ResultRef      string          `json:"result_ref,omitempty"`
	WorkerID       string          `json:"worker_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Events         []EventView     `json:"events,omitempty"`
}

// EventView is one job ledger entry.
type EventView struct {
	Kind    string    `json:"kind"`
	Attempt int       `json:"attempt"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

func jobView(j models.Job) JobView {
	v := JobView{
		ID:             j.ID,
		AccountID:      j.AccountID,
		CafeID:         j.CafeID,
		BatchID:        j.BatchID,
		Type:           j.Type,
		Status:         j.Status,
		ScheduledAt:    j.ScheduledAt,
		DependsOn:      j.DependsOn,
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		LastError:      j.LastError,
		FailureKind:    j.FailureKind,
		NeedsAttention: j.NeedsAttention,
		ResultRef:      j.ResultRef,
		WorkerID:       j.WorkerID,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
	}
	// Re-encoded from the typed payload so clients see only known fields.
	if p, err := queue.DecodePayload(j.Payload); err == nil {
		if raw, err := json.Marshal(p); err == nil {
			v.Payload = raw
		}
	}
	return v
}

func eventViews(events []models.JobEvent) []EventView {
	out := make([]EventView, len(events))
	for i, e := range events {
		out[i] = EventView{Kind: e.Kind, Attempt: e.Attempt, Message: e.Message, At: e.CreatedAt}
	}
	return out
}

// SettingsView is the JSON form of the live queue settings.
type SettingsView struct {
	BetweenPostsMin    int64     `json:"between_posts_min"`
	BetweenPostsMax    int64     `json:"between_posts_max"`
	BetweenCommentsMin int64     `json:"between_comments_min"`
	BetweenCommentsMax int64     `json:"between_comments_max"`
	AfterPostMin       int64     `json:"after_post_min"`
	AfterPostMax       int64     `json:"after_post_max"`
	RetryAttempts      int       `json:"retry_attempts"`
	RetryBackoffMs     int64     `json:"retry_backoff_ms"`
	TimeoutMs          int64     `json:"timeout_ms"`
	EnforceDailyLimit  bool      `json:"enforce_daily_limit"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func settingsView(s models.QueueSettings) SettingsView {
	return SettingsView{
		BetweenPostsMin:    s.BetweenPostsMin,
		BetweenPostsMax:    s.BetweenPostsMax,
		BetweenCommentsMin: s.BetweenCommentsMin,
		BetweenCommentsMax: s.BetweenCommentsMax,
		AfterPostMin:       s.AfterPostMin,
		AfterPostMax:       s.AfterPostMax,
		RetryAttempts:      s.RetryAttempts,
		RetryBackoffMs:     s.RetryBackoffMs,
		TimeoutMs:          s.TimeoutMs,
		EnforceDailyLimit:  s.EnforceDailyLimit,
		UpdatedAt:          s.UpdatedAt,
	}
}
