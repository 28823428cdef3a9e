// Package settings reads and updates the QueueSettings singleton.
package settings

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/cafeyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalid marks settings that fail validation.
var ErrInvalid = errors.New("settings: invalid")

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	BetweenPostsMin    *int64 `json:"between_posts_min,omitempty"`
	BetweenPostsMax    *int64 `json:"between_posts_max,omitempty"`
	BetweenCommentsMin *int64 `json:"between_comments_min,omitempty"`
	BetweenCommentsMax *int64 `json:"between_comments_max,omitempty"`
	AfterPostMin       *int64 `json:"after_post_min,omitempty"`
	AfterPostMax       *int64 `json:"after_post_max,omitempty"`
	RetryAttempts      *int   `json:"retry_attempts,omitempty"`
	RetryBackoffMs     *int64 `json:"retry_backoff_ms,omitempty"`
	TimeoutMs          *int64 `json:"timeout_ms,omitempty"`
	EnforceDailyLimit  *bool  `json:"enforce_daily_limit,omitempty"`
}

// Empty reports whether the patch sets no fields.
func (p Patch) Empty() bool {
	return p == Patch{}
}

// Defaults returns the built-in settings used when no row has been seeded.
func Defaults() models.QueueSettings {
	return models.QueueSettings{
		ID:                 models.QueueSettingsID,
		BetweenPostsMin:    5 * 60 * 1000,
		BetweenPostsMax:    15 * 60 * 1000,
		BetweenCommentsMin: 60 * 1000,
		BetweenCommentsMax: 3 * 60 * 1000,
		AfterPostMin:       2 * 60 * 1000,
		AfterPostMax:       5 * 60 * 1000,
		RetryAttempts:      3,
		RetryBackoffMs:     60 * 1000,
		TimeoutMs:          3 * 60 * 1000,
		EnforceDailyLimit:  true,
	}
}

// Get returns the settings row, creating it from Defaults if absent.
func Get(db *gorm.DB) (*models.QueueSettings, error) {
	var s models.QueueSettings
	err := db.Where("id = ?", models.QueueSettingsID).First(&s).Error
	if err == nil {
		return &s, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("settings: get: %w", err)
	}

	d := Defaults()
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&d).Error; err != nil {
		return nil, fmt.Errorf("settings: create defaults: %w", err)
	}
	if err := db.Where("id = ?", models.QueueSettingsID).First(&s).Error; err != nil {
		return nil, fmt.Errorf("settings: get: %w", err)
	}
	return &s, nil
}

// Update merges p into the stored settings and returns the result. The merged
// row is validated before it is written.
func Update(db *gorm.DB, p Patch) (*models.QueueSettings, error) {
	var out models.QueueSettings
	err := db.Transaction(func(tx *gorm.DB) error {
		cur, err := Get(tx)
		if err != nil {
			return err
		}
		merged := Apply(*cur, p)
		if err := Validate(merged); err != nil {
			return err
		}
		merged.UpdatedAt = time.Now()
		if err := tx.Save(&merged).Error; err != nil {
			return fmt.Errorf("settings: save: %w", err)
		}
		out = merged
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Apply returns s with every non-nil field of p copied over.
func Apply(s models.QueueSettings, p Patch) models.QueueSettings {
	set64 := func(dst *int64, v *int64) {
		if v != nil {
			*dst = *v
		}
	}
	set64(&s.BetweenPostsMin, p.BetweenPostsMin)
	set64(&s.BetweenPostsMax, p.BetweenPostsMax)
	set64(&s.BetweenCommentsMin, p.BetweenCommentsMin)
	set64(&s.BetweenCommentsMax, p.BetweenCommentsMax)
	set64(&s.AfterPostMin, p.AfterPostMin)
	set64(&s.AfterPostMax, p.AfterPostMax)
	set64(&s.RetryBackoffMs, p.RetryBackoffMs)
	set64(&s.TimeoutMs, p.TimeoutMs)
	if p.RetryAttempts != nil {
		s.RetryAttempts = *p.RetryAttempts
	}
	if p.EnforceDailyLimit != nil {
		s.EnforceDailyLimit = *p.EnforceDailyLimit
	}
	return s
}

// Validate checks that ranges are ordered and policy values are positive.
func Validate(s models.QueueSettings) error {
	var errs []string
	ranges := []struct {
		name     string
		min, max int64
	}{
		{"between_posts", s.BetweenPostsMin, s.BetweenPostsMax},
		{"between_comments", s.BetweenCommentsMin, s.BetweenCommentsMax},
		{"after_post", s.AfterPostMin, s.AfterPostMax},
	}
	for _, r := range ranges {
		if r.min < 0 || r.max < r.min {
			errs = append(errs, fmt.Sprintf("%s must satisfy 0 <= min <= max (got %d..%d)", r.name, r.min, r.max))
		}
	}
	if s.RetryAttempts < 1 {
		errs = append(errs, "retry_attempts must be at least 1")
	}
	if s.RetryBackoffMs < 0 {
		errs = append(errs, "retry_backoff_ms must not be negative")
	}
	if s.TimeoutMs <= 0 {
		errs = append(errs, "timeout_ms must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// Timeout is the per-job execution budget.
func Timeout(s models.QueueSettings) time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Backoff is the base retry delay.
func Backoff(s models.QueueSettings) time.Duration {
	return time.Duration(s.RetryBackoffMs) * time.Millisecond
}
