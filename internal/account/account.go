// Package account manages the operator account roster.
package account

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/cafeyard/internal/activity"
	"github.com/zulandar/cafeyard/internal/db"
	"github.com/zulandar/cafeyard/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no account has the requested ID.
var ErrNotFound = errors.New("account: not found")

// ErrHasJobs is returned by Delete while jobs still reference the account.
var ErrHasJobs = errors.New("account: jobs still reference account")

// CreateOpts holds parameters for creating an account.
type CreateOpts struct {
	ID             string
	Credential     string
	Nickname       string
	IsMain         bool
	DailyPostLimit int // 0 = unlimited
	ActivityStart  int
	ActivityEnd    int // 0 with ActivityStart 0 means all day
	RestDays       []int
}

// Create inserts a new active account after validating its activity window.
func Create(gdb *gorm.DB, opts CreateOpts) (*models.Account, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("account: id is required")
	}
	if opts.ActivityStart == 0 && opts.ActivityEnd == 0 {
		opts.ActivityEnd = 24
	}

	acct := models.Account{
		ID:            opts.ID,
		Credential:    opts.Credential,
		Nickname:      opts.Nickname,
		IsMain:        opts.IsMain,
		ActivityStart: opts.ActivityStart,
		ActivityEnd:   opts.ActivityEnd,
		RestDays:      db.JoinWeekdays(opts.RestDays),
		IsActive:      true,
	}
	if opts.DailyPostLimit > 0 {
		limit := opts.DailyPostLimit
		acct.DailyPostLimit = &limit
	}
	if _, err := Window(acct, time.UTC); err != nil {
		return nil, err
	}

	if err := gdb.Create(&acct).Error; err != nil {
		if db.IsDuplicateKey(err) {
			return nil, fmt.Errorf("account: %s already exists", opts.ID)
		}
		return nil, fmt.Errorf("account: create %s: %w", opts.ID, err)
	}
	return &acct, nil
}

// Get retrieves an account by ID regardless of its active flag.
func Get(gdb *gorm.DB, id string) (*models.Account, error) {
	var acct models.Account
	if err := gdb.Where("id = ?", id).First(&acct).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("account: get %s: %w", id, err)
	}
	return &acct, nil
}

// List returns all accounts ordered by ID. Inactive accounts are included
// when all is true.
func List(gdb *gorm.DB, all bool) ([]models.Account, error) {
	q := gdb.Model(&models.Account{})
	if !all {
		q = q.Where("is_active = ?", true)
	}
	var accts []models.Account
	if err := q.Order("id ASC").Find(&accts).Error; err != nil {
		return nil, fmt.Errorf("account: list: %w", err)
	}
	return accts, nil
}

// Roster returns the active accounts in rotation order: the main account
// first, then by creation time and ID.
func Roster(gdb *gorm.DB) ([]models.Account, error) {
	var accts []models.Account
	err := gdb.Where("is_active = ?", true).
		Order("is_main DESC, created_at ASC, id ASC").
		Find(&accts).Error
	if err != nil {
		return nil, fmt.Errorf("account: roster: %w", err)
	}
	return accts, nil
}

// Deactivate soft-deletes an account. Its queued jobs are left in place.
func Deactivate(gdb *gorm.DB, id string) error {
	return setActive(gdb, id, false)
}

// Activate reverses Deactivate.
func Activate(gdb *gorm.DB, id string) error {
	return setActive(gdb, id, true)
}

func setActive(gdb *gorm.DB, id string, active bool) error {
	res := gdb.Model(&models.Account{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("account: set active %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Delete hard-deletes an account that no job references, along with its
// persisted session.
func Delete(gdb *gorm.DB, id string) error {
	return gdb.Transaction(func(tx *gorm.DB) error {
		var jobs int64
		if err := tx.Model(&models.Job{}).Where("account_id = ?", id).Count(&jobs).Error; err != nil {
			return fmt.Errorf("account: count jobs for %s: %w", id, err)
		}
		if jobs > 0 {
			return fmt.Errorf("%w: %s has %d jobs", ErrHasJobs, id, jobs)
		}
		if err := tx.Where("account_id = ?", id).Delete(&models.AccountSession{}).Error; err != nil {
			return fmt.Errorf("account: delete session for %s: %w", id, err)
		}
		res := tx.Where("id = ?", id).Delete(&models.Account{})
		if res.Error != nil {
			return fmt.Errorf("account: delete %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil
	})
}

// ForgetSession deletes the persisted platform session of an account so its
// next job logs in from scratch. A running worker keeps its in-memory
// session until it restarts.
func ForgetSession(gdb *gorm.DB, id string) error {
	if err := gdb.Where("account_id = ?", id).Delete(&models.AccountSession{}).Error; err != nil {
		return fmt.Errorf("account: forget session for %s: %w", id, err)
	}
	return nil
}

// Limit returns the account's daily post cap, 0 meaning unlimited.
func Limit(acct models.Account) int {
	if acct.DailyPostLimit == nil {
		return 0
	}
	return *acct.DailyPostLimit
}

// Window builds and validates the account's activity window in loc.
func Window(acct models.Account, loc *time.Location) (activity.Window, error) {
	w, err := activity.FromAccount(acct, loc)
	if err != nil {
		return activity.Window{}, err
	}
	if err := w.Validate(); err != nil {
		return activity.Window{}, fmt.Errorf("account %s: %w", acct.ID, err)
	}
	return w, nil
}
