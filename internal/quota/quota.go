// Package quota tracks per-account daily post counts and the daily activity
// ledger.
package quota

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/cafeyard/internal/db"
	"github.com/zulandar/cafeyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DayLayout is the calendar-day key format.
const DayLayout = "2006-01-02"

// maxCreateRetries bounds the create/duplicate-key/increment loop.
const maxCreateRetries = 3

// Activity kinds recorded in the DailyActivity ledger.
const (
	KindPost    = "post"
	KindComment = "comment"
	KindReply   = "reply"
	KindLike    = "like"
)

var activityColumn = map[string]string{
	KindPost:    "posts",
	KindComment: "comments",
	KindReply:   "replies",
	KindLike:    "likes",
}

// Tracker enforces daily post limits. Day keys are computed in Location, so
// the counter rolls over at local midnight without any reset job.
type Tracker struct {
	db       *gorm.DB
	location *time.Location
	now      func() time.Time
}

// New returns a Tracker keyed on calendar days in loc.
func New(db *gorm.DB, loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.Local
	}
	return &Tracker{db: db, location: loc, now: time.Now}
}

// Day returns the day key for t.
func (t *Tracker) Day(at time.Time) string {
	return at.In(t.location).Format(DayLayout)
}

// Today returns the current day key.
func (t *Tracker) Today() string {
	return t.Day(t.now())
}

// CountOn returns the post count for accountID on day (0 when no row exists).
func (t *Tracker) CountOn(accountID, day string) (int, error) {
	row, found, err := t.row(t.db, accountID, day)
	if err != nil || !found {
		return 0, err
	}
	return row.Count, nil
}

// CanPostToday reports whether accountID is below limit today. A limit of
// zero or less means unlimited.
func (t *Tracker) CanPostToday(accountID string, limit int) (bool, error) {
	return t.CanPostOn(accountID, t.Today(), limit)
}

// CanPostOn is CanPostToday for an explicit day.
func (t *Tracker) CanPostOn(accountID, day string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	n, err := t.CountOn(accountID, day)
	if err != nil {
		return false, err
	}
	return n < limit, nil
}

// IncrementToday adds one to today's count and returns the new value. A lost
// race on creating the first row of the day is retried as an increment.
func (t *Tracker) IncrementToday(accountID string) (int, error) {
	day := t.Today()
	for i := 0; i < maxCreateRetries; i++ {
		res := t.db.Model(&models.DailyPostCount{}).
			Where("account_id = ? AND day = ?", accountID, day).
			Update("count", gorm.Expr("count + 1"))
		if res.Error != nil {
			return 0, fmt.Errorf("quota: increment %s: %w", accountID, res.Error)
		}
		if res.RowsAffected > 0 {
			return t.CountOn(accountID, day)
		}

		err := t.db.Create(&models.DailyPostCount{AccountID: accountID, Day: day, Count: 1}).Error
		if err == nil {
			return 1, nil
		}
		if !db.IsDuplicateKey(err) {
			return 0, fmt.Errorf("quota: create count for %s: %w", accountID, err)
		}
	}
	return 0, fmt.Errorf("quota: increment %s: gave up after %d attempts", accountID, maxCreateRetries)
}

// Reserve atomically takes one post slot for today if accountID is below
// limit. It returns the day the slot was taken on so a failed post can give it
// back with Release. ok is false when the quota is exhausted.
func (t *Tracker) Reserve(accountID string, limit int) (day string, ok bool, err error) {
	day = t.Today()
	if limit <= 0 {
		_, err := t.IncrementToday(accountID)
		return day, err == nil, err
	}

	for i := 0; i < maxCreateRetries; i++ {
		res := t.db.Model(&models.DailyPostCount{}).
			Where("account_id = ? AND day = ? AND count < ?", accountID, day, limit).
			Update("count", gorm.Expr("count + 1"))
		if res.Error != nil {
			return day, false, fmt.Errorf("quota: reserve %s: %w", accountID, res.Error)
		}
		if res.RowsAffected > 0 {
			return day, true, nil
		}

		_, found, err := t.row(t.db, accountID, day)
		if err != nil {
			return day, false, err
		}
		if found {
			return day, false, nil
		}

		err = t.db.Create(&models.DailyPostCount{AccountID: accountID, Day: day, Count: 1}).Error
		if err == nil {
			return day, true, nil
		}
		if !db.IsDuplicateKey(err) {
			return day, false, fmt.Errorf("quota: create count for %s: %w", accountID, err)
		}
	}
	return day, false, fmt.Errorf("quota: reserve %s: gave up after %d attempts", accountID, maxCreateRetries)
}

// Release gives back a slot taken by Reserve. The count never drops below zero.
func (t *Tracker) Release(accountID, day string) error {
	err := t.db.Model(&models.DailyPostCount{}).
		Where("account_id = ? AND day = ? AND count > 0", accountID, day).
		Update("count", gorm.Expr("count - 1")).Error
	if err != nil {
		return fmt.Errorf("quota: release %s on %s: %w", accountID, day, err)
	}
	return nil
}

// RecordActivity bumps the ledger column for kind on today's row.
func (t *Tracker) RecordActivity(accountID, cafeID, kind string) error {
	col, ok := activityColumn[kind]
	if !ok {
		return fmt.Errorf("quota: unknown activity kind %q", kind)
	}
	row := models.DailyActivity{AccountID: accountID, CafeID: cafeID, Day: t.Today()}
	switch kind {
	case KindPost:
		row.Posts = 1
	case KindComment:
		row.Comments = 1
	case KindReply:
		row.Replies = 1
	case KindLike:
		row.Likes = 1
	}

	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "cafe_id"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]interface{}{col: gorm.Expr(col + " + 1")}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("quota: record %s for %s: %w", kind, accountID, err)
	}
	return nil
}

// ActivityOn lists the ledger rows for day, ordered by account then cafe.
func (t *Tracker) ActivityOn(day string) ([]models.DailyActivity, error) {
	var rows []models.DailyActivity
	if err := t.db.Where("day = ?", day).Order("account_id ASC, cafe_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("quota: activity on %s: %w", day, err)
	}
	return rows, nil
}

func (t *Tracker) row(tx *gorm.DB, accountID, day string) (*models.DailyPostCount, bool, error) {
	var row models.DailyPostCount
	err := tx.Where("account_id = ? AND day = ?", accountID, day).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("quota: get count for %s on %s: %w", accountID, day, err)
	}
	return &row, true, nil
}
