package db

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/cafeyard/internal/config"
	"github.com/zulandar/cafeyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Account{},
		&models.Cafe{},
		&models.Job{},
		&models.JobEvent{},
		&models.DailyPostCount{},
		&models.DailyActivity{},
		&models.QueueSettings{},
		&models.AccountSession{},
		&models.Worker{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedAccounts upserts Account rows from configuration. Seeding reactivates
// a soft-deleted account that is still listed in the config.
func SeedAccounts(db *gorm.DB, accounts []config.AccountConfig) error {
	for _, ac := range accounts {
		acct := models.Account{
			ID:            ac.ID,
			Credential:    ac.Credential,
			Nickname:      ac.Nickname,
			IsMain:        ac.Main,
			ActivityStart: 0,
			ActivityEnd:   24,
			RestDays:      JoinWeekdays(ac.RestDays),
			IsActive:      true,
		}
		if ac.ActiveFrom != nil {
			acct.ActivityStart = *ac.ActiveFrom
		}
		if ac.ActiveUntil != nil {
			acct.ActivityEnd = *ac.ActiveUntil
		}
		if ac.DailyPostLimit > 0 {
			limit := ac.DailyPostLimit
			acct.DailyPostLimit = &limit
		}

		result := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"credential", "nickname", "is_main", "daily_post_limit",
				"activity_start", "activity_end", "rest_days", "is_active",
			}),
		}).Create(&acct)
		if result.Error != nil {
			return fmt.Errorf("db: seed account %q: %w", ac.ID, result.Error)
		}
	}
	return nil
}

// SeedCafes upserts Cafe rows from configuration. When a seeded cafe is
// marked default, the flag is cleared on every other cafe first.
func SeedCafes(db *gorm.DB, cafes []config.CafeConfig) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for _, cc := range cafes {
			categories, err := marshalJSON(cc.Categories)
			if err != nil {
				return fmt.Errorf("db: marshal categories for cafe %q: %w", cc.ID, err)
			}
			mapping, err := marshalJSON(cc.MenuMapping)
			if err != nil {
				return fmt.Errorf("db: marshal menu_mapping for cafe %q: %w", cc.ID, err)
			}

			if cc.Default {
				if err := tx.Model(&models.Cafe{}).Where("is_default = ?", true).
					Update("is_default", false).Error; err != nil {
					return fmt.Errorf("db: clear default cafe: %w", err)
				}
			}

			cafe := models.Cafe{
				ID:          cc.ID,
				Name:        cc.Name,
				Categories:  categories,
				MenuMapping: mapping,
				IsDefault:   cc.Default,
			}
			result := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "categories", "menu_mapping", "is_default"}),
			}).Create(&cafe)
			if result.Error != nil {
				return fmt.Errorf("db: seed cafe %q: %w", cc.ID, result.Error)
			}
		}
		return nil
	})
}

// SeedSettings writes the QueueSettings singleton from configuration if it
// does not exist yet. An existing row is left alone so admin edits survive.
func SeedSettings(db *gorm.DB, q config.QueueConfig) error {
	enforce := true
	if q.EnforceDailyLimit != nil {
		enforce = *q.EnforceDailyLimit
	}
	s := models.QueueSettings{
		ID:                 models.QueueSettingsID,
		BetweenPostsMin:    q.BetweenPosts.Min,
		BetweenPostsMax:    q.BetweenPosts.Max,
		BetweenCommentsMin: q.BetweenComments.Min,
		BetweenCommentsMax: q.BetweenComments.Max,
		AfterPostMin:       q.AfterPost.Min,
		AfterPostMax:       q.AfterPost.Max,
		RetryAttempts:      q.RetryAttempts,
		RetryBackoffMs:     q.RetryBackoff.Milliseconds(),
		TimeoutMs:          q.JobTimeout.Milliseconds(),
		EnforceDailyLimit:  enforce,
		UpdatedAt:          time.Now(),
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&s).Error; err != nil {
		return fmt.Errorf("db: seed settings: %w", err)
	}
	return nil
}

// Seed runs every seeding step for a loaded configuration.
func Seed(db *gorm.DB, cfg *config.Config) error {
	if err := SeedSettings(db, cfg.Queue); err != nil {
		return err
	}
	if err := SeedAccounts(db, cfg.Accounts); err != nil {
		return err
	}
	return SeedCafes(db, cfg.Cafes)
}

// JoinWeekdays encodes weekday indices as the comma-separated form stored on Account.
func JoinWeekdays(days []int) string {
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, strconv.Itoa(d))
	}
	return strings.Join(parts, ",")
}

// marshalJSON marshals a value to a JSON string, returning empty string for nil.
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
