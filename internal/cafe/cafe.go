// Package cafe manages destination communities and the default cafe.
package cafe

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zulandar/cafeyard/internal/db"
	"github.com/zulandar/cafeyard/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no cafe matches.
var ErrNotFound = errors.New("cafe: not found")

// ErrNoDefault is returned by Default when no cafe carries the flag.
var ErrNoDefault = errors.New("cafe: no default cafe")

// CreateOpts holds parameters for creating a cafe.
type CreateOpts struct {
	ID          string
	Name        string
	Categories  []string
	MenuMapping map[string]string
	Default     bool
}

// Create inserts a cafe. When opts.Default is set the flag is moved to it.
func Create(gdb *gorm.DB, opts CreateOpts) (*models.Cafe, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("cafe: id is required")
	}
	categories, err := json.Marshal(nonNil(opts.Categories))
	if err != nil {
		return nil, fmt.Errorf("cafe: marshal categories: %w", err)
	}
	mapping := opts.MenuMapping
	if mapping == nil {
		mapping = map[string]string{}
	}
	menu, err := json.Marshal(mapping)
	if err != nil {
		return nil, fmt.Errorf("cafe: marshal menu mapping: %w", err)
	}

	c := models.Cafe{
		ID:          opts.ID,
		Name:        opts.Name,
		Categories:  string(categories),
		MenuMapping: string(menu),
	}
	err = gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&c).Error; err != nil {
			if db.IsDuplicateKey(err) {
				return fmt.Errorf("cafe: %s already exists", opts.ID)
			}
			return fmt.Errorf("cafe: create %s: %w", opts.ID, err)
		}
		if opts.Default {
			return setDefault(tx, opts.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.IsDefault = opts.Default
	return &c, nil
}

// Get retrieves a cafe by ID.
func Get(gdb *gorm.DB, id string) (*models.Cafe, error) {
	var c models.Cafe
	if err := gdb.Where("id = ?", id).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("cafe: get %s: %w", id, err)
	}
	return &c, nil
}

// List returns all cafes ordered by ID.
func List(gdb *gorm.DB) ([]models.Cafe, error) {
	var cafes []models.Cafe
	if err := gdb.Order("id ASC").Find(&cafes).Error; err != nil {
		return nil, fmt.Errorf("cafe: list: %w", err)
	}
	return cafes, nil
}

// Default returns the cafe flagged as default.
func Default(gdb *gorm.DB) (*models.Cafe, error) {
	var c models.Cafe
	if err := gdb.Where("is_default = ?", true).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoDefault
		}
		return nil, fmt.Errorf("cafe: get default: %w", err)
	}
	return &c, nil
}

// SetDefault clears the default flag on every cafe and sets it on id, in one
// transaction.
func SetDefault(gdb *gorm.DB, id string) error {
	return gdb.Transaction(func(tx *gorm.DB) error {
		return setDefault(tx, id)
	})
}

func setDefault(tx *gorm.DB, id string) error {
	if err := tx.Model(&models.Cafe{}).Where("is_default = ?", true).
		Update("is_default", false).Error; err != nil {
		return fmt.Errorf("cafe: clear default: %w", err)
	}
	res := tx.Model(&models.Cafe{}).Where("id = ?", id).Update("is_default", true)
	if res.Error != nil {
		return fmt.Errorf("cafe: set default %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Resolve returns the cafe named by id, or the default cafe when id is empty.
func Resolve(gdb *gorm.DB, id string) (*models.Cafe, error) {
	if id == "" {
		return Default(gdb)
	}
	return Get(gdb, id)
}

// Categories decodes the cafe's category list.
func Categories(c models.Cafe) ([]string, error) {
	var out []string
	if c.Categories == "" || c.Categories == "null" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(c.Categories), &out); err != nil {
		return nil, fmt.Errorf("cafe: decode categories for %s: %w", c.ID, err)
	}
	return out, nil
}

// MenuFor returns the menu ID mapped to category, or "" if unmapped.
func MenuFor(c models.Cafe, category string) (string, error) {
	if c.MenuMapping == "" || c.MenuMapping == "null" {
		return "", nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(c.MenuMapping), &m); err != nil {
		return "", fmt.Errorf("cafe: decode menu mapping for %s: %w", c.ID, err)
	}
	return m[category], nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
