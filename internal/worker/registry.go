package worker

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/cafeyard/internal/models"
	"gorm.io/gorm"
)

// Worker status constants.
const (
	StatusIdle    = "idle"
	StatusWorking = "working"
	StatusDead    = "dead"
)

// GenerateID creates a worker ID in wkr-xxxxxxxx format (8-char hex).
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("worker: generate ID: %w", err)
	}
	return "wkr-" + hex.EncodeToString(b), nil
}

// generateUniqueID generates an ID and retries once on collision.
func generateUniqueID(db *gorm.DB) (string, error) {
	for range 2 {
		id, err := GenerateID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := db.Model(&models.Worker{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("worker: check ID uniqueness: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("worker: failed to generate unique ID after retries")
}

// Register creates a worker record for accountID with status=idle.
func Register(db *gorm.DB, accountID string) (*models.Worker, error) {
	if accountID == "" {
		return nil, fmt.Errorf("worker: account is required")
	}
	id, err := generateUniqueID(db)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	w := models.Worker{
		ID:           id,
		AccountID:    accountID,
		Status:       StatusIdle,
		StartedAt:    now,
		LastActivity: now,
	}
	if err := db.Create(&w).Error; err != nil {
		return nil, fmt.Errorf("worker: register: %w", err)
	}
	return &w, nil
}

// Deregister marks a worker as dead.
func Deregister(db *gorm.DB, workerID string) error {
	res := db.Model(&models.Worker{}).Where("id = ?", workerID).
		Updates(map[string]interface{}{"status": StatusDead, "current_job": ""})
	if res.Error != nil {
		return fmt.Errorf("worker: deregister %s: %w", workerID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("worker: not found: %s", workerID)
	}
	return nil
}

// Get retrieves a worker by ID.
func Get(db *gorm.DB, workerID string) (*models.Worker, error) {
	var w models.Worker
	if err := db.Where("id = ?", workerID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("worker: not found: %s", workerID)
		}
		return nil, fmt.Errorf("worker: get %s: %w", workerID, err)
	}
	return &w, nil
}

// ListLive returns workers that are not dead, ordered by account.
func ListLive(db *gorm.DB) ([]models.Worker, error) {
	var ws []models.Worker
	if err := db.Where("status <> ?", StatusDead).Order("account_id ASC, started_at ASC").Find(&ws).Error; err != nil {
		return nil, fmt.Errorf("worker: list: %w", err)
	}
	return ws, nil
}

// Stale returns live workers whose last heartbeat is older than threshold.
func Stale(db *gorm.DB, threshold time.Duration, now time.Time) ([]models.Worker, error) {
	var ws []models.Worker
	cutoff := now.Add(-threshold).UTC()
	if err := db.Where("status <> ? AND last_activity < ?", StatusDead, cutoff).Find(&ws).Error; err != nil {
		return nil, fmt.Errorf("worker: find stale: %w", err)
	}
	return ws, nil
}

func setStatus(db *gorm.DB, workerID, status, jobID string) error {
	err := db.Model(&models.Worker{}).Where("id = ?", workerID).Updates(map[string]interface{}{
		"status":        status,
		"current_job":   jobID,
		"last_activity": time.Now().UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("worker: set status %s: %w", workerID, err)
	}
	return nil
}
