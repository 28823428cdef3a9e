package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/cafeyard/internal/models"
	"gorm.io/gorm"
)

// DefaultHeartbeatInterval is the default interval between heartbeat updates.
const DefaultHeartbeatInterval = 10 * time.Second

// StartHeartbeat launches a goroutine that periodically updates the worker's
// last_activity timestamp. It returns a channel that receives an error if the
// worker row disappears or was marked dead by the supervisor.
func StartHeartbeat(ctx context.Context, db *gorm.DB, workerID string, interval time.Duration) <-chan error {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	errCh := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result := db.Model(&models.Worker{}).
					Where("id = ? AND status <> ?", workerID, StatusDead).
					Update("last_activity", time.Now().UTC())

				if result.Error != nil {
					errCh <- fmt.Errorf("worker: heartbeat %s: %w", workerID, result.Error)
					return
				}
				if result.RowsAffected == 0 {
					errCh <- fmt.Errorf("worker: heartbeat %s: worker not found or marked dead", workerID)
					return
				}
			}
		}
	}()

	return errCh
}
