package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/cafeyard/internal/models"
	"gorm.io/gorm"
)

const (
	ssePoll      = 2 * time.Second
	sseHeartbeat = 15 * time.Second
	sseBatch     = 100
)

// jobEvent is the payload of a "job" SSE event.
type jobEvent struct {
	ID        uint      `json:"id"`
	JobID     string    `json:"job_id"`
	AccountID string    `json:"account_id"`
	Kind      string    `json:"kind"`
	Attempt   int       `json:"attempt"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// handleSSE streams job ledger entries recorded after the client connected.
// A client may resume with ?after=<event id>.
func handleSSE(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		var lastSeenID uint
		if v := c.Query("after"); v != "" {
			fmt.Sscanf(v, "%d", &lastSeenID)
		} else {
			var latest models.JobEvent
			if err := db.Order("id DESC").Limit(1).Find(&latest).Error; err == nil {
				lastSeenID = latest.ID
			}
		}

		writeSSE(c.Writer, "connected", map[string]any{"after": lastSeenID})
		c.Writer.Flush()

		ctx := c.Request.Context()
		ticker := time.NewTicker(ssePoll)
		heartbeat := time.NewTicker(sseHeartbeat)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				var events []models.JobEvent
				if err := db.Where("id > ?", lastSeenID).Order("id ASC").Limit(sseBatch).Find(&events).Error; err != nil {
					continue
				}
				for _, e := range events {
					writeSSE(c.Writer, "job", jobEvent{
						ID:        e.ID,
						JobID:     e.JobID,
						AccountID: e.AccountID,
						Kind:      e.Kind,
						Attempt:   e.Attempt,
						Message:   e.Message,
						At:        e.CreatedAt,
					})
					lastSeenID = e.ID
				}
				if len(events) > 0 {
					c.Writer.Flush()
				}
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
