package dashboard

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/cafeyard/internal/queue"
	"github.com/zulandar/cafeyard/internal/quota"
	"github.com/zulandar/cafeyard/internal/settings"
	"gorm.io/gorm"
)

const (
	defaultJobLimit = 100
	maxJobLimit     = 1000
)

type api struct {
	db    *gorm.DB
	quota *quota.Tracker
	log   *logrus.Entry
}

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, a *api) {
	g := router.Group("/api")
	g.GET("/status", a.handleStatus)
	g.GET("/jobs", a.handleJobList)
	g.GET("/jobs/:id", a.handleJobDetail)
	g.DELETE("/jobs/:id", a.handleJobRemove)
	g.POST("/queues/:account/clear", a.handleQueueClear)
	g.POST("/queues/clear", a.handleQueueClearAll)
	g.GET("/settings", a.handleSettings)
	g.PATCH("/settings", a.handleSettingsUpdate)
	g.GET("/events", handleSSE(a.db))
}

func (a *api) handleStatus(c *gin.Context) {
	ov, err := StatusOverview(a.db, a.quota)
	if err != nil {
		a.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, ov)
}

func (a *api) handleJobList(c *gin.Context) {
	limit := defaultJobLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxJobLimit)
	}

	jobs, err := queue.List(a.db, queue.ListFilters{
		AccountID: c.Query("account"),
		Status:    c.Query("status"),
		Type:      c.Query("type"),
		BatchID:   c.Query("batch"),
		Limit:     limit,
	})
	if err != nil {
		a.fail(c, http.StatusInternalServerError, err)
		return
	}
	out := make([]JobView, len(jobs))
	for i, j := range jobs {
		out[i] = jobView(j)
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out, "count": len(out)})
}

func (a *api) handleJobDetail(c *gin.Context) {
	job, err := queue.Get(a.db, c.Param("id"))
	if err != nil {
		a.fail(c, statusFor(err), err)
		return
	}
	events, err := queue.Events(a.db, job.ID)
	if err != nil {
		a.fail(c, http.StatusInternalServerError, err)
		return
	}
	v := jobView(*job)
	v.Events = eventViews(events)
	c.JSON(http.StatusOK, v)
}

func (a *api) handleJobRemove(c *gin.Context) {
	id := c.Param("id")
	if err := queue.Remove(a.db, id); err != nil {
		a.fail(c, statusFor(err), err)
		return
	}
	a.log.WithField("job_id", id).Info("job removed")
	c.JSON(http.StatusOK, gin.H{"removed": id})
}

func (a *api) handleQueueClear(c *gin.Context) {
	accountID := c.Param("account")
	n, err := queue.Clear(a.db, accountID)
	if err != nil {
		a.fail(c, http.StatusInternalServerError, err)
		return
	}
	a.log.WithFields(logrus.Fields{"account_id": accountID, "removed": n}).Info("queue cleared")
	c.JSON(http.StatusOK, gin.H{"account": accountID, "removed": n})
}

func (a *api) handleQueueClearAll(c *gin.Context) {
	n, err := queue.ClearAll(a.db)
	if err != nil {
		a.fail(c, http.StatusInternalServerError, err)
		return
	}
	a.log.WithField("removed", n).Info("all queues cleared")
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (a *api) handleSettings(c *gin.Context) {
	s, err := settings.Get(a.db)
	if err != nil {
		a.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, settingsView(*s))
}

func (a *api) handleSettingsUpdate(c *gin.Context) {
	var p settings.Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	if p.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no settings to update"})
		return
	}
	s, err := settings.Update(a.db, p)
	if err != nil {
		a.fail(c, statusFor(err), err)
		return
	}
	a.log.Info("queue settings updated")
	c.JSON(http.StatusOK, settingsView(*s))
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrJobActive), errors.Is(err, queue.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, settings.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) fail(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		a.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
