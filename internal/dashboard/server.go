// Package dashboard serves the operational JSON API: queue status, job
// inspection and cancellation, queue drains, live queue settings and the
// Prometheus scrape endpoint.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/cafeyard/internal/logging"
	"github.com/zulandar/cafeyard/internal/metrics"
	"github.com/zulandar/cafeyard/internal/quota"
	"gorm.io/gorm"
)

// DefaultPort is used when StartOpts.Port is unset.
const DefaultPort = 8080

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	DB       *gorm.DB
	Port     int
	Location *time.Location
	// Gatherer backs GET /metrics. Nil registers a queue collector on a
	// fresh registry.
	Gatherer prometheus.Gatherer
	Out      io.Writer
	Log      *logrus.Entry
}

// NewRouter builds the API router without starting a listener.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("dashboard: db is required")
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Gatherer == nil {
		reg := prometheus.NewRegistry()
		if err := reg.Register(metrics.NewQueueCollector(opts.DB)); err != nil {
			return nil, fmt.Errorf("dashboard: register queue collector: %w", err)
		}
		opts.Gatherer = reg
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	registerRoutes(router, &api{
		db:    opts.DB,
		quota: quota.New(opts.DB, opts.Location),
		log:   opts.Log.WithField("component", "dashboard"),
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler(opts.Gatherer)))
	return router, nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard API running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
