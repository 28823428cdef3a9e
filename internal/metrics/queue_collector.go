package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zulandar/cafeyard/internal/queue"
	"gorm.io/gorm"
)

var queueDepthDesc = prometheus.NewDesc(
	"cafeyard_queue_jobs",
	"Jobs per account queue and state.",
	[]string{"account", "status"}, nil,
)

// QueueCollector reports queue depth by reading the job store on each scrape.
type QueueCollector struct {
	db *gorm.DB
}

// NewQueueCollector returns a collector over db.
func NewQueueCollector(db *gorm.DB) *QueueCollector {
	return &QueueCollector{db: db}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	statuses, err := queue.Status(c.db)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(queueDepthDesc, err)
		return
	}
	for _, s := range statuses {
		for status, n := range map[string]int64{
			queue.StatusWaiting:   s.Waiting,
			queue.StatusDelayed:   s.Delayed,
			queue.StatusActive:    s.Active,
			queue.StatusCompleted: s.Completed,
			queue.StatusFailed:    s.Failed,
		} {
			ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(n), s.AccountID, status)
		}
	}
}
