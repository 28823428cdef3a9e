// Package supervisor runs the housekeeping daemon next to the worker pool.
// Each tick it recovers jobs held by workers that stopped heartbeating,
// promotes delayed jobs that are due, and alerts operators about jobs that
// need attention. Configured schedules trigger batches on cron expressions.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/cafeyard/internal/alert"
	"github.com/zulandar/cafeyard/internal/config"
	"github.com/zulandar/cafeyard/internal/logging"
	"github.com/zulandar/cafeyard/internal/orchestrator"
	"github.com/zulandar/cafeyard/internal/queue"
	"github.com/zulandar/cafeyard/internal/worker"
	"gorm.io/gorm"
)

const (
	DefaultPollInterval   = 15 * time.Second
	DefaultStaleThreshold = 60 * time.Second
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Batcher schedules one batch. *orchestrator.Orchestrator satisfies it.
type Batcher interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// Deps are the collaborators a Supervisor drives.
type Deps struct {
	DB       *gorm.DB
	Notifier alert.Notifier
	Batches  Batcher // required only when Schedules is non-empty
	Log      *logrus.Entry
}

// Options tunes a Supervisor.
type Options struct {
	PollInterval   time.Duration
	StaleThreshold time.Duration
	Schedules      []config.ScheduleConfig
	Batch          config.BatchConfig
	Location       *time.Location
}

// Report counts what one tick did.
type Report struct {
	Recovered int64 // jobs returned to the queue from stale workers
	Dead      int   // workers marked dead
	Promoted  int64
	Alerted   int
}

// Supervisor is the housekeeping daemon.
type Supervisor struct {
	deps Deps
	opts Options
	log  *logrus.Entry
	now  func() time.Time
	cron *cron.Cron
}

// New validates the options and builds a Supervisor. Invalid cron
// expressions are reported here rather than at Run.
func New(deps Deps, opts Options) (*Supervisor, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("supervisor: db is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = alert.Nop{}
	}
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if len(opts.Schedules) > 0 && deps.Batches == nil {
		return nil, fmt.Errorf("supervisor: schedules configured without a batch orchestrator")
	}
	for _, sc := range opts.Schedules {
		if _, err := cronParser.Parse(sc.Cron); err != nil {
			return nil, fmt.Errorf("supervisor: schedule %q: %w", scheduleName(sc), err)
		}
	}

	s := &Supervisor{
		deps: deps,
		opts: opts,
		log:  deps.Log.WithField("component", "supervisor"),
		now:  time.Now,
		cron: cron.New(cron.WithParser(cronParser), cron.WithLocation(opts.Location)),
	}
	return s, nil
}

// Run ticks every poll interval and fires scheduled batches until ctx is
// cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, sc := range s.opts.Schedules {
		if _, err := s.cron.AddFunc(sc.Cron, func() { s.RunSchedule(ctx, sc) }); err != nil {
			return fmt.Errorf("supervisor: schedule %q: %w", scheduleName(sc), err)
		}
		s.log.WithFields(logrus.Fields{"schedule": scheduleName(sc), "cron": sc.Cron}).Info("batch schedule registered")
	}
	s.cron.Start()
	defer func() {
		<-s.cron.Stop().Done()
	}()

	s.log.WithField("poll", s.opts.PollInterval).Info("supervisor starting")
	for {
		if ctx.Err() != nil {
			s.log.Info("supervisor stopped")
			return nil
		}
		if _, err := s.Tick(ctx); err != nil {
			s.log.WithError(err).Warn("tick")
		}
		sleepWithContext(ctx, s.opts.PollInterval)
	}
}

// Tick runs one housekeeping pass. Phases are independent: a failing phase
// is logged and the remaining phases still run. The first error is returned.
func (s *Supervisor) Tick(ctx context.Context) (Report, error) {
	var (
		rep   Report
		first error
	)
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	// Phase 1: stale workers.
	dead, recovered, err := s.recoverStale(ctx)
	rep.Dead, rep.Recovered = dead, recovered
	if err != nil {
		s.log.WithError(err).Warn("stale workers")
	}
	keep(err)

	// Phase 2: due delayed jobs.
	promoted, err := queue.Promote(s.deps.DB, "", s.now())
	rep.Promoted = promoted
	if err != nil {
		s.log.WithError(err).Warn("promote")
	}
	keep(err)

	// Phase 3: operator alerts.
	alerted, err := s.sendAlerts(ctx)
	rep.Alerted = alerted
	if err != nil {
		s.log.WithError(err).Warn("alerts")
	}
	keep(err)

	return rep, first
}

// recoverStale marks workers with an old heartbeat dead and returns their
// active jobs to the queue.
func (s *Supervisor) recoverStale(ctx context.Context) (int, int64, error) {
	stale, err := worker.Stale(s.deps.DB, s.opts.StaleThreshold, s.now())
	if err != nil {
		return 0, 0, err
	}

	var (
		dead      int
		recovered int64
	)
	for _, w := range stale {
		log := s.log.WithFields(logrus.Fields{"worker_id": w.ID, "account_id": w.AccountID})
		if err := worker.Deregister(s.deps.DB, w.ID); err != nil {
			log.WithError(err).Warn("mark stale worker dead")
			continue
		}
		dead++

		n, err := queue.RecoverActive(s.deps.DB, w.ID)
		if err != nil {
			log.WithError(err).Error("recover active jobs")
			continue
		}
		recovered += n
		log.WithField("recovered", n).Warn("stale worker marked dead")

		if err := s.deps.Notifier.Notify(ctx, alert.StaleWorker(w, n)); err != nil {
			log.WithError(err).Warn("stale worker alert")
		}
	}
	return dead, recovered, nil
}

// sendAlerts notifies about each flagged job once. Jobs whose notification
// fails stay unmarked and are retried next tick.
func (s *Supervisor) sendAlerts(ctx context.Context) (int, error) {
	jobs, err := queue.NeedingAttention(s.deps.DB)
	if err != nil {
		return 0, err
	}

	sent := 0
	var first error
	for _, job := range jobs {
		if err := s.deps.Notifier.Notify(ctx, alert.FailedJob(job)); err != nil {
			s.log.WithField("job_id", job.ID).WithError(err).Warn("alert not delivered")
			if first == nil {
				first = fmt.Errorf("supervisor: alert %s: %w", job.ID, err)
			}
			continue
		}
		if err := queue.MarkAlerted(s.deps.DB, job.ID); err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		sent++
	}
	return sent, first
}

// RunSchedule triggers the batch for one schedule entry.
func (s *Supervisor) RunSchedule(ctx context.Context, sc config.ScheduleConfig) (*orchestrator.Result, error) {
	log := s.log.WithField("schedule", scheduleName(sc))
	res, err := s.deps.Batches.Run(ctx, orchestrator.Request{
		CafeID:            sc.Cafe,
		Topics:            orchestrator.TopicsFrom(sc.Topics),
		CommentersPerPost: s.opts.Batch.CommentersPerPost,
		ReplyRatio:        s.opts.Batch.ReplyRatio,
	})
	if err != nil {
		log.WithError(err).Error("scheduled batch failed")
		return res, err
	}
	log.WithFields(logrus.Fields{
		"batch_id": res.BatchID,
		"jobs":     res.Jobs,
		"rejected": len(res.Rejected),
	}).Info("scheduled batch enqueued")
	return res, nil
}

// NextRun returns when a cron expression fires next after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("supervisor: parse cron %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

func scheduleName(sc config.ScheduleConfig) string {
	if sc.Name != "" {
		return sc.Name
	}
	return sc.Cron
}

// sleepWithContext sleeps for duration d, returning early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
