// Package worker consumes per-account job queues. Each Worker owns exactly
// one account and runs at most one job at a time; the Pool runs one Worker per
// active account so different accounts proceed in parallel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/cafeyard/internal/account"
	"github.com/zulandar/cafeyard/internal/activity"
	"github.com/zulandar/cafeyard/internal/cafe"
	"github.com/zulandar/cafeyard/internal/content"
	"github.com/zulandar/cafeyard/internal/metrics"
	"github.com/zulandar/cafeyard/internal/models"
	"github.com/zulandar/cafeyard/internal/platform"
	"github.com/zulandar/cafeyard/internal/queue"
	"github.com/zulandar/cafeyard/internal/quota"
	"github.com/zulandar/cafeyard/internal/session"
	"github.com/zulandar/cafeyard/internal/settings"
	"gorm.io/gorm"
)

// Failure kinds recorded on terminally failed jobs in addition to the
// platform classes.
const (
	KindDependency = "dependency"
	KindConfig     = "config"
)

const (
	// DefaultPollInterval is how long an idle worker waits before looking
	// for due work again.
	DefaultPollInterval = 5 * time.Second
	// inactiveDefer is how far jobs of a deactivated account are pushed.
	inactiveDefer = time.Hour
)

// Deps are the collaborators a Worker needs.
type Deps struct {
	DB       *gorm.DB
	Platform platform.Client
	Content  content.Generator
	Sessions *session.Manager
	Quota    *quota.Tracker
	Metrics  metrics.Recorder
	Location *time.Location
	Log      *logrus.Entry
}

func (d *Deps) defaults() {
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Log == nil {
		d.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if d.Quota == nil {
		d.Quota = quota.New(d.DB, d.Location)
	}
}

// Options tunes the worker loop.
type Options struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Worker processes one account's queue.
type Worker struct {
	ID        string
	AccountID string

	deps   Deps
	opts   Options
	events chan<- Event
	log    *logrus.Entry
	now    func() time.Time
}

// New creates a worker for accountID. Events are sent without blocking on
// events when it is non-nil.
func New(deps Deps, accountID string, opts Options, events chan<- Event) *Worker {
	deps.defaults()
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Worker{
		AccountID: accountID,
		deps:      deps,
		opts:      opts,
		events:    events,
		log:       deps.Log.WithField("account_id", accountID),
		now:       time.Now,
	}
}

// register records the worker row and takes its ID.
func (w *Worker) register() error {
	row, err := Register(w.deps.DB, w.AccountID)
	if err != nil {
		return err
	}
	w.ID = row.ID
	w.log = w.log.WithField("worker_id", row.ID)
	return nil
}

// Run registers the worker and processes jobs until ctx is cancelled or the
// heartbeat reports the worker was declared dead.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(); err != nil {
		return err
	}
	w.log.Info("worker started")
	w.emit(Event{Kind: EventWorkerStarted})

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	hbErr := StartHeartbeat(hbCtx, w.deps.DB, w.ID, w.opts.HeartbeatInterval)

	defer func() {
		if err := Deregister(w.deps.DB, w.ID); err != nil {
			w.log.WithError(err).Warn("deregister failed")
		}
		w.emit(Event{Kind: EventWorkerStopped})
		w.log.Info("worker stopped")
	}()

	for {
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			w.log.WithError(err).Error("process job")
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-hbErr:
			return err
		case <-time.After(w.idleWait()):
		}
	}
}

// idleWait sleeps until the next due job, bounded by the poll interval.
func (w *Worker) idleWait() time.Duration {
	wait := w.opts.PollInterval
	due, err := queue.NextDue(w.deps.DB, w.AccountID)
	if err != nil || due == nil {
		return wait
	}
	if d := due.Sub(w.now()); d < wait {
		if d < 0 {
			d = 0
		}
		return d + 10*time.Millisecond
	}
	return wait
}

// ProcessNext claims and handles the account's next due job. It reports
// false when there was nothing to run.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if w.ID == "" {
		return false, fmt.Errorf("worker: not registered")
	}
	now := w.now()
	if _, err := queue.Promote(w.deps.DB, w.AccountID, now); err != nil {
		return false, err
	}
	job, err := queue.Claim(w.deps.DB, w.AccountID, w.ID, now)
	if errors.Is(err, queue.ErrEmpty) || errors.Is(err, queue.ErrAccountBusy) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := setStatus(w.deps.DB, w.ID, StatusWorking, job.ID); err != nil {
		w.log.WithError(err).Warn("update worker status")
	}
	defer func() {
		if err := setStatus(w.deps.DB, w.ID, StatusIdle, ""); err != nil {
			w.log.WithError(err).Warn("update worker status")
		}
	}()

	w.emit(Event{Kind: EventStarted, JobID: job.ID, JobType: job.Type, Attempt: job.Attempts})
	return true, w.handle(ctx, job)
}

// handle runs the precondition checks and the action for a claimed job and
// always leaves it in a non-active state.
func (w *Worker) handle(ctx context.Context, job *models.Job) error {
	log := w.log.WithFields(logrus.Fields{"job_id": job.ID, "job_type": job.Type})
	now := w.now()

	s, err := settings.Get(w.deps.DB)
	if err != nil {
		return w.deferJob(job, now.Add(w.opts.PollInterval), "settings unavailable", err)
	}
	acct, err := account.Get(w.deps.DB, job.AccountID)
	if err != nil {
		return w.terminal(job, KindConfig, true, err)
	}
	if !acct.IsActive {
		return w.deferJob(job, now.Add(inactiveDefer), "account inactive", nil)
	}

	win, err := account.Window(*acct, w.deps.Location)
	if err != nil {
		return w.terminal(job, KindConfig, true, err)
	}
	if !win.Eligible(now) {
		next, err := activity.NextEligibleTime(win, now)
		if err != nil {
			return w.terminal(job, KindConfig, true, err)
		}
		return w.deferJob(job, next, "outside activity window", nil)
	}

	payload, err := queue.DecodePayload(job.Payload)
	if err != nil {
		return w.terminal(job, KindConfig, false, err)
	}

	articleRef, wait, err := w.resolve(payload, now, *s)
	if err != nil {
		return w.terminal(job, KindDependency, false, err)
	}
	if !wait.IsZero() {
		return w.deferJob(job, wait, "waiting for dependency", nil)
	}

	var reservedDay string
	if job.Type == queue.TypePost {
		if limit := account.Limit(*acct); s.EnforceDailyLimit && limit > 0 {
			day, ok, err := w.deps.Quota.Reserve(acct.ID, limit)
			if err != nil {
				return w.deferJob(job, now.Add(w.opts.PollInterval), "quota unavailable", err)
			}
			if !ok {
				w.deps.Metrics.RecordQuotaExhausted(acct.ID)
				next, err := nextDay(win, now)
				if err != nil {
					return w.terminal(job, KindConfig, true, err)
				}
				log.WithField("until", next).Info("daily post limit reached")
				return w.deferJob(job, next, "daily post limit reached", nil)
			}
			reservedDay = day
		}
	}

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, settings.Timeout(*s))
	ref, err := w.execute(jobCtx, *acct, job, payload, articleRef)
	cancel()

	if err != nil {
		if reservedDay != "" {
			if rerr := w.deps.Quota.Release(acct.ID, reservedDay); rerr != nil {
				log.WithError(rerr).Warn("release quota")
			}
		}
		if ctx.Err() != nil {
			// Shut down mid-action; the attempt is not charged.
			return w.deferJob(job, w.now(), "worker stopped", err)
		}
		return w.failed(job, *s, err, time.Since(start))
	}

	if err := queue.Complete(w.deps.DB, job.ID, ref, w.now()); err != nil {
		return err
	}
	if job.Type == queue.TypePost && reservedDay == "" {
		if _, err := w.deps.Quota.IncrementToday(acct.ID); err != nil {
			log.WithError(err).Warn("count post")
		}
	}
	if err := w.deps.Quota.RecordActivity(acct.ID, job.CafeID, job.Type); err != nil {
		log.WithError(err).Warn("record activity")
	}
	w.deps.Metrics.RecordJob(job.Type, queue.StatusCompleted, time.Since(start))
	w.emit(Event{Kind: EventCompleted, JobID: job.ID, JobType: job.Type, Attempt: job.Attempts, Message: ref})
	log.WithField("result_ref", ref).Info("job completed")
	return nil
}

// resolve returns the article reference a comment or reply acts on. A
// non-zero time means the dependency is still pending and the job should be
// retried then; an error means the dependency can never be satisfied.
func (w *Worker) resolve(p queue.Payload, now time.Time, s models.QueueSettings) (string, time.Time, error) {
	var postJobID, commentJobID, ref string
	switch v := p.(type) {
	case queue.PostPayload:
		return "", time.Time{}, nil
	case queue.CommentPayload:
		postJobID, ref = v.PostJobID, v.ArticleRef
	case queue.ReplyPayload:
		postJobID, commentJobID, ref = v.PostJobID, v.CommentJobID, v.ArticleRef
	default:
		return "", time.Time{}, fmt.Errorf("worker: unsupported payload %T", p)
	}

	retryAt := now.Add(time.Duration(s.AfterPostMin) * time.Millisecond)
	if floor := now.Add(w.opts.PollInterval); retryAt.Before(floor) {
		retryAt = floor
	}

	if commentJobID != "" {
		dep, err := dependency(w.deps.DB, commentJobID)
		if err != nil {
			return "", time.Time{}, err
		}
		if dep.Status != queue.StatusCompleted {
			return "", later(retryAt, dep.ScheduledAt), nil
		}
	}
	if ref == "" {
		dep, err := dependency(w.deps.DB, postJobID)
		if err != nil {
			return "", time.Time{}, err
		}
		if dep.Status != queue.StatusCompleted {
			return "", later(retryAt, dep.ScheduledAt), nil
		}
		ref = dep.ResultRef
		if ref == "" {
			return "", time.Time{}, fmt.Errorf("worker: post job %s completed without an article reference", postJobID)
		}
	}
	return ref, time.Time{}, nil
}

// dependency loads a prerequisite job, failing when it is gone or failed.
func dependency(db *gorm.DB, jobID string) (*models.Job, error) {
	dep, err := queue.Get(db, jobID)
	if errors.Is(err, queue.ErrNotFound) {
		return nil, fmt.Errorf("worker: dependency %s was removed", jobID)
	}
	if err != nil {
		return nil, err
	}
	if dep.Status == queue.StatusFailed {
		return nil, fmt.Errorf("worker: dependency %s failed: %s", jobID, dep.LastError)
	}
	return dep, nil
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// nextDay returns the first eligible instant from the next local midnight.
func nextDay(win activity.Window, now time.Time) (time.Time, error) {
	loc := win.Location
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	return activity.NextEligibleTime(win, midnight)
}

// execute runs the action under a session lease, logging in again once when
// the platform rejects the login or the session.
func (w *Worker) execute(ctx context.Context, acct models.Account, job *models.Job, p queue.Payload, articleRef string) (string, error) {
	lease, err := w.deps.Sessions.Acquire(ctx, acct)
	if err != nil && platform.Classify(err) == platform.Auth {
		w.log.WithField("job_id", job.ID).WithError(err).Warn("login rejected, trying once more")
		lease, err = w.deps.Sessions.Acquire(ctx, acct)
	}
	if err != nil {
		return "", err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			w.log.WithError(err).Warn("release session")
		}
	}()

	ref, err := w.perform(ctx, lease.Session(), job, p, articleRef)
	if err == nil || platform.Classify(err) != platform.Auth {
		return ref, err
	}

	w.log.WithField("job_id", job.ID).WithError(err).Warn("session rejected, logging in again")
	if err := lease.Relogin(ctx); err != nil {
		return "", err
	}
	return w.perform(ctx, lease.Session(), job, p, articleRef)
}

func (w *Worker) perform(ctx context.Context, st platform.SessionState, job *models.Job, p queue.Payload, articleRef string) (string, error) {
	switch v := p.(type) {
	case queue.PostPayload:
		article, err := w.article(ctx, job, v)
		if err != nil {
			return "", err
		}
		return w.deps.Platform.PublishPost(ctx, st, article)
	case queue.CommentPayload:
		return articleRef, w.deps.Platform.PublishComment(ctx, st, articleRef, v.Content)
	case queue.ReplyPayload:
		return articleRef, w.deps.Platform.PublishReply(ctx, st, articleRef, v.ParentIndex, v.Content)
	}
	return "", platform.Permanent(fmt.Errorf("worker: unsupported payload %T", p))
}

// article builds the post, generating the body now.
func (w *Worker) article(ctx context.Context, job *models.Job, p queue.PostPayload) (platform.Article, error) {
	c, err := cafe.Resolve(w.deps.DB, job.CafeID)
	if err != nil {
		return platform.Article{}, platform.Permanent(err)
	}
	menu, err := cafe.MenuFor(*c, p.Category)
	if err != nil {
		return platform.Article{}, platform.Permanent(err)
	}
	topic := p.Keyword
	if topic == "" {
		topic = p.Subject
	}
	body, err := w.deps.Content.Generate(ctx, topic)
	if err != nil {
		return platform.Article{}, fmt.Errorf("worker: generate body: %w", err)
	}
	return platform.Article{CafeID: c.ID, MenuID: menu, Subject: p.Subject, Body: body}, nil
}

// failed records a failed action according to its class.
func (w *Worker) failed(job *models.Job, s models.QueueSettings, cause error, took time.Duration) error {
	kind := platform.Classify(cause)
	retried, err := queue.Fail(w.deps.DB, job.ID, queue.FailOpts{
		Message:   cause.Error(),
		Kind:      kind.String(),
		Retry:     kind == platform.Transient,
		Backoff:   settings.Backoff(s),
		Attention: kind == platform.Auth,
		Now:       w.now(),
	})
	if err != nil {
		return err
	}

	log := w.log.WithFields(logrus.Fields{"job_id": job.ID, "attempt": job.Attempts, "kind": kind.String()}).WithError(cause)
	if retried {
		log.Warn("job failed, will retry")
		w.deps.Metrics.RecordJob(job.Type, queue.EventRetry, took)
		w.emit(Event{Kind: EventRetry, JobID: job.ID, JobType: job.Type, Attempt: job.Attempts, Message: cause.Error()})
		return nil
	}
	log.Error("job failed")
	w.deps.Metrics.RecordJob(job.Type, queue.StatusFailed, took)
	w.emit(Event{Kind: EventFailed, JobID: job.ID, JobType: job.Type, Attempt: job.Attempts, Message: cause.Error()})
	return nil
}

// terminal fails the job without retry.
func (w *Worker) terminal(job *models.Job, kind string, attention bool, cause error) error {
	if _, err := queue.Fail(w.deps.DB, job.ID, queue.FailOpts{
		Message:   cause.Error(),
		Kind:      kind,
		Attention: attention,
		Now:       w.now(),
	}); err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{"job_id": job.ID, "kind": kind}).WithError(cause).Error("job failed")
	w.deps.Metrics.RecordJob(job.Type, queue.StatusFailed, 0)
	w.emit(Event{Kind: EventFailed, JobID: job.ID, JobType: job.Type, Attempt: job.Attempts, Message: cause.Error()})
	return nil
}

// deferJob returns the job to the queue until the given time without
// charging the attempt.
func (w *Worker) deferJob(job *models.Job, until time.Time, reason string, cause error) error {
	msg := reason
	if cause != nil {
		msg = reason + ": " + cause.Error()
	}
	if err := queue.Defer(w.deps.DB, job.ID, until, msg, w.now()); err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{"job_id": job.ID, "until": until}).Info(reason)
	w.emit(Event{Kind: EventDeferred, JobID: job.ID, JobType: job.Type, Attempt: job.Attempts, Message: msg})
	return nil
}

func (w *Worker) emit(e Event) {
	if w.events == nil {
		return
	}
	e.AccountID = w.AccountID
	e.WorkerID = w.ID
	if e.At.IsZero() {
		e.At = w.now()
	}
	select {
	case w.events <- e:
	default:
	}
}
