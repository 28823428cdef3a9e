// Package orchestrator turns a list of topics into scheduled post, comment
// and reply jobs spread across the account roster.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/cafeyard/internal/account"
	"github.com/zulandar/cafeyard/internal/activity"
	"github.com/zulandar/cafeyard/internal/cafe"
	"github.com/zulandar/cafeyard/internal/content"
	"github.com/zulandar/cafeyard/internal/delay"
	"github.com/zulandar/cafeyard/internal/metrics"
	"github.com/zulandar/cafeyard/internal/models"
	"github.com/zulandar/cafeyard/internal/queue"
	"github.com/zulandar/cafeyard/internal/quota"
	"github.com/zulandar/cafeyard/internal/settings"
	"gorm.io/gorm"
)

// ErrNoAccounts is returned when the roster has no active account.
var ErrNoAccounts = errors.New("orchestrator: no active accounts")

// Topic is one unit of work: a post and the discussion under it.
type Topic struct {
	Keyword  string `json:"keyword"`
	Subject  string `json:"subject,omitempty"`  // defaults to Keyword
	Category string `json:"category,omitempty"` // cafe category for the menu lookup
}

// TopicsFrom builds topics from bare keywords.
func TopicsFrom(keywords []string) []Topic {
	out := make([]Topic, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, Topic{Keyword: k})
		}
	}
	return out
}

// Request describes one batch.
type Request struct {
	CafeID string  `json:"cafe_id,omitempty"` // empty selects the default cafe
	Topics []Topic `json:"topics"`
	// CommentersPerPost samples that many commenters from the non-author
	// accounts. Zero means all of them.
	CommentersPerPost int `json:"commenters_per_post,omitempty"`
	// ReplyRatio is the fraction of comments that get a reply.
	ReplyRatio float64 `json:"reply_ratio,omitempty"`
	// Start anchors the schedule. Zero means now.
	Start time.Time `json:"start,omitempty"`
}

// Scheduled is one enqueued job.
type Scheduled struct {
	AccountID   string    `json:"account_id"`
	JobID       string    `json:"job_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ParentIndex int       `json:"parent_index,omitempty"`
}

// Assignment is the plan for one accepted topic.
type Assignment struct {
	Topic    Topic       `json:"topic"`
	Post     Scheduled   `json:"post"`
	Comments []Scheduled `json:"comments"`
	Replies  []Scheduled `json:"replies"`
}

// Rejection is a topic or follow-up that could not be scheduled.
type Rejection struct {
	Topic     string `json:"topic"`
	AccountID string `json:"account_id,omitempty"`
	Reason    string `json:"reason"`
}

// Result summarizes a batch.
type Result struct {
	BatchID     string       `json:"batch_id"`
	CafeID      string       `json:"cafe_id"`
	Start       time.Time    `json:"start"`
	Assignments []Assignment `json:"assignments"`
	Rejected    []Rejection  `json:"rejected,omitempty"`
	Jobs        int          `json:"jobs"`
}

// Authors returns the author of each accepted topic in order.
func (r *Result) Authors() []string {
	out := make([]string, len(r.Assignments))
	for i, a := range r.Assignments {
		out[i] = a.Post.AccountID
	}
	return out
}

// Options configures an Orchestrator.
type Options struct {
	Quota    *quota.Tracker
	Metrics  metrics.Recorder
	Location *time.Location
	Log      *logrus.Entry
}

// Orchestrator schedules batches.
type Orchestrator struct {
	db      *gorm.DB
	content content.Generator
	quota   *quota.Tracker
	metrics metrics.Recorder
	loc     *time.Location
	log     *logrus.Entry
	now     func() time.Time
	newRun  func(time.Time) *delay.Run
}

// New creates an Orchestrator.
func New(db *gorm.DB, gen content.Generator, opts Options) *Orchestrator {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	q := opts.Quota
	if q == nil {
		q = quota.New(db, loc)
	}
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.Nop{}
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		db:      db,
		content: gen,
		quota:   q,
		metrics: rec,
		loc:     loc,
		log:     log,
		now:     time.Now,
		newRun:  delay.NewRun,
	}
}

// member is a roster account with its resolved window.
type member struct {
	acct   models.Account
	window activity.Window
}

// batch is the state of one Run call.
type batch struct {
	o        *Orchestrator
	ctx      context.Context
	req      Request
	run      *delay.Run
	roster   []member
	cafe     *models.Cafe
	settings models.QueueSettings
	ranges   delay.Ranges
	result   *Result
	counts   map[string]int
}

// Run validates the request and roster, then enqueues every job of the
// batch. Configuration problems fail before anything is enqueued.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.Topics) == 0 {
		return nil, fmt.Errorf("orchestrator: at least one topic is required")
	}
	if req.ReplyRatio < 0 || req.ReplyRatio > 1 {
		return nil, fmt.Errorf("orchestrator: reply ratio %v must be between 0 and 1", req.ReplyRatio)
	}
	if req.CommentersPerPost < 0 {
		return nil, fmt.Errorf("orchestrator: commenters per post must not be negative")
	}

	start := req.Start
	if start.IsZero() {
		start = o.now()
	}

	roster, err := o.roster(start)
	if err != nil {
		return nil, err
	}
	c, err := cafe.Resolve(o.db, req.CafeID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve cafe: %w", err)
	}
	s, err := settings.Get(o.db)
	if err != nil {
		return nil, err
	}

	run := o.newRun(start)
	b := &batch{
		o:        o,
		ctx:      ctx,
		req:      req,
		run:      run,
		roster:   roster,
		cafe:     c,
		settings: *s,
		ranges:   delay.RangesFrom(*s),
		result:   &Result{BatchID: run.ID, CafeID: c.ID, Start: start},
		counts:   make(map[string]int),
	}

	log := o.log.WithFields(logrus.Fields{"batch_id": run.ID, "cafe_id": c.ID})
	log.WithFields(logrus.Fields{"topics": len(req.Topics), "accounts": len(roster)}).Info("batch started")

	for i, t := range req.Topics {
		if err := ctx.Err(); err != nil {
			return b.result, err
		}
		if err := b.topic(i, t); err != nil {
			return b.result, err
		}
	}

	for typ, n := range b.counts {
		o.metrics.RecordEnqueued(typ, n)
	}
	log.WithFields(logrus.Fields{
		"jobs":     b.result.Jobs,
		"rejected": len(b.result.Rejected),
	}).Info("batch scheduled")
	return b.result, nil
}

// roster loads the active accounts and checks that each can act at all.
func (o *Orchestrator) roster(start time.Time) ([]member, error) {
	accts, err := account.Roster(o.db)
	if err != nil {
		return nil, err
	}
	if len(accts) == 0 {
		return nil, ErrNoAccounts
	}
	out := make([]member, 0, len(accts))
	for _, a := range accts {
		w, err := account.Window(a, o.loc)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: account %s: %w", a.ID, err)
		}
		if _, err := activity.NextEligibleTime(w, start); err != nil {
			return nil, fmt.Errorf("orchestrator: account %s: %w", a.ID, err)
		}
		out = append(out, member{acct: a, window: w})
	}
	return out, nil
}

// topic schedules the post for topic i and its discussion.
func (b *batch) topic(i int, t Topic) error {
	if t.Keyword == "" && t.Subject == "" {
		b.reject(t, "", "empty topic")
		return nil
	}
	if t.Subject == "" {
		t.Subject = t.Keyword
	}
	if t.Keyword == "" {
		t.Keyword = t.Subject
	}

	// Posts after the first wait out a between-posts gap past the previous
	// topic's discussion.
	cursor := b.run.Cursor
	if len(b.result.Assignments) > 0 {
		b.run.Cursor += b.run.Uniform(b.ranges[delay.BetweenPosts])
	}
	author, res, err := b.author(i)
	if err != nil {
		return err
	}
	if author < 0 {
		b.run.Cursor = cursor
		b.reject(t, "", "every account has reached its daily post limit")
		return nil
	}

	a := b.roster[author].acct
	post, err := b.enqueue(a.ID, queue.PostPayload{Subject: t.Subject, Keyword: t.Keyword, Category: t.Category}, res.Delay, "")
	if err != nil {
		return err
	}
	b.run.Cursor = res.NextCursor
	asg := Assignment{Topic: t, Post: Scheduled{AccountID: a.ID, JobID: post.ID, ScheduledAt: post.ScheduledAt}}

	for _, ci := range b.commenters(author) {
		commenter := b.roster[ci]
		text, err := b.o.content.Comment(b.ctx, t.Keyword)
		if err != nil {
			b.reject(t, commenter.acct.ID, "comment text: "+err.Error())
			continue
		}
		cres, err := b.run.Next(commenter.window, delay.BetweenComments, b.ranges)
		if err != nil {
			return fmt.Errorf("orchestrator: schedule comment for %s: %w", commenter.acct.ID, err)
		}
		index := len(asg.Comments)
		cjob, err := b.enqueue(commenter.acct.ID, queue.CommentPayload{PostJobID: post.ID, Content: text}, cres.Delay, post.ID)
		if err != nil {
			return err
		}
		asg.Comments = append(asg.Comments, Scheduled{AccountID: commenter.acct.ID, JobID: cjob.ID, ScheduledAt: cjob.ScheduledAt, ParentIndex: index})

		if b.req.ReplyRatio <= 0 || b.run.Float64() >= b.req.ReplyRatio {
			continue
		}
		ri := b.replier(ci)
		if ri < 0 {
			continue
		}
		replier := b.roster[ri]
		rtext, err := b.o.content.Reply(b.ctx, t.Keyword, text)
		if err != nil {
			b.reject(t, replier.acct.ID, "reply text: "+err.Error())
			continue
		}
		rres, err := b.run.Next(replier.window, delay.BetweenComments, b.ranges)
		if err != nil {
			return fmt.Errorf("orchestrator: schedule reply for %s: %w", replier.acct.ID, err)
		}
		rjob, err := b.enqueue(replier.acct.ID, queue.ReplyPayload{
			PostJobID:    post.ID,
			CommentJobID: cjob.ID,
			ParentIndex:  index,
			Content:      rtext,
		}, rres.Delay, cjob.ID)
		if err != nil {
			return err
		}
		asg.Replies = append(asg.Replies, Scheduled{AccountID: replier.acct.ID, JobID: rjob.ID, ScheduledAt: rjob.ScheduledAt, ParentIndex: index})
	}

	b.result.Assignments = append(b.result.Assignments, asg)
	return nil
}

// author picks roster[i mod n], moving on to the next account in rotation
// while the candidate's quota for the scheduled day is used up. It returns
// -1 when no account can take the post.
func (b *batch) author(i int) (int, delay.Result, error) {
	n := len(b.roster)
	for j := 0; j < n; j++ {
		k := (i + j) % n
		m := b.roster[k]
		res, err := b.run.Compute(m.window, b.run.Cursor, delay.AfterPost, b.ranges)
		if err != nil {
			return -1, delay.Result{}, fmt.Errorf("orchestrator: schedule post for %s: %w", m.acct.ID, err)
		}
		ok, err := b.hasQuota(m.acct, b.run.Start.Add(res.Delay))
		if err != nil {
			return -1, delay.Result{}, err
		}
		if ok {
			return k, res, nil
		}
		b.o.metrics.RecordQuotaExhausted(m.acct.ID)
		b.o.log.WithFields(logrus.Fields{"account_id": m.acct.ID, "topic": i}).Info("daily post limit reached, trying next author")
	}
	return -1, delay.Result{}, nil
}

// hasQuota reports whether acct may author one more post on the day of at,
// counting posts already made that day and posts still queued for it.
func (b *batch) hasQuota(acct models.Account, at time.Time) (bool, error) {
	limit := account.Limit(acct)
	if !b.settings.EnforceDailyLimit || limit <= 0 {
		return true, nil
	}
	local := at.In(b.o.loc)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, b.o.loc)
	to := from.AddDate(0, 0, 1)

	done, err := b.o.quota.CountOn(acct.ID, b.o.quota.Day(at))
	if err != nil {
		return false, err
	}
	pending, err := queue.PendingPosts(b.o.db, acct.ID, from, to)
	if err != nil {
		return false, err
	}
	return done+int(pending) < limit, nil
}

// commenters returns roster indexes of the accounts that comment on a post
// by author, in roster order, sampled when CommentersPerPost is set.
func (b *batch) commenters(author int) []int {
	var others []int
	n := len(b.roster)
	for j := 1; j < n; j++ {
		others = append(others, (author+j)%n)
	}
	k := b.req.CommentersPerPost
	if k <= 0 || k >= len(others) {
		return others
	}
	// Partial Fisher-Yates, then restore rotation order.
	picked := append([]int(nil), others...)
	for x := 0; x < k; x++ {
		y := x + b.run.Intn(len(picked)-x)
		picked[x], picked[y] = picked[y], picked[x]
	}
	keep := make(map[int]bool, k)
	for _, idx := range picked[:k] {
		keep[idx] = true
	}
	out := make([]int, 0, k)
	for _, idx := range others {
		if keep[idx] {
			out = append(out, idx)
		}
	}
	return out
}

// replier picks an account other than the commenter.
func (b *batch) replier(commenter int) int {
	n := len(b.roster)
	if n < 2 {
		return -1
	}
	k := b.run.Intn(n - 1)
	if k >= commenter {
		k++
	}
	return k
}

func (b *batch) enqueue(accountID string, p queue.Payload, offset time.Duration, dependsOn string) (*models.Job, error) {
	job, err := queue.Enqueue(b.o.db, queue.EnqueueOpts{
		AccountID:   accountID,
		CafeID:      b.cafe.ID,
		BatchID:     b.run.ID,
		Payload:     p,
		At:          b.run.Start.Add(offset),
		DependsOn:   dependsOn,
		MaxAttempts: b.settings.RetryAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: enqueue %s for %s: %w", p.Type(), accountID, err)
	}
	b.counts[p.Type()]++
	b.result.Jobs++
	return job, nil
}

func (b *batch) reject(t Topic, accountID, reason string) {
	name := t.Keyword
	if name == "" {
		name = t.Subject
	}
	b.result.Rejected = append(b.result.Rejected, Rejection{Topic: name, AccountID: accountID, Reason: reason})
	b.o.log.WithFields(logrus.Fields{"topic": name, "account_id": accountID}).Warn("not scheduled: " + reason)
}
