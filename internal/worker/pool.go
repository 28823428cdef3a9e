package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/cafeyard/internal/account"
)

// DefaultRosterRefresh is how often the pool reloads the active roster.
const DefaultRosterRefresh = time.Minute

// eventBuffer is the capacity of the pool's event channel.
const eventBuffer = 256

// PoolOptions tunes a Pool.
type PoolOptions struct {
	Worker        Options
	RosterRefresh time.Duration
}

type running struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool runs one Worker per active account.
type Pool struct {
	deps   Deps
	opts   PoolOptions
	events chan Event
	log    *logrus.Entry

	mu      sync.Mutex
	workers map[string]*running
	wg      sync.WaitGroup
}

// NewPool creates a pool. Call Run to start it.
func NewPool(deps Deps, opts PoolOptions) *Pool {
	deps.defaults()
	if opts.RosterRefresh <= 0 {
		opts.RosterRefresh = DefaultRosterRefresh
	}
	return &Pool{
		deps:    deps,
		opts:    opts,
		events:  make(chan Event, eventBuffer),
		log:     deps.Log.WithField("component", "pool"),
		workers: make(map[string]*running),
	}
}

// Events returns the channel workers report on. It is closed when Run
// returns.
func (p *Pool) Events() <-chan Event {
	return p.events
}

// Run starts workers for the roster and keeps it in sync until ctx is
// cancelled, then stops every worker and closes all sessions.
func (p *Pool) Run(ctx context.Context) error {
	defer close(p.events)

	workerCtx, stopAll := context.WithCancel(context.WithoutCancel(ctx))
	defer stopAll()

	if err := p.Refresh(workerCtx); err != nil {
		return err
	}

	ticker := time.NewTicker(p.opts.RosterRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("pool shutting down")
			stopAll()
			p.wg.Wait()
			if p.deps.Sessions != nil {
				if err := p.deps.Sessions.CloseAll(context.WithoutCancel(ctx)); err != nil {
					p.log.WithError(err).Warn("close sessions")
				}
			}
			return nil
		case <-ticker.C:
			if err := p.Refresh(workerCtx); err != nil {
				p.log.WithError(err).Warn("refresh roster")
			}
		}
	}
}

// Refresh starts workers for newly active accounts and stops workers whose
// account left the roster.
func (p *Pool) Refresh(ctx context.Context) error {
	roster, err := account.Roster(p.deps.DB)
	if err != nil {
		return err
	}
	active := make(map[string]bool, len(roster))
	for _, a := range roster {
		active[a.ID] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for id, r := range p.workers {
		if !active[id] {
			p.log.WithField("account_id", id).Info("account left roster, stopping worker")
			r.cancel()
			delete(p.workers, id)
		}
	}
	for _, a := range roster {
		if _, ok := p.workers[a.ID]; ok {
			continue
		}
		p.start(ctx, a.ID)
	}
	return nil
}

// start launches a worker goroutine. Caller holds p.mu.
func (p *Pool) start(ctx context.Context, accountID string) {
	wctx, cancel := context.WithCancel(ctx)
	r := &running{cancel: cancel, done: make(chan struct{})}
	p.workers[accountID] = r

	w := New(p.deps, accountID, p.opts.Worker, p.events)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(r.done)
		if err := w.Run(wctx); err != nil {
			p.log.WithField("account_id", accountID).WithError(err).Error("worker exited")
		}
		p.mu.Lock()
		if p.workers[accountID] == r {
			delete(p.workers, accountID)
		}
		p.mu.Unlock()
	}()
}

// Accounts returns the accounts that currently have a running worker.
func (p *Pool) Accounts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.workers))
	for id := range p.workers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
