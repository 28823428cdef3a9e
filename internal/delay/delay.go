// Package delay computes human-paced schedule offsets for a batch of jobs.
package delay

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/cafeyard/internal/activity"
	"github.com/zulandar/cafeyard/internal/models"
)

// Kind selects which configured jitter range applies.
type Kind string

const (
	BetweenPosts    Kind = "between_posts"
	BetweenComments Kind = "between_comments"
	AfterPost       Kind = "after_post"
)

// Range is an inclusive jitter interval.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Ranges maps each kind to its jitter interval.
type Ranges map[Kind]Range

// RangesFrom extracts the jitter intervals from the settings row.
func RangesFrom(s models.QueueSettings) Ranges {
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	return Ranges{
		BetweenPosts:    {Min: ms(s.BetweenPostsMin), Max: ms(s.BetweenPostsMax)},
		BetweenComments: {Min: ms(s.BetweenCommentsMin), Max: ms(s.BetweenCommentsMax)},
		AfterPost:       {Min: ms(s.AfterPostMin), Max: ms(s.AfterPostMax)},
	}
}

// Result is the outcome of one Compute call.
type Result struct {
	Delay      time.Duration // offset from the run start at which the job may run
	Jitter     time.Duration // random spacing drawn for the kind
	NextCursor time.Duration // Delay + Jitter, threaded into the next call
}

// Run is the scheduling context for one batch. The cursor lives here rather
// than in package state so concurrent batches never share it.
type Run struct {
	ID     string
	Start  time.Time
	Cursor time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRun starts a batch run anchored at start.
func NewRun(start time.Time) *Run {
	return &Run{
		ID:    uuid.NewString(),
		Start: start,
		rng:   rand.New(rand.NewSource(start.UnixNano())),
	}
}

// NewSeededRun is NewRun with a fixed random seed.
func NewSeededRun(start time.Time, seed int64) *Run {
	r := NewRun(start)
	r.rng = rand.New(rand.NewSource(seed))
	return r
}

// Intn draws from the run's random source.
func (r *Run) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

// Float64 draws from the run's random source.
func (r *Run) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// Uniform draws a duration uniformly from [rg.Min, rg.Max] inclusive.
func (r *Run) Uniform(rg Range) time.Duration {
	if rg.Max <= rg.Min {
		return rg.Min
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return rg.Min + time.Duration(r.rng.Int63n(int64(rg.Max-rg.Min)+1))
}

// Compute returns the delay for the next job of kind for an account with
// window w, given the batch cursor. The activity constraint is evaluated at
// Start+cursor, so jobs queued far ahead still land inside valid windows.
func (r *Run) Compute(w activity.Window, cursor time.Duration, kind Kind, ranges Ranges) (Result, error) {
	rg, ok := ranges[kind]
	if !ok {
		return Result{}, fmt.Errorf("delay: unknown kind %q", kind)
	}
	if rg.Min < 0 || rg.Max < rg.Min {
		return Result{}, fmt.Errorf("delay: invalid range for %s: [%s, %s]", kind, rg.Min, rg.Max)
	}

	eligible, err := activity.NextEligibleTime(w, r.Start.Add(cursor))
	if err != nil {
		return Result{}, fmt.Errorf("delay: %w", err)
	}
	d := eligible.Sub(r.Start)
	if cursor > d {
		d = cursor
	}

	jitter := r.Uniform(rg)
	return Result{Delay: d, Jitter: jitter, NextCursor: d + jitter}, nil
}

// Next computes the delay and advances the run's own cursor.
func (r *Run) Next(w activity.Window, kind Kind, ranges Ranges) (Result, error) {
	res, err := r.Compute(w, r.Cursor, kind, ranges)
	if err != nil {
		return Result{}, err
	}
	r.Cursor = res.NextCursor
	return res, nil
}
