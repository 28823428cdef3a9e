// Package activity decides when an account is allowed to act, given its
// hour-of-day window and weekly rest days.
package activity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/cafeyard/internal/models"
)

// MaxSearchDays bounds the forward search for an eligible slot.
const MaxSearchDays = 14

// ErrNoEligibleTime means the window and rest days leave no slot within
// MaxSearchDays. It is a configuration error, never retried.
var ErrNoEligibleTime = errors.New("activity: no eligible time")

// Window is an account's activity constraint. Start and End are hours of the
// day in Location; End may be 24 ("until midnight"). Start > End wraps
// midnight: [Start,24) ∪ [0,End).
type Window struct {
	Start    int
	End      int
	RestDays []time.Weekday
	Location *time.Location
}

// FromAccount builds the window stored on an account.
func FromAccount(a models.Account, loc *time.Location) (Window, error) {
	days, err := ParseRestDays(a.RestDays)
	if err != nil {
		return Window{}, fmt.Errorf("activity: account %s: %w", a.ID, err)
	}
	return Window{Start: a.ActivityStart, End: a.ActivityEnd, RestDays: days, Location: loc}, nil
}

// ParseRestDays decodes the comma-separated weekday list stored on Account.
func ParseRestDays(s string) ([]time.Weekday, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var days []time.Weekday
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid rest day %q", part)
		}
		days = append(days, time.Weekday(n))
	}
	return days, nil
}

// Validate rejects windows that can never be satisfied.
func (w Window) Validate() error {
	if w.Start < 0 || w.Start > 23 {
		return fmt.Errorf("activity: start hour %d out of range 0-23", w.Start)
	}
	if w.End < 0 || w.End > 24 {
		return fmt.Errorf("activity: end hour %d out of range 0-24", w.End)
	}
	if w.Start == w.End {
		return fmt.Errorf("activity: empty window %d-%d", w.Start, w.End)
	}
	rest := make(map[time.Weekday]bool)
	for _, d := range w.RestDays {
		rest[d] = true
	}
	if len(rest) >= 7 {
		return fmt.Errorf("activity: every weekday is a rest day")
	}
	return nil
}

// ContainsHour reports whether hour h (0-23) falls inside the window.
func (w Window) ContainsHour(h int) bool {
	if w.Start < w.End {
		return h >= w.Start && h < w.End
	}
	return h >= w.Start || h < w.End
}

// IsRestDay reports whether d is one of the window's rest days.
func (w Window) IsRestDay(d time.Weekday) bool {
	for _, r := range w.RestDays {
		if r == d {
			return true
		}
	}
	return false
}

// Eligible reports whether t satisfies both the hour window and rest days.
func (w Window) Eligible(t time.Time) bool {
	local := t.In(w.location())
	return !w.IsRestDay(local.Weekday()) && w.ContainsHour(local.Hour())
}

func (w Window) location() *time.Location {
	if w.Location == nil {
		return time.Local
	}
	return w.Location
}

// NextEligibleTime returns the earliest time >= now at which the account may
// act. If now is already eligible it is returned unchanged. Eligibility only
// changes on hour boundaries, so the search walks forward hour by hour.
func NextEligibleTime(w Window, now time.Time) (time.Time, error) {
	if err := w.Validate(); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrNoEligibleTime, err)
	}
	if w.Eligible(now) {
		return now, nil
	}

	local := now.In(w.location())
	hour := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, local.Location())
	for i := 1; i <= MaxSearchDays*24; i++ {
		candidate := hour.Add(time.Duration(i) * time.Hour)
		if w.Eligible(candidate) {
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w within %d days of %s", ErrNoEligibleTime, MaxSearchDays, now.Format(time.RFC3339))
}
