package queue

import (
	"fmt"
	"sort"

	"github.com/zulandar/cafeyard/internal/models"
	"gorm.io/gorm"
)

// AccountStatus holds per-state job counts for one account queue.
type AccountStatus struct {
	AccountID string `json:"account_id"`
	Waiting   int64  `json:"waiting"`
	Delayed   int64  `json:"delayed"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// Pending is the number of jobs not yet finished.
func (s AccountStatus) Pending() int64 {
	return s.Waiting + s.Delayed + s.Active
}

type statusRow struct {
	AccountID string
	Status    string
	Count     int64
}

// Status returns job counts by state for every account that has jobs,
// ordered by account ID.
func Status(db *gorm.DB) ([]AccountStatus, error) {
	var rows []statusRow
	if err := db.Model(&models.Job{}).
		Select("account_id, status, COUNT(*) as count").
		Group("account_id, status").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("queue: status: %w", err)
	}

	byAccount := make(map[string]*AccountStatus)
	for _, r := range rows {
		s, ok := byAccount[r.AccountID]
		if !ok {
			s = &AccountStatus{AccountID: r.AccountID}
			byAccount[r.AccountID] = s
		}
		switch r.Status {
		case StatusWaiting:
			s.Waiting = r.Count
		case StatusDelayed:
			s.Delayed = r.Count
		case StatusActive:
			s.Active = r.Count
		case StatusCompleted:
			s.Completed = r.Count
		case StatusFailed:
			s.Failed = r.Count
		}
	}

	out := make([]AccountStatus, 0, len(byAccount))
	for _, s := range byAccount {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

// StatusFor returns the counts for one account. Accounts without jobs yield
// a zero-valued status.
func StatusFor(db *gorm.DB, accountID string) (AccountStatus, error) {
	all, err := Status(db.Where("account_id = ?", accountID))
	if err != nil {
		return AccountStatus{}, err
	}
	for _, s := range all {
		if s.AccountID == accountID {
			return s, nil
		}
	}
	return AccountStatus{AccountID: accountID}, nil
}
