// Package alert delivers operator notifications about jobs and workers that
// need a human: terminal authentication failures, exhausted retries and
// workers that stopped heartbeating.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/cafeyard/internal/models"
)

// Severity levels.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Sidebar colors per severity.
const (
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Alert is one notification.
type Alert struct {
	Title    string
	Body     string
	Severity string
	Fields   []Field
	At       time.Time
}

// Field is a key-value pair shown with an alert.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// Color returns the sidebar color for the alert's severity.
func (a Alert) Color() string {
	switch a.Severity {
	case SeverityWarning:
		return ColorWarning
	case SeverityError:
		return ColorError
	default:
		return ColorInfo
	}
}

// Text renders the alert as plain text.
func (a Alert) Text() string {
	var b strings.Builder
	b.WriteString(a.Title)
	if a.Body != "" {
		b.WriteString("\n")
		b.WriteString(a.Body)
	}
	for _, f := range a.Fields {
		fmt.Fprintf(&b, "\n%s: %s", f.Name, f.Value)
	}
	return b.String()
}

// Notifier sends alerts to one destination.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards alerts.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Alert) error { return nil }

// maxErrorLen truncates job errors in alert bodies.
const maxErrorLen = 500

// FailedJob formats a terminally failed job flagged for attention.
func FailedJob(job models.Job) Alert {
	title := fmt.Sprintf("Job %s failed for account %s", job.ID, job.AccountID)
	if job.FailureKind == "auth" {
		title = fmt.Sprintf("Account %s could not sign in", job.AccountID)
	}
	body := job.LastError
	if len(body) > maxErrorLen {
		body = body[:maxErrorLen] + "..."
	}
	fields := []Field{
		{Name: "Job", Value: job.ID, Short: true},
		{Name: "Type", Value: job.Type, Short: true},
		{Name: "Attempts", Value: fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts), Short: true},
	}
	if job.FailureKind != "" {
		fields = append(fields, Field{Name: "Kind", Value: job.FailureKind, Short: true})
	}
	if job.BatchID != "" {
		fields = append(fields, Field{Name: "Batch", Value: job.BatchID})
	}
	at := time.Now()
	if job.FinishedAt != nil {
		at = *job.FinishedAt
	}
	return Alert{Title: title, Body: body, Severity: SeverityError, Fields: fields, At: at}
}

// StaleWorker formats a worker that stopped heartbeating.
func StaleWorker(w models.Worker, recovered int64) Alert {
	return Alert{
		Title:    fmt.Sprintf("Worker %s for account %s stopped responding", w.ID, w.AccountID),
		Body:     fmt.Sprintf("Last heartbeat %s. %d active job(s) returned to the queue.", w.LastActivity.Format(time.RFC3339), recovered),
		Severity: SeverityWarning,
		Fields: []Field{
			{Name: "Worker", Value: w.ID, Short: true},
			{Name: "Account", Value: w.AccountID, Short: true},
		},
		At: time.Now(),
	}
}
