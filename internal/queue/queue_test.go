package queue

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/cafeyard/internal/db"
	"github.com/zulandar/cafeyard/internal/models"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func post(subject string) PostPayload {
	return PostPayload{Subject: subject, Keyword: "k"}
}

func mustEnqueue(t *testing.T, gdb *gorm.DB, opts EnqueueOpts) *models.Job {
	t.Helper()
	job, err := Enqueue(gdb, opts)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

func TestGenerateID_Format(t *testing.T) {
	id, err := GenerateID()
	if err != nil {
		t.Fatalf("GenerateID() error: %v", err)
	}
	if !strings.HasPrefix(id, "job-") {
		t.Errorf("ID %q missing job- prefix", id)
	}
	if len(id) != 14 {
		t.Errorf("ID length = %d, want 14; id = %q", len(id), id)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{40, 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := Backoff(time.Minute, tt.attempt); got != tt.want {
			t.Errorf("Backoff(1m, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusWaiting, StatusActive, true},
		{StatusDelayed, StatusWaiting, true},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusFailed, true},
		{StatusActive, StatusDelayed, true},
		{StatusWaiting, StatusCompleted, false},
		{StatusDelayed, StatusActive, false},
		{StatusCompleted, StatusWaiting, false},
		{StatusFailed, StatusWaiting, false},
	}
	for _, tt := range tests {
		if got := isValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("isValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestEnqueue_RoundTripPayload(t *testing.T) {
	gdb := testDB(t)
	p := ReplyPayload{PostJobID: "job-a", CommentJobID: "job-b", ArticleRef: "art-1", ParentIndex: 1, Content: "Same here"}
	job := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", CafeID: "garden", Payload: p, MaxAttempts: 3})

	got, err := Get(gdb, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	decoded, err := DecodePayload(got.Payload)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded != p {
		t.Errorf("payload = %#v, want %#v", decoded, p)
	}
	if got.Type != TypeReply || got.CafeID != "garden" || got.MaxAttempts != 3 {
		t.Errorf("job = %+v", got)
	}
	if len(got.Events) != 1 || got.Events[0].Kind != EventEnqueued {
		t.Errorf("events = %+v", got.Events)
	}
}

func TestEnqueue_StatusFromDelay(t *testing.T) {
	gdb := testDB(t)
	now := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("now")})
	later := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("later"), Delay: time.Hour})
	at := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("at"), At: time.Now().Add(-time.Minute)})

	if now.Status != StatusWaiting {
		t.Errorf("no delay status = %q, want waiting", now.Status)
	}
	if later.Status != StatusDelayed {
		t.Errorf("delayed status = %q, want delayed", later.Status)
	}
	if at.Status != StatusWaiting {
		t.Errorf("past At status = %q, want waiting", at.Status)
	}
	if at.MaxAttempts != 1 {
		t.Errorf("MaxAttempts default = %d, want 1", at.MaxAttempts)
	}
}

func TestEnqueue_RequiresAccountAndPayload(t *testing.T) {
	gdb := testDB(t)
	if _, err := Enqueue(gdb, EnqueueOpts{Payload: post("x")}); err == nil {
		t.Error("expected error without account")
	}
	if _, err := Enqueue(gdb, EnqueueOpts{AccountID: "alpha", Payload: PostPayload{}}); err == nil {
		t.Error("expected error for invalid payload")
	}
}

func TestPromote(t *testing.T) {
	gdb := testDB(t)
	job := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("p"), Delay: 10 * time.Minute})

	n, err := Promote(gdb, "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("promoted %d before due, want 0", n)
	}

	n, err = Promote(gdb, "alpha", time.Now().Add(11*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("promoted %d, want 1", n)
	}
	got, _ := Get(gdb, job.ID)
	if got.Status != StatusWaiting {
		t.Errorf("status = %q, want waiting", got.Status)
	}
}

func TestClaim_FIFOBySchedule(t *testing.T) {
	gdb := testDB(t)
	base := time.Now().Add(-time.Hour)
	second := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("second"), At: base.Add(2 * time.Minute)})
	first := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("first"), At: base.Add(time.Minute)})
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "beta", Payload: post("other"), At: base})

	job, err := Claim(gdb, "alpha", "w1", time.Now())
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job.ID != first.ID {
		t.Errorf("claimed %s, want %s", job.ID, first.ID)
	}
	if job.Status != StatusActive || job.Attempts != 1 || job.WorkerID != "w1" {
		t.Errorf("claimed job = %+v", job)
	}

	if err := Complete(gdb, job.ID, "art-1", time.Now()); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	job, err = Claim(gdb, "alpha", "w1", time.Now())
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if job.ID != second.ID {
		t.Errorf("claimed %s, want %s", job.ID, second.ID)
	}
}

func TestClaim_OneActivePerAccount(t *testing.T) {
	gdb := testDB(t)
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("a")})
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("b")})
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "beta", Payload: post("c")})

	if _, err := Claim(gdb, "alpha", "w1", time.Now()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := Claim(gdb, "alpha", "w2", time.Now()); !errors.Is(err, ErrAccountBusy) {
		t.Errorf("second claim error = %v, want ErrAccountBusy", err)
	}
	// Other accounts are independent.
	if _, err := Claim(gdb, "beta", "w3", time.Now()); err != nil {
		t.Errorf("claim for beta: %v", err)
	}
}

func TestClaim_Empty(t *testing.T) {
	gdb := testDB(t)
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("later"), Delay: time.Hour})
	if _, err := Claim(gdb, "alpha", "w1", time.Now()); !errors.Is(err, ErrEmpty) {
		t.Errorf("error = %v, want ErrEmpty", err)
	}
}

func TestFail_RetryThenTerminal(t *testing.T) {
	gdb := testDB(t)
	job := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("p"), MaxAttempts: 2})
	now := time.Now()

	claimed, err := Claim(gdb, "alpha", "w1", now)
	if err != nil {
		t.Fatal(err)
	}
	retried, err := Fail(gdb, claimed.ID, FailOpts{Message: "timeout", Kind: "transient", Retry: true, Backoff: time.Minute, Now: now})
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !retried {
		t.Fatal("first failure should be retried")
	}
	got, _ := Get(gdb, job.ID)
	if got.Status != StatusDelayed {
		t.Errorf("status = %q, want delayed", got.Status)
	}
	if d := got.ScheduledAt.Sub(now); d < 59*time.Second || d > 61*time.Second {
		t.Errorf("retry scheduled %v after failure, want 1m", d)
	}
	if got.LastError != "timeout" {
		t.Errorf("LastError = %q", got.LastError)
	}

	later := now.Add(2 * time.Minute)
	if _, err := Promote(gdb, "alpha", later); err != nil {
		t.Fatal(err)
	}
	claimed, err = Claim(gdb, "alpha", "w1", later)
	if err != nil {
		t.Fatal(err)
	}
	if claimed.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", claimed.Attempts)
	}
	retried, err = Fail(gdb, claimed.ID, FailOpts{Message: "timeout again", Kind: "transient", Retry: true, Backoff: time.Minute, Now: later})
	if err != nil {
		t.Fatal(err)
	}
	if retried {
		t.Error("failure on last attempt should be terminal")
	}
	got, _ = Get(gdb, job.ID)
	if got.Status != StatusFailed || got.FinishedAt == nil {
		t.Errorf("job = %+v, want failed with FinishedAt", got)
	}

	failed := 0
	for _, ev := range got.Events {
		if ev.Kind == EventFailed {
			failed++
		}
	}
	if failed != 2 {
		t.Errorf("failed events = %d, want 2", failed)
	}
}

func TestFail_NonRetryableFlagsAttention(t *testing.T) {
	gdb := testDB(t)
	job := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("p"), MaxAttempts: 5})
	if _, err := Claim(gdb, "alpha", "w1", time.Now()); err != nil {
		t.Fatal(err)
	}
	retried, err := Fail(gdb, job.ID, FailOpts{Message: "login rejected", Kind: "auth", Attention: true})
	if err != nil {
		t.Fatal(err)
	}
	if retried {
		t.Error("auth failure should not be retried")
	}
	got, _ := Get(gdb, job.ID)
	if !got.NeedsAttention || got.FailureKind != "auth" {
		t.Errorf("job = %+v", got)
	}

	pending, err := NeedingAttention(gdb)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("NeedingAttention = %d jobs, want 1", len(pending))
	}
	if err := MarkAlerted(gdb, job.ID); err != nil {
		t.Fatal(err)
	}
	pending, _ = NeedingAttention(gdb)
	if len(pending) != 0 {
		t.Errorf("NeedingAttention after MarkAlerted = %d, want 0", len(pending))
	}
}

func TestFail_RequiresActive(t *testing.T) {
	gdb := testDB(t)
	job := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("p")})
	if _, err := Fail(gdb, job.ID, FailOpts{Message: "x"}); err == nil {
		t.Error("expected error failing a waiting job")
	}
}

func TestDefer_DoesNotConsumeAttempt(t *testing.T) {
	gdb := testDB(t)
	job := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("p"), MaxAttempts: 1})
	now := time.Now()
	if _, err := Claim(gdb, "alpha", "w1", now); err != nil {
		t.Fatal(err)
	}
	until := now.Add(6 * time.Hour)
	if err := Defer(gdb, job.ID, until, "outside activity window", now); err != nil {
		t.Fatalf("Defer: %v", err)
	}

	got, _ := Get(gdb, job.ID)
	if got.Status != StatusDelayed {
		t.Errorf("status = %q, want delayed", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", got.Attempts)
	}
	if got.ScheduledAt.Sub(until).Abs() > time.Millisecond {
		t.Errorf("ScheduledAt = %v, want %v", got.ScheduledAt, until)
	}
	last := got.Events[len(got.Events)-1]
	if last.Kind != EventDeferred || !strings.Contains(last.Message, "activity window") {
		t.Errorf("last event = %+v", last)
	}
}

func TestRemove(t *testing.T) {
	gdb := testDB(t)
	waiting := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("w")})
	delayed := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "beta", Payload: post("d"), Delay: time.Hour})
	active := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "gamma", Payload: post("a")})
	if _, err := Claim(gdb, "gamma", "w1", time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := Remove(gdb, waiting.ID); err != nil {
		t.Errorf("Remove waiting: %v", err)
	}
	if err := Remove(gdb, delayed.ID); err != nil {
		t.Errorf("Remove delayed: %v", err)
	}
	if err := Remove(gdb, active.ID); !errors.Is(err, ErrJobActive) {
		t.Errorf("Remove active = %v, want ErrJobActive", err)
	}
	if err := Remove(gdb, "job-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove missing = %v, want ErrNotFound", err)
	}

	if _, err := Get(gdb, waiting.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("removed job still present: %v", err)
	}
	events, _ := Events(gdb, waiting.ID)
	if len(events) != 0 {
		t.Errorf("events for removed job = %d, want 0", len(events))
	}

	if err := Complete(gdb, active.ID, "", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := Remove(gdb, active.ID); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("Remove completed = %v, want ErrNotCancellable", err)
	}
}

func TestClear_LeavesActiveAndOtherAccounts(t *testing.T) {
	gdb := testDB(t)
	active := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("a")})
	if _, err := Claim(gdb, "alpha", "w1", time.Now()); err != nil {
		t.Fatal(err)
	}
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("b")})
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("c"), Delay: time.Hour})
	other := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "beta", Payload: post("d")})

	n, err := Clear(gdb, "alpha")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 2 {
		t.Errorf("cleared %d, want 2", n)
	}
	if got, err := Get(gdb, active.ID); err != nil || got.Status != StatusActive {
		t.Errorf("active job after Clear = %v, %v", got, err)
	}
	if _, err := Get(gdb, other.ID); err != nil {
		t.Errorf("other account's job removed: %v", err)
	}

	if _, err := Clear(gdb, ""); err == nil {
		t.Error("Clear with empty account should fail")
	}
}

func TestClearAll(t *testing.T) {
	gdb := testDB(t)
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("a")})
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "beta", Payload: post("b"), Delay: time.Hour})
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "gamma", Payload: post("c")})
	if _, err := Claim(gdb, "gamma", "w1", time.Now()); err != nil {
		t.Fatal(err)
	}

	n, err := ClearAll(gdb)
	if err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if n != 2 {
		t.Errorf("cleared %d, want 2", n)
	}
	n, err = ClearAll(gdb)
	if err != nil || n != 0 {
		t.Errorf("second ClearAll = %d, %v; want 0", n, err)
	}
}

func TestRecoverActive(t *testing.T) {
	gdb := testDB(t)
	job := mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("a")})
	if _, err := Claim(gdb, "alpha", "dead", time.Now()); err != nil {
		t.Fatal(err)
	}

	n, err := RecoverActive(gdb, "dead")
	if err != nil {
		t.Fatalf("RecoverActive: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d, want 1", n)
	}
	got, _ := Get(gdb, job.ID)
	if got.Status != StatusWaiting || got.WorkerID != "" {
		t.Errorf("job = %+v", got)
	}
	if _, err := Claim(gdb, "alpha", "w2", time.Now()); err != nil {
		t.Errorf("reclaim after recovery: %v", err)
	}
}

func TestStatus(t *testing.T) {
	gdb := testDB(t)
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("a")})
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("b")})
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("c"), Delay: time.Hour})
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "beta", Payload: post("d")})
	if _, err := Claim(gdb, "alpha", "w1", time.Now()); err != nil {
		t.Fatal(err)
	}

	all, err := Status(gdb)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(all) != 2 || all[0].AccountID != "alpha" {
		t.Fatalf("Status = %+v", all)
	}
	a := all[0]
	if a.Waiting != 1 || a.Delayed != 1 || a.Active != 1 || a.Pending() != 3 {
		t.Errorf("alpha = %+v", a)
	}

	b, err := StatusFor(gdb, "beta")
	if err != nil {
		t.Fatal(err)
	}
	if b.Waiting != 1 {
		t.Errorf("beta = %+v", b)
	}
	z, err := StatusFor(gdb, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if z.Pending() != 0 || z.AccountID != "nobody" {
		t.Errorf("nobody = %+v", z)
	}
}

func TestPendingPostsAndNextDue(t *testing.T) {
	gdb := testDB(t)
	day := time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC)
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("a"), At: day.Add(9 * time.Hour)})
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("b"), At: day.Add(15 * time.Hour)})
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: post("c"), At: day.Add(30 * time.Hour)})
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", Payload: CommentPayload{ArticleRef: "x", Content: "y"}, At: day.Add(10 * time.Hour)})

	n, err := PendingPosts(gdb, "alpha", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("PendingPosts = %d, want 2", n)
	}

	next, err := NextDue(gdb, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || !next.Equal(day.Add(9*time.Hour)) {
		t.Errorf("NextDue = %v, want %v", next, day.Add(9*time.Hour))
	}
	if next, _ := NextDue(gdb, "beta"); next != nil {
		t.Errorf("NextDue(beta) = %v, want nil", next)
	}
}

func TestList(t *testing.T) {
	gdb := testDB(t)
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "alpha", BatchID: "b1", Payload: post("a")})
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "beta", BatchID: "b1", Payload: CommentPayload{ArticleRef: "x", Content: "y"}})
	mustEnqueue(t, gdb, EnqueueOpts{AccountID: "beta", BatchID: "b2", Payload: post("c")})

	tests := []struct {
		name string
		f    ListFilters
		want int
	}{
		{"all", ListFilters{}, 3},
		{"account", ListFilters{AccountID: "beta"}, 2},
		{"type", ListFilters{Type: TypeComment}, 1},
		{"batch", ListFilters{BatchID: "b1"}, 2},
		{"status", ListFilters{Status: StatusActive}, 0},
		{"limit", ListFilters{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := List(gdb, tt.f)
			if err != nil {
				t.Fatal(err)
			}
			if len(jobs) != tt.want {
				t.Errorf("len = %d, want %d", len(jobs), tt.want)
			}
		})
	}
}
