package quota

import (
	"sync"
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
	if err := gdb.AutoMigrate(&models.DailyPostCount{}, &models.DailyActivity{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func newTracker(t *testing.T, at time.Time) *Tracker {
	t.Helper()
	tr := New(testDB(t), time.UTC)
	tr.now = func() time.Time { return at }
	return tr
}

func TestLimitReachedAfterIncrements(t *testing.T) {
	tr := newTracker(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	for i := 1; i <= 3; i++ {
		ok, err := tr.CanPostToday("alpha", 3)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("CanPostToday before post %d = false", i)
		}
		n, err := tr.IncrementToday("alpha")
		if err != nil {
			t.Fatalf("IncrementToday: %v", err)
		}
		if n != i {
			t.Errorf("IncrementToday = %d, want %d", n, i)
		}
	}

	ok, err := tr.CanPostToday("alpha", 3)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("4th CanPostToday = true, want false")
	}

	// New calendar day resets the counter.
	tr.now = func() time.Time { return time.Date(2024, 3, 2, 0, 5, 0, 0, time.UTC) }
	ok, err = tr.CanPostToday("alpha", 3)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("CanPostToday on next day = false, want true")
	}
}

func TestUnlimited(t *testing.T) {
	tr := newTracker(t, time.Now())
	for i := 0; i < 5; i++ {
		if _, err := tr.IncrementToday("alpha"); err != nil {
			t.Fatal(err)
		}
	}
	ok, err := tr.CanPostToday("alpha", 0)
	if err != nil || !ok {
		t.Errorf("CanPostToday(limit=0) = %v, %v; want true", ok, err)
	}
}

func TestDayKeyUsesLocation(t *testing.T) {
	seoul := time.FixedZone("KST", 9*60*60)
	tr := New(testDB(t), seoul)
	// 20:00 UTC on March 1 is already March 2 in Seoul.
	got := tr.Day(time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC))
	if got != "2024-03-02" {
		t.Errorf("Day = %q, want 2024-03-02", got)
	}
}

func TestIncrementToday_Concurrent(t *testing.T) {
	tr := newTracker(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.IncrementToday("alpha"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("IncrementToday: %v", err)
	}

	n, err := tr.CountOn("alpha", "2024-03-01")
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Errorf("count = %d, want 10", n)
	}
}

func TestIncrementToday_RowCreatedElsewhere(t *testing.T) {
	tr := newTracker(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	if err := tr.db.Create(&models.DailyPostCount{AccountID: "alpha", Day: "2024-03-01", Count: 4}).Error; err != nil {
		t.Fatal(err)
	}
	n, err := tr.IncrementToday("alpha")
	if err != nil {
		t.Fatalf("IncrementToday: %v", err)
	}
	if n != 5 {
		t.Errorf("count = %d, want 5", n)
	}
}

func TestReserve_NeverExceedsLimit(t *testing.T) {
	tr := newTracker(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := tr.Reserve("alpha", 3)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 3 {
		t.Errorf("granted = %d, want 3", granted)
	}
	n, _ := tr.CountOn("alpha", "2024-03-01")
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestRelease(t *testing.T) {
	tr := newTracker(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	day, ok, err := tr.Reserve("alpha", 1)
	if err != nil || !ok {
		t.Fatalf("Reserve = %v, %v", ok, err)
	}
	if _, ok, _ := tr.Reserve("alpha", 1); ok {
		t.Fatal("second Reserve should be refused")
	}
	if err := tr.Release("alpha", day); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok, _ := tr.Reserve("alpha", 1); !ok {
		t.Error("Reserve after Release should succeed")
	}

	// Releasing past zero is a no-op.
	if err := tr.Release("beta", day); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if n, _ := tr.CountOn("beta", day); n != 0 {
		t.Errorf("beta count = %d, want 0", n)
	}
}

func TestRecordActivity(t *testing.T) {
	tr := newTracker(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	for _, kind := range []string{KindPost, KindComment, KindComment, KindReply} {
		if err := tr.RecordActivity("alpha", "garden", kind); err != nil {
			t.Fatalf("RecordActivity(%s): %v", kind, err)
		}
	}
	if err := tr.RecordActivity("alpha", "garden", "share"); err == nil {
		t.Error("expected error for unknown kind")
	}

	rows, err := tr.ActivityOn("2024-03-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.Posts != 1 || r.Comments != 2 || r.Replies != 1 || r.Likes != 0 {
		t.Errorf("row = %+v", r)
	}
}
