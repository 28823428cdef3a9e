package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/zulandar/cafeyard/internal/db"
	"github.com/zulandar/cafeyard/internal/queue"
)

func find(t *testing.T, reg *prometheus.Registry, name string) []*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestRecordJob(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordJob("post", "completed", 2*time.Second)
	c.RecordJob("post", "completed", time.Second)
	c.RecordJob("comment", "retry", time.Second)

	for _, m := range find(t, reg, "cafeyard_jobs_total") {
		if label(m, "type") == "post" && label(m, "outcome") == "completed" {
			if v := m.GetCounter().GetValue(); v != 2 {
				t.Errorf("post/completed = %v, want 2", v)
			}
		}
	}
	hist := find(t, reg, "cafeyard_job_duration_seconds")
	if len(hist) != 2 {
		t.Errorf("duration series = %d, want 2", len(hist))
	}
}

func TestRecordLogin(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordLogin("alpha", true)
	c.RecordLogin("alpha", false)
	c.RecordLogin("alpha", false)

	for _, m := range find(t, reg, "cafeyard_logins_total") {
		want := 1.0
		if label(m, "result") == "error" {
			want = 2
		}
		if v := m.GetCounter().GetValue(); v != want {
			t.Errorf("logins{result=%s} = %v, want %v", label(m, "result"), v, want)
		}
	}
}

func TestRecordQuotaAndEnqueued(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordQuotaExhausted("beta")
	c.RecordEnqueued("comment", 3)

	if v := find(t, reg, "cafeyard_quota_exhausted_total")[0].GetCounter().GetValue(); v != 1 {
		t.Errorf("quota_exhausted = %v, want 1", v)
	}
	if v := find(t, reg, "cafeyard_jobs_enqueued_total")[0].GetCounter().GetValue(); v != 3 {
		t.Errorf("enqueued = %v, want 3", v)
	}
}

func TestQueueCollector(t *testing.T) {
	gdb, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := queue.Enqueue(gdb, queue.EnqueueOpts{AccountID: "alpha", Payload: queue.PostPayload{Subject: "s"}}); err != nil {
			t.Fatal(err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewQueueCollector(gdb))

	found := false
	for _, m := range find(t, reg, "cafeyard_queue_jobs") {
		if label(m, "account") == "alpha" && label(m, "status") == "waiting" {
			found = true
			if v := m.GetGauge().GetValue(); v != 2 {
				t.Errorf("alpha waiting = %v, want 2", v)
			}
		}
	}
	if !found {
		t.Error("alpha waiting series not found")
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordEnqueued("post", 1)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "cafeyard_jobs_enqueued_total") {
		t.Error("scrape output missing cafeyard_jobs_enqueued_total")
	}
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	r.RecordJob("post", "completed", time.Second)
	r.RecordLogin("a", true)
	r.RecordQuotaExhausted("a")
	r.RecordEnqueued("post", 1)
}
