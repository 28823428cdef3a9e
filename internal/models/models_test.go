package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestAccount_Fields(t *testing.T) {
	typ := reflect.TypeOf(Account{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:64")
	assertGormTag(t, typ, "Credential", "size:512")
	assertGormTag(t, typ, "ActivityStart", "not null")
	assertGormTag(t, typ, "ActivityEnd", "not null")
	assertGormTag(t, typ, "RestDays", "size:32")
	assertGormTag(t, typ, "IsActive", "index")

	assertFieldType(t, typ, "DailyPostLimit", "*int")
	assertFieldType(t, typ, "IsMain", "bool")
	assertFieldType(t, typ, "CreatedAt", "time.Time")
}

func TestCafe_Fields(t *testing.T) {
	typ := reflect.TypeOf(Cafe{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "Categories", "type:json")
	assertGormTag(t, typ, "MenuMapping", "type:json")
	assertGormTag(t, typ, "IsDefault", "index")
}

func TestJob_Fields(t *testing.T) {
	typ := reflect.TypeOf(Job{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:32")
	assertGormTag(t, typ, "Payload", "type:text")
	assertGormTag(t, typ, "Payload", "not null")
	assertGormTag(t, typ, "BatchID", "index")
	assertGormTag(t, typ, "DependsOn", "index")
	assertGormTag(t, typ, "NeedsAttention", "index")
	assertGormTag(t, typ, "LastError", "type:text")

	// The queue index orders claims by account, status and schedule.
	assertGormTag(t, typ, "AccountID", "index:idx_job_queue,priority:1")
	assertGormTag(t, typ, "Status", "index:idx_job_queue,priority:2")
	assertGormTag(t, typ, "ScheduledAt", "index:idx_job_queue,priority:3")

	assertFieldType(t, typ, "ScheduledAt", "time.Time")
	assertFieldType(t, typ, "StartedAt", "*time.Time")
	assertFieldType(t, typ, "FinishedAt", "*time.Time")
	assertFieldType(t, typ, "Attempts", "int")
	assertFieldType(t, typ, "MaxAttempts", "int")
}

func TestJob_Relations(t *testing.T) {
	typ := reflect.TypeOf(Job{})

	assertGormTag(t, typ, "Events", "foreignKey:JobID")
	assertFieldType(t, typ, "Events", "[]models.JobEvent")
}

func TestJobEvent_Fields(t *testing.T) {
	typ := reflect.TypeOf(JobEvent{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "JobID", "index")
	assertGormTag(t, typ, "Kind", "not null")
	assertGormTag(t, typ, "Message", "type:text")

	assertFieldType(t, typ, "ID", "uint")
	assertFieldType(t, typ, "Attempt", "int")
}

func TestQueueSettings_Fields(t *testing.T) {
	typ := reflect.TypeOf(QueueSettings{})

	assertGormTag(t, typ, "ID", "primaryKey")
	for _, f := range []string{
		"BetweenPostsMin", "BetweenPostsMax",
		"BetweenCommentsMin", "BetweenCommentsMax",
		"AfterPostMin", "AfterPostMax",
		"RetryBackoffMs", "TimeoutMs",
	} {
		assertFieldType(t, typ, f, "int64")
	}
	assertFieldType(t, typ, "RetryAttempts", "int")
	assertFieldType(t, typ, "EnforceDailyLimit", "bool")

	if QueueSettingsID != 1 {
		t.Errorf("QueueSettingsID = %d, want 1", QueueSettingsID)
	}
}

func TestDailyPostCount_Fields(t *testing.T) {
	typ := reflect.TypeOf(DailyPostCount{})

	// Composite primary key
	assertGormTag(t, typ, "AccountID", "primaryKey")
	assertGormTag(t, typ, "Day", "primaryKey")
	assertGormTag(t, typ, "Day", "size:10")
	assertGormTag(t, typ, "Count", "not null")
}

func TestDailyActivity_Fields(t *testing.T) {
	typ := reflect.TypeOf(DailyActivity{})

	assertGormTag(t, typ, "AccountID", "primaryKey")
	assertGormTag(t, typ, "CafeID", "primaryKey")
	assertGormTag(t, typ, "Day", "primaryKey")
	for _, f := range []string{"Posts", "Comments", "Replies", "Likes"} {
		assertGormTag(t, typ, f, "not null")
	}
}

func TestAccountSession_Fields(t *testing.T) {
	typ := reflect.TypeOf(AccountSession{})

	assertGormTag(t, typ, "AccountID", "primaryKey")
	assertGormTag(t, typ, "State", "type:text")
	assertFieldType(t, typ, "LastLoginAt", "*time.Time")
	assertFieldType(t, typ, "LastValidatedAt", "*time.Time")
}

func TestWorker_Fields(t *testing.T) {
	typ := reflect.TypeOf(Worker{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "AccountID", "index")
	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "LastActivity", "index")
	assertFieldType(t, typ, "LastActivity", "time.Time")
}

func TestJob_Instantiation(t *testing.T) {
	job := Job{
		ID:          "job-1",
		AccountID:   "alpha",
		Type:        "post",
		Payload:     `{"type":"post","post":{"subject":"latte"}}`,
		Status:      "waiting",
		MaxAttempts: 3,
		Events: []JobEvent{
			{JobID: "job-1", Kind: "enqueued"},
		},
	}

	if job.StartedAt != nil {
		t.Error("StartedAt should be nil by default")
	}
	if len(job.Events) != 1 || job.Events[0].Kind != "enqueued" {
		t.Errorf("Events = %+v, want one enqueued event", job.Events)
	}
}
