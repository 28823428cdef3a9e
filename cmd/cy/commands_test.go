package main

import (
	"bytes"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/cafeyard/internal/settings"
)

// writeConfig writes a minimal sqlite config into a temp dir and returns
// its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cafeyard.yaml")
	body := "owner: tester\n" +
		"timezone: UTC\n" +
		"database:\n" +
		"  driver: sqlite\n" +
		"  path: " + filepath.Join(dir, "cafeyard.db") + "\n" +
		"log:\n" +
		"  level: error\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCy(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCy(t, "", args...)
	if err != nil {
		t.Fatalf("cy %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// initWorkspace initializes a database with two accounts and a default cafe.
func initWorkspace(t *testing.T) string {
	t.Helper()
	cfg := writeConfig(t)
	mustRun(t, "db", "init", "-c", cfg)
	mustRun(t, "account", "add", "alpha", "-c", cfg, "--credential", "pw-a", "--main", "--daily-limit", "5")
	mustRun(t, "account", "add", "beta", "-c", cfg, "--credential", "pw-b")
	mustRun(t, "cafe", "add", "espresso", "-c", cfg, "--name", "Espresso Club", "--category", "review", "--menu", "review=12", "--default")
	return cfg
}

func TestDBInit_MissingConfig(t *testing.T) {
	_, err := runCy(t, "", "db", "init", "--config", "/nonexistent/cafeyard.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("expected load config error, got: %v", err)
	}
}

func TestDBInit(t *testing.T) {
	cfg := writeConfig(t)
	out := mustRun(t, "db", "init", "-c", cfg)
	if !strings.Contains(out, `owner "tester"`) {
		t.Errorf("expected owner in output, got: %s", out)
	}
	if !strings.Contains(out, "initialized successfully") {
		t.Errorf("expected success message, got: %s", out)
	}
	// Running again is idempotent.
	mustRun(t, "db", "init", "-c", cfg)
}

func TestDBReset(t *testing.T) {
	cfg := initWorkspace(t)

	out, err := runCy(t, "no\n", "db", "reset", "-c", cfg)
	if err != nil {
		t.Fatalf("reset without confirmation: %v", err)
	}
	if !strings.Contains(out, "Aborted.") {
		t.Errorf("expected abort, got: %s", out)
	}

	mustRun(t, "db", "reset", "-y", "-c", cfg)
	out = mustRun(t, "account", "list", "-c", cfg)
	if !strings.Contains(out, "No accounts found.") {
		t.Errorf("expected empty account list after reset, got: %s", out)
	}
}

func TestAccountCommands(t *testing.T) {
	cfg := initWorkspace(t)

	out := mustRun(t, "account", "list", "-c", cfg)
	for _, want := range []string{"alpha", "beta", "NICKNAME"} {
		if !strings.Contains(out, want) {
			t.Errorf("account list missing %q:\n%s", want, out)
		}
	}

	mustRun(t, "account", "deactivate", "beta", "-c", cfg)
	out = mustRun(t, "account", "list", "-c", cfg)
	if strings.Contains(out, "beta") {
		t.Errorf("inactive account listed without --all:\n%s", out)
	}
	out = mustRun(t, "account", "list", "--all", "-c", cfg)
	if !strings.Contains(out, "beta") {
		t.Errorf("--all should list inactive accounts:\n%s", out)
	}
	mustRun(t, "account", "activate", "beta", "-c", cfg)

	if _, err := runCy(t, "", "account", "add", "alpha", "-c", cfg, "--credential", "x"); err == nil {
		t.Error("expected duplicate account error")
	}

	mustRun(t, "account", "remove", "beta", "-c", cfg)
	if _, err := runCy(t, "", "account", "activate", "beta", "-c", cfg); err == nil {
		t.Error("expected error activating removed account")
	}
}

func TestAccountAdd_PromptsForCredential(t *testing.T) {
	cfg := writeConfig(t)
	mustRun(t, "db", "init", "-c", cfg)

	out, err := runCy(t, "s3cret\n", "account", "add", "gamma", "-c", cfg, "--active-from", "9", "--active-until", "18", "--rest-days", "0,6")
	if err != nil {
		t.Fatalf("account add: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Credential for gamma") {
		t.Errorf("expected credential prompt, got: %s", out)
	}
	if !strings.Contains(out, "Account gamma added") {
		t.Errorf("expected confirmation, got: %s", out)
	}

	if _, err := runCy(t, "\n", "account", "add", "delta", "-c", cfg); err == nil {
		t.Error("expected error for empty credential")
	}
}

func TestCafeCommands(t *testing.T) {
	cfg := initWorkspace(t)

	mustRun(t, "cafe", "add", "mocha", "-c", cfg, "--name", "Mocha House")
	out := mustRun(t, "cafe", "list", "-c", cfg)
	if !strings.Contains(out, "espresso") || !strings.Contains(out, "mocha") {
		t.Errorf("cafe list missing entries:\n%s", out)
	}

	out = mustRun(t, "cafe", "default", "mocha", "-c", cfg)
	if !strings.Contains(out, "Default cafe set to mocha") {
		t.Errorf("unexpected output: %s", out)
	}
	if _, err := runCy(t, "", "cafe", "default", "nope", "-c", cfg); err == nil {
		t.Error("expected error for unknown cafe")
	}
}

func TestBatchRun_QueueAndStatus(t *testing.T) {
	cfg := initWorkspace(t)

	out := mustRun(t, "batch", "run", "latte", "mocha", "-c", cfg, "--category", "review", "--reply-ratio", "0")
	if !strings.Contains(out, "on cafe espresso") {
		t.Errorf("expected default cafe in batch output, got: %s", out)
	}
	for _, topic := range []string{"latte", "mocha"} {
		if !strings.Contains(out, topic) {
			t.Errorf("batch output missing topic %q:\n%s", topic, out)
		}
	}

	out = mustRun(t, "queue", "list", "--type", "post", "-c", cfg)
	if strings.Count(out, "post") < 2 {
		t.Errorf("expected two post jobs:\n%s", out)
	}

	out = mustRun(t, "status", "-c", cfg)
	for _, want := range []string{"alpha", "beta", "TOTAL", "/5"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}

	out = mustRun(t, "status", "--json", "-c", cfg)
	if !strings.Contains(out, `"accounts"`) {
		t.Errorf("expected JSON overview, got: %s", out)
	}

	out = mustRun(t, "queue", "clear", "--all", "-c", cfg)
	if !strings.Contains(out, "Removed") || strings.Contains(out, "Removed 0 ") {
		t.Errorf("expected jobs removed, got: %s", out)
	}
	out = mustRun(t, "queue", "list", "-c", cfg)
	if !strings.Contains(out, "No jobs found.") {
		t.Errorf("expected empty queue, got: %s", out)
	}
}

func TestBatchRun_NoAccounts(t *testing.T) {
	cfg := writeConfig(t)
	mustRun(t, "db", "init", "-c", cfg)
	mustRun(t, "cafe", "add", "espresso", "-c", cfg, "--default")

	_, err := runCy(t, "", "batch", "run", "latte", "-c", cfg)
	if err == nil || !strings.Contains(err.Error(), "no active accounts") {
		t.Errorf("expected no active accounts error, got: %v", err)
	}
}

func TestQueueClear_Args(t *testing.T) {
	cfg := initWorkspace(t)

	if _, err := runCy(t, "", "queue", "clear", "-c", cfg); err == nil {
		t.Error("expected error without account or --all")
	}
	if _, err := runCy(t, "", "queue", "clear", "alpha", "--all", "-c", cfg); err == nil {
		t.Error("expected error with both account and --all")
	}
	out := mustRun(t, "queue", "clear", "alpha", "-c", cfg)
	if !strings.Contains(out, "Removed 0 job(s)") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestQueueRemove_NotFound(t *testing.T) {
	cfg := initWorkspace(t)
	if _, err := runCy(t, "", "queue", "remove", "missing", "-c", cfg); err == nil {
		t.Error("expected error removing unknown job")
	}
}

func TestSettingsCommands(t *testing.T) {
	cfg := initWorkspace(t)

	out := mustRun(t, "settings", "show", "-c", cfg)
	if !strings.Contains(out, "enforce_daily_limit") {
		t.Errorf("settings show missing keys:\n%s", out)
	}

	out = mustRun(t, "settings", "set", "between_posts_min=1000", "between-posts-max=2000", "enforce_daily_limit=false", "-c", cfg)
	if !strings.Contains(out, "1000..2000 ms") {
		t.Errorf("expected updated range, got:\n%s", out)
	}
	if !strings.Contains(out, "false") {
		t.Errorf("expected enforce_daily_limit false, got:\n%s", out)
	}

	_, err := runCy(t, "", "settings", "set", "between_posts_min=9000", "between_posts_max=10", "-c", cfg)
	if !errors.Is(err, settings.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got: %v", err)
	}
}

func TestParsePatch(t *testing.T) {
	p, err := parsePatch([]string{"retry_attempts=4", "timeout_ms=60000", " after-post-min = 5 "})
	if err != nil {
		t.Fatalf("parsePatch: %v", err)
	}
	if p.RetryAttempts == nil || *p.RetryAttempts != 4 {
		t.Errorf("RetryAttempts = %v, want 4", p.RetryAttempts)
	}
	if p.TimeoutMs == nil || *p.TimeoutMs != 60000 {
		t.Errorf("TimeoutMs = %v, want 60000", p.TimeoutMs)
	}
	if p.AfterPostMin == nil || *p.AfterPostMin != 5 {
		t.Errorf("AfterPostMin = %v, want 5", p.AfterPostMin)
	}

	for _, bad := range [][]string{
		{"retry_attempts"},
		{"nope=1"},
		{"timeout_ms=soon"},
		{"enforce_daily_limit=maybe"},
	} {
		if _, err := parsePatch(bad); err == nil {
			t.Errorf("parsePatch(%v) should fail", bad)
		}
	}
}

func TestSessionKeygen(t *testing.T) {
	out := mustRun(t, "session", "keygen")
	for _, key := range []string{"hash_key: ", "block_key: "} {
		i := strings.Index(out, key)
		if i < 0 {
			t.Fatalf("missing %s in output:\n%s", key, out)
		}
		line := out[i+len(key):]
		line = line[:strings.Index(line, "\n")]
		raw, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			t.Errorf("%s not base64: %v", key, err)
		}
		if len(raw) != 32 {
			t.Errorf("%s decodes to %d bytes, want 32", key, len(raw))
		}
	}
}

func TestSessionForget(t *testing.T) {
	cfg := initWorkspace(t)
	out := mustRun(t, "session", "forget", "alpha", "-c", cfg)
	if !strings.Contains(out, "Session for alpha forgotten") {
		t.Errorf("unexpected output: %s", out)
	}
	if _, err := runCy(t, "", "session", "forget", "ghost", "-c", cfg); err == nil {
		t.Error("expected error for unknown account")
	}
}
