package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, dsn string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("AI_POLICY_FILE", "")
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--dsn", dsn}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestQuotactl_Flow(t *testing.T) {
	dsn := "sqlite:" + filepath.Join(t.TempDir(), "quota.db")

	out, err := run(t, dsn, "show", "5")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "daily:    0/10") {
		t.Fatalf("unexpected show output:\n%s", out)
	}

	out, err = run(t, dsn, "set-tier", "1", "5", "6")
	if err != nil {
		t.Fatalf("set-tier: %v", err)
	}
	if !strings.Contains(out, "moved 2 users to tier 1") {
		t.Fatalf("unexpected set-tier output:\n%s", out)
	}

	out, err = run(t, dsn, "show", "6")
	if err != nil || !strings.Contains(out, "daily:    0/50") {
		t.Fatalf("show after set-tier: %v\n%s", err, out)
	}

	out, err = run(t, dsn, "stats")
	if err != nil || !strings.Contains(out, "members:      2") {
		t.Fatalf("stats: %v\n%s", err, out)
	}

	out, err = run(t, dsn, "reset-daily", "--all")
	if err != nil || !strings.Contains(out, "of 2 users") {
		t.Fatalf("reset-daily --all: %v\n%s", err, out)
	}
}

func TestQuotactl_ArgumentErrors(t *testing.T) {
	dsn := "sqlite:" + filepath.Join(t.TempDir(), "quota.db")

	if _, err := run(t, dsn, "reset-monthly"); err == nil {
		t.Fatalf("expected error without user id or --all")
	}
	if _, err := run(t, dsn, "reset-monthly", "9"); err == nil {
		t.Fatalf("expected error for user without a row")
	}
	if _, err := run(t, dsn, "set-tier", "7", "1"); err == nil {
		t.Fatalf("expected unknown tier error")
	}
	if _, err := run(t, dsn, "show", "abc"); err == nil {
		t.Fatalf("expected invalid user id error")
	}
}
