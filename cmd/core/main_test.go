// Package main tests for the nourish CLI.
// Commands run in-process against a temporary data directory and the
// in-memory backend.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

type testEnv struct {
	args []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := "data_dir: " + filepath.Join(dir, "data") + "\n" +
		"log:\n  level: error\n" +
		"remote:\n  kind: memory\n  user_id: u1\n"
	path := filepath.Join(dir, "nourish.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return &testEnv{args: []string{"--config", path, "--env-file", filepath.Join(dir, "missing.env")}}
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(append(append([]string{}, e.args...), args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *testEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	if err != nil {
		t.Fatalf("nourish %s failed: %v", strings.Join(args, " "), err)
	}
	return out
}

func (e *testEnv) listJSON(t *testing.T, kind string) []recordView {
	t.Helper()
	var views []recordView
	if err := json.Unmarshal([]byte(e.mustRun(t, "list", kind, "-o", "json")), &views); err != nil {
		t.Fatalf("list output is not JSON: %v", err)
	}
	return views
}

const oats = `{"name":"Oats","meal_type":"breakfast","calories":"150","consumed_at":"2026-01-02T08:00:00Z"}`

// =====================================================
// Command Tests
// =====================================================

// TestCLI_recordLifecycle saves, syncs and deletes a record across
// separate invocations.
func TestCLI_recordLifecycle(t *testing.T) {
	env := newTestEnv(t)

	id := strings.TrimSpace(env.mustRun(t, "save", "food_entries", oats))
	if id == "" {
		t.Fatal("save printed no id")
	}

	views := env.listJSON(t, "food_entries")
	if len(views) != 1 || views[0].ID != id {
		t.Fatalf("list = %+v, want one record %s", views, id)
	}
	if views[0].SyncStatus != "pending" {
		t.Errorf("sync_status = %s, want pending", views[0].SyncStatus)
	}
	if views[0].Data["name"] != "Oats" {
		t.Errorf("data.name = %v, want Oats", views[0].Data["name"])
	}

	var status map[string]interface{}
	if err := yaml.Unmarshal([]byte(env.mustRun(t, "status", "-o", "yaml")), &status); err != nil {
		t.Fatalf("status output is not YAML: %v", err)
	}
	if status["pending_operations"] != 1 {
		t.Errorf("pending_operations = %v, want 1", status["pending_operations"])
	}

	if out := env.mustRun(t, "sync"); !strings.Contains(out, "pushed 1 of 1") {
		t.Errorf("sync output = %q, want it to report one push", out)
	}
	if views := env.listJSON(t, "food_entries"); len(views) != 1 || views[0].SyncStatus != "synced" {
		t.Errorf("after sync list = %+v, want one synced record", views)
	}

	if out := env.mustRun(t, "delete", "food_entries", id); !strings.Contains(out, "deleted "+id) {
		t.Errorf("delete output = %q", out)
	}
	if views := env.listJSON(t, "food_entries"); len(views) != 0 {
		t.Errorf("after delete list = %+v, want empty", views)
	}
	if _, err := env.run(t, "get", "food_entries", id); err == nil {
		t.Error("get of a deleted record should fail")
	}
}

// TestCLI_saveFromStdin verifies "-" reads the document from stdin.
func TestCLI_saveFromStdin(t *testing.T) {
	env := newTestEnv(t)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(`{"id":"w-1","weight":"70.5","unit":"kg","recorded_at":"2026-01-02T07:00:00Z"}`))
	cmd.SetArgs(append(append([]string{}, env.args...), "save", "weight_entries", "-"))
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("save from stdin failed: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "w-1" {
		t.Errorf("save printed %q, want w-1", got)
	}
}

// TestCLI_emptyListings verifies the empty dead-letter and conflict views.
func TestCLI_emptyListings(t *testing.T) {
	env := newTestEnv(t)

	if out := strings.TrimSpace(env.mustRun(t, "failed", "-o", "json")); out != "[]" {
		t.Errorf("failed -o json = %q, want []", out)
	}
	if out := env.mustRun(t, "conflicts"); !strings.Contains(out, "(none)") {
		t.Errorf("conflicts = %q, want (none)", out)
	}
	if out := env.mustRun(t, "purge"); !strings.Contains(out, "purged 0") {
		t.Errorf("purge = %q, want purged 0", out)
	}
}

// TestCLI_errors verifies argument and lookup failures.
func TestCLI_errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown output", []string{"status", "-o", "xml"}},
		{"unknown kind", []string{"list", "recipes"}},
		{"invalid record", []string{"save", "food_entries", `{"calories":"1"}`}},
		{"bad time", []string{"list", "food_entries", "--from", "yesterday"}},
		{"missing failed id", []string{"requeue", "nope"}},
		{"missing args", []string{"delete", "food_entries"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.run(t, tt.args...); err == nil {
				t.Errorf("nourish %v should fail", tt.args)
			}
		})
	}
}

// TestVersion verifies the version command skips configuration loading.
func TestVersion(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", "/nonexistent/nourish.yaml", "version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if got := out.String(); got != "nourish v"+Version+"\n" {
		t.Errorf("version = %q", got)
	}
}

// =====================================================
// Helper Tests
// =====================================================

// TestParseTime tests the accepted time formats.
func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"2026-01-02T08:00:00Z", time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC), false},
		{"2026-01-02", time.Date(2026, 1, 2, 0, 0, 0, 0, time.Local), false},
		{"02/01/2026", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseTime(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTime(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
