package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicia-run/alicia/internal/policy"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func TestAppendWritesJSONLLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "audit.jsonl")

	logger, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer logger.Close()

	r1 := NewRecord("ses1", policy.WriteFile, "main.go", policy.ReadWriteWithApproval, policy.RequireApproval, policy.Approved, Succeeded, 42)
	r2 := NewRecord("ses2", policy.ExecuteCommand, "go test", policy.FullAccess, policy.Allow, policy.NotRequired, Succeeded, 10)

	if err := logger.Append(r1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := logger.Append(r2); err != nil {
		t.Fatalf("Append: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
}

func TestAppendPreservesExistingContentAppendOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	logger1, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := logger1.Append(NewRecord("ses1", policy.ReadFile, "a.txt", policy.ReadOnly, policy.Allow, policy.NotRequired, Succeeded, 1)); err != nil {
		t.Fatal(err)
	}
	logger1.Close()

	logger2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer logger2.Close()
	if err := logger2.Append(NewRecord("ses2", policy.ReadFile, "b.txt", policy.ReadOnly, policy.Allow, policy.NotRequired, Succeeded, 1)); err != nil {
		t.Fatal(err)
	}

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected previous content preserved, got %d lines", len(lines))
	}
	if !strings.Contains(lines[0], "a.txt") || !strings.Contains(lines[1], "b.txt") {
		t.Errorf("unexpected line contents: %v", lines)
	}
}

func TestAppendWritesRequiredSchemaFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	logger, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	if err := logger.Append(NewRecord("ses1", policy.ApplyPatch, "diff.patch", policy.ReadWriteWithApproval, policy.RequireApproval, policy.Denied, Blocked, 0)); err != nil {
		t.Fatal(err)
	}

	lines := readLines(t, path)
	var decoded map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatal(err)
	}

	for _, field := range []string{
		"timestamp", "session_id", "action_kind", "target", "profile",
		"policy_decision", "approval_decision", "result_status", "duration_ms",
	} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("missing required field %q in audit line", field)
		}
	}
}

func TestAppendRedactsSecretPatternsBeforePersisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	logger, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	secret := "sk-abcdefghijklmnopqrstuvwxyz1234567890"
	if err := logger.Append(NewRecord("ses1", policy.NetworkAccess, secret, policy.FullAccess, policy.Allow, policy.NotRequired, Succeeded, 0)); err != nil {
		t.Fatal(err)
	}

	lines := readLines(t, path)
	if strings.Contains(lines[0], secret) {
		t.Errorf("expected secret to be redacted, got line: %s", lines[0])
	}
	if !strings.Contains(lines[0], redactedSentinel) {
		t.Errorf("expected redaction sentinel in line: %s", lines[0])
	}
}
