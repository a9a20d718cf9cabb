package runtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicia-run/alicia/internal/audit"
	"github.com/alicia-run/alicia/internal/ipc"
	"github.com/alicia-run/alicia/internal/policy"
	"github.com/alicia-run/alicia/internal/session"
)

func shellCommand(t *testing.T, script string) (string, []string) {
	t.Helper()
	if goruntime.GOOS == "windows" {
		t.Skip("shell-script based runtime tests require a POSIX shell")
	}
	return "/bin/sh", []string{"-c", script}
}

func newTestRuntime(t *testing.T, workspace string) (*UiRuntime, string) {
	t.Helper()
	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	auditLog, err := audit.Open(auditPath, nil)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	rt := New(session.NewManager(nil), workspace, 500, nil).WithAuditLogger(auditLog)
	return rt, auditPath
}

func readAuditLines(t *testing.T, path string) []audit.Record {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	var records []audit.Record
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var record audit.Record
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("parsing audit line %q: %v", line, err)
		}
		records = append(records, record)
	}
	return records
}

func TestStartSessionHappyPathWithApproval(t *testing.T) {
	workspace := t.TempDir()
	rt, auditPath := newTestRuntime(t, workspace)
	program, args := shellCommand(t, "echo alicia_happy_ok")
	command := append([]string{program}, args...)

	rt.Store().Push(ipc.New(ipc.NewActionProposed(ipc.ActionProposed{
		ActionID: "act1", ActionKind: string(policy.WriteFile), Target: "src/main.go",
	})))
	rt.Store().AttachApprovalCommand("act1", command)
	rt.Store().Push(ipc.New(ipc.NewApprovalRequested(ipc.ApprovalRequested{
		ActionID: "act1", Summary: "edit", ExpiresAtUnixS: 4102444800,
	})))
	if _, err := rt.Store().Approve("act1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	approval, ok := rt.Store().Approval("act1")
	if !ok || approval.Status != "approved" {
		t.Fatalf("expected act1 approved, got %+v", approval)
	}

	err := rt.StartSession(context.Background(), StartRequest{
		SessionID: "sess-happy", Program: program, Args: args, Cwd: workspace, Mode: session.Pipe,
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	finished, ok := rt.WaitForSessionFinished("sess-happy", 10*time.Second)
	if !ok {
		t.Fatal("session did not finish in time")
	}
	if finished.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", finished.ExitCode)
	}

	text, ok := rt.Store().ActiveTerminalText()
	if !ok || !strings.Contains(text, "alicia_happy_ok") {
		t.Errorf("active terminal text missing marker, got %q", text)
	}

	terminal, ok := rt.Store().TerminalSession("sess-happy")
	if !ok {
		t.Fatal("terminal session not tracked")
	}
	if terminal.Lifecycle.Running {
		t.Error("session lifecycle should be finished")
	}

	if err := rt.RecordSessionOutcome("sess-happy"); err != nil {
		t.Fatalf("RecordSessionOutcome: %v", err)
	}

	records := readAuditLines(t, auditPath)
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(records))
	}
	if records[0].ApprovalDecision != policy.Approved {
		t.Errorf("approval_decision = %q, want approved", records[0].ApprovalDecision)
	}
	if records[0].ResultStatus != audit.Succeeded {
		t.Errorf("result_status = %q, want succeeded", records[0].ResultStatus)
	}
}

func TestStartSessionBlockedWritesAuditRecord(t *testing.T) {
	workspace := t.TempDir()
	rt, auditPath := newTestRuntime(t, workspace)
	rt.Store().SetPermissionProfile(policy.ReadOnly)
	program, args := shellCommand(t, "echo should_not_run")

	err := rt.StartSession(context.Background(), StartRequest{
		SessionID: "sess-blocked", Program: program, Args: args, Cwd: workspace, Mode: session.Pipe,
	})
	if err == nil {
		t.Fatal("expected StartSession to be blocked under ReadOnly")
	}
	if _, ok := err.(*CommandBlockedError); !ok {
		t.Fatalf("expected *CommandBlockedError, got %T: %v", err, err)
	}

	if rt.Manager().IsActive("sess-blocked") {
		t.Error("blocked session must not be spawned")
	}

	records := readAuditLines(t, auditPath)
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(records))
	}
	if records[0].ResultStatus != audit.Blocked {
		t.Errorf("result_status = %q, want blocked", records[0].ResultStatus)
	}
	if records[0].DurationMs != 0 {
		t.Errorf("duration_ms = %d, want 0", records[0].DurationMs)
	}
	if len(rt.Store().AuditRecords()) != 1 {
		t.Error("blocked record missing from in-memory audit read model")
	}
}

func TestStartSessionMissingApprovalBlocked(t *testing.T) {
	workspace := t.TempDir()
	rt, auditPath := newTestRuntime(t, workspace)
	// default profile is read_write_with_approval; no approval exists
	program, args := shellCommand(t, "echo needs_approval")

	err := rt.StartSession(context.Background(), StartRequest{
		SessionID: "sess-unapproved", Program: program, Args: args, Cwd: workspace, Mode: session.Pipe,
	})
	if _, ok := err.(*CommandBlockedError); !ok {
		t.Fatalf("expected *CommandBlockedError, got %T: %v", err, err)
	}

	records := readAuditLines(t, auditPath)
	if len(records) != 1 || records[0].ResultStatus != audit.Blocked {
		t.Fatalf("expected one blocked audit record, got %+v", records)
	}
}

func TestStartSessionWorkspaceEscapeRefusedWithoutAudit(t *testing.T) {
	workspace := t.TempDir()
	rt, auditPath := newTestRuntime(t, workspace)
	program, args := shellCommand(t, "echo escape")

	err := rt.StartSession(context.Background(), StartRequest{
		SessionID: "sess-escape", Program: program, Args: args,
		Cwd: filepath.Join(workspace, "..", "outside"), Mode: session.Pipe,
	})
	if err == nil {
		t.Fatal("expected workspace escape to be refused")
	}
	if _, ok := err.(*WorkspaceGuardBlockedError); !ok {
		t.Fatalf("expected *WorkspaceGuardBlockedError, got %T: %v", err, err)
	}

	if rt.Manager().IsActive("sess-escape") {
		t.Error("escaped session must not be spawned")
	}

	// No policy evaluation was reached, so no audit record exists.
	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	if strings.TrimSpace(string(data)) != "" {
		t.Errorf("expected empty audit log, got %q", string(data))
	}
}

func TestStopSessionCancelWritesFailedAuditRecord(t *testing.T) {
	workspace := t.TempDir()
	rt, auditPath := newTestRuntime(t, workspace)
	program, args := shellCommand(t, "echo alicia_cancel_start; sleep 20")
	command := append([]string{program}, args...)

	rt.Store().Push(ipc.New(ipc.NewApprovalRequested(ipc.ApprovalRequested{
		ActionID: "act-cancel", Summary: "long command", ExpiresAtUnixS: 4102444800,
	})))
	rt.Store().AttachApprovalCommand("act-cancel", command)
	if _, err := rt.Store().Approve("act-cancel"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	err := rt.StartSession(context.Background(), StartRequest{
		SessionID: "sess-cancel", Program: program, Args: args, Cwd: workspace, Mode: session.Pipe,
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// Wait until the marker proves the child actually started running.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rt.PumpEvents()
		if text, ok := rt.Store().ActiveTerminalText(); ok && strings.Contains(text, "alicia_cancel_start") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := rt.StopSession("sess-cancel"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	if rt.Manager().IsActive("sess-cancel") {
		t.Error("session should no longer be active after stop")
	}

	terminal, ok := rt.Store().TerminalSession("sess-cancel")
	if !ok {
		t.Fatal("terminal session not tracked")
	}
	if terminal.Lifecycle.Running {
		t.Error("session lifecycle should be finished after stop")
	}
	if terminal.Lifecycle.ExitCode == 0 {
		t.Error("cancelled session should report a non-zero exit code")
	}

	records := readAuditLines(t, auditPath)
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(records))
	}
	if records[0].ResultStatus != audit.Failed {
		t.Errorf("result_status = %q, want failed", records[0].ResultStatus)
	}
	if records[0].ApprovalDecision != policy.Approved {
		t.Errorf("approval_decision = %q, want approved (profile requires approval)", records[0].ApprovalDecision)
	}
}

func TestStartSessionResolvesProfileFromOverlay(t *testing.T) {
	workspace := t.TempDir()
	rt, _ := newTestRuntime(t, workspace)
	program, args := shellCommand(t, "echo overlay_full_access")

	overlayDir := filepath.Join(workspace, ".codex")
	if err := os.MkdirAll(overlayDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "schema_version = 1\npermission_profile = \"full_access\"\n"
	if err := os.WriteFile(filepath.Join(overlayDir, "alicia-policy.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing overlay: %v", err)
	}

	// full_access needs no approval at all.
	err := rt.StartSession(context.Background(), StartRequest{
		SessionID: "sess-overlay", Program: program, Args: args, Cwd: workspace, Mode: session.Pipe,
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if rt.Store().PermissionProfile() != policy.FullAccess {
		t.Errorf("profile = %q, want full_access", rt.Store().PermissionProfile())
	}
	if _, ok := rt.WaitForSessionFinished("sess-overlay", 10*time.Second); !ok {
		t.Fatal("session did not finish in time")
	}
}

func TestOverlayRuleTightensFullAccessToDeny(t *testing.T) {
	workspace := t.TempDir()
	rt, auditPath := newTestRuntime(t, workspace)
	program, args := shellCommand(t, "echo should_be_denied")

	overlayDir := filepath.Join(workspace, ".codex")
	if err := os.MkdirAll(overlayDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := `schema_version = 1
permission_profile = "full_access"

[[rule]]
name = "no_execs_here"
condition = 'action_kind == "execute_command"'
effect = "deny"
`
	if err := os.WriteFile(filepath.Join(overlayDir, "alicia-policy.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing overlay: %v", err)
	}

	err := rt.StartSession(context.Background(), StartRequest{
		SessionID: "sess-rule", Program: program, Args: args, Cwd: workspace, Mode: session.Pipe,
	})
	if _, ok := err.(*CommandBlockedError); !ok {
		t.Fatalf("expected rule to deny even under full_access, got %T: %v", err, err)
	}

	records := readAuditLines(t, auditPath)
	if len(records) != 1 || records[0].ResultStatus != audit.Blocked {
		t.Fatalf("expected one blocked audit record, got %+v", records)
	}
	if records[0].PolicyDecision != policy.Deny {
		t.Errorf("policy_decision = %q, want deny", records[0].PolicyDecision)
	}
}

func TestStoreApprovalResolutionVisibleToNextStart(t *testing.T) {
	workspace := t.TempDir()
	rt, _ := newTestRuntime(t, workspace)
	program, args := shellCommand(t, "echo approved_twice")
	command := append([]string{program}, args...)

	rt.Store().Push(ipc.New(ipc.NewApprovalRequested(ipc.ApprovalRequested{
		ActionID: "act-again", Summary: "run", ExpiresAtUnixS: 4102444800,
	})))
	rt.Store().AttachApprovalCommand("act-again", command)
	if _, err := rt.Store().Approve("act-again"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	err := rt.StartSession(context.Background(), StartRequest{
		SessionID: "sess-again", Program: program, Args: args, Cwd: workspace, Mode: session.Pipe,
	})
	if err != nil {
		t.Fatalf("StartSession after approval: %v", err)
	}
	if _, ok := rt.WaitForSessionFinished("sess-again", 10*time.Second); !ok {
		t.Fatal("session did not finish in time")
	}
}
