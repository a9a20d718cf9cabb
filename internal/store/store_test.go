package store

import (
	"strings"
	"testing"

	"github.com/alicia-run/alicia/internal/audit"
	"github.com/alicia-run/alicia/internal/ipc"
	"github.com/alicia-run/alicia/internal/policy"
)

func pushStarted(s *Store, sessionID string, command ...string) {
	s.Push(ipc.New(ipc.NewCommandStarted(ipc.CommandStarted{
		CommandID: sessionID, Command: command, Cwd: "/ws",
	})))
}

func pushChunk(s *Store, sessionID, chunk string) {
	s.Push(ipc.New(ipc.NewCommandOutputChunk(ipc.CommandOutputChunk{
		CommandID: sessionID, Stream: ipc.StreamStdout, Chunk: chunk,
	})))
}

func pushFinished(s *Store, sessionID string, exitCode int32, durationMs uint64) {
	s.Push(ipc.New(ipc.NewCommandFinished(ipc.CommandFinished{
		CommandID: sessionID, ExitCode: exitCode, DurationMs: durationMs,
	})))
}

func TestTimelineSequencesAreGaplessAndMonotone(t *testing.T) {
	s := New(100)
	pushStarted(s, "ses-1", "echo", "hi")
	pushChunk(s, "ses-1", "hi\n")
	pushFinished(s, "ses-1", 0, 5)
	s.AddAuditRecord(audit.Record{SessionID: "ses-1", ActionKind: policy.ExecuteCommand, ResultStatus: audit.Succeeded})

	// A failed mutation must not consume a sequence number.
	if _, err := s.AttachPatchFileDiff("act-missing", "x.go", "@@ -1 +1 @@\n-a\n+b\n"); err == nil {
		t.Fatal("expected attach on a missing preview to fail")
	}

	timeline := s.Timeline()
	if len(timeline) != 4 {
		t.Fatalf("timeline has %d entries, want 4", len(timeline))
	}
	for i, entry := range timeline {
		if entry.Sequence != uint64(i) {
			t.Fatalf("entry %d has sequence %d, want gapless 0,1,2,...", i, entry.Sequence)
		}
	}
}

func TestSessionLifecycleReflectsStartedAndFinished(t *testing.T) {
	s := New(100)
	pushStarted(s, "ses-life", "sleep", "1")

	terminal, ok := s.TerminalSession("ses-life")
	if !ok {
		t.Fatal("session not tracked after CommandStarted")
	}
	if !terminal.Lifecycle.Running {
		t.Error("session should be running after CommandStarted")
	}

	pushFinished(s, "ses-life", 3, 1234)
	if terminal.Lifecycle.Running {
		t.Error("session should be finished")
	}
	if terminal.Lifecycle.ExitCode != 3 || terminal.Lifecycle.DurationMs != 1234 {
		t.Errorf("lifecycle = %+v, want exit 3 duration 1234", terminal.Lifecycle)
	}
}

func TestOutputChunkForUnknownSessionSynthesizesPendingSession(t *testing.T) {
	s := New(100)
	pushChunk(s, "ses-orphan", "early output\n")

	terminal, ok := s.TerminalSession("ses-orphan")
	if !ok {
		t.Fatal("expected a synthesized pending session")
	}
	if !terminal.Lifecycle.Running {
		t.Error("synthesized session should be running")
	}
	if got := terminal.VisibleText(); got != "early output" {
		t.Errorf("visible text = %q", got)
	}
}

func TestOutputChunkSplitsLinesAndCollapsesCRLF(t *testing.T) {
	s := New(100)
	pushStarted(s, "ses-lines", "cat")
	pushChunk(s, "ses-lines", "one\r\ntwo\nthree")

	terminal, _ := s.TerminalSession("ses-lines")
	lines := terminal.VisibleLines()
	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestScrollbackIsBoundedAndResizableRetroactively(t *testing.T) {
	s := New(3)
	pushStarted(s, "ses-scroll", "yes")
	for i := 0; i < 10; i++ {
		pushChunk(s, "ses-scroll", "line\n")
	}

	terminal, _ := s.TerminalSession("ses-scroll")
	if got := len(terminal.VisibleLines()); got != 3 {
		t.Errorf("retained %d lines, want 3", got)
	}

	s.SetMaxScrollbackLines(1)
	if got := len(terminal.VisibleLines()); got != 1 {
		t.Errorf("after resize retained %d lines, want 1", got)
	}
}

func TestApprovalBackfillFromActionProposedAndPreview(t *testing.T) {
	s := New(100)

	s.Push(ipc.New(ipc.NewActionProposed(ipc.ActionProposed{
		ActionID: "act1", ActionKind: string(policy.WriteFile), Target: "src/main.go",
	})))
	s.AttachApprovalCommand("act1", []string{"go", "test"})
	s.Push(ipc.New(ipc.NewPatchPreviewReady(ipc.PatchPreviewReady{
		ActionID: "act1", Files: []string{"src/main.go"},
	})))
	s.Push(ipc.New(ipc.NewApprovalRequested(ipc.ApprovalRequested{
		ActionID: "act1", Summary: "edit", ExpiresAtUnixS: 4102444800,
	})))

	approval, ok := s.Approval("act1")
	if !ok {
		t.Fatal("approval not tracked")
	}
	if approval.Status != ApprovalPending {
		t.Errorf("status = %q, want pending", approval.Status)
	}
	if !approval.HasActionKind || approval.ActionKind != policy.WriteFile {
		t.Error("action kind not backfilled from ActionProposed")
	}
	if !approval.HasTarget || approval.Target != "src/main.go" {
		t.Error("target not backfilled from ActionProposed")
	}
	if len(approval.Command) != 2 || approval.Command[0] != "go" {
		t.Error("command not backfilled from AttachApprovalCommand")
	}
	if len(approval.ImpactFiles) != 1 || approval.ImpactFiles[0] != "src/main.go" {
		t.Error("impact files not backfilled from PatchPreviewReady")
	}
	if s.PendingApprovalCount() != 1 {
		t.Errorf("pending count = %d, want 1", s.PendingApprovalCount())
	}
}

func TestApprovalBackfillConvergesWhenProposedArrivesAfterRequested(t *testing.T) {
	s := New(100)

	s.Push(ipc.New(ipc.NewApprovalRequested(ipc.ApprovalRequested{
		ActionID: "act-late", Summary: "pending detail", ExpiresAtUnixS: 4102444800,
	})))
	s.Push(ipc.New(ipc.NewActionProposed(ipc.ActionProposed{
		ActionID: "act-late", ActionKind: string(policy.ApplyPatch), Target: "pkg/a.go",
	})))

	approval, _ := s.Approval("act-late")
	if !approval.HasActionKind || approval.ActionKind != policy.ApplyPatch {
		t.Error("late ActionProposed did not backfill action kind")
	}
	if !approval.HasTarget || approval.Target != "pkg/a.go" {
		t.Error("late ActionProposed did not backfill target")
	}
}

func TestApproveDenyExpireLifecycle(t *testing.T) {
	s := New(100)

	s.Push(ipc.New(ipc.NewApprovalRequested(ipc.ApprovalRequested{
		ActionID: "actD", Summary: "to deny", ExpiresAtUnixS: 4102444800,
	})))
	if _, err := s.Deny("actD"); err != nil {
		t.Fatalf("Deny: %v", err)
	}

	s.Push(ipc.New(ipc.NewApprovalRequested(ipc.ApprovalRequested{
		ActionID: "actE", Summary: "to expire", ExpiresAtUnixS: 100,
	})))
	expired := s.ExpirePendingApprovals(101)
	if len(expired) != 1 {
		t.Fatalf("expired %d approvals, want 1", len(expired))
	}

	denied, _ := s.Approval("actD")
	if denied.Status != ApprovalDenied {
		t.Errorf("actD status = %q, want denied", denied.Status)
	}
	expiredItem, _ := s.Approval("actE")
	if expiredItem.Status != ApprovalExpired {
		t.Errorf("actE status = %q, want expired", expiredItem.Status)
	}
	if s.PendingApprovalCount() != 0 {
		t.Errorf("pending count = %d, want 0", s.PendingApprovalCount())
	}

	// Resolving an already-resolved approval is refused with no state change.
	if _, err := s.Approve("actD"); err == nil {
		t.Error("expected Approve on a denied approval to fail")
	}
	denied, _ = s.Approval("actD")
	if denied.Status != ApprovalDenied {
		t.Error("failed Approve must not mutate a resolved approval")
	}
}

func TestExpireSkipsUnexpiredApprovals(t *testing.T) {
	s := New(100)
	s.Push(ipc.New(ipc.NewApprovalRequested(ipc.ApprovalRequested{
		ActionID: "act-fresh", Summary: "not yet", ExpiresAtUnixS: 4102444800,
	})))
	if expired := s.ExpirePendingApprovals(101); len(expired) != 0 {
		t.Errorf("expired %d approvals, want 0", len(expired))
	}
	if s.PendingApprovalCount() != 1 {
		t.Error("unexpired approval should stay pending")
	}
}

func TestResolvedApprovalDecisionForCommand(t *testing.T) {
	s := New(100)
	command := []string{"cargo", "test"}

	if _, ok := s.ResolvedApprovalDecisionForCommand(command); ok {
		t.Fatal("no approval exists yet")
	}

	s.Push(ipc.New(ipc.NewApprovalRequested(ipc.ApprovalRequested{
		ActionID: "act-cmd", Summary: "run tests", ExpiresAtUnixS: 4102444800,
	})))
	s.AttachApprovalCommand("act-cmd", command)
	if _, err := s.Approve("act-cmd"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	decision, ok := s.ResolvedApprovalDecisionForCommand(command)
	if !ok || decision != policy.Approved {
		t.Errorf("decision = %q ok=%v, want approved", decision, ok)
	}

	if _, ok := s.ResolvedApprovalDecisionForCommand([]string{"cargo", "build"}); ok {
		t.Error("different command must not match")
	}
}

func TestAttachPatchFileDiffParsesHunks(t *testing.T) {
	s := New(100)
	s.Push(ipc.New(ipc.NewPatchPreviewReady(ipc.PatchPreviewReady{
		ActionID: "actH", Files: []string{"src/main.go"},
	})))

	diff := "@@ -1,2 +1,3 @@\n-line_1\n+line_1_new\n line_2\n+line_3\n@@ -10,1 +11,2 @@\n-old_tail\n+new_tail_a\n+new_tail_b\n"
	n, err := s.AttachPatchFileDiff("actH", "src/main.go", diff)
	if err != nil {
		t.Fatalf("AttachPatchFileDiff: %v", err)
	}
	if n != 2 {
		t.Fatalf("hunk count = %d, want 2", n)
	}

	preview, _ := s.DiffPreview("actH")
	hunks := preview.FilePreviews[0].Hunks
	if hunks[0].HunkID != "hunk-1" || hunks[1].HunkID != "hunk-2" {
		t.Errorf("hunk ids = %q, %q", hunks[0].HunkID, hunks[1].HunkID)
	}
	if hunks[0].OldStart != 1 || hunks[0].OldCount != 2 || hunks[0].NewStart != 1 || hunks[0].NewCount != 3 {
		t.Errorf("hunk-1 ranges = %+v", hunks[0])
	}
	if hunks[0].AddedLines != 2 || hunks[0].RemovedLines != 1 {
		t.Errorf("hunk-1 counts: added=%d removed=%d, want 2/1", hunks[0].AddedLines, hunks[0].RemovedLines)
	}
	if hunks[1].AddedLines != 2 || hunks[1].RemovedLines != 1 {
		t.Errorf("hunk-2 counts: added=%d removed=%d, want 2/1", hunks[1].AddedLines, hunks[1].RemovedLines)
	}

	if err := s.ApprovePatchHunk("actH", "src/main.go", "hunk-1"); err != nil {
		t.Fatalf("ApprovePatchHunk: %v", err)
	}
	if err := s.RejectPatchHunk("actH", "src/main.go", "hunk-2"); err != nil {
		t.Fatalf("RejectPatchHunk: %v", err)
	}

	unresolved, ok := s.UnresolvedPatchHunkCount("actH")
	if !ok || unresolved != 0 {
		t.Errorf("unresolved = %d ok=%v, want 0", unresolved, ok)
	}

	var sawApprove, sawReject bool
	for _, entry := range s.Timeline() {
		if strings.Contains(entry.Summary, "hunk=hunk-1") && strings.Contains(entry.Summary, "approved") {
			sawApprove = true
		}
		if strings.Contains(entry.Summary, "hunk=hunk-2") && strings.Contains(entry.Summary, "rejected") {
			sawReject = true
		}
	}
	if !sawApprove || !sawReject {
		t.Error("timeline missing hunk decision entries")
	}
}

func TestPatchHunkDefaultCountWhenOmitted(t *testing.T) {
	s := New(100)
	s.Push(ipc.New(ipc.NewPatchPreviewReady(ipc.PatchPreviewReady{
		ActionID: "act-one", Files: []string{"f.go"},
	})))

	n, err := s.AttachPatchFileDiff("act-one", "f.go", "@@ -5 +6 @@\n-old\n+new\n")
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	preview, _ := s.DiffPreview("act-one")
	hunk := preview.FilePreviews[0].Hunks[0]
	if hunk.OldCount != 1 || hunk.NewCount != 1 {
		t.Errorf("omitted counts should default to 1, got %d/%d", hunk.OldCount, hunk.NewCount)
	}
}

func TestPatchHunkDecisionErrorsAreTyped(t *testing.T) {
	s := New(100)
	if err := s.ApprovePatchHunk("nope", "f.go", "hunk-1"); err == nil {
		t.Fatal("expected unknown action to fail")
	} else if nf, ok := err.(*NotFoundError); !ok || nf.Kind != "patch_preview" {
		t.Errorf("got %T %v", err, err)
	}

	s.Push(ipc.New(ipc.NewPatchPreviewReady(ipc.PatchPreviewReady{ActionID: "act-x", Files: []string{"f.go"}})))
	if _, err := s.AttachPatchFileDiff("act-x", "f.go", "@@ -1 +1 @@\n-a\n+b\n"); err != nil {
		t.Fatalf("AttachPatchFileDiff: %v", err)
	}
	if err := s.ApprovePatchHunk("act-x", "other.go", "hunk-1"); err == nil {
		t.Fatal("expected unknown file to fail")
	} else if nf, ok := err.(*NotFoundError); !ok || nf.Kind != "patch_file" {
		t.Errorf("got %T %v", err, err)
	}
	if err := s.ApprovePatchHunk("act-x", "f.go", "hunk-9"); err == nil {
		t.Fatal("expected unknown hunk to fail")
	} else if nf, ok := err.(*NotFoundError); !ok || nf.Kind != "patch_hunk" {
		t.Errorf("got %T %v", err, err)
	}
}

func TestPatchAppliedMarksPreviewAndInitializesFiles(t *testing.T) {
	s := New(100)
	s.Push(ipc.New(ipc.NewPatchApplied(ipc.PatchApplied{
		ActionID: "act-applied", Files: []string{"a.go", "b.go"},
	})))

	preview, ok := s.DiffPreview("act-applied")
	if !ok {
		t.Fatal("PatchApplied without a prior preview should initialize one")
	}
	if !preview.Applied {
		t.Error("preview should be marked applied")
	}
	if len(preview.Files) != 2 {
		t.Errorf("files = %v", preview.Files)
	}
	if unapplied := s.UnappliedDiffPreviews(); len(unapplied) != 0 {
		t.Errorf("unapplied previews = %d, want 0", len(unapplied))
	}
}

func TestSessionInputRoutingSurfacesBackpressure(t *testing.T) {
	s := New(100)
	pushStarted(s, "ses-input", "cat")

	if err := s.SendInputToSession("ses-unbound", []byte("x")); err == nil {
		t.Fatal("expected unbound session send to fail")
	}

	writer := make(chan []byte, 1)
	s.BindSessionInput("ses-input", writer)
	if err := s.SendInputToActiveSession([]byte("hello\n")); err != nil {
		t.Fatalf("SendInputToActiveSession: %v", err)
	}

	// The channel is now full; the next send must fail fast, not block.
	err := s.SendInputToSession("ses-input", []byte("again\n"))
	if err == nil {
		t.Fatal("expected backpressure to surface as an error")
	}
	if _, ok := err.(*SendFailedError); !ok {
		t.Errorf("got %T, want *SendFailedError", err)
	}

	s.UnbindSessionInput("ses-input")
	if err := s.SendInputToSession("ses-input", []byte("x")); err == nil {
		t.Error("expected send after unbind to fail")
	}
}

func TestApprovalPromptFlattensDisplayFields(t *testing.T) {
	s := New(100)
	s.Push(ipc.New(ipc.NewActionProposed(ipc.ActionProposed{
		ActionID: "act-p", ActionKind: string(policy.ExecuteCommand), Target: "scripts/run.sh",
	})))
	s.AttachApprovalCommand("act-p", []string{"sh", "scripts/run.sh"})
	s.Push(ipc.New(ipc.NewApprovalRequested(ipc.ApprovalRequested{
		ActionID: "act-p", Summary: "run build script", ExpiresAtUnixS: 4102444800,
	})))

	prompt, ok := s.ApprovalPrompt("act-p")
	if !ok {
		t.Fatal("prompt not found")
	}
	if prompt.What != "run build script" {
		t.Errorf("What = %q", prompt.What)
	}
	if !prompt.HasCommand || prompt.Command != "sh scripts/run.sh" {
		t.Errorf("Command = %q", prompt.Command)
	}
	if !prompt.HasWhereTarget || prompt.WhereTarget != "scripts/run.sh" {
		t.Errorf("WhereTarget = %q", prompt.WhereTarget)
	}
}
