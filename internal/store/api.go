package store

import (
	"strconv"
	"strings"

	"github.com/alicia-run/alicia/internal/audit"
	"github.com/alicia-run/alicia/internal/ipc"
	"github.com/alicia-run/alicia/internal/policy"
)

// Events returns every message applied so far, in push order.
func (s *Store) Events() []ipc.IpcMessage { return s.events }

// Timeline returns the running human-readable activity feed.
func (s *Store) Timeline() []TimelineEntry { return s.timeline }

// HasRunningSessions reports whether any tracked session is still
// running.
func (s *Store) HasRunningSessions() bool {
	for _, session := range s.sessions {
		if session.Lifecycle.Running {
			return true
		}
	}
	return false
}

// PendingApprovalCount returns how many approvals are still awaiting
// resolution.
func (s *Store) PendingApprovalCount() int { return len(s.pendingApprovalIDs) }

// PendingApprovals returns the pending approvals in FIFO order.
func (s *Store) PendingApprovals() []*ApprovalItem {
	out := make([]*ApprovalItem, 0, len(s.pendingApprovalIDs))
	for _, id := range s.pendingApprovalIDs {
		if approval, ok := s.approvals[id]; ok {
			out = append(out, approval)
		}
	}
	return out
}

// Approval looks up one approval by action id.
func (s *Store) Approval(actionID string) (*ApprovalItem, bool) {
	approval, ok := s.approvals[actionID]
	return approval, ok
}

// ApprovalPrompt renders the display-ready prompt for one approval.
func (s *Store) ApprovalPrompt(actionID string) (ApprovalPrompt, bool) {
	approval, ok := s.approvals[actionID]
	if !ok {
		return ApprovalPrompt{}, false
	}

	prompt := ApprovalPrompt{
		ActionID:       approval.ActionID,
		Status:         approval.Status,
		What:           approval.Summary,
		ActionKind:     approval.ActionKind,
		HasActionKind:  approval.HasActionKind,
		ExpiresAtUnixS: approval.ExpiresAtUnixS,
	}
	if approval.HasTarget {
		prompt.WhereTarget = approval.Target
		prompt.HasWhereTarget = true
	}
	if len(approval.Command) > 0 {
		prompt.Command = strings.Join(approval.Command, " ")
		prompt.HasCommand = true
	}
	if len(approval.ImpactFiles) > 0 {
		prompt.Impact = strings.Join(approval.ImpactFiles, ", ")
		prompt.HasImpact = true
	}
	return prompt, true
}

// AttachApprovalCommand records the command associated with an action
// id, ahead of or after the approval request itself arrives.
func (s *Store) AttachApprovalCommand(actionID string, command []string) {
	stored := append([]string(nil), command...)
	s.approvalCommands[actionID] = stored
	if approval, ok := s.approvals[actionID]; ok {
		approval.Command = stored
	}
}

// ResolvedApprovalDecisionForCommand answers "has this exact command
// already been through approval, and with what outcome". It first
// checks resolved approvals (most recent first), then falls back to
// any still-pending or otherwise recorded approval for the same
// command.
func (s *Store) ResolvedApprovalDecisionForCommand(command []string) (policy.ApprovalDecision, bool) {
	for i := len(s.events) - 1; i >= 0; i-- {
		event := s.events[i].Event
		if event.Type != ipc.TypeApprovalResolved {
			continue
		}
		resolved := event.ApprovalResolved
		approval, ok := s.approvals[resolved.ActionID]
		if !ok || !sameCommand(approval.Command, command) {
			continue
		}
		switch resolved.Resolution {
		case ipc.ResolutionApproved:
			return policy.Approved, true
		case ipc.ResolutionDenied:
			return policy.Denied, true
		case ipc.ResolutionExpired:
			return policy.Expired, true
		}
	}

	for _, approval := range s.approvals {
		if !sameCommand(approval.Command, command) {
			continue
		}
		switch approval.Status {
		case ApprovalApproved:
			return policy.Approved, true
		case ApprovalDenied:
			return policy.Denied, true
		case ApprovalExpired:
			return policy.Expired, true
		}
	}

	return "", false
}

func sameCommand(stored, command []string) bool {
	if len(stored) != len(command) {
		return false
	}
	for i := range stored {
		if stored[i] != command[i] {
			return false
		}
	}
	return true
}

// ResolvePendingApproval resolves actionID with resolution, pushing the
// resulting ApprovalResolved event through the normal Push path so the
// timeline and pending-FIFO stay consistent.
func (s *Store) ResolvePendingApproval(actionID string, resolution ipc.ApprovalResolution) (ipc.IpcMessage, error) {
	approval, ok := s.approvals[actionID]
	if !ok || approval.Status != ApprovalPending {
		return ipc.IpcMessage{}, &NotFoundError{Kind: "approval", ActionID: actionID}
	}

	message := ipc.New(ipc.NewApprovalResolved(ipc.ApprovalResolved{ActionID: actionID, Resolution: resolution}))
	s.Push(message)
	return message, nil
}

// Approve resolves actionID as approved.
func (s *Store) Approve(actionID string) (ipc.IpcMessage, error) {
	return s.ResolvePendingApproval(actionID, ipc.ResolutionApproved)
}

// Deny resolves actionID as denied.
func (s *Store) Deny(actionID string) (ipc.IpcMessage, error) {
	return s.ResolvePendingApproval(actionID, ipc.ResolutionDenied)
}

// ExpirePendingApprovals resolves every pending approval whose deadline
// has passed as of nowUnixS, returning the resulting messages.
func (s *Store) ExpirePendingApprovals(nowUnixS int64) []ipc.IpcMessage {
	var toExpire []string
	for _, actionID := range s.pendingApprovalIDs {
		if approval, ok := s.approvals[actionID]; ok && approval.ExpiresAtUnixS < nowUnixS {
			toExpire = append(toExpire, actionID)
		}
	}

	messages := make([]ipc.IpcMessage, 0, len(toExpire))
	for _, actionID := range toExpire {
		if message, err := s.ResolvePendingApproval(actionID, ipc.ResolutionExpired); err == nil {
			messages = append(messages, message)
		}
	}
	return messages
}

// AddAuditRecord appends record to the audit log read-model and to the
// timeline.
func (s *Store) AddAuditRecord(record audit.Record) {
	summary := "audit session=" + record.SessionID +
		" action=" + string(record.ActionKind) +
		" target=" + record.Target +
		" policy=" + string(record.PolicyDecision) +
		" approval=" + string(record.ApprovalDecision) +
		" result=" + string(record.ResultStatus)

	s.timeline = append(s.timeline, TimelineEntry{Sequence: s.nextSequence, Summary: summary})
	s.nextSequence++
	s.auditRecords = append(s.auditRecords, record)
}

// AuditRecords returns every audit record seen so far, in append order.
func (s *Store) AuditRecords() []audit.Record { return s.auditRecords }

// PermissionProfile returns the profile currently in effect for the
// active workspace.
func (s *Store) PermissionProfile() policy.PermissionProfile { return s.permissionProfile }

// SetPermissionProfile updates the effective profile.
func (s *Store) SetPermissionProfile(profile policy.PermissionProfile) { s.permissionProfile = profile }

// TerminalSessionIDs returns every session id the store has ever seen,
// in first-seen order.
func (s *Store) TerminalSessionIDs() []string { return s.sessionOrder }

// ActiveSessionID returns the currently focused session, if any.
func (s *Store) ActiveSessionID() (string, bool) { return s.activeSessionID, s.hasActiveSession }

// SetActiveSession changes which session is focused.
func (s *Store) SetActiveSession(sessionID string) error {
	if _, ok := s.sessions[sessionID]; !ok {
		return &NotFoundError{Kind: "session", SessionID: sessionID}
	}
	s.activeSessionID = sessionID
	s.hasActiveSession = true
	return nil
}

// TerminalSession looks up one session's scrollback and lifecycle.
func (s *Store) TerminalSession(sessionID string) (*TerminalSessionState, bool) {
	session, ok := s.sessions[sessionID]
	return session, ok
}

// ActiveTerminalText returns the focused session's full visible text,
// if a session is focused and tracked.
func (s *Store) ActiveTerminalText() (string, bool) {
	if !s.hasActiveSession {
		return "", false
	}
	session, ok := s.sessions[s.activeSessionID]
	if !ok {
		return "", false
	}
	return session.VisibleText(), true
}

// MaxScrollbackLines returns the configured per-session scrollback
// bound.
func (s *Store) MaxScrollbackLines() int { return s.maxScrollbackLines }

// SetMaxScrollbackLines updates the scrollback bound (clamped to at
// least 1) and retroactively trims every tracked session to it.
func (s *Store) SetMaxScrollbackLines(maxScrollbackLines int) {
	if maxScrollbackLines < 1 {
		maxScrollbackLines = 1
	}
	s.maxScrollbackLines = maxScrollbackLines
	for _, session := range s.sessions {
		session.trimScrollbackTo(maxScrollbackLines)
	}
}

// BindSessionInput registers writer as the destination for input sent
// to sessionID.
func (s *Store) BindSessionInput(sessionID string, writer chan<- []byte) {
	s.inputWriters[sessionID] = writer
}

// UnbindSessionInput removes any registered input destination for
// sessionID.
func (s *Store) UnbindSessionInput(sessionID string) {
	delete(s.inputWriters, sessionID)
}

// SendInputToSession delivers input to sessionID's bound writer,
// non-blocking: a full channel is reported as a send failure rather
// than stalling the caller.
func (s *Store) SendInputToSession(sessionID string, input []byte) error {
	writer, ok := s.inputWriters[sessionID]
	if !ok {
		return &NotFoundError{Kind: "session_input_not_bound", SessionID: sessionID}
	}

	select {
	case writer <- input:
		return nil
	default:
		return &SendFailedError{SessionID: sessionID, Reason: "input channel is full"}
	}
}

// SendInputToActiveSession delivers input to whichever session is
// currently focused.
func (s *Store) SendInputToActiveSession(input []byte) error {
	if !s.hasActiveSession {
		return &NotFoundError{Kind: "session", SessionID: "<active_session>"}
	}
	return s.SendInputToSession(s.activeSessionID, input)
}

// DiffPreview looks up a patch preview by action id.
func (s *Store) DiffPreview(actionID string) (*PatchPreviewState, bool) {
	preview, ok := s.patchPreviews[actionID]
	return preview, ok
}

// UnappliedDiffPreviews returns every patch preview not yet marked
// applied.
func (s *Store) UnappliedDiffPreviews() []*PatchPreviewState {
	var out []*PatchPreviewState
	for _, preview := range s.patchPreviews {
		if !preview.Applied {
			out = append(out, preview)
		}
	}
	return out
}

// AttachPatchFileDiff parses unifiedDiff into hunks and records them
// against filePath within actionID's preview, returning the hunk count.
func (s *Store) AttachPatchFileDiff(actionID, filePath, unifiedDiff string) (int, error) {
	hunks := parseUnifiedDiffHunks(unifiedDiff)

	preview, ok := s.patchPreviews[actionID]
	if !ok {
		return 0, &NotFoundError{Kind: "patch_preview", ActionID: actionID}
	}

	hasFile := false
	for _, f := range preview.Files {
		if f == filePath {
			hasFile = true
			break
		}
	}
	if !hasFile {
		preview.Files = append(preview.Files, filePath)
	}

	found := false
	for i := range preview.FilePreviews {
		if preview.FilePreviews[i].FilePath == filePath {
			preview.FilePreviews[i].Hunks = hunks
			found = true
			break
		}
	}
	if !found {
		preview.FilePreviews = append(preview.FilePreviews, PatchFilePreview{FilePath: filePath, Hunks: hunks})
	}

	if approval, ok := s.approvals[actionID]; ok {
		hasImpact := false
		for _, f := range approval.ImpactFiles {
			if f == filePath {
				hasImpact = true
				break
			}
		}
		if !hasImpact {
			approval.ImpactFiles = append(approval.ImpactFiles, filePath)
		}
	}

	s.timeline = append(s.timeline, TimelineEntry{
		Sequence: s.nextSequence,
		Summary:  "patch_hunks_loaded " + actionID + " file=" + filePath + " hunks=" + strconv.Itoa(len(hunks)),
	})
	s.nextSequence++

	return len(hunks), nil
}

// SetPatchHunkDecision records a reviewer decision for one hunk.
func (s *Store) SetPatchHunkDecision(actionID, filePath, hunkID string, decision PatchHunkDecision) error {
	preview, ok := s.patchPreviews[actionID]
	if !ok {
		return &NotFoundError{Kind: "patch_preview", ActionID: actionID}
	}

	fileIdx := -1
	for i := range preview.FilePreviews {
		if preview.FilePreviews[i].FilePath == filePath {
			fileIdx = i
			break
		}
	}
	if fileIdx < 0 {
		return &NotFoundError{Kind: "patch_file", ActionID: actionID, FilePath: filePath}
	}

	hunkIdx := -1
	for i := range preview.FilePreviews[fileIdx].Hunks {
		if preview.FilePreviews[fileIdx].Hunks[i].HunkID == hunkID {
			hunkIdx = i
			break
		}
	}
	if hunkIdx < 0 {
		return &NotFoundError{Kind: "patch_hunk", ActionID: actionID, FilePath: filePath, HunkID: hunkID}
	}

	preview.FilePreviews[fileIdx].Hunks[hunkIdx].Decision = decision

	s.timeline = append(s.timeline, TimelineEntry{
		Sequence: s.nextSequence,
		Summary: "patch_hunk_decision " + actionID + " file=" + filePath + " hunk=" + hunkID +
			" decision=" + string(decision),
	})
	s.nextSequence++

	return nil
}

// ApprovePatchHunk marks one hunk approved.
func (s *Store) ApprovePatchHunk(actionID, filePath, hunkID string) error {
	return s.SetPatchHunkDecision(actionID, filePath, hunkID, HunkApproved)
}

// RejectPatchHunk marks one hunk rejected.
func (s *Store) RejectPatchHunk(actionID, filePath, hunkID string) error {
	return s.SetPatchHunkDecision(actionID, filePath, hunkID, HunkRejected)
}

// UnresolvedPatchHunkCount reports how many hunks across every file of
// actionID's preview are still pending a decision.
func (s *Store) UnresolvedPatchHunkCount(actionID string) (int, bool) {
	preview, ok := s.patchPreviews[actionID]
	if !ok {
		return 0, false
	}
	count := 0
	for _, file := range preview.FilePreviews {
		for _, hunk := range file.Hunks {
			if hunk.Decision == HunkPending {
				count++
			}
		}
	}
	return count, true
}
