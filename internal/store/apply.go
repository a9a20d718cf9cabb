package store

import (
	"fmt"
	"strings"

	"github.com/alicia-run/alicia/internal/ipc"
	"github.com/alicia-run/alicia/internal/policy"
)

// Push records message in the event log, appends its timeline summary,
// and applies it to every affected read model. This is the only path
// by which store state changes in response to an incoming IpcMessage.
func (s *Store) Push(message ipc.IpcMessage) {
	s.timeline = append(s.timeline, TimelineEntry{Sequence: s.nextSequence, Summary: summarize(message.Event)})
	s.nextSequence++

	s.apply(message.Event)
	s.events = append(s.events, message)
}

func summarize(event ipc.IpcEvent) string {
	switch event.Type {
	case ipc.TypeActionProposed:
		e := event.ActionProposed
		return fmt.Sprintf("action_proposed %s %s %s", e.ActionID, e.ActionKind, e.Target)
	case ipc.TypeApprovalRequested:
		e := event.ApprovalRequested
		return fmt.Sprintf("approval_requested %s %s", e.ActionID, e.Summary)
	case ipc.TypeApprovalResolved:
		e := event.ApprovalResolved
		return fmt.Sprintf("approval_resolved %s %s", e.ActionID, e.Resolution)
	case ipc.TypeCommandStarted:
		e := event.CommandStarted
		command := "<empty>"
		if len(e.Command) > 0 {
			command = strings.Join(e.Command, " ")
		}
		return fmt.Sprintf("command_started %s %s", e.CommandID, command)
	case ipc.TypeCommandOutputChunk:
		e := event.CommandOutputChunk
		preview := e.Chunk
		truncated := false
		if len(preview) > outputPreviewMaxChars {
			preview = preview[:outputPreviewMaxChars]
			truncated = true
		}
		preview = strings.ReplaceAll(preview, "\n", "\\n")
		if truncated {
			preview += "..."
		}
		return fmt.Sprintf("command_output_chunk %s %s %s", e.CommandID, e.Stream, preview)
	case ipc.TypeCommandFinished:
		e := event.CommandFinished
		return fmt.Sprintf("command_finished %s exit=%d duration=%dms", e.CommandID, e.ExitCode, e.DurationMs)
	case ipc.TypePatchPreviewReady:
		e := event.PatchPreviewReady
		return fmt.Sprintf("patch_preview_ready %s files=%d", e.ActionID, len(e.Files))
	case ipc.TypePatchApplied:
		e := event.PatchApplied
		return fmt.Sprintf("patch_applied %s files=%d", e.ActionID, len(e.Files))
	default:
		return fmt.Sprintf("unknown_event %s", event.Type)
	}
}

func (s *Store) apply(event ipc.IpcEvent) {
	switch event.Type {
	case ipc.TypeActionProposed:
		s.applyActionProposed(event.ActionProposed)
	case ipc.TypeApprovalRequested:
		s.applyApprovalRequested(event.ApprovalRequested)
	case ipc.TypeApprovalResolved:
		s.applyApprovalResolved(event.ApprovalResolved)
	case ipc.TypeCommandStarted:
		s.applyCommandStarted(event.CommandStarted)
	case ipc.TypeCommandOutputChunk:
		s.applyCommandOutputChunk(event.CommandOutputChunk)
	case ipc.TypeCommandFinished:
		s.applyCommandFinished(event.CommandFinished)
	case ipc.TypePatchPreviewReady:
		s.applyPatchPreviewReady(event.PatchPreviewReady)
	case ipc.TypePatchApplied:
		s.applyPatchApplied(event.PatchApplied)
	}
}

func (s *Store) applyActionProposed(event *ipc.ActionProposed) {
	s.actionContexts[event.ActionID] = actionContext{actionKind: policy.ActionKind(event.ActionKind), target: event.Target}

	if approval, ok := s.approvals[event.ActionID]; ok {
		approval.ActionKind = policy.ActionKind(event.ActionKind)
		approval.HasActionKind = true
		approval.Target = event.Target
		approval.HasTarget = true
	}
}

func (s *Store) applyApprovalRequested(event *ipc.ApprovalRequested) {
	ctx, hasCtx := s.actionContexts[event.ActionID]
	command, hasCommand := s.approvalCommands[event.ActionID]
	var impactFiles []string
	if preview, ok := s.patchPreviews[event.ActionID]; ok {
		impactFiles = append([]string(nil), preview.Files...)
	}

	approval, exists := s.approvals[event.ActionID]
	if !exists {
		approval = &ApprovalItem{ActionID: event.ActionID}
		if hasCtx {
			approval.ActionKind = ctx.actionKind
			approval.HasActionKind = true
			approval.Target = ctx.target
			approval.HasTarget = true
		}
		if hasCommand {
			approval.Command = command
		}
		approval.ImpactFiles = impactFiles
		s.approvals[event.ActionID] = approval
	}

	approval.Summary = event.Summary
	approval.ExpiresAtUnixS = event.ExpiresAtUnixS
	approval.Status = ApprovalPending

	if hasCtx {
		approval.ActionKind = ctx.actionKind
		approval.HasActionKind = true
		approval.Target = ctx.target
		approval.HasTarget = true
	}
	if hasCommand {
		approval.Command = command
	}
	if len(impactFiles) > 0 {
		approval.ImpactFiles = impactFiles
	}

	for _, id := range s.pendingApprovalIDs {
		if id == event.ActionID {
			return
		}
	}
	s.pendingApprovalIDs = append(s.pendingApprovalIDs, event.ActionID)
}

func (s *Store) applyApprovalResolved(event *ipc.ApprovalResolved) {
	if approval, ok := s.approvals[event.ActionID]; ok {
		switch event.Resolution {
		case ipc.ResolutionApproved:
			approval.Status = ApprovalApproved
		case ipc.ResolutionDenied:
			approval.Status = ApprovalDenied
		case ipc.ResolutionExpired:
			approval.Status = ApprovalExpired
		}
	}
	s.removePendingApproval(event.ActionID)
}

func (s *Store) removePendingApproval(actionID string) {
	out := s.pendingApprovalIDs[:0]
	for _, id := range s.pendingApprovalIDs {
		if id != actionID {
			out = append(out, id)
		}
	}
	s.pendingApprovalIDs = out
}

func (s *Store) ensureSessionTracked(sessionID string) {
	for _, id := range s.sessionOrder {
		if id == sessionID {
			return
		}
	}
	s.sessionOrder = append(s.sessionOrder, sessionID)
}

func (s *Store) applyCommandStarted(event *ipc.CommandStarted) {
	if session, ok := s.sessions[event.CommandID]; ok {
		session.resetForStarted(event)
	} else {
		s.sessions[event.CommandID] = newTerminalSessionFromStarted(event)
	}
	s.ensureSessionTracked(event.CommandID)
	if !s.hasActiveSession {
		s.activeSessionID = event.CommandID
		s.hasActiveSession = true
	}
}

func (s *Store) applyCommandOutputChunk(event *ipc.CommandOutputChunk) {
	session, ok := s.sessions[event.CommandID]
	if !ok {
		session = newPendingTerminalSession(event.CommandID)
		s.sessions[event.CommandID] = session
		s.ensureSessionTracked(event.CommandID)
		if !s.hasActiveSession {
			s.activeSessionID = event.CommandID
			s.hasActiveSession = true
		}
	}
	session.appendOutputChunk(event.Chunk, s.maxScrollbackLines)
}

func (s *Store) applyCommandFinished(event *ipc.CommandFinished) {
	session, ok := s.sessions[event.CommandID]
	if !ok {
		session = newPendingTerminalSession(event.CommandID)
		s.sessions[event.CommandID] = session
		s.ensureSessionTracked(event.CommandID)
	}
	session.Lifecycle = CommandLifecycle{Running: false, ExitCode: event.ExitCode, DurationMs: event.DurationMs}
}

func (s *Store) applyPatchPreviewReady(event *ipc.PatchPreviewReady) {
	filePreviews := make([]PatchFilePreview, 0, len(event.Files))
	for _, file := range event.Files {
		filePreviews = append(filePreviews, PatchFilePreview{FilePath: file})
	}
	s.patchPreviews[event.ActionID] = &PatchPreviewState{
		ActionID:     event.ActionID,
		Files:        append([]string(nil), event.Files...),
		FilePreviews: filePreviews,
	}

	if approval, ok := s.approvals[event.ActionID]; ok {
		approval.ImpactFiles = append([]string(nil), event.Files...)
	}
}

func (s *Store) applyPatchApplied(event *ipc.PatchApplied) {
	preview, ok := s.patchPreviews[event.ActionID]
	if ok {
		preview.Applied = true
		if len(preview.Files) == 0 {
			preview.Files = append([]string(nil), event.Files...)
		}
	} else {
		filePreviews := make([]PatchFilePreview, 0, len(event.Files))
		for _, file := range event.Files {
			filePreviews = append(filePreviews, PatchFilePreview{FilePath: file})
		}
		s.patchPreviews[event.ActionID] = &PatchPreviewState{
			ActionID:     event.ActionID,
			Files:        append([]string(nil), event.Files...),
			FilePreviews: filePreviews,
			Applied:      true,
		}
	}

	if approval, ok := s.approvals[event.ActionID]; ok && len(approval.ImpactFiles) == 0 {
		approval.ImpactFiles = append([]string(nil), event.Files...)
	}
}
