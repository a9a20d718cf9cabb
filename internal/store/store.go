// Package store holds the single-owner derived state the UI renders
// from: a running timeline, per-session terminal scrollback, pending
// approvals, patch previews with hunk-level decisions, and the audit
// record log. Every mutation flows through Apply, so there is exactly
// one place that knows how an IpcMessage changes what's on screen.
package store

import (
	"fmt"

	"github.com/alicia-run/alicia/internal/audit"
	"github.com/alicia-run/alicia/internal/ipc"
	"github.com/alicia-run/alicia/internal/policy"
)

// DefaultScrollbackLines bounds each terminal session's retained line
// history absent an explicit override.
const DefaultScrollbackLines = 2000

// outputPreviewMaxChars caps how much of a command_output_chunk event
// is echoed into the timeline summary.
const outputPreviewMaxChars = 80

// CommandLifecycle is a terminal session's observed run state.
type CommandLifecycle struct {
	Running    bool
	ExitCode   int32
	DurationMs uint64
}

// TerminalSessionState is the scrollback and lifecycle the UI renders
// for one session.
type TerminalSessionState struct {
	SessionID   string
	Command     []string
	Cwd         string
	Lifecycle   CommandLifecycle
	lines       []string
	partialLine string
}

func newTerminalSessionFromStarted(event *ipc.CommandStarted) *TerminalSessionState {
	return &TerminalSessionState{
		SessionID: event.CommandID,
		Command:   append([]string(nil), event.Command...),
		Cwd:       event.Cwd,
		Lifecycle: CommandLifecycle{Running: true},
	}
}

func newPendingTerminalSession(sessionID string) *TerminalSessionState {
	return &TerminalSessionState{SessionID: sessionID, Lifecycle: CommandLifecycle{Running: true}}
}

func (s *TerminalSessionState) resetForStarted(event *ipc.CommandStarted) {
	s.Command = append([]string(nil), event.Command...)
	s.Cwd = event.Cwd
	s.Lifecycle = CommandLifecycle{Running: true}
	s.lines = nil
	s.partialLine = ""
}

// appendOutputChunk splits chunk on newlines into completed lines,
// collapsing a trailing \r the way a terminal would, and trims the
// retained history to maxScrollbackLines.
func (s *TerminalSessionState) appendOutputChunk(chunk string, maxScrollbackLines int) {
	for _, r := range chunk {
		if r == '\n' {
			line := s.partialLine
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			s.lines = append(s.lines, line)
			s.partialLine = ""
			if overflow := len(s.lines) - maxScrollbackLines; overflow > 0 {
				s.lines = s.lines[overflow:]
			}
			continue
		}
		s.partialLine += string(r)
	}
}

func (s *TerminalSessionState) trimScrollbackTo(maxScrollbackLines int) {
	if overflow := len(s.lines) - maxScrollbackLines; overflow > 0 {
		s.lines = s.lines[overflow:]
	}
}

// VisibleLines returns the completed scrollback lines plus any
// in-progress partial line.
func (s *TerminalSessionState) VisibleLines() []string {
	lines := append([]string(nil), s.lines...)
	if s.partialLine != "" {
		lines = append(lines, s.partialLine)
	}
	return lines
}

// VisibleText joins VisibleLines with newlines.
func (s *TerminalSessionState) VisibleText() string {
	out := ""
	for i, line := range s.VisibleLines() {
		if i > 0 {
			out += "\n"
		}
		out += line
	}
	return out
}

// ApprovalStatus is an approval item's current resolution state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalItem is the full record the store keeps for a pending or
// resolved approval.
type ApprovalItem struct {
	ActionID       string
	Summary        string
	ExpiresAtUnixS int64
	Status         ApprovalStatus
	ActionKind     policy.ActionKind
	HasActionKind  bool
	Target         string
	HasTarget      bool
	Command        []string
	ImpactFiles    []string
}

// ApprovalPrompt is the read-model the UI renders for one approval,
// flattening command/impact into display-ready strings.
type ApprovalPrompt struct {
	ActionID       string
	Status         ApprovalStatus
	What           string
	WhereTarget    string
	HasWhereTarget bool
	ActionKind     policy.ActionKind
	HasActionKind  bool
	Command        string
	HasCommand     bool
	Impact         string
	HasImpact      bool
	ExpiresAtUnixS int64
}

// PatchHunkDecision is the reviewer's per-hunk disposition.
type PatchHunkDecision string

const (
	HunkPending  PatchHunkDecision = "pending"
	HunkApproved PatchHunkDecision = "approved"
	HunkRejected PatchHunkDecision = "rejected"
)

// PatchHunkPreview is one parsed @@ ... @@ hunk from a unified diff.
type PatchHunkPreview struct {
	HunkID       string
	Header       string
	OldStart     int
	OldCount     int
	NewStart     int
	NewCount     int
	AddedLines   int
	RemovedLines int
	Decision     PatchHunkDecision
}

// PatchFilePreview is the hunk list parsed for one file in a patch.
type PatchFilePreview struct {
	FilePath string
	Hunks    []PatchHunkPreview
}

// PatchPreviewState is everything the store knows about one proposed
// patch: the file list it was announced with, any hunk-level detail
// attached later, and whether it has since been applied.
type PatchPreviewState struct {
	ActionID     string
	Files        []string
	FilePreviews []PatchFilePreview
	Applied      bool
}

// TimelineEntry is one human-readable line in the running activity
// feed, in emission order.
type TimelineEntry struct {
	Sequence uint64
	Summary  string
}

// actionContext remembers the action_kind/target an ActionProposed
// event announced, so a later ApprovalRequested for the same action id
// can backfill them.
type actionContext struct {
	actionKind policy.ActionKind
	target     string
}

// Store is the single owner of all UI-facing derived state. Every
// exported mutator that is not itself Apply ultimately produces an
// IpcMessage and routes it back through Apply, so the timeline and
// every read model stay consistent with the event log.
type Store struct {
	events             []ipc.IpcMessage
	timeline           []TimelineEntry
	nextSequence       uint64
	permissionProfile  policy.PermissionProfile
	sessions           map[string]*TerminalSessionState
	sessionOrder       []string
	activeSessionID    string
	hasActiveSession   bool
	inputWriters       map[string]chan<- []byte
	approvals          map[string]*ApprovalItem
	pendingApprovalIDs []string
	actionContexts     map[string]actionContext
	approvalCommands   map[string][]string
	patchPreviews      map[string]*PatchPreviewState
	auditRecords       []audit.Record
	maxScrollbackLines int
}

// New constructs an empty Store with the given scrollback bound
// (clamped to at least 1 line).
func New(maxScrollbackLines int) *Store {
	if maxScrollbackLines < 1 {
		maxScrollbackLines = 1
	}
	return &Store{
		permissionProfile:  policy.ReadWriteWithApproval,
		sessions:           make(map[string]*TerminalSessionState),
		inputWriters:       make(map[string]chan<- []byte),
		approvals:          make(map[string]*ApprovalItem),
		actionContexts:     make(map[string]actionContext),
		approvalCommands:   make(map[string][]string),
		patchPreviews:      make(map[string]*PatchPreviewState),
		maxScrollbackLines: maxScrollbackLines,
	}
}

// NotFoundError covers every "no such X" lookup failure the store can
// report: sessions, approvals, patch previews, patch files, and patch
// hunks all share this shape distinguished by Kind.
type NotFoundError struct {
	Kind      string
	ActionID  string
	SessionID string
	FilePath  string
	HunkID    string
}

func (e *NotFoundError) Error() string {
	switch e.Kind {
	case "session":
		return fmt.Sprintf("session %q not found", e.SessionID)
	case "session_input_not_bound":
		return fmt.Sprintf("session %q is not bound for input", e.SessionID)
	case "approval":
		return fmt.Sprintf("approval %q is not pending", e.ActionID)
	case "patch_preview":
		return fmt.Sprintf("patch preview not found for action %q", e.ActionID)
	case "patch_file":
		return fmt.Sprintf("patch file %q not found for action %q", e.FilePath, e.ActionID)
	case "patch_hunk":
		return fmt.Sprintf("patch hunk %q not found for action %q file %q", e.HunkID, e.ActionID, e.FilePath)
	default:
		return fmt.Sprintf("not found: %s", e.Kind)
	}
}

func (e *NotFoundError) BeginnerMessage() string {
	switch e.Kind {
	case "session":
		return "That session could not be found. Next step: choose another active session or start a new one."
	case "session_input_not_bound":
		return "This session isn't ready to receive input yet. Next step: wait for the session to start and try again."
	case "approval":
		return "That approval has already been resolved. Next step: refresh and move to the next pending approval."
	case "patch_preview":
		return "That change's preview could not be found. Next step: regenerate the preview before approving or rejecting."
	case "patch_file":
		return "That file in the change could not be found. Next step: refresh the preview and reopen the file."
	case "patch_hunk":
		return "That block in the change could not be found. Next step: refresh the diff preview and pick the block again."
	default:
		return "The requested item could not be found."
	}
}

// SendFailedError wraps a failure delivering input to a session's
// writer channel (e.g. the channel is full because the child process
// has stopped reading).
type SendFailedError struct {
	SessionID string
	Reason    string
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("failed to send input to session %q: %s", e.SessionID, e.Reason)
}

func (e *SendFailedError) BeginnerMessage() string {
	return fmt.Sprintf("Could not send your text to session %q: %s. Next step: confirm the session is still active and try again.", e.SessionID, e.Reason)
}
