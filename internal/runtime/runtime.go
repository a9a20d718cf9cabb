// Package runtime ties the Session Manager and the Event Store together
// into the core half of the operator UI: it is the single owner of both,
// enforces policy and approval state at session start, and writes audit
// records on block, finish, and cancel. The GUI itself lives elsewhere;
// everything here is presentation-free orchestration.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alicia-run/alicia/internal/audit"
	"github.com/alicia-run/alicia/internal/ipc"
	"github.com/alicia-run/alicia/internal/overlay"
	"github.com/alicia-run/alicia/internal/policy"
	"github.com/alicia-run/alicia/internal/session"
	"github.com/alicia-run/alicia/internal/store"
	"github.com/alicia-run/alicia/internal/workspace"
)

// stopTimeout bounds how long StopSession waits for the terminal
// CommandFinished event before giving up with SessionStopTimeoutError.
const stopTimeout = 10 * time.Second

// StartRequest is everything the runtime needs to start a session: the
// raw session parameters, plus the caller's audit target override and
// approval hint. An empty AuditTarget derives the target from the joined
// command tokens; an empty ApprovalHint means no explicit resolution
// exists outside the store.
type StartRequest struct {
	SessionID    string
	Program      string
	Args         []string
	Cwd          string
	Env          map[string]string
	Arg0         string
	Mode         session.Mode
	AuditTarget  string
	ApprovalHint policy.ApprovalDecision
}

// WorkspaceGuardBlockedError reports a session cwd that failed workspace
// containment. No spawn happened and no audit record was written: the
// request never reached policy evaluation.
type WorkspaceGuardBlockedError struct {
	SessionID string
	Cwd       string
	Err       error
}

func (e *WorkspaceGuardBlockedError) Error() string {
	return fmt.Sprintf("session %q cwd %q failed the workspace guard: %v", e.SessionID, e.Cwd, e.Err)
}

func (e *WorkspaceGuardBlockedError) Unwrap() error { return e.Err }

func (e *WorkspaceGuardBlockedError) BeginnerMessage() string {
	return fmt.Sprintf("The working directory %q is not inside the current workspace. Next step: pick a directory inside the workspace and start again.", e.Cwd)
}

// ResolveProfileFailedError wraps an overlay load failure encountered
// while resolving the effective permission profile.
type ResolveProfileFailedError struct {
	Workspace string
	Err       error
}

func (e *ResolveProfileFailedError) Error() string {
	return fmt.Sprintf("failed to resolve effective profile for workspace %q: %v", e.Workspace, e.Err)
}

func (e *ResolveProfileFailedError) Unwrap() error { return e.Err }

func (e *ResolveProfileFailedError) BeginnerMessage() string {
	return fmt.Sprintf("The workspace policy file could not be read. Next step: fix or remove %s and start again.", overlay.RelativePath)
}

// CommandBlockedError reports that policy (or a missing approval) blocked
// a session start. A Blocked audit record has already been appended by
// the time the caller sees this error.
type CommandBlockedError struct {
	SessionID string
	Reason    string
}

func (e *CommandBlockedError) Error() string {
	return fmt.Sprintf("session %q blocked: %s", e.SessionID, e.Reason)
}

func (e *CommandBlockedError) BeginnerMessage() string {
	return fmt.Sprintf("This command was not run: %s. Next step: approve the pending request or switch this workspace to a more permissive profile.", e.Reason)
}

// SessionStopTimeoutError reports that StopSession signalled the child
// but never observed its CommandFinished event within the deadline. No
// audit record is written in this case: the finish event defines the
// record's contents.
type SessionStopTimeoutError struct {
	SessionID string
}

func (e *SessionStopTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for session %q to finish after stop", e.SessionID)
}

func (e *SessionStopTimeoutError) BeginnerMessage() string {
	return fmt.Sprintf("Session %q did not confirm it stopped in time. Next step: check whether the process is still running and retry the stop.", e.SessionID)
}

// SessionNotFinishedError reports an attempt to finalize a session that
// is still running (or was never seen); the terminal audit record can
// only be composed from an observed CommandFinished.
type SessionNotFinishedError struct {
	SessionID string
}

func (e *SessionNotFinishedError) Error() string {
	return fmt.Sprintf("session %q has not finished yet", e.SessionID)
}

func (e *SessionNotFinishedError) BeginnerMessage() string {
	return fmt.Sprintf("Session %q is still running, so its outcome cannot be recorded yet. Next step: wait for it to finish or stop it.", e.SessionID)
}

// UiRuntime is the single owner of the Session Manager and the Event
// Store. Tests instantiate fresh instances; there is no module-scope
// state anywhere in this package.
type UiRuntime struct {
	manager       *session.Manager
	eventsRx      <-chan ipc.IpcMessage
	store         *store.Store
	auditLog      *audit.Logger
	broadcaster   *Broadcaster
	ruleEval      *overlay.RuleEvaluator
	workspaceRoot string
	logger        *slog.Logger
}

// New constructs a runtime around manager, subscribing to its event
// stream immediately so no event emitted after construction is missed.
func New(manager *session.Manager, workspaceRoot string, maxScrollbackLines int, logger *slog.Logger) *UiRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	ruleEval, err := overlay.NewRuleEvaluator(logger)
	if err != nil {
		logger.Error("overlay rule evaluator unavailable, [[rule]] entries will be ignored", "error", err)
	}
	return &UiRuntime{
		manager:       manager,
		eventsRx:      manager.Events(),
		store:         store.New(maxScrollbackLines),
		ruleEval:      ruleEval,
		workspaceRoot: workspaceRoot,
		logger:        logger.With("component", "runtime.UiRuntime"),
	}
}

// WithAuditLogger attaches the append-only audit sink. Without one, block
// and cancel records still land in the store's in-memory read model but
// are not persisted.
func (r *UiRuntime) WithAuditLogger(auditLog *audit.Logger) *UiRuntime {
	r.auditLog = auditLog
	return r
}

// WithBroadcaster attaches a websocket fan-out: every message the store
// applies is also pushed to connected UI clients.
func (r *UiRuntime) WithBroadcaster(broadcaster *Broadcaster) *UiRuntime {
	r.broadcaster = broadcaster
	return r
}

// Store exposes the runtime's event store for read-model queries and
// operator actions (approve, deny, patch hunk decisions).
func (r *UiRuntime) Store() *store.Store { return r.store }

// Manager exposes the underlying session manager.
func (r *UiRuntime) Manager() *session.Manager { return r.manager }

// StartSession guards, resolves policy, and either blocks with an audit
// record or spawns the child and binds its input writer to the store.
func (r *UiRuntime) StartSession(ctx context.Context, request StartRequest) error {
	command := append([]string{request.Program}, request.Args...)
	target := request.AuditTarget
	if target == "" {
		target = strings.Join(command, " ")
	}

	guard, err := workspace.EnsureTargetInWorkspace(r.workspaceRoot, request.Cwd)
	if err != nil {
		return &WorkspaceGuardBlockedError{SessionID: request.SessionID, Cwd: request.Cwd, Err: err}
	}
	request.Cwd = guard.CanonicalTarget

	overlayCfg, err := overlay.Load(r.workspaceRoot)
	if err != nil {
		return &ResolveProfileFailedError{Workspace: r.workspaceRoot, Err: err}
	}
	profile := r.store.PermissionProfile()
	if overlayCfg != nil {
		profile = overlayCfg.PermissionProfile
	}
	r.store.SetPermissionProfile(profile)

	execDecision := policy.Decide(profile, policy.ExecuteCommand)
	policyDecision := policy.Combine(execDecision, policy.NetworkDecisionFor(profile))
	if overlayCfg != nil && len(overlayCfg.Rules) > 0 && r.ruleEval != nil {
		compiled, _ := r.ruleEval.Compile(overlayCfg.Rules)
		policyDecision = r.ruleEval.Apply(compiled, policy.ExecuteCommand, target, policyDecision)
	}

	requested := request.ApprovalHint
	if storeDecision, ok := r.store.ResolvedApprovalDecisionForCommand(command); ok {
		requested = storeDecision
	}
	approvalDecision := policy.EffectiveApproval(policyDecision, requested)

	if reason := policy.BlockedReason(policyDecision, approvalDecision); reason != nil {
		if err := r.recordBlockedAudit(request.SessionID, target, profile, policyDecision, approvalDecision); err != nil {
			return err
		}
		r.logger.Warn("session blocked by policy",
			"session_id", request.SessionID, "profile", profile,
			"policy_decision", policyDecision, "approval_decision", approvalDecision)
		return &CommandBlockedError{SessionID: request.SessionID, Reason: reason.Error()}
	}

	if err := r.manager.Start(ctx, session.StartRequest{
		SessionID: request.SessionID,
		Program:   request.Program,
		Args:      request.Args,
		Cwd:       request.Cwd,
		Env:       request.Env,
		Arg0:      request.Arg0,
		Mode:      request.Mode,
	}); err != nil {
		return err
	}

	if err := r.BindSessionInput(request.SessionID); err != nil {
		return err
	}
	r.PumpEvents()
	return nil
}

// StopSession signals cancellation, waits (bounded) for the terminal
// CommandFinished event while applying every intervening event to the
// store, then writes the cancellation audit record.
func (r *UiRuntime) StopSession(sessionID string) error {
	if err := r.manager.Stop(sessionID); err != nil {
		return err
	}
	r.store.UnbindSessionInput(sessionID)

	finished, ok := r.waitForSessionFinished(sessionID, stopTimeout)
	if !ok {
		return &SessionStopTimeoutError{SessionID: sessionID}
	}

	if err := r.recordCancellationAudit(sessionID, finished); err != nil {
		return err
	}
	r.PumpEvents()
	return nil
}

// BindSessionInput reattaches to sessionID and registers its writer with
// the store so operator input can be routed to the child.
func (r *UiRuntime) BindSessionInput(sessionID string) error {
	reattached, err := r.manager.Reattach(sessionID)
	if err != nil {
		return err
	}
	r.store.BindSessionInput(sessionID, reattached.Writer)
	return nil
}

// SendInputToActiveSession routes input to the focused session's writer.
func (r *UiRuntime) SendInputToActiveSession(input []byte) error {
	return r.store.SendInputToActiveSession(input)
}

// SendLineToActiveSession appends a newline to line and routes it to the
// focused session.
func (r *UiRuntime) SendLineToActiveSession(line string) error {
	payload := append([]byte(line), '\n')
	return r.store.SendInputToActiveSession(payload)
}

// PumpEvents drains the event receiver without blocking, applying every
// available message to the store. It returns how many were processed. A
// closed channel simply ends the drain; lag shows up as missed messages
// the broadcaster never delivered, not as an error here.
func (r *UiRuntime) PumpEvents() int {
	processed := 0
	for {
		select {
		case message, ok := <-r.eventsRx:
			if !ok {
				return processed
			}
			r.applyMessage(message)
			processed++
		default:
			return processed
		}
	}
}

// WaitForSessionFinished blocks until sessionID's CommandFinished event
// arrives (applying every intervening event along the way) or timeout
// elapses. The host binary uses this to mirror the child's exit code.
func (r *UiRuntime) WaitForSessionFinished(sessionID string, timeout time.Duration) (ipc.CommandFinished, bool) {
	return r.waitForSessionFinished(sessionID, timeout)
}

func (r *UiRuntime) waitForSessionFinished(sessionID string, timeout time.Duration) (ipc.CommandFinished, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case message, ok := <-r.eventsRx:
			if !ok {
				return ipc.CommandFinished{}, false
			}
			var finished *ipc.CommandFinished
			if message.Event.Type == ipc.TypeCommandFinished && message.Event.CommandFinished.CommandID == sessionID {
				finished = message.Event.CommandFinished
			}
			r.applyMessage(message)
			if finished != nil {
				return *finished, true
			}
		case <-deadline.C:
			return ipc.CommandFinished{}, false
		}
	}
}

// RecordSessionOutcome writes the terminal audit record for a session
// that finished on its own (without an operator stop). The record's
// result status mirrors the observed exit code; its approval decision
// mirrors the profile's execute decision, exactly as the cancel path
// does.
func (r *UiRuntime) RecordSessionOutcome(sessionID string) error {
	r.PumpEvents()
	terminal, ok := r.store.TerminalSession(sessionID)
	if !ok || terminal.Lifecycle.Running {
		return &SessionNotFinishedError{SessionID: sessionID}
	}
	r.store.UnbindSessionInput(sessionID)
	return r.recordCancellationAudit(sessionID, ipc.CommandFinished{
		CommandID:  sessionID,
		ExitCode:   terminal.Lifecycle.ExitCode,
		DurationMs: terminal.Lifecycle.DurationMs,
	})
}

func (r *UiRuntime) applyMessage(message ipc.IpcMessage) {
	r.store.Push(message)
	if r.broadcaster != nil {
		r.broadcaster.Broadcast(message)
	}
}

func (r *UiRuntime) recordBlockedAudit(sessionID, target string, profile policy.PermissionProfile, policyDecision policy.Decision, approvalDecision policy.ApprovalDecision) error {
	record := audit.NewRecord(sessionID, policy.ExecuteCommand, target, profile, policyDecision, approvalDecision, audit.Blocked, 0)
	if r.auditLog != nil {
		if err := r.auditLog.Append(record); err != nil {
			return err
		}
	}
	r.store.AddAuditRecord(record)
	return nil
}

func (r *UiRuntime) recordCancellationAudit(sessionID string, finished ipc.CommandFinished) error {
	target := sessionID
	if terminal, ok := r.store.TerminalSession(sessionID); ok && len(terminal.Command) > 0 {
		target = strings.Join(terminal.Command, " ")
	}

	profile := r.store.PermissionProfile()
	policyDecision := policy.Decide(profile, policy.ExecuteCommand)
	approvalDecision := policy.NotRequired
	if policyDecision == policy.RequireApproval {
		approvalDecision = policy.Approved
	}
	resultStatus := audit.Failed
	if finished.ExitCode == 0 {
		resultStatus = audit.Succeeded
	}

	record := audit.NewRecord(sessionID, policy.ExecuteCommand, target, profile, policyDecision, approvalDecision, resultStatus, finished.DurationMs)
	if r.auditLog != nil {
		if err := r.auditLog.Append(record); err != nil {
			return err
		}
	}
	r.store.AddAuditRecord(record)
	return nil
}
