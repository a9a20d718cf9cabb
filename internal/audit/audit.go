// Package audit implements the append-only JSONL audit sink. Every write
// serializes a record, redacts known secret patterns from the resulting
// JSON text, appends a trailing newline, and flushes before returning, all
// under a single mutex so concurrent writers never interleave lines.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alicia-run/alicia/internal/policy"
)

// ResultStatus is the outcome of the action the record describes.
type ResultStatus string

const (
	Succeeded ResultStatus = "succeeded"
	Failed    ResultStatus = "failed"
	Blocked   ResultStatus = "blocked"
)

// Record is one audit log line. Field order here drives the on-disk field
// order via struct tags; keys are snake_case on disk.
type Record struct {
	Timestamp        int64                    `json:"timestamp"`
	SessionID        string                   `json:"session_id"`
	ActionKind       policy.ActionKind        `json:"action_kind"`
	Target           string                   `json:"target"`
	Profile          policy.PermissionProfile `json:"profile"`
	PolicyDecision   policy.Decision          `json:"policy_decision"`
	ApprovalDecision policy.ApprovalDecision  `json:"approval_decision"`
	ResultStatus     ResultStatus             `json:"result_status"`
	DurationMs       uint64                   `json:"duration_ms"`
}

// NewRecord stamps a record with the current wall-clock time. Callers that
// need a deterministic timestamp for tests should set Timestamp directly on
// the returned value.
func NewRecord(sessionID string, actionKind policy.ActionKind, target string, profile policy.PermissionProfile, policyDecision policy.Decision, approvalDecision policy.ApprovalDecision, resultStatus ResultStatus, durationMs uint64) Record {
	return Record{
		Timestamp:        time.Now().UTC().Unix(),
		SessionID:        sessionID,
		ActionKind:       actionKind,
		Target:           target,
		Profile:          profile,
		PolicyDecision:   policyDecision,
		ApprovalDecision: approvalDecision,
		ResultStatus:     resultStatus,
		DurationMs:       durationMs,
	}
}

// WriteFailedError wraps an I/O failure encountered while appending a
// record. Audit write failures must propagate, aborting the whole caller
// operation rather than being swallowed.
type WriteFailedError struct {
	SessionID string
	Err       error
}

func (e *WriteFailedError) Error() string {
	return fmt.Sprintf("failed to write audit record for session %q: %v", e.SessionID, e.Err)
}

func (e *WriteFailedError) Unwrap() error { return e.Err }

func (e *WriteFailedError) BeginnerMessage() string {
	return "The task finished, but the audit log entry could not be saved. Next step: check write permissions on the audit log file and try again."
}

// Logger is the append-only sink. It owns a single file handle, shared by
// clones of the same Logger value, mutated only under its own mutex.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// Open creates parent directories as needed and opens path in append mode
// so concurrent processes can never truncate the file out from under each
// other.
func Open(path string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: failed to create parent directories for %q: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open %q: %w", path, err)
	}

	return &Logger{file: f, logger: logger.With("component", "audit.Logger")}, nil
}

// Append serializes record to JSON, redacts known secret patterns, appends
// a trailing newline, and flushes before returning.
func (l *Logger) Append(record Record) error {
	serialized, err := json.Marshal(record)
	if err != nil {
		return &WriteFailedError{SessionID: record.SessionID, Err: err}
	}

	redacted := Redact(string(serialized))

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.WriteString(redacted + "\n"); err != nil {
		l.logger.Error("audit append failed", "session_id", record.SessionID, "error", err)
		return &WriteFailedError{SessionID: record.SessionID, Err: err}
	}
	if err := l.file.Sync(); err != nil {
		l.logger.Error("audit flush failed", "session_id", record.SessionID, "error", err)
		return &WriteFailedError{SessionID: record.SessionID, Err: err}
	}

	return nil
}

// Close releases the underlying file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
