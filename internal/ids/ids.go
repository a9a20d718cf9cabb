// Package ids generates the globally unique, time-ordered identifiers
// used for sessions and actions throughout the core.
package ids

import (
	"github.com/oklog/ulid/v2"
)

// NewSessionID returns a fresh ULID string suitable for a TerminalSessionState
// or session lifecycle event's session_id field.
func NewSessionID() string {
	return "ses-" + ulid.Make().String()
}

// NewActionID returns a fresh ULID string suitable for an ActionProposed /
// ApprovalItem action_id field.
func NewActionID() string {
	return "act-" + ulid.Make().String()
}

// NewCommandID returns a fresh ULID string suitable for a CommandStarted
// command_id field.
func NewCommandID() string {
	return "cmd-" + ulid.Make().String()
}
