// Package ipc defines the versioned, tagged-union event protocol exchanged
// between a provider process, the core, and the UI. Wire format is
// newline-delimited JSON, camelCase field names, with a snake_case "type"
// tag naming the variant. Unknown variants and version mismatches are
// rejected, never silently dropped: an event kind the core cannot
// interpret must not be able to bypass policy.
package ipc

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the version this core implementation understands.
// Inbound messages whose ProtocolVersion differs are rejected.
const ProtocolVersion uint16 = 1

// EventType is the snake_case discriminator carried on the wire as "type".
type EventType string

const (
	TypeActionProposed     EventType = "action_proposed"
	TypeApprovalRequested  EventType = "approval_requested"
	TypeApprovalResolved   EventType = "approval_resolved"
	TypeCommandStarted     EventType = "command_started"
	TypeCommandOutputChunk EventType = "command_output_chunk"
	TypeCommandFinished    EventType = "command_finished"
	TypePatchPreviewReady  EventType = "patch_preview_ready"
	TypePatchApplied       EventType = "patch_applied"
)

// CommandOutputStream identifies which child stream an output chunk came
// from.
type CommandOutputStream string

const (
	StreamStdout CommandOutputStream = "stdout"
	StreamStderr CommandOutputStream = "stderr"
)

// ApprovalResolution is the terminal resolution of an approval request.
type ApprovalResolution string

const (
	ResolutionApproved ApprovalResolution = "approved"
	ResolutionDenied   ApprovalResolution = "denied"
	ResolutionExpired  ApprovalResolution = "expired"
)

// ActionProposed announces a proposed side-effectful action.
type ActionProposed struct {
	ActionID   string `json:"actionId"`
	ActionKind string `json:"actionKind"`
	Target     string `json:"target"`
}

// ApprovalRequested asks the operator to resolve a pending action.
type ApprovalRequested struct {
	ActionID       string `json:"actionId"`
	Summary        string `json:"summary"`
	ExpiresAtUnixS int64  `json:"expiresAtUnixS"`
}

// ApprovalResolved reports the terminal resolution of a prior request.
type ApprovalResolved struct {
	ActionID   string             `json:"actionId"`
	Resolution ApprovalResolution `json:"resolution"`
}

// CommandStarted reports that a child process/session has begun.
type CommandStarted struct {
	CommandID string   `json:"commandId"`
	Command   []string `json:"command"`
	Cwd       string   `json:"cwd"`
}

// CommandOutputChunk carries one chunk of child output.
type CommandOutputChunk struct {
	CommandID string              `json:"commandId"`
	Stream    CommandOutputStream `json:"stream"`
	Chunk     string              `json:"chunk"`
}

// CommandFinished reports the terminal state of a child process/session.
type CommandFinished struct {
	CommandID  string `json:"commandId"`
	ExitCode   int32  `json:"exitCode"`
	DurationMs uint64 `json:"durationMs"`
}

// PatchPreviewReady announces that a patch's file list is available for
// review.
type PatchPreviewReady struct {
	ActionID string   `json:"actionId"`
	Files    []string `json:"files"`
}

// PatchApplied reports that a previously previewed patch has been applied.
type PatchApplied struct {
	ActionID string   `json:"actionId"`
	Files    []string `json:"files"`
}

// IpcEvent is the tagged union of every event kind. Exactly one of the
// pointer fields is non-nil; Type names which one. Construct with the
// New*Event helpers or via the Type-tagged literal used by tests.
type IpcEvent struct {
	Type EventType

	ActionProposed     *ActionProposed
	ApprovalRequested  *ApprovalRequested
	ApprovalResolved   *ApprovalResolved
	CommandStarted     *CommandStarted
	CommandOutputChunk *CommandOutputChunk
	CommandFinished    *CommandFinished
	PatchPreviewReady  *PatchPreviewReady
	PatchApplied       *PatchApplied
}

func NewActionProposed(v ActionProposed) IpcEvent {
	return IpcEvent{Type: TypeActionProposed, ActionProposed: &v}
}

func NewApprovalRequested(v ApprovalRequested) IpcEvent {
	return IpcEvent{Type: TypeApprovalRequested, ApprovalRequested: &v}
}

func NewApprovalResolved(v ApprovalResolved) IpcEvent {
	return IpcEvent{Type: TypeApprovalResolved, ApprovalResolved: &v}
}

func NewCommandStarted(v CommandStarted) IpcEvent {
	return IpcEvent{Type: TypeCommandStarted, CommandStarted: &v}
}

func NewCommandOutputChunk(v CommandOutputChunk) IpcEvent {
	return IpcEvent{Type: TypeCommandOutputChunk, CommandOutputChunk: &v}
}

func NewCommandFinished(v CommandFinished) IpcEvent {
	return IpcEvent{Type: TypeCommandFinished, CommandFinished: &v}
}

func NewPatchPreviewReady(v PatchPreviewReady) IpcEvent {
	return IpcEvent{Type: TypePatchPreviewReady, PatchPreviewReady: &v}
}

func NewPatchApplied(v PatchApplied) IpcEvent {
	return IpcEvent{Type: TypePatchApplied, PatchApplied: &v}
}

// MarshalJSON flattens the active variant's fields alongside the "type"
// tag, producing the camelCase wire format.
func (e IpcEvent) MarshalJSON() ([]byte, error) {
	var payload any
	switch e.Type {
	case TypeActionProposed:
		payload = e.ActionProposed
	case TypeApprovalRequested:
		payload = e.ApprovalRequested
	case TypeApprovalResolved:
		payload = e.ApprovalResolved
	case TypeCommandStarted:
		payload = e.CommandStarted
	case TypeCommandOutputChunk:
		payload = e.CommandOutputChunk
	case TypeCommandFinished:
		payload = e.CommandFinished
	case TypePatchPreviewReady:
		payload = e.PatchPreviewReady
	case TypePatchApplied:
		payload = e.PatchApplied
	default:
		return nil, fmt.Errorf("ipc: cannot marshal unknown event type %q", e.Type)
	}

	fields, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(fields, &merged); err != nil {
		return nil, err
	}
	merged["type"] = mustMarshal(string(e.Type))
	return json.Marshal(merged)
}

func mustMarshal(v string) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// UnmarshalJSON dispatches on the "type" tag. An unrecognized type is a
// hard error: new event kinds must never silently bypass policy by being
// ignored.
func (e *IpcEvent) UnmarshalJSON(data []byte) error {
	var tagged struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("ipc: malformed event envelope: %w", err)
	}

	switch tagged.Type {
	case TypeActionProposed:
		var v ActionProposed
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*e = IpcEvent{Type: tagged.Type, ActionProposed: &v}
	case TypeApprovalRequested:
		var v ApprovalRequested
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*e = IpcEvent{Type: tagged.Type, ApprovalRequested: &v}
	case TypeApprovalResolved:
		var v ApprovalResolved
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*e = IpcEvent{Type: tagged.Type, ApprovalResolved: &v}
	case TypeCommandStarted:
		var v CommandStarted
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*e = IpcEvent{Type: tagged.Type, CommandStarted: &v}
	case TypeCommandOutputChunk:
		var v CommandOutputChunk
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*e = IpcEvent{Type: tagged.Type, CommandOutputChunk: &v}
	case TypeCommandFinished:
		var v CommandFinished
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*e = IpcEvent{Type: tagged.Type, CommandFinished: &v}
	case TypePatchPreviewReady:
		var v PatchPreviewReady
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*e = IpcEvent{Type: tagged.Type, PatchPreviewReady: &v}
	case TypePatchApplied:
		var v PatchApplied
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*e = IpcEvent{Type: tagged.Type, PatchApplied: &v}
	default:
		return fmt.Errorf("ipc: unknown event type %q", tagged.Type)
	}
	return nil
}

// IpcMessage is the top-level envelope written one-per-line on the wire.
type IpcMessage struct {
	ProtocolVersion uint16
	Event           IpcEvent
}

// New wraps an event in an envelope stamped with the current protocol
// version.
func New(event IpcEvent) IpcMessage {
	return IpcMessage{ProtocolVersion: ProtocolVersion, Event: event}
}

type envelope struct {
	ProtocolVersion uint16 `json:"protocolVersion"`
}

// MarshalJSON flattens the event's own fields alongside protocolVersion,
// so one line on the wire is one flat JSON object.
func (m IpcMessage) MarshalJSON() ([]byte, error) {
	eventJSON, err := m.Event.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(eventJSON, &merged); err != nil {
		return nil, err
	}
	merged["protocolVersion"] = json.RawMessage(fmt.Sprintf("%d", m.ProtocolVersion))
	return json.Marshal(merged)
}

// UnmarshalJSON parses the envelope and rejects any protocol version other
// than the one this core understands (fail closed, no partial parsing).
func (m *IpcMessage) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("ipc: malformed message envelope: %w", err)
	}
	if env.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("ipc: unsupported protocol version %d, core supports %d", env.ProtocolVersion, ProtocolVersion)
	}

	var event IpcEvent
	if err := event.UnmarshalJSON(data); err != nil {
		return err
	}

	m.ProtocolVersion = env.ProtocolVersion
	m.Event = event
	return nil
}
