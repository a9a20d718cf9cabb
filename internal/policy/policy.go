// Package policy implements the core decision model: a pure, total
// function from (permission profile, action kind) to a policy decision.
// It carries no state and performs no I/O; project-level overrides live in
// internal/overlay, which layers on top of this package's output.
package policy

// PermissionProfile is the coarse policy class chosen per session.
type PermissionProfile string

const (
	ReadOnly              PermissionProfile = "read_only"
	ReadWriteWithApproval PermissionProfile = "read_write_with_approval"
	FullAccess            PermissionProfile = "full_access"
)

// ActionKind enumerates the side-effectful operations a provider may
// propose.
type ActionKind string

const (
	ReadFile       ActionKind = "read_file"
	WriteFile      ActionKind = "write_file"
	ExecuteCommand ActionKind = "execute_command"
	ApplyPatch     ActionKind = "apply_patch"
	NetworkAccess  ActionKind = "network_access"
)

// Decision is the outcome of evaluating a single action against a profile.
type Decision string

const (
	Allow           Decision = "allow"
	RequireApproval Decision = "require_approval"
	Deny            Decision = "deny"
)

// ContractVersion pins the decision table below. Bump this if the table
// ever changes shape, so audit records written under an old table remain
// distinguishable.
const ContractVersion = "v1"

// decisionTable is the full (profile, action) contract.
var decisionTable = map[PermissionProfile]map[ActionKind]Decision{
	ReadOnly: {
		ReadFile:       Allow,
		WriteFile:      Deny,
		ExecuteCommand: Deny,
		ApplyPatch:     Deny,
		NetworkAccess:  Deny,
	},
	ReadWriteWithApproval: {
		ReadFile:       Allow,
		WriteFile:      RequireApproval,
		ExecuteCommand: RequireApproval,
		ApplyPatch:     RequireApproval,
		NetworkAccess:  RequireApproval,
	},
	FullAccess: {
		ReadFile:       Allow,
		WriteFile:      Allow,
		ExecuteCommand: Allow,
		ApplyPatch:     Allow,
		NetworkAccess:  Allow,
	},
}

// Decide is the total function (profile, action) -> decision. It never
// fails: an unrecognized profile or action kind falls back to Deny, since
// the caller passed a value outside the closed enum this package defines.
func Decide(profile PermissionProfile, action ActionKind) Decision {
	byAction, ok := decisionTable[profile]
	if !ok {
		return Deny
	}
	decision, ok := byAction[action]
	if !ok {
		return Deny
	}
	return decision
}

// Combine folds two decisions: Deny if either is Deny, else RequireApproval
// if either requires approval, else Allow.
func Combine(a, b Decision) Decision {
	if a == Deny || b == Deny {
		return Deny
	}
	if a == RequireApproval || b == RequireApproval {
		return RequireApproval
	}
	return Allow
}

// NetworkDecisionFor maps a permission profile directly to the decision
// that governs network access, independent of any specific action. It is
// used by UiRuntime.StartSession to fold the execute-command decision with
// an implicit network decision.
func NetworkDecisionFor(profile PermissionProfile) Decision {
	return Decide(profile, NetworkAccess)
}

// ApprovalDecision is the resolution of a RequireApproval gate.
type ApprovalDecision string

const (
	NotRequired ApprovalDecision = "not_required"
	Approved    ApprovalDecision = "approved"
	Denied      ApprovalDecision = "denied"
	Expired     ApprovalDecision = "expired"
)

// EffectiveApproval collapses the approval dimension of a policy decision.
// For Allow or Deny the effective decision is always NotRequired (approval
// is irrelevant to an outcome that is already fixed). For RequireApproval,
// the caller-supplied requested decision passes through unchanged.
func EffectiveApproval(decision Decision, requested ApprovalDecision) ApprovalDecision {
	if decision != RequireApproval {
		return NotRequired
	}
	if requested == "" {
		return NotRequired
	}
	return requested
}

// BlockedReason reports whether the combination of a policy decision and an
// effective approval blocks the action outright, and if so why. A nil
// return means the action proceeds.
func BlockedReason(decision Decision, approval ApprovalDecision) error {
	switch decision {
	case Deny:
		return &PolicyBlockError{Reason: "policy denied the action"}
	case RequireApproval:
		if approval == Approved {
			return nil
		}
		return &PolicyBlockError{Reason: "action requires an approved approval, got " + string(approval)}
	default:
		return nil
	}
}

// PolicyBlockError is returned when a decision/approval pair blocks an
// action. It satisfies the ambient BeginnerMessage contract so the UI can
// surface a next-step-oriented explanation without the core depending on a
// presentation layer.
type PolicyBlockError struct {
	Reason string
}

func (e *PolicyBlockError) Error() string {
	return "command blocked: " + e.Reason
}

// BeginnerMessage renders a one-line, next-step-oriented explanation
// suitable for direct UI display.
func (e *PolicyBlockError) BeginnerMessage() string {
	return "This action was blocked by policy: " + e.Reason + ". Next step: request or grant an approval, or switch to a more permissive profile for this workspace."
}
