// Package policy implements the decision gate every mutating path consults:
// kill switch, principal binding, quarantine, capability scopes, the action
// registry, quotas, data-access rules, and approval matching.
package policy

// Category selects the gate entrypoint semantics.
type Category string

const (
	CategoryAction    Category = "action"
	CategoryToolCall  Category = "tool_call"
	CategoryDataRead  Category = "data.read"
	CategoryDataWrite Category = "data.write"
	CategoryEgress    Category = "egress"
)

// Decision outcomes.
const (
	DecisionAllow           = "allow"
	DecisionDeny            = "deny"
	DecisionRequireApproval = "require_approval"
)

// Reason codes owned by the gate. Capability and identity codes pass
// through from their packages.
const (
	ReasonKillSwitch          = "external_write_kill_switch"
	ReasonAgentQuarantined    = "agent_quarantined"
	ReasonPolicyDenied        = "policy_denied"
	ReasonApprovalRequired    = "approval_required"
	ReasonPermissionDenied    = "permission_denied"
	ReasonQuotaExceeded       = "quota_exceeded"
	ReasonZoneMismatch        = "zone_mismatch"
	ReasonDataAccessDenied    = "data_access_denied"
	ReasonPurposeHintMismatch = "data_access_purpose_hint_mismatch"
)

// ActionExternalWrite is the action type gated by the kill switch and the
// approval fast-path.
const ActionExternalWrite = "external.write"

// Decision is the uniform result of every authorize_* entrypoint.
// Blocked is the execution-cutoff signal: true only for enforced denials.
type Decision struct {
	Decision   string         `json:"decision"`
	ReasonCode string         `json:"reason_code,omitempty"`
	Blocked    bool           `json:"blocked"`
	ApprovalID string         `json:"approval_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

func (d *Decision) Allowed() bool {
	return d.Decision == DecisionAllow
}

func allow() *Decision {
	return &Decision{Decision: DecisionAllow}
}

func deny(reason string) *Decision {
	return &Decision{Decision: DecisionDeny, ReasonCode: reason, Blocked: true}
}

func requireApproval(reason string) *Decision {
	return &Decision{Decision: DecisionRequireApproval, ReasonCode: reason}
}
