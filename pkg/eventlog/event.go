// Package eventlog implements the append-only event writer: per-stream
// sequencing, idempotent appends, DLP redaction, and hash chaining.
package eventlog

import (
	"encoding/json"
	"time"
)

// ActorType identifies who caused an event.
type ActorType string

const (
	ActorService ActorType = "service"
	ActorUser    ActorType = "user"
	ActorAgent   ActorType = "agent"
)

// Zone is the action-risk tier an event was recorded under.
const (
	ZoneSandbox    = "sandbox"
	ZoneSupervised = "supervised"
	ZoneHighStakes = "high_stakes"
)

// Stream types. The stream id is the corresponding entity id.
const (
	StreamWorkspace = "workspace"
	StreamRoom      = "room"
	StreamRun       = "run"
	StreamAgent     = "agent"
)

// Redaction levels.
const (
	RedactionNone    = "none"
	RedactionPartial = "partial"
)

// Event types, grouped by family.
const (
	TypeRoomCreated   = "room.created"
	TypeThreadCreated = "thread.created"
	TypeMessagePosted = "message.posted"

	TypeRunCreated      = "run.created"
	TypeRunStarted      = "run.started"
	TypeRunSucceeded    = "run.succeeded"
	TypeRunFailed       = "run.failed"
	TypeRunReleased     = "run.released"
	TypeStepCreated     = "step.created"
	TypeStepSucceeded   = "step.succeeded"
	TypeStepFailed      = "step.failed"
	TypeToolInvoked     = "tool.invoked"
	TypeToolSucceeded   = "tool.succeeded"
	TypeToolFailed      = "tool.failed"
	TypeArtifactCreated = "artifact.created"

	TypeApprovalRequested = "approval.requested"
	TypeApprovalDecided   = "approval.decided"

	TypeIncidentOpened  = "incident.opened"
	TypeIncidentUpdated = "incident.updated"
	TypeIncidentClosed  = "incident.closed"

	TypeCapabilityGranted   = "agent.capability.granted"
	TypeCapabilityRevoked   = "agent.capability.revoked"
	TypeDelegationAttempted = "agent.delegation.attempted"

	TypeAgentRegistered     = "agent.registered"
	TypeAgentQuarantined    = "agent.quarantined"
	TypeAgentUnquarantined  = "agent.unquarantined"
	TypeAutonomyRecommended = "agent.autonomy.recommended"
	TypeAutonomyApproved    = "agent.autonomy.approved"

	TypePolicyDenied           = "policy.denied"
	TypePolicyRequiresApproval = "policy.requires_approval"
	TypeQuotaExceeded          = "quota.exceeded"

	TypeEgressRequested = "egress.requested"
	TypeEgressAllowed   = "egress.allowed"
	TypeEgressBlocked   = "egress.blocked"

	TypeSecretLeakDetected = "secret.leaked.detected"
	TypeEventRedacted      = "event.redacted"

	TypeDataAccessJustified           = "data.access.justified"
	TypeDataAccessPurposeHintMismatch = "data.access.purpose_hint_mismatch"

	TypeTrustIncreased    = "agent.trust.increased"
	TypeTrustDecreased    = "agent.trust.decreased"
	TypeConstraintLearned = "constraint.learned"
	TypeMistakeRepeated   = "mistake.repeated"

	TypeSkillPackageInstalled   = "skill.package.installed"
	TypeSkillPackageVerified    = "skill.package.verified"
	TypeSkillPackageQuarantined = "skill.package.quarantined"
	TypeSkillImported           = "skill.imported"
	TypeSkillAssessmentStarted  = "skill.assessment.started"
	TypeSkillAssessmentPassed   = "skill.assessment.passed"
	TypeSkillAssessmentFailed   = "skill.assessment.failed"
	TypeSkillCertified          = "skill.certified"

	TypeDailyAgentSnapshot      = "daily.agent.snapshot"
	TypeSurvivalRollup          = "survival.rollup"
	TypeLifecycleTransition     = "lifecycle.transition"
	TypeEvidenceManifestCreated = "evidence.manifest.created"
)

// ActorRef names the acting identity on an append.
type ActorRef struct {
	Type        ActorType `json:"actor_type"`
	ID          string    `json:"actor_id"`
	PrincipalID string    `json:"actor_principal_id,omitempty"`
}

// Event is the persisted, immutable event row in its wire shape.
type Event struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	EventVersion     int             `json:"event_version"`
	OccurredAt       time.Time       `json:"occurred_at"`
	RecordedAt       time.Time       `json:"recorded_at"`
	WorkspaceID      string          `json:"workspace_id"`
	MissionID        string          `json:"mission_id,omitempty"`
	RoomID           string          `json:"room_id,omitempty"`
	ThreadID         string          `json:"thread_id,omitempty"`
	RunID            string          `json:"run_id,omitempty"`
	StepID           string          `json:"step_id,omitempty"`
	ActorType        ActorType       `json:"actor_type"`
	ActorID          string          `json:"actor_id"`
	ActorPrincipalID string          `json:"actor_principal_id,omitempty"`
	Zone             string          `json:"zone"`
	StreamType       string          `json:"stream_type"`
	StreamID         string          `json:"stream_id"`
	StreamSeq        int64           `json:"stream_seq"`
	RedactionLevel   string          `json:"redaction_level"`
	ContainsSecrets  bool            `json:"contains_secrets"`
	Data             json.RawMessage `json:"data"`
	PolicyContext    json.RawMessage `json:"policy_context,omitempty"`
	ModelContext     json.RawMessage `json:"model_context,omitempty"`
	Display          json.RawMessage `json:"display,omitempty"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	CausationID      string          `json:"causation_id,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	PrevEventHash    string          `json:"prev_event_hash"`
	EventHash        string          `json:"event_hash"`
}

// AppendRequest is the envelope a caller supplies to append_to_stream.
// recorded_at, stream_seq, and the hash fields are assigned by the writer.
type AppendRequest struct {
	EventType      string
	EventVersion   int
	OccurredAt     time.Time
	WorkspaceID    string
	MissionID      string
	RoomID         string
	ThreadID       string
	RunID          string
	StepID         string
	Actor          ActorRef
	Zone           string
	StreamType     string
	StreamID       string
	Data           map[string]any
	PolicyContext  map[string]any
	ModelContext   map[string]any
	Display        map[string]any
	CorrelationID  string
	CausationID    string
	IdempotencyKey string
}

// DecodeData unmarshals the event payload into a map.
func (e *Event) DecodeData() (map[string]any, error) {
	out := map[string]any{}
	if len(e.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
