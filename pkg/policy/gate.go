package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/wardenlabs/warden/pkg/capability"
	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/identity"
	"github.com/wardenlabs/warden/pkg/store"
)

// Request is one authorization question. Category-specific fields are only
// read for their category.
type Request struct {
	WorkspaceID       string            `json:"workspace_id"`
	Category          Category          `json:"category"`
	Action            string            `json:"action"`
	Actor             eventlog.ActorRef `json:"actor"`
	Zone              string            `json:"zone,omitempty"`
	RoomID            string            `json:"room_id,omitempty"`
	RunID             string            `json:"run_id,omitempty"`
	CapabilityTokenID string            `json:"capability_token_id,omitempty"`
	Tool              string            `json:"tool,omitempty"`
	Resource          string            `json:"resource,omitempty"`
	Purpose           string            `json:"purpose,omitempty"`
	Justification     string            `json:"justification,omitempty"`
	Domain            string            `json:"domain,omitempty"`
	CorrelationID     string            `json:"correlation_id,omitempty"`
	Context           map[string]any    `json:"context,omitempty"`
}

// ApprovalMatcher finds an approved approval covering a request. An empty
// id means none matched.
type ApprovalMatcher interface {
	MatchApproved(ctx context.Context, q store.Querier, workspaceID, action, roomID string, now time.Time) (string, error)
}

// QuotaChecker enforces the per-principal egress budget.
type QuotaChecker interface {
	Allow(ctx context.Context, workspaceID, principalID string) (bool, error)
}

// Failure describes a negative decision for the growth layer.
type Failure struct {
	WorkspaceID string
	PrincipalID string
	ActorType   string
	ActorID     string
	Category    string
	Action      string
	ReasonCode  string
	Blocked     bool
	RoomID      string
}

// FailureRecorder folds negative decisions into constraints, mistake
// counters, and the auto-quarantine rule.
type FailureRecorder interface {
	RecordFailureFromPolicy(ctx context.Context, tx *sql.Tx, f Failure) error
}

// GateDeps wires the gate's collaborators.
type GateDeps struct {
	DB           *sql.DB
	Config       *config.Config
	Resolver     *identity.Resolver
	Capabilities *capability.Service
	Registry     *Registry
	Writer       *eventlog.Writer
	Approvals    ApprovalMatcher
	Quota        QuotaChecker
	Growth       FailureRecorder
	DataAccess   *config.DataAccessConfig
	Logger       *slog.Logger
}

// Gate evaluates the decision pipeline. It is stateless; every evaluation
// reads current state inside the caller's transaction.
type Gate struct {
	db           *sql.DB
	cfg          *config.Config
	resolver     *identity.Resolver
	capabilities *capability.Service
	registry     *Registry
	writer       *eventlog.Writer
	approvals    ApprovalMatcher
	quota        QuotaChecker
	growth       FailureRecorder
	dataAccess   *config.DataAccessConfig
	clock        func() time.Time
	logger       *slog.Logger
}

func NewGate(deps GateDeps) *Gate {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		db:           deps.DB,
		cfg:          deps.Config,
		resolver:     deps.Resolver,
		capabilities: deps.Capabilities,
		registry:     deps.Registry,
		writer:       deps.Writer,
		approvals:    deps.Approvals,
		quota:        deps.Quota,
		growth:       deps.Growth,
		dataAccess:   deps.DataAccess,
		clock:        time.Now,
		logger:       logger,
	}
}

// WithClock overrides the time source for tests.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// AuthorizeAction gates a generic action by action type.
func (g *Gate) AuthorizeAction(ctx context.Context, req Request) (*Decision, error) {
	req.Category = CategoryAction
	return g.Evaluate(ctx, req)
}

// AuthorizeToolCall gates a tool invocation.
func (g *Gate) AuthorizeToolCall(ctx context.Context, req Request) (*Decision, error) {
	req.Category = CategoryToolCall
	return g.Evaluate(ctx, req)
}

// AuthorizeDataAccess gates a labeled-resource read or write. Category must
// be data.read or data.write; anything else defaults to data.read.
func (g *Gate) AuthorizeDataAccess(ctx context.Context, req Request) (*Decision, error) {
	if req.Category != CategoryDataWrite {
		req.Category = CategoryDataRead
	}
	return g.Evaluate(ctx, req)
}

// AuthorizeEgress gates an outbound network request by normalized domain.
func (g *Gate) AuthorizeEgress(ctx context.Context, req Request) (*Decision, error) {
	req.Category = CategoryEgress
	if req.Action == "" {
		req.Action = ActionExternalWrite
	}
	return g.Evaluate(ctx, req)
}

// Evaluate runs the pipeline in its own transaction.
func (g *Gate) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	var dec *Decision
	err := store.WithTx(ctx, g.db, func(tx *sql.Tx) error {
		var err error
		dec, err = g.EvaluateInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dec, nil
}

// EvaluateInTx runs the pipeline inside the caller's transaction so command
// endpoints can gate and append atomically. Negative decisions append their
// policy events and feed the growth layer before returning.
func (g *Gate) EvaluateInTx(ctx context.Context, tx *sql.Tx, req Request) (*Decision, error) {
	if req.WorkspaceID == "" {
		return nil, errors.New("policy: workspace_id is required")
	}
	if req.Category == "" {
		req.Category = CategoryAction
	}

	dec, justified, err := g.decide(ctx, tx, &req)
	if err != nil {
		return nil, err
	}

	// Shadow mode records the decision but never cuts execution.
	if dec.Decision == DecisionDeny {
		dec.Blocked = !g.cfg.Shadow()
	} else {
		dec.Blocked = false
	}

	if dec.Decision != DecisionAllow {
		if err := g.recordNegative(ctx, tx, req, dec); err != nil {
			return nil, err
		}
	} else if justified {
		if err := g.recordJustifiedRead(ctx, tx, req); err != nil {
			return nil, err
		}
	}

	g.logger.Debug("policy decision",
		"category", string(req.Category), "action", req.Action,
		"decision", dec.Decision, "reason_code", dec.ReasonCode, "blocked", dec.Blocked)
	return dec, nil
}

// decide walks the pipeline in order; the first failure wins.
func (g *Gate) decide(ctx context.Context, tx *sql.Tx, req *Request) (*Decision, bool, error) {
	now := g.clock().UTC()

	// 1. Kill switch stops external writes globally.
	if g.cfg.ExternalWriteKillSwitch && req.Action == ActionExternalWrite {
		return deny(ReasonKillSwitch), false, nil
	}

	// 2. Agent actors must carry a bound principal.
	if req.Actor.Type == eventlog.ActorAgent {
		reason, err := g.resolver.ValidateAgentBinding(ctx, tx, req.Actor.PrincipalID, req.Actor.ID)
		if err != nil {
			return nil, false, err
		}
		if reason != "" {
			return deny(reason), false, nil
		}
	}

	// 3. Quarantined agents lose egress.
	if req.Category == CategoryEgress && req.Actor.PrincipalID != "" {
		quarantined, err := g.isQuarantined(ctx, tx, req.Actor.PrincipalID)
		if err != nil {
			return nil, false, err
		}
		if quarantined {
			return deny(ReasonAgentQuarantined), false, nil
		}
	}

	// 4. Capability token scope, per category.
	if req.CapabilityTokenID != "" {
		check := capability.CheckRequest{
			TokenID:     req.CapabilityTokenID,
			PrincipalID: req.Actor.PrincipalID,
			RoomID:      req.RoomID,
		}
		switch req.Category {
		case CategoryToolCall:
			check.Tool = req.Tool
		case CategoryDataRead:
			check.ReadResources = []string{req.Resource}
		case CategoryDataWrite:
			check.WriteResources = []string{req.Resource}
		case CategoryEgress:
			check.Action = ActionExternalWrite
			check.Domain = req.Domain
		default:
			check.Action = req.Action
		}
		_, reason, err := g.capabilities.Check(ctx, tx, check)
		if err != nil {
			return nil, false, err
		}
		if reason != "" {
			return deny(reason), false, nil
		}
	}

	// 5. Action registry: zone requirement, CEL guard, approval flags.
	needsApproval := req.Action == ActionExternalWrite
	dec := allow()
	spec, err := g.registry.Get(ctx, tx, req.Action)
	if err != nil {
		return nil, false, err
	}
	if spec != nil {
		if spec.ZoneRequired != "" && req.Zone != spec.ZoneRequired {
			return deny(ReasonZoneMismatch), false, nil
		}
		ok, err := g.registry.EvalGuard(spec, GuardInput{
			ActorType:   string(req.Actor.Type),
			Zone:        req.Zone,
			RoomID:      req.RoomID,
			Action:      req.Action,
			Category:    string(req.Category),
			WorkspaceID: req.WorkspaceID,
			Context:     req.Context,
		})
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return deny(ReasonPermissionDenied), false, nil
		}
		if spec.RequiresPreApproval {
			needsApproval = true
		}
		if spec.PostReviewRequired {
			dec.Context = map[string]any{"post_review_required": true}
		}
	}

	// 6. Egress quota.
	if req.Category == CategoryEgress && g.quota != nil {
		ok, err := g.quota.Allow(ctx, req.WorkspaceID, req.Actor.PrincipalID)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return deny(ReasonQuotaExceeded), false, nil
		}
	}

	// 7. Data-access labels.
	justified := false
	if (req.Category == CategoryDataRead || req.Category == CategoryDataWrite) && g.dataAccess != nil {
		if resource := g.dataAccess.Resource(req.Resource); resource != nil {
			switch resource.Label {
			case "restricted":
				if req.RoomID == "" || req.RoomID != resource.RoomID {
					return deny(ReasonDataAccessDenied), false, nil
				}
			case "confidential", "sensitive_pii":
				if !purposeMatches(resource.Purposes, req.Purpose) {
					return requireApproval(ReasonPurposeHintMismatch), false, nil
				}
				if req.Category == CategoryDataRead {
					justified = true
				}
			}
		}
	}

	// 8. Approval match for external writes and flagged actions.
	if needsApproval {
		if g.approvals == nil {
			return requireApproval(ReasonApprovalRequired), false, nil
		}
		approvalID, err := g.approvals.MatchApproved(ctx, tx, req.WorkspaceID, req.Action, req.RoomID, now)
		if err != nil {
			return nil, false, err
		}
		if approvalID == "" {
			return requireApproval(ReasonApprovalRequired), false, nil
		}
		dec.ApprovalID = approvalID
	}

	return dec, justified, nil
}

func (g *Gate) isQuarantined(ctx context.Context, tx *sql.Tx, principalID string) (bool, error) {
	var quarantinedAt sql.NullTime
	err := tx.QueryRowContext(ctx,
		`SELECT quarantined_at FROM proj_agents WHERE principal_id = $1`, principalID).
		Scan(&quarantinedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("quarantine lookup: %w", err)
	}
	return quarantinedAt.Valid, nil
}

func (g *Gate) recordNegative(ctx context.Context, tx *sql.Tx, req Request, dec *Decision) error {
	decisionID := uuid.NewString()

	eventType := eventlog.TypePolicyDenied
	if dec.Decision == DecisionRequireApproval {
		eventType = eventlog.TypePolicyRequiresApproval
	}
	data := map[string]any{
		"reason_code": dec.ReasonCode,
		"action":      req.Action,
		"category":    string(req.Category),
		"blocked":     dec.Blocked,
	}
	if req.RoomID != "" {
		data["room_id"] = req.RoomID
	}
	if req.CapabilityTokenID != "" {
		data["capability_token_id"] = req.CapabilityTokenID
	}
	if req.Resource != "" {
		data["resource"] = req.Resource
	}
	if req.Domain != "" {
		data["domain"] = req.Domain
	}

	if _, err := g.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
		EventType:      eventType,
		WorkspaceID:    req.WorkspaceID,
		RoomID:         req.RoomID,
		RunID:          req.RunID,
		Actor:          req.Actor,
		Zone:           req.Zone,
		StreamType:     eventlog.StreamWorkspace,
		StreamID:       req.WorkspaceID,
		Data:           data,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: "policy:" + decisionID,
	}); err != nil {
		return err
	}

	if dec.ReasonCode == ReasonQuotaExceeded {
		if _, err := g.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:   eventlog.TypeQuotaExceeded,
			WorkspaceID: req.WorkspaceID,
			Actor:       req.Actor,
			Zone:        req.Zone,
			StreamType:  eventlog.StreamWorkspace,
			StreamID:    req.WorkspaceID,
			Data: map[string]any{
				"principal_id": req.Actor.PrincipalID,
				"limit":        g.cfg.EgressMaxPerHour,
				"window":       "1h",
			},
			CorrelationID:  req.CorrelationID,
			IdempotencyKey: "quota:" + decisionID,
		}); err != nil {
			return err
		}
	}

	if dec.ReasonCode == ReasonPurposeHintMismatch {
		if _, err := g.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:   eventlog.TypeDataAccessPurposeHintMismatch,
			WorkspaceID: req.WorkspaceID,
			RoomID:      req.RoomID,
			Actor:       req.Actor,
			Zone:        req.Zone,
			StreamType:  eventlog.StreamWorkspace,
			StreamID:    req.WorkspaceID,
			Data: map[string]any{
				"resource": req.Resource,
				"purpose":  req.Purpose,
				"category": string(req.Category),
			},
			CorrelationID:  req.CorrelationID,
			IdempotencyKey: "purpose:" + decisionID,
		}); err != nil {
			return err
		}
	}

	if dec.Decision == DecisionDeny && g.growth != nil {
		return g.growth.RecordFailureFromPolicy(ctx, tx, Failure{
			WorkspaceID: req.WorkspaceID,
			PrincipalID: req.Actor.PrincipalID,
			ActorType:   string(req.Actor.Type),
			ActorID:     req.Actor.ID,
			Category:    string(req.Category),
			Action:      req.Action,
			ReasonCode:  dec.ReasonCode,
			Blocked:     dec.Blocked,
			RoomID:      req.RoomID,
		})
	}
	return nil
}

func (g *Gate) recordJustifiedRead(ctx context.Context, tx *sql.Tx, req Request) error {
	_, err := g.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
		EventType:     eventlog.TypeDataAccessJustified,
		WorkspaceID:   req.WorkspaceID,
		RoomID:        req.RoomID,
		Actor:         req.Actor,
		Zone:          req.Zone,
		StreamType:    eventlog.StreamWorkspace,
		StreamID:      req.WorkspaceID,
		Data:          map[string]any{"resource": req.Resource, "purpose": req.Purpose},
		CorrelationID: req.CorrelationID,
	})
	return err
}

func purposeMatches(purposes []string, purpose string) bool {
	if purpose == "" {
		return false
	}
	for _, p := range purposes {
		if p == purpose {
			return true
		}
	}
	return false
}
