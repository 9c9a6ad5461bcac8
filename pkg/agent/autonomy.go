package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wardenlabs/warden/pkg/capability"
	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/growth"
	"github.com/wardenlabs/warden/pkg/store"
)

// Autonomy levels, least to most permissive. Manual agents need an approval
// for everything; supervised agents act with oversight; autonomous agents
// self-serve within their capability scopes.
const (
	AutonomyManual     = "manual"
	AutonomySupervised = "supervised"
	AutonomyAutonomous = "autonomous"
)

var (
	// ErrApproverNotHuman rejects autonomy approvals not decided by a user.
	ErrApproverNotHuman = errors.New("autonomy_approver_not_human")
	// ErrExceedsRecommendation rejects approving a level above what the
	// agent's trust tier supports.
	ErrExceedsRecommendation = errors.New("autonomy_exceeds_recommendation")
	// ErrQuarantined rejects autonomy changes for quarantined agents.
	ErrQuarantined = errors.New("agent_quarantined")
)

func validLevel(level string) bool {
	switch level {
	case AutonomyManual, AutonomySupervised, AutonomyAutonomous:
		return true
	}
	return false
}

func levelRank(level string) int {
	switch level {
	case AutonomySupervised:
		return 1
	case AutonomyAutonomous:
		return 2
	}
	return 0
}

// Recommendation is the tier-derived autonomy proposal for an agent.
type Recommendation struct {
	AgentID          string  `json:"agent_id"`
	CurrentLevel     string  `json:"current_level,omitempty"`
	RecommendedLevel string  `json:"recommended_level"`
	Tier             string  `json:"tier"`
	Score            float64 `json:"score"`
}

// Recommendation derives the autonomy level the agent's trust tier
// supports. Quarantined agents and agents without a computed score are
// capped at manual.
func (s *Service) Recommendation(ctx context.Context, workspaceID, agentID string) (*Recommendation, error) {
	a, err := s.Get(ctx, workspaceID, agentID)
	if err != nil {
		return nil, err
	}
	return s.recommendFor(ctx, a)
}

func (s *Service) recommendFor(ctx context.Context, a *Agent) (*Recommendation, error) {
	rec := &Recommendation{
		AgentID:          a.AgentID,
		CurrentLevel:     a.AutonomyLevel,
		RecommendedLevel: AutonomyManual,
		Tier:             growth.TierUntrusted,
	}

	ts, err := s.trust.GetTrust(ctx, a.WorkspaceID, a.AgentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if ts != nil {
		rec.Tier = ts.Tier
		rec.Score = ts.Score
		switch ts.Tier {
		case growth.TierAutonomous:
			rec.RecommendedLevel = AutonomyAutonomous
		case growth.TierTrusted:
			rec.RecommendedLevel = AutonomySupervised
		}
	}
	if a.Quarantined() {
		rec.RecommendedLevel = AutonomyManual
	}
	return rec, nil
}

// Recommend records the derived recommendation as
// agent.autonomy.recommended and returns it.
func (s *Service) Recommend(ctx context.Context, workspaceID, agentID string, actor eventlog.ActorRef) (*Recommendation, error) {
	rec, err := s.Recommendation(ctx, workspaceID, agentID)
	if err != nil {
		return nil, err
	}
	_, err = s.writer.Append(ctx, eventlog.AppendRequest{
		EventType:   eventlog.TypeAutonomyRecommended,
		WorkspaceID: workspaceID,
		Actor:       actor,
		StreamType:  eventlog.StreamAgent,
		StreamID:    agentID,
		Data: map[string]any{
			"agent_id":      rec.AgentID,
			"level":         rec.RecommendedLevel,
			"current_level": rec.CurrentLevel,
			"tier":          rec.Tier,
			"score":         rec.Score,
		},
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ApproveRequest settles an agent's autonomy level.
type ApproveRequest struct {
	WorkspaceID string
	AgentID     string
	Level       string
	TokenTTL    time.Duration
	Actor       eventlog.ActorRef
}

// ApprovalResult reports an approved autonomy change and the capability
// token that backs it.
type ApprovalResult struct {
	Agent *Agent            `json:"agent"`
	Level string            `json:"level"`
	Token *capability.Token `json:"token,omitempty"`
}

// Approve sets the agent's autonomy level, appends agent.autonomy.approved,
// and grants a capability token matching the level. Only a human decider
// may approve, and never above the tier-derived recommendation. Manual
// needs no token.
func (s *Service) Approve(ctx context.Context, req ApproveRequest) (*ApprovalResult, error) {
	if req.Actor.Type != eventlog.ActorUser || req.Actor.PrincipalID == "" {
		return nil, ErrApproverNotHuman
	}
	if req.Level != "" && !validLevel(req.Level) {
		return nil, fmt.Errorf("agent: unknown autonomy level %q", req.Level)
	}

	now := s.clock().UTC()
	var out *ApprovalResult
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := s.lock(ctx, tx, req.WorkspaceID, req.AgentID)
		if err != nil {
			return err
		}
		if a.Quarantined() {
			return ErrQuarantined
		}

		rec, err := s.recommendFor(ctx, a)
		if err != nil {
			return err
		}
		level := req.Level
		if level == "" {
			level = rec.RecommendedLevel
		}
		if levelRank(level) > levelRank(rec.RecommendedLevel) {
			return ErrExceedsRecommendation
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE proj_agents SET autonomy_level = $3, updated_at = $4
			WHERE workspace_id = $1 AND agent_id = $2`,
			req.WorkspaceID, req.AgentID, level, now,
		); err != nil {
			return fmt.Errorf("set autonomy level: %w", err)
		}

		if _, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:   eventlog.TypeAutonomyApproved,
			WorkspaceID: req.WorkspaceID,
			Actor:       req.Actor,
			StreamType:  eventlog.StreamAgent,
			StreamID:    req.AgentID,
			Data: map[string]any{
				"agent_id":                 a.AgentID,
				"level":                    level,
				"tier":                     rec.Tier,
				"approved_by_principal_id": req.Actor.PrincipalID,
			},
		}); err != nil {
			return err
		}

		a.AutonomyLevel = level
		a.UpdatedAt = now
		out = &ApprovalResult{Agent: a, Level: level}

		if level == AutonomyManual {
			return nil
		}
		tok, err := s.capabilities.GrantInTx(ctx, tx, capability.GrantRequest{
			WorkspaceID:          req.WorkspaceID,
			IssuedToPrincipalID:  a.PrincipalID,
			GrantedByPrincipalID: req.Actor.PrincipalID,
			Scopes:               scopesForLevel(level),
			TTL:                  req.TokenTTL,
			Actor:                req.Actor,
		})
		if err != nil {
			return err
		}
		out.Token = tok
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("autonomy approved",
		"agent_id", req.AgentID, "workspace_id", req.WorkspaceID, "level", out.Level)
	return out, nil
}

// scopesForLevel maps an autonomy level onto the capability axes. Egress
// domains and data writes stay off the supervised grant; those arrive via
// explicit grants or approvals.
func scopesForLevel(level string) capability.Scopes {
	switch level {
	case AutonomyAutonomous:
		return capability.Scopes{
			Rooms:         []string{capability.Wildcard},
			Tools:         []string{capability.Wildcard},
			ActionTypes:   []string{capability.Wildcard},
			EgressDomains: []string{capability.Wildcard},
			DataAccess: capability.DataAccess{
				Read:  []string{capability.Wildcard},
				Write: []string{capability.Wildcard},
			},
		}
	case AutonomySupervised:
		return capability.Scopes{
			Rooms:       []string{capability.Wildcard},
			Tools:       []string{capability.Wildcard},
			ActionTypes: []string{capability.Wildcard},
			DataAccess: capability.DataAccess{
				Read: []string{capability.Wildcard},
			},
		}
	}
	return capability.Scopes{}
}
