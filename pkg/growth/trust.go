package growth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/store"
)

// TrustModelVersion tags every persisted score with the formula that
// produced it, so a model change never silently rewrites history.
const TrustModelVersion = "trust.v1"

const (
	trustBase    = 50.0
	trustEpsilon = 1.0

	successWindow   = 30 * 24 * time.Hour
	violationWindow = 7 * 24 * time.Hour

	successWeight   = 30.0
	violationStep   = 6.0
	violationFloor  = -30.0
	mistakeStep     = 4.0
	mistakeFloor    = -20.0
	autonomousBonus = 10.0
	supervisedBonus = 5.0
)

// Trust tiers by score band.
const (
	TierUntrusted  = "untrusted"
	TierProbation  = "probation"
	TierTrusted    = "trusted"
	TierAutonomous = "autonomous"
)

// TierFor maps a score to its tier.
func TierFor(score float64) string {
	switch {
	case score >= 75:
		return TierAutonomous
	case score >= 50:
		return TierTrusted
	case score >= 25:
		return TierProbation
	default:
		return TierUntrusted
	}
}

// TrustComponents breaks a score down into its signals.
type TrustComponents struct {
	Base             float64 `json:"base"`
	TaskSuccess      float64 `json:"task_success"`
	ViolationPenalty float64 `json:"violation_penalty"`
	MistakePenalty   float64 `json:"mistake_penalty"`
	ApprovalAutonomy float64 `json:"approval_autonomy"`
}

// TrustScore is the grw_trust_scores row plus its derived tier.
type TrustScore struct {
	WorkspaceID  string          `json:"workspace_id"`
	AgentID      string          `json:"agent_id"`
	Score        float64         `json:"score"`
	Tier         string          `json:"tier"`
	ModelVersion string          `json:"model_version"`
	Components   TrustComponents `json:"components"`
	ComputedAt   time.Time       `json:"computed_at"`
}

// RecalculateTrustRequest asks for a fresh score for one agent.
type RecalculateTrustRequest struct {
	WorkspaceID string
	AgentID     string
	Actor       eventlog.ActorRef
}

// RecalculateTrust recomputes the agent's trust score from recent runs,
// blocked violations, and repeated mistakes, persists it, and appends a
// trust delta event when the score moved more than the model epsilon.
// The very first computation never emits: there is no delta to report.
func (s *Service) RecalculateTrust(ctx context.Context, req RecalculateTrustRequest) (*TrustScore, error) {
	if req.WorkspaceID == "" || req.AgentID == "" {
		return nil, errors.New("growth: workspace_id and agent_id are required")
	}
	now := s.clock().UTC()

	var out *TrustScore
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var principalID string
		var autonomy sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT principal_id, autonomy_level FROM proj_agents
			WHERE workspace_id = $1 AND agent_id = $2`,
			req.WorkspaceID, req.AgentID,
		).Scan(&principalID, &autonomy)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load agent: %w", err)
		}

		comps, err := s.trustComponents(ctx, tx, req.WorkspaceID, req.AgentID, principalID, autonomy.String, now)
		if err != nil {
			return err
		}
		score := clamp(comps.Base+comps.TaskSuccess+comps.ViolationPenalty+comps.MistakePenalty+comps.ApprovalAutonomy, 0, 100)

		var previous sql.NullFloat64
		err = tx.QueryRowContext(ctx, `
			SELECT score FROM grw_trust_scores WHERE workspace_id = $1 AND agent_id = $2`,
			req.WorkspaceID, req.AgentID,
		).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load previous score: %w", err)
		}

		compsJSON, err := json.Marshal(comps)
		if err != nil {
			return fmt.Errorf("marshal components: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO grw_trust_scores (workspace_id, agent_id, score, model_version, components, computed_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (workspace_id, agent_id)
			DO UPDATE SET score = EXCLUDED.score, model_version = EXCLUDED.model_version,
				components = EXCLUDED.components, computed_at = EXCLUDED.computed_at,
				updated_at = EXCLUDED.updated_at`,
			req.WorkspaceID, req.AgentID, score, TrustModelVersion, compsJSON, now,
		); err != nil {
			return fmt.Errorf("upsert trust score: %w", err)
		}

		if previous.Valid && math.Abs(score-previous.Float64) > trustEpsilon {
			eventType := eventlog.TypeTrustIncreased
			if score < previous.Float64 {
				eventType = eventlog.TypeTrustDecreased
			}
			if _, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
				EventType:   eventType,
				WorkspaceID: req.WorkspaceID,
				Actor:       req.Actor,
				StreamType:  eventlog.StreamAgent,
				StreamID:    req.AgentID,
				Data: map[string]any{
					"agent_id":       req.AgentID,
					"score":          score,
					"previous_score": previous.Float64,
					"model_version":  TrustModelVersion,
					"components":     comps,
				},
			}); err != nil {
				return err
			}
		}

		out = &TrustScore{
			WorkspaceID:  req.WorkspaceID,
			AgentID:      req.AgentID,
			Score:        score,
			Tier:         TierFor(score),
			ModelVersion: TrustModelVersion,
			Components:   comps,
			ComputedAt:   now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("trust recalculated",
		"workspace_id", req.WorkspaceID,
		"agent_id", req.AgentID,
		"score", out.Score,
		"tier", out.Tier)
	return out, nil
}

func (s *Service) trustComponents(ctx context.Context, tx *sql.Tx, workspaceID, agentID, principalID, autonomy string, now time.Time) (TrustComponents, error) {
	comps := TrustComponents{Base: trustBase}

	var succeeded, finished int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'succeeded'),
			COUNT(*) FILTER (WHERE status IN ('succeeded', 'failed'))
		FROM proj_runs
		WHERE workspace_id = $1 AND agent_id = $2 AND created_at >= $3`,
		workspaceID, agentID, now.Add(-successWindow),
	).Scan(&succeeded, &finished)
	if err != nil {
		return comps, fmt.Errorf("count runs: %w", err)
	}
	if finished > 0 {
		comps.TaskSuccess = float64(succeeded) / float64(finished) * successWeight
	}

	// Violations are bucketed per hour so a burst of denials inside one
	// incident costs a single step. Quarantine and kill-switch denials
	// are consequences of state, not fresh signal, and are excluded.
	var violationHours int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT date_trunc('hour', recorded_at))
		FROM evt_events
		WHERE workspace_id = $1 AND actor_principal_id = $2 AND event_type = $3
			AND recorded_at >= $4 AND data->>'blocked' = 'true'
			AND COALESCE(data->>'reason_code', '') NOT IN ('agent_quarantined', 'external_write_kill_switch')`,
		workspaceID, principalID, eventlog.TypePolicyDenied, now.Add(-violationWindow),
	).Scan(&violationHours)
	if err != nil {
		return comps, fmt.Errorf("count violations: %w", err)
	}
	comps.ViolationPenalty = math.Max(-violationStep*float64(violationHours), violationFloor)

	var repeated int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sec_mistake_counters
		WHERE workspace_id = $1 AND principal_id = $2 AND repeat_count >= 2`,
		workspaceID, principalID,
	).Scan(&repeated)
	if err != nil {
		return comps, fmt.Errorf("count mistakes: %w", err)
	}
	comps.MistakePenalty = math.Max(-mistakeStep*float64(repeated), mistakeFloor)

	switch autonomy {
	case "autonomous":
		comps.ApprovalAutonomy = autonomousBonus
	case "supervised":
		comps.ApprovalAutonomy = supervisedBonus
	}
	return comps, nil
}

// GetTrust returns the agent's current persisted score.
func (s *Service) GetTrust(ctx context.Context, workspaceID, agentID string) (*TrustScore, error) {
	var (
		ts        TrustScore
		compsJSON []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, agent_id, score, model_version, components, computed_at
		FROM grw_trust_scores
		WHERE workspace_id = $1 AND agent_id = $2`,
		workspaceID, agentID,
	).Scan(&ts.WorkspaceID, &ts.AgentID, &ts.Score, &ts.ModelVersion, &compsJSON, &ts.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load trust score: %w", err)
	}
	if len(compsJSON) > 0 {
		if err := json.Unmarshal(compsJSON, &ts.Components); err != nil {
			return nil, fmt.Errorf("decode components: %w", err)
		}
	}
	ts.Tier = TierFor(ts.Score)
	ts.ComputedAt = ts.ComputedAt.UTC()
	return &ts, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
