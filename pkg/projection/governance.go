package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wardenlabs/warden/pkg/eventlog"
)

func (e *Engine) applyApprovalRequested(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		ApprovalID string          `json:"approval_id"`
		ScopeType  string          `json:"scope_type"`
		RoomID     string          `json:"room_id"`
		Action     string          `json:"action"`
		TTLSeconds int             `json:"ttl_seconds"`
		Request    json.RawMessage `json:"request"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if p.TTLSeconds <= 0 {
		p.TTLSeconds = 86400
	}
	expiresAt := ev.OccurredAt.Add(time.Duration(p.TTLSeconds) * time.Second)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO proj_approvals (approval_id, workspace_id, status, scope_type, room_id, action,
			ttl_seconds, expires_at, requested_by_principal_id, request, correlation_id,
			created_at, updated_at, last_event_id, last_stream_seq)
		VALUES ($1, $2, 'pending', $3, $4, $5, $6, $7, $8, $9, $10, $11, $11, $12, $13)
		ON CONFLICT (approval_id) DO NOTHING`,
		p.ApprovalID, ev.WorkspaceID, p.ScopeType, nullable(p.RoomID), p.Action,
		p.TTLSeconds, expiresAt, nullable(ev.ActorPrincipalID), jsonb(p.Request), nullable(ev.CorrelationID),
		ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}

func (e *Engine) applyApprovalDecided(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		ApprovalID string          `json:"approval_id"`
		Status     string          `json:"status"`
		Decision   json.RawMessage `json:"decision"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE proj_approvals
		SET status = $2, decision = $3, decided_by_principal_id = $4, decided_at = $5,
			updated_at = $5, last_event_id = $6, last_stream_seq = $7
		WHERE approval_id = $1 AND last_stream_seq < $7`,
		p.ApprovalID, p.Status, jsonb(p.Decision), nullable(ev.ActorPrincipalID),
		ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}

func (e *Engine) applyIncidentOpened(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		IncidentID  string `json:"incident_id"`
		Severity    string `json:"severity"`
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO proj_incidents (incident_id, workspace_id, status, severity, title, description,
			run_id, correlation_id, opened_at, created_at, updated_at, last_event_id, last_stream_seq)
		VALUES ($1, $2, 'open', $3, $4, $5, $6, $7, $8, $8, $8, $9, $10)
		ON CONFLICT (incident_id) DO NOTHING`,
		p.IncidentID, ev.WorkspaceID, p.Severity, p.Title, p.Description,
		nullable(ev.RunID), nullable(ev.CorrelationID), ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}

// applyIncidentUpdated folds partial updates: severity and RCA replace,
// learnings accumulate.
func (e *Engine) applyIncidentUpdated(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		IncidentID string          `json:"incident_id"`
		Severity   string          `json:"severity"`
		RCA        json.RawMessage `json:"rca"`
		Learning   json.RawMessage `json:"learning"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	set := []string{"updated_at = $2", "last_event_id = $3", "last_stream_seq = $4"}
	args := []any{p.IncidentID, ev.OccurredAt, ev.EventID, ev.StreamSeq}
	if p.Severity != "" {
		args = append(args, p.Severity)
		set = append(set, fmt.Sprintf("severity = $%d", len(args)))
	}
	if len(p.RCA) > 0 {
		args = append(args, []byte(p.RCA))
		set = append(set, fmt.Sprintf("rca = $%d", len(args)))
	}
	if len(p.Learning) > 0 {
		args = append(args, []byte(p.Learning))
		set = append(set, fmt.Sprintf("learnings = learnings || jsonb_build_array($%d::jsonb)", len(args)))
	}

	query := fmt.Sprintf(`
		UPDATE proj_incidents SET %s
		WHERE incident_id = $1 AND last_stream_seq < $4`, strings.Join(set, ", "))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (e *Engine) applyIncidentClosed(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		IncidentID string `json:"incident_id"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE proj_incidents
		SET status = 'closed', closed_at = $2, updated_at = $2, last_event_id = $3, last_stream_seq = $4
		WHERE incident_id = $1 AND last_stream_seq < $4`,
		p.IncidentID, ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}

func (e *Engine) applyAgentRegistered(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		AgentID       string `json:"agent_id"`
		PrincipalID   string `json:"principal_id"`
		Name          string `json:"name"`
		AutonomyLevel string `json:"autonomy_level"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO proj_agents (agent_id, workspace_id, principal_id, name, autonomy_level,
			created_at, updated_at, last_event_id, last_stream_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8)
		ON CONFLICT (agent_id) DO NOTHING`,
		p.AgentID, ev.WorkspaceID, p.PrincipalID, p.Name, nullable(p.AutonomyLevel),
		ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}

func (e *Engine) applyAgentQuarantined(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		AgentID string `json:"agent_id"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE proj_agents
		SET quarantined_at = $2, quarantine_reason = $3,
			updated_at = $2, last_event_id = $4, last_stream_seq = $5
		WHERE agent_id = $1 AND last_stream_seq < $5`,
		p.AgentID, ev.OccurredAt, p.Reason, ev.EventID, ev.StreamSeq)
	return err
}

func (e *Engine) applyAgentUnquarantined(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE proj_agents
		SET quarantined_at = NULL, quarantine_reason = NULL,
			updated_at = $2, last_event_id = $3, last_stream_seq = $4
		WHERE agent_id = $1 AND last_stream_seq < $4`,
		p.AgentID, ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}

func (e *Engine) applyAutonomyApproved(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		AgentID string `json:"agent_id"`
		Level   string `json:"level"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE proj_agents
		SET autonomy_level = $2, updated_at = $3, last_event_id = $4, last_stream_seq = $5
		WHERE agent_id = $1 AND last_stream_seq < $5`,
		p.AgentID, p.Level, ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}
