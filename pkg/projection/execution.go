package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/wardenlabs/warden/pkg/eventlog"
)

func (e *Engine) applyRunCreated(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		AgentID      string          `json:"agent_id"`
		Input        json.RawMessage `json:"input"`
		ExperimentID string          `json:"experiment_id"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO proj_runs (run_id, workspace_id, room_id, mission_id, agent_id, status, input,
			correlation_id, experiment_id, created_at, updated_at, last_event_id, last_stream_seq)
		VALUES ($1, $2, $3, $4, $5, 'queued', $6, $7, $8, $9, $9, $10, $11)
		ON CONFLICT (run_id) DO NOTHING`,
		ev.RunID, ev.WorkspaceID, nullable(ev.RoomID), nullable(ev.MissionID), nullable(p.AgentID), jsonb(p.Input),
		nullable(ev.CorrelationID), nullable(p.ExperimentID), ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}

func (e *Engine) applyRunStarted(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		ClaimedByActorID string `json:"claimed_by_actor_id"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE proj_runs
		SET status = 'running', started_at = $2, claimed_by_actor_id = COALESCE($3, claimed_by_actor_id),
			updated_at = $2, last_event_id = $4, last_stream_seq = $5
		WHERE run_id = $1 AND last_stream_seq < $5`,
		ev.RunID, ev.OccurredAt, nullable(p.ClaimedByActorID), ev.EventID, ev.StreamSeq)
	return err
}

// applyRunFinished handles run.succeeded and run.failed. The lease columns
// clear so a finished run can never be heartbeated.
func (e *Engine) applyRunFinished(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		Output json.RawMessage `json:"output"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	status := "succeeded"
	if ev.EventType == eventlog.TypeRunFailed {
		status = "failed"
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE proj_runs
		SET status = $2, output = COALESCE($3, output), error = COALESCE($4, error), finished_at = $5,
			claim_token = NULL, lease_expires_at = NULL, lease_heartbeat_at = NULL,
			updated_at = $5, last_event_id = $6, last_stream_seq = $7
		WHERE run_id = $1 AND last_stream_seq < $7`,
		ev.RunID, status, jsonb(p.Output), jsonb(p.Error), ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}

// applyRunReleased requeues a voluntarily released run so another engine
// can claim it.
func (e *Engine) applyRunReleased(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE proj_runs
		SET status = 'queued', claimed_by_actor_id = NULL, claim_token = NULL,
			lease_expires_at = NULL, lease_heartbeat_at = NULL, started_at = NULL,
			updated_at = $2, last_event_id = $3, last_stream_seq = $4
		WHERE run_id = $1 AND last_stream_seq < $4`,
		ev.RunID, ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}

func (e *Engine) applyStepCreated(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO proj_steps (step_id, run_id, workspace_id, name, status, input,
			created_at, updated_at, last_event_id, last_stream_seq)
		VALUES ($1, $2, $3, $4, 'running', $5, $6, $6, $7, $8)
		ON CONFLICT (step_id) DO NOTHING`,
		ev.StepID, ev.RunID, ev.WorkspaceID, p.Name, jsonb(p.Input),
		ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}

func (e *Engine) applyStepFinished(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		Output json.RawMessage `json:"output"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	status := "succeeded"
	if ev.EventType == eventlog.TypeStepFailed {
		status = "failed"
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE proj_steps
		SET status = $2, output = COALESCE($3, output), error = COALESCE($4, error),
			updated_at = $5, last_event_id = $6, last_stream_seq = $7
		WHERE step_id = $1 AND last_stream_seq < $7`,
		ev.StepID, status, jsonb(p.Output), jsonb(p.Error), ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}

func (e *Engine) applyToolInvoked(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		ToolCallID string          `json:"tool_call_id"`
		ToolName   string          `json:"tool_name"`
		Args       json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if p.ToolCallID == "" {
		p.ToolCallID = ev.EventID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO proj_tool_calls (tool_call_id, step_id, run_id, workspace_id, tool_name, status, args,
			created_at, updated_at, last_event_id, last_stream_seq)
		VALUES ($1, $2, $3, $4, $5, 'running', $6, $7, $7, $8, $9)
		ON CONFLICT (tool_call_id) DO NOTHING`,
		p.ToolCallID, nullable(ev.StepID), nullable(ev.RunID), ev.WorkspaceID, p.ToolName, jsonb(p.Args),
		ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}

func (e *Engine) applyToolFinished(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		ToolCallID string          `json:"tool_call_id"`
		Result     json.RawMessage `json:"result"`
		Error      json.RawMessage `json:"error"`
		Blocked    bool            `json:"blocked"`
		ReasonCode string          `json:"reason_code"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	status := "succeeded"
	if ev.EventType == eventlog.TypeToolFailed {
		status = "failed"
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE proj_tool_calls
		SET status = $2, result = COALESCE($3, result), error = COALESCE($4, error),
			blocked = $5, reason_code = COALESCE($6, reason_code),
			updated_at = $7, last_event_id = $8, last_stream_seq = $9
		WHERE tool_call_id = $1 AND last_stream_seq < $9`,
		p.ToolCallID, status, jsonb(p.Result), jsonb(p.Error),
		p.Blocked, nullable(p.ReasonCode), ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}

func (e *Engine) applyArtifactCreated(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		ArtifactID  string          `json:"artifact_id"`
		Kind        string          `json:"kind"`
		URI         string          `json:"uri"`
		ContentHash string          `json:"content_hash"`
		SizeBytes   int64           `json:"size_bytes"`
		Metadata    json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if p.ArtifactID == "" {
		p.ArtifactID = ev.EventID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO proj_artifacts (artifact_id, step_id, run_id, workspace_id, kind, uri,
			content_hash, size_bytes, metadata, created_at, updated_at, last_event_id, last_stream_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, $11, $12)
		ON CONFLICT (artifact_id) DO NOTHING`,
		p.ArtifactID, nullable(ev.StepID), nullable(ev.RunID), ev.WorkspaceID, p.Kind, p.URI,
		p.ContentHash, p.SizeBytes, jsonb(p.Metadata), ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}
