package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/wardenlabs/warden/pkg/eventlog"
)

func (e *Engine) applyRoomCreated(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		Name    string `json:"name"`
		Purpose string `json:"purpose"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	roomID := ev.RoomID
	if roomID == "" {
		roomID = ev.StreamID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO proj_rooms (room_id, workspace_id, name, purpose, created_by_principal_id,
			created_at, updated_at, last_event_id, last_stream_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8)
		ON CONFLICT (room_id) DO NOTHING`,
		roomID, ev.WorkspaceID, p.Name, p.Purpose, nullable(ev.ActorPrincipalID),
		ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}

func (e *Engine) applyThreadCreated(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO proj_threads (thread_id, room_id, workspace_id, title, created_by_principal_id,
			created_at, updated_at, last_event_id, last_stream_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8)
		ON CONFLICT (thread_id) DO NOTHING`,
		ev.ThreadID, ev.RoomID, ev.WorkspaceID, p.Title, nullable(ev.ActorPrincipalID),
		ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}

// applyMessagePosted stores the already-masked payload, so the read model
// never holds raw secret material.
func (e *Engine) applyMessagePosted(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	var p struct {
		MessageID string `json:"message_id"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if p.MessageID == "" {
		p.MessageID = ev.EventID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO proj_messages (message_id, thread_id, room_id, workspace_id,
			author_type, author_id, author_principal_id, content, contains_secrets, redaction_level,
			created_at, updated_at, last_event_id, last_stream_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11, $12, $13)
		ON CONFLICT (message_id) DO NOTHING`,
		p.MessageID, ev.ThreadID, nullable(ev.RoomID), ev.WorkspaceID,
		ev.ActorType, ev.ActorID, nullable(ev.ActorPrincipalID), p.Content, ev.ContainsSecrets, ev.RedactionLevel,
		ev.OccurredAt, ev.EventID, ev.StreamSeq)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonb(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
