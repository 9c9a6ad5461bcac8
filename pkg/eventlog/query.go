package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wardenlabs/warden/pkg/store"
)

const eventColumns = `event_id, event_type, event_version, occurred_at, recorded_at, workspace_id,
	mission_id, room_id, thread_id, run_id, step_id,
	actor_type, actor_id, actor_principal_id, zone,
	stream_type, stream_id, stream_seq,
	redaction_level, contains_secrets, data, policy_context, model_context, display,
	correlation_id, causation_id, idempotency_key, prev_event_hash, event_hash`

const defaultListLimit = 100

// Filter narrows list_events. WorkspaceID is mandatory; everything else is
// optional and composes with AND.
type Filter struct {
	WorkspaceID        string
	StreamType         string
	StreamID           string
	RunID              string
	CorrelationID      string
	EventTypes         []string
	SubjectAgentID     string
	SubjectPrincipalID string
	Limit              int
}

// RedactionFilter narrows the redaction log listing. WorkspaceID is
// mandatory.
type RedactionFilter struct {
	WorkspaceID string
	EventID     string
	RuleID      string
	Action      string
	StreamType  string
	StreamID    string
	Limit       int
}

// Redaction is one masked finding recorded alongside an event.
type Redaction struct {
	RedactionID string          `json:"redaction_id"`
	WorkspaceID string          `json:"workspace_id"`
	EventID     string          `json:"event_id"`
	StreamType  string          `json:"stream_type"`
	StreamID    string          `json:"stream_id"`
	RuleID      string          `json:"rule_id"`
	Action      string          `json:"action"`
	Detail      json.RawMessage `json:"detail"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Query reads the event log.
type Query struct {
	db *sql.DB
}

func NewQuery(db *sql.DB) *Query {
	return &Query{db: db}
}

// Get returns one event by id, scoped to the workspace.
func (q *Query) Get(ctx context.Context, workspaceID, eventID string) (*Event, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM evt_events
		WHERE workspace_id = $1 AND event_id = $2`,
		workspaceID, eventID)
	return scanEvent(row)
}

// List returns events matching the filter, newest first.
func (q *Query) List(ctx context.Context, f Filter) ([]*Event, error) {
	if f.WorkspaceID == "" {
		return nil, errors.New("eventlog: workspace_id filter is required")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}

	where := []string{"workspace_id = $1"}
	args := []any{f.WorkspaceID}
	add := func(cond string, vals ...any) {
		for _, v := range vals {
			args = append(args, v)
			cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(args)), 1)
		}
		where = append(where, cond)
	}

	if f.StreamType != "" {
		add("stream_type = ?", f.StreamType)
	}
	if f.StreamID != "" {
		add("stream_id = ?", f.StreamID)
	}
	if f.RunID != "" {
		add("run_id = ?", f.RunID)
	}
	if f.CorrelationID != "" {
		add("correlation_id = ?", f.CorrelationID)
	}
	if len(f.EventTypes) > 0 {
		placeholders := make([]string, 0, len(f.EventTypes))
		for _, et := range f.EventTypes {
			args = append(args, et)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.SubjectAgentID != "" {
		add("((stream_type = 'agent' AND stream_id = ?) OR (actor_type = 'agent' AND actor_id = ?))",
			f.SubjectAgentID, f.SubjectAgentID)
	}
	if f.SubjectPrincipalID != "" {
		add("actor_principal_id = ?", f.SubjectPrincipalID)
	}

	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT %s FROM evt_events
		WHERE %s
		ORDER BY recorded_at DESC, event_id DESC
		LIMIT $%d`, eventColumns, strings.Join(where, " AND "), len(args))

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// Stream returns one stream's events in sequence order starting at fromSeq.
// Used by chain verification and the room event feed.
func (q *Query) Stream(ctx context.Context, streamType, streamID string, fromSeq int64, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	if fromSeq < 1 {
		fromSeq = 1
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM evt_events
		WHERE stream_type = $1 AND stream_id = $2 AND stream_seq >= $3
		ORDER BY stream_seq ASC
		LIMIT $4`,
		streamType, streamID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("stream events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// PageAll walks the whole log in apply order for projection rebuilds.
// Keyset pagination on (recorded_at, stream_seq, event_id) keeps per-stream
// order even when timestamps collide.
func (q *Query) PageAll(ctx context.Context, afterRecordedAt time.Time, afterStreamSeq int64, afterEventID string, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM evt_events
		WHERE (recorded_at, stream_seq, event_id) > ($1, $2, $3)
		ORDER BY recorded_at ASC, stream_seq ASC, event_id ASC
		LIMIT $4`,
		afterRecordedAt, afterStreamSeq, afterEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("page events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListRedactions returns redaction log rows matching the filter, newest
// first.
func (q *Query) ListRedactions(ctx context.Context, f RedactionFilter) ([]*Redaction, error) {
	if f.WorkspaceID == "" {
		return nil, errors.New("eventlog: workspace_id filter is required")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}
	query := `
		SELECT redaction_id, workspace_id, event_id, stream_type, stream_id, rule_id, action, detail, created_at
		FROM evt_redaction_log
		WHERE workspace_id = $1`
	args := []any{f.WorkspaceID}
	add := func(cond string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(cond, len(args))
	}
	if f.EventID != "" {
		add(" AND event_id = $%d", f.EventID)
	}
	if f.RuleID != "" {
		add(" AND rule_id = $%d", f.RuleID)
	}
	if f.Action != "" {
		add(" AND action = $%d", f.Action)
	}
	if f.StreamType != "" {
		add(" AND stream_type = $%d", f.StreamType)
	}
	if f.StreamID != "" {
		add(" AND stream_id = $%d", f.StreamID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list redactions: %w", err)
	}
	defer rows.Close()

	var out []*Redaction
	for rows.Next() {
		var r Redaction
		if err := rows.Scan(&r.RedactionID, &r.WorkspaceID, &r.EventID, &r.StreamType, &r.StreamID,
			&r.RuleID, &r.Action, &r.Detail, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev                                         Event
		missionID, roomID, threadID, runID, stepID sql.NullString
		principalID, corrID, causID, idemKey       sql.NullString
		data, policyCtx, modelCtx, display         []byte
	)
	err := row.Scan(
		&ev.EventID, &ev.EventType, &ev.EventVersion, &ev.OccurredAt, &ev.RecordedAt, &ev.WorkspaceID,
		&missionID, &roomID, &threadID, &runID, &stepID,
		&ev.ActorType, &ev.ActorID, &principalID, &ev.Zone,
		&ev.StreamType, &ev.StreamID, &ev.StreamSeq,
		&ev.RedactionLevel, &ev.ContainsSecrets, &data, &policyCtx, &modelCtx, &display,
		&corrID, &causID, &idemKey, &ev.PrevEventHash, &ev.EventHash,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	ev.MissionID = missionID.String
	ev.RoomID = roomID.String
	ev.ThreadID = threadID.String
	ev.RunID = runID.String
	ev.StepID = stepID.String
	ev.ActorPrincipalID = principalID.String
	ev.CorrelationID = corrID.String
	ev.CausationID = causID.String
	ev.IdempotencyKey = idemKey.String
	ev.Data = data
	ev.PolicyContext = policyCtx
	ev.ModelContext = modelCtx
	ev.Display = display
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.RecordedAt = ev.RecordedAt.UTC()
	return &ev, nil
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
