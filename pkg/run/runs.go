// Package run manages the run lifecycle: create, start, complete, fail,
// steps and tool calls, plus the claim/lease protocol external execution
// engines use to pull queued work.
package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/store"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var (
	// ErrNoRun means no queued or reclaimable run matched the claim filter.
	ErrNoRun = errors.New("no_run")
	// ErrLeaseTokenMismatch rejects lease operations carrying a stale token.
	ErrLeaseTokenMismatch = errors.New("lease_token_mismatch")
	// ErrNotClaimable rejects starting a run that is not queued.
	ErrNotClaimable = errors.New("run_not_claimable")
	// ErrAlreadyFinished rejects terminal transitions on finished runs.
	ErrAlreadyFinished = errors.New("run_already_finished")
)

// Run is the proj_runs read model row. The claim token never serializes;
// it only travels in the claim response.
type Run struct {
	RunID            string          `json:"run_id"`
	WorkspaceID      string          `json:"workspace_id"`
	RoomID           string          `json:"room_id,omitempty"`
	MissionID        string          `json:"mission_id,omitempty"`
	AgentID          string          `json:"agent_id,omitempty"`
	Status           string          `json:"status"`
	Input            json.RawMessage `json:"input,omitempty"`
	Output           json.RawMessage `json:"output,omitempty"`
	Error            json.RawMessage `json:"error,omitempty"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	ExperimentID     string          `json:"experiment_id,omitempty"`
	ClaimedByActorID string          `json:"claimed_by_actor_id,omitempty"`
	ClaimToken       string          `json:"-"`
	LeaseExpiresAt   *time.Time      `json:"lease_expires_at,omitempty"`
	LeaseHeartbeatAt *time.Time      `json:"lease_heartbeat_at,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// RunError is the structured failure payload carried by run.failed.
type RunError struct {
	Code    string         `json:"code"`
	Message string         `json:"message,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

const runColumns = `run_id, workspace_id, room_id, mission_id, agent_id, status,
	input, output, error, correlation_id, experiment_id,
	claimed_by_actor_id, claim_token, lease_expires_at, lease_heartbeat_at,
	started_at, finished_at, created_at, updated_at`

// Service drives run state through event appends; reads come from proj_runs.
type Service struct {
	db       *sql.DB
	writer   *eventlog.Writer
	leaseTTL time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

func NewService(db *sql.DB, writer *eventlog.Writer, leaseTTL time.Duration, logger *slog.Logger) *Service {
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, writer: writer, leaseTTL: leaseTTL, clock: time.Now, logger: logger}
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Receipt reports an accepted run command.
type Receipt struct {
	RunID    string `json:"run_id"`
	EventID  string `json:"event_id"`
	Replayed bool   `json:"replayed,omitempty"`
}

// CreateRequest queues a new run.
type CreateRequest struct {
	WorkspaceID    string
	RoomID         string
	MissionID      string
	AgentID        string
	Input          map[string]any
	ExperimentID   string
	CorrelationID  string
	Actor          eventlog.ActorRef
	IdempotencyKey string
}

// Create appends run.created. A replayed idempotency key returns the run
// the first request created.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Receipt, error) {
	if req.WorkspaceID == "" {
		return nil, errors.New("run: workspace_id is required")
	}
	runID := uuid.NewString()

	res, err := s.writer.Append(ctx, eventlog.AppendRequest{
		EventType:   eventlog.TypeRunCreated,
		WorkspaceID: req.WorkspaceID,
		RoomID:      req.RoomID,
		MissionID:   req.MissionID,
		RunID:       runID,
		Actor:       req.Actor,
		StreamType:  eventlog.StreamRun,
		StreamID:    runID,
		Data: map[string]any{
			"agent_id":      req.AgentID,
			"input":         req.Input,
			"experiment_id": req.ExperimentID,
		},
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		runID = res.Event.StreamID
	}
	return &Receipt{RunID: runID, EventID: res.Event.EventID, Replayed: res.Replayed}, nil
}

// StartRequest force-starts a queued run without a lease.
type StartRequest struct {
	WorkspaceID string
	RunID       string
	Actor       eventlog.ActorRef
}

// Start transitions queued to running under the same advisory lock the
// claim path takes, so a concurrent claim cannot race it.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Receipt, error) {
	var receipt *Receipt
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := store.LockWorkspace(ctx, tx, req.WorkspaceID); err != nil {
			return err
		}
		r, err := s.lockRun(ctx, tx, req.WorkspaceID, req.RunID)
		if err != nil {
			return err
		}
		if r.Status != StatusQueued {
			return fmt.Errorf("%w: run is %s", ErrNotClaimable, r.Status)
		}
		res, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:     eventlog.TypeRunStarted,
			WorkspaceID:   r.WorkspaceID,
			RoomID:        r.RoomID,
			RunID:         r.RunID,
			Actor:         req.Actor,
			StreamType:    eventlog.StreamRun,
			StreamID:      r.RunID,
			Data:          map[string]any{"claimed_by_actor_id": req.Actor.ID},
			CorrelationID: r.CorrelationID,
		})
		if err != nil {
			return err
		}
		receipt = &Receipt{RunID: r.RunID, EventID: res.Event.EventID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// CompleteRequest finishes a run successfully.
type CompleteRequest struct {
	WorkspaceID string
	RunID       string
	Output      map[string]any
	ClaimToken  string
	Actor       eventlog.ActorRef
}

// Complete appends run.succeeded. The claim token, when supplied, must
// match the active lease.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (*Receipt, error) {
	return s.finish(ctx, req.WorkspaceID, req.RunID, req.ClaimToken, req.Actor,
		eventlog.TypeRunSucceeded, map[string]any{"output": req.Output})
}

// FailRequest finishes a run with a structured error.
type FailRequest struct {
	WorkspaceID string
	RunID       string
	Error       RunError
	ClaimToken  string
	Actor       eventlog.ActorRef
}

// Fail appends run.failed.
func (s *Service) Fail(ctx context.Context, req FailRequest) (*Receipt, error) {
	if req.Error.Code == "" {
		req.Error.Code = "run_failed"
	}
	return s.finish(ctx, req.WorkspaceID, req.RunID, req.ClaimToken, req.Actor,
		eventlog.TypeRunFailed, map[string]any{"error": req.Error})
}

func (s *Service) finish(ctx context.Context, workspaceID, runID, claimToken string, actor eventlog.ActorRef, eventType string, data map[string]any) (*Receipt, error) {
	var receipt *Receipt
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		r, err := s.lockRun(ctx, tx, workspaceID, runID)
		if err != nil {
			return err
		}
		if r.Status == StatusSucceeded || r.Status == StatusFailed {
			return fmt.Errorf("%w: run is %s", ErrAlreadyFinished, r.Status)
		}
		if r.ClaimToken != "" && claimToken != "" && claimToken != r.ClaimToken {
			return ErrLeaseTokenMismatch
		}
		res, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:     eventType,
			WorkspaceID:   r.WorkspaceID,
			RoomID:        r.RoomID,
			RunID:         r.RunID,
			Actor:         actor,
			StreamType:    eventlog.StreamRun,
			StreamID:      r.RunID,
			Data:          data,
			CorrelationID: r.CorrelationID,
		})
		if err != nil {
			return err
		}
		// Terminal states drop the lease even when projection is rebuilt.
		if _, err := tx.ExecContext(ctx, `
			UPDATE proj_runs
			SET claim_token = NULL, lease_expires_at = NULL, lease_heartbeat_at = NULL, updated_at = $2
			WHERE run_id = $1`,
			r.RunID, s.clock().UTC()); err != nil {
			return fmt.Errorf("clear lease: %w", err)
		}
		receipt = &Receipt{RunID: r.RunID, EventID: res.Event.EventID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// StepRequest opens a step inside a run.
type StepRequest struct {
	WorkspaceID string
	RunID       string
	Name        string
	Input       map[string]any
	Actor       eventlog.ActorRef
}

// AddStep appends step.created on the run stream.
func (s *Service) AddStep(ctx context.Context, req StepRequest) (string, error) {
	stepID := uuid.NewString()
	_, err := s.writer.Append(ctx, eventlog.AppendRequest{
		EventType:   eventlog.TypeStepCreated,
		WorkspaceID: req.WorkspaceID,
		RunID:       req.RunID,
		StepID:      stepID,
		Actor:       req.Actor,
		StreamType:  eventlog.StreamRun,
		StreamID:    req.RunID,
		Data:        map[string]any{"name": req.Name, "input": req.Input},
	})
	if err != nil {
		return "", err
	}
	return stepID, nil
}

// FinishStepRequest closes a step.
type FinishStepRequest struct {
	WorkspaceID string
	RunID       string
	StepID      string
	Output      map[string]any
	Error       *RunError
	Actor       eventlog.ActorRef
}

// FinishStep appends step.succeeded or step.failed.
func (s *Service) FinishStep(ctx context.Context, req FinishStepRequest) error {
	eventType := eventlog.TypeStepSucceeded
	data := map[string]any{"output": req.Output}
	if req.Error != nil {
		eventType = eventlog.TypeStepFailed
		data = map[string]any{"error": req.Error}
	}
	_, err := s.writer.Append(ctx, eventlog.AppendRequest{
		EventType:   eventType,
		WorkspaceID: req.WorkspaceID,
		RunID:       req.RunID,
		StepID:      req.StepID,
		Actor:       req.Actor,
		StreamType:  eventlog.StreamRun,
		StreamID:    req.RunID,
		Data:        data,
	})
	return err
}

// ToolCallRequest records a tool invocation against a run.
type ToolCallRequest struct {
	WorkspaceID string
	RunID       string
	StepID      string
	ToolName    string
	Args        map[string]any
	Actor       eventlog.ActorRef
}

// RecordToolInvocation appends tool.invoked and returns the tool call id.
func (s *Service) RecordToolInvocation(ctx context.Context, req ToolCallRequest) (string, error) {
	toolCallID := uuid.NewString()
	_, err := s.writer.Append(ctx, eventlog.AppendRequest{
		EventType:   eventlog.TypeToolInvoked,
		WorkspaceID: req.WorkspaceID,
		RunID:       req.RunID,
		StepID:      req.StepID,
		Actor:       req.Actor,
		StreamType:  eventlog.StreamRun,
		StreamID:    req.RunID,
		Data: map[string]any{
			"tool_call_id": toolCallID,
			"tool_name":    req.ToolName,
			"args":         req.Args,
		},
	})
	if err != nil {
		return "", err
	}
	return toolCallID, nil
}

// ToolResultRequest closes a tool call, optionally marking it blocked by
// policy.
type ToolResultRequest struct {
	WorkspaceID string
	RunID       string
	StepID      string
	ToolCallID  string
	Result      map[string]any
	Error       *RunError
	Blocked     bool
	ReasonCode  string
	Actor       eventlog.ActorRef
}

// RecordToolResult appends tool.succeeded or tool.failed.
func (s *Service) RecordToolResult(ctx context.Context, req ToolResultRequest) error {
	eventType := eventlog.TypeToolSucceeded
	data := map[string]any{
		"tool_call_id": req.ToolCallID,
		"result":       req.Result,
	}
	if req.Error != nil || req.Blocked {
		eventType = eventlog.TypeToolFailed
		data = map[string]any{
			"tool_call_id": req.ToolCallID,
			"error":        req.Error,
			"blocked":      req.Blocked,
			"reason_code":  req.ReasonCode,
		}
	}
	_, err := s.writer.Append(ctx, eventlog.AppendRequest{
		EventType:   eventType,
		WorkspaceID: req.WorkspaceID,
		RunID:       req.RunID,
		StepID:      req.StepID,
		Actor:       req.Actor,
		StreamType:  eventlog.StreamRun,
		StreamID:    req.RunID,
		Data:        data,
	})
	return err
}

// Get returns one run.
func (s *Service) Get(ctx context.Context, workspaceID, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM proj_runs WHERE workspace_id = $1 AND run_id = $2`,
		workspaceID, runID)
	return scanRun(row)
}

// ListFilter narrows List.
type ListFilter struct {
	Status  string
	RoomID  string
	AgentID string
	Limit   int
}

// List returns runs newest first.
func (s *Service) List(ctx context.Context, workspaceID string, f ListFilter) ([]*Run, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	query := `SELECT ` + runColumns + ` FROM proj_runs WHERE workspace_id = $1`
	args := []any{workspaceID}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.RoomID != "" {
		args = append(args, f.RoomID)
		query += fmt.Sprintf(" AND room_id = $%d", len(args))
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Service) lockRun(ctx context.Context, tx *sql.Tx, workspaceID, runID string) (*Run, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM proj_runs WHERE workspace_id = $1 AND run_id = $2 FOR UPDATE`,
		workspaceID, runID)
	return scanRun(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r                                            Run
		roomID, missionID, agentID                   sql.NullString
		correlationID, experimentID                  sql.NullString
		claimedBy, claimToken                        sql.NullString
		leaseExpires, leaseHeartbeat, started, ended sql.NullTime
		input, output, runErr                        []byte
	)
	err := row.Scan(&r.RunID, &r.WorkspaceID, &roomID, &missionID, &agentID, &r.Status,
		&input, &output, &runErr, &correlationID, &experimentID,
		&claimedBy, &claimToken, &leaseExpires, &leaseHeartbeat,
		&started, &ended, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.RoomID = roomID.String
	r.MissionID = missionID.String
	r.AgentID = agentID.String
	r.CorrelationID = correlationID.String
	r.ExperimentID = experimentID.String
	r.ClaimedByActorID = claimedBy.String
	r.ClaimToken = claimToken.String
	r.Input = input
	r.Output = output
	r.Error = runErr
	r.LeaseExpiresAt = timePtr(leaseExpires)
	r.LeaseHeartbeatAt = timePtr(leaseHeartbeat)
	r.StartedAt = timePtr(started)
	r.FinishedAt = timePtr(ended)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
