// Package approval implements the approval substrate: requesting an
// approval, deciding it, and the scope+TTL matching the policy gate uses.
package approval

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
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusHeld     = "held"

	DecisionApprove = "approve"
	DecisionDeny    = "deny"
	DecisionHold    = "hold"

	ScopeRoom      = "room"
	ScopeWorkspace = "workspace"

	defaultTTLSeconds = 86400
)

var (
	// ErrAlreadyDecided rejects decisions on terminally decided approvals.
	ErrAlreadyDecided = errors.New("approval_already_decided")
	// ErrExpired rejects decisions past the approval's TTL.
	ErrExpired = errors.New("approval_expired")
)

// Scope binds an approval to a room or the whole workspace.
type Scope struct {
	ScopeType string `json:"scope_type"`
	RoomID    string `json:"room_id,omitempty"`
}

// Approval is the proj_approvals read model row.
type Approval struct {
	ApprovalID             string          `json:"approval_id"`
	WorkspaceID            string          `json:"workspace_id"`
	Status                 string          `json:"status"`
	ScopeType              string          `json:"scope_type"`
	RoomID                 string          `json:"room_id,omitempty"`
	Action                 string          `json:"action"`
	TTLSeconds             int             `json:"ttl_seconds"`
	ExpiresAt              *time.Time      `json:"expires_at,omitempty"`
	RequestedByPrincipalID string          `json:"requested_by_principal_id,omitempty"`
	Request                json.RawMessage `json:"request,omitempty"`
	Decision               json.RawMessage `json:"decision,omitempty"`
	DecidedByPrincipalID   string          `json:"decided_by_principal_id,omitempty"`
	DecidedAt              *time.Time      `json:"decided_at,omitempty"`
	CorrelationID          string          `json:"correlation_id,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

const approvalColumns = `approval_id, workspace_id, status, scope_type, room_id, action,
	ttl_seconds, expires_at, requested_by_principal_id, request, decision,
	decided_by_principal_id, decided_at, correlation_id, created_at, updated_at`

// Service requests and decides approvals.
type Service struct {
	db     *sql.DB
	writer *eventlog.Writer
	clock  func() time.Time
	logger *slog.Logger
}

func NewService(db *sql.DB, writer *eventlog.Writer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, writer: writer, clock: time.Now, logger: logger}
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// CreateRequest asks for a new approval.
type CreateRequest struct {
	WorkspaceID    string
	Action         string
	Scope          Scope
	TTLSeconds     int
	Request        map[string]any
	Actor          eventlog.ActorRef
	CorrelationID  string
	IdempotencyKey string
}

// Receipt reports the outcome of a request or decide append.
type Receipt struct {
	ApprovalID string `json:"approval_id"`
	EventID    string `json:"event_id"`
	Status     string `json:"status"`
	Replayed   bool   `json:"replayed,omitempty"`
}

// Request appends approval.requested. Room-scoped approvals land on the
// room stream, workspace-scoped ones on the workspace stream.
func (s *Service) Request(ctx context.Context, req CreateRequest) (*Receipt, error) {
	if req.WorkspaceID == "" || req.Action == "" {
		return nil, errors.New("approval: workspace_id and action are required")
	}
	if req.Scope.ScopeType == "" {
		if req.Scope.RoomID != "" {
			req.Scope.ScopeType = ScopeRoom
		} else {
			req.Scope.ScopeType = ScopeWorkspace
		}
	}
	if req.Scope.ScopeType == ScopeRoom && req.Scope.RoomID == "" {
		return nil, errors.New("approval: room scope requires room_id")
	}
	if req.TTLSeconds <= 0 {
		req.TTLSeconds = defaultTTLSeconds
	}

	approvalID := uuid.NewString()
	streamType, streamID := streamFor(req.WorkspaceID, req.Scope)

	res, err := s.writer.Append(ctx, eventlog.AppendRequest{
		EventType:   eventlog.TypeApprovalRequested,
		WorkspaceID: req.WorkspaceID,
		RoomID:      req.Scope.RoomID,
		Actor:       req.Actor,
		StreamType:  streamType,
		StreamID:    streamID,
		Data: map[string]any{
			"approval_id": approvalID,
			"scope_type":  req.Scope.ScopeType,
			"room_id":     req.Scope.RoomID,
			"action":      req.Action,
			"ttl_seconds": req.TTLSeconds,
			"request":     req.Request,
		},
		CorrelationID:  correlationID(req.WorkspaceID, approvalID),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		// The first request won; surface its approval id, not ours.
		var p struct {
			ApprovalID string `json:"approval_id"`
		}
		if err := json.Unmarshal(res.Event.Data, &p); err != nil {
			return nil, fmt.Errorf("decode replayed approval: %w", err)
		}
		approvalID = p.ApprovalID
	}
	return &Receipt{
		ApprovalID: approvalID,
		EventID:    res.Event.EventID,
		Status:     StatusPending,
		Replayed:   res.Replayed,
	}, nil
}

// DecideRequest settles or holds a pending approval.
type DecideRequest struct {
	WorkspaceID    string
	ApprovalID     string
	Decision       string
	Reason         string
	Actor          eventlog.ActorRef
	IdempotencyKey string
}

// Decide appends approval.decided with causation back to the request
// event. Approved and denied are terminal; held approvals can still be
// decided again.
func (s *Service) Decide(ctx context.Context, req DecideRequest) (*Receipt, error) {
	status, ok := statusFor(req.Decision)
	if !ok {
		return nil, fmt.Errorf("approval: unknown decision %q", req.Decision)
	}

	var receipt *Receipt
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := s.lock(ctx, tx, req.WorkspaceID, req.ApprovalID)
		if err != nil {
			return err
		}
		if a.Status == StatusApproved || a.Status == StatusDenied {
			return ErrAlreadyDecided
		}
		if a.ExpiresAt != nil && !a.ExpiresAt.After(s.clock().UTC()) {
			return ErrExpired
		}

		requestEventID, err := s.requestEventID(ctx, tx, a)
		if err != nil {
			return err
		}

		streamType, streamID := streamFor(a.WorkspaceID, Scope{ScopeType: a.ScopeType, RoomID: a.RoomID})
		decision := map[string]any{"decision": req.Decision}
		if req.Reason != "" {
			decision["reason"] = req.Reason
		}
		res, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:   eventlog.TypeApprovalDecided,
			WorkspaceID: a.WorkspaceID,
			RoomID:      a.RoomID,
			Actor:       req.Actor,
			StreamType:  streamType,
			StreamID:    streamID,
			Data: map[string]any{
				"approval_id": a.ApprovalID,
				"status":      status,
				"decision":    decision,
			},
			CorrelationID:  a.CorrelationID,
			CausationID:    requestEventID,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		receipt = &Receipt{
			ApprovalID: a.ApprovalID,
			EventID:    res.Event.EventID,
			Status:     status,
			Replayed:   res.Replayed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("approval decided",
		"approval_id", receipt.ApprovalID, "status", receipt.Status)
	return receipt, nil
}

// MatchApproved finds the newest approved, unexpired approval whose scope
// covers the request. Workspace scope covers every room; room scope only
// its own. Returns "" when none match.
func (s *Service) MatchApproved(ctx context.Context, q store.Querier, workspaceID, action, roomID string, now time.Time) (string, error) {
	if q == nil {
		q = s.db
	}
	var approvalID string
	err := q.QueryRowContext(ctx, `
		SELECT approval_id FROM proj_approvals
		WHERE workspace_id = $1 AND action = $2 AND status = 'approved'
			AND (expires_at IS NULL OR expires_at > $3)
			AND (scope_type = 'workspace' OR (scope_type = 'room' AND room_id = $4))
		ORDER BY decided_at DESC NULLS LAST
		LIMIT 1`,
		workspaceID, action, now, roomID).Scan(&approvalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("match approval: %w", err)
	}
	return approvalID, nil
}

// Get returns one approval.
func (s *Service) Get(ctx context.Context, workspaceID, approvalID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM proj_approvals WHERE workspace_id = $1 AND approval_id = $2`,
		workspaceID, approvalID)
	return scanApproval(row)
}

// ListFilter narrows List.
type ListFilter struct {
	Status string
	RoomID string
	Limit  int
}

// List returns approvals newest first.
func (s *Service) List(ctx context.Context, workspaceID string, f ListFilter) ([]*Approval, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	query := `SELECT ` + approvalColumns + ` FROM proj_approvals WHERE workspace_id = $1`
	args := []any{workspaceID}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.RoomID != "" {
		args = append(args, f.RoomID)
		query += fmt.Sprintf(" AND room_id = $%d", len(args))
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Service) lock(ctx context.Context, tx *sql.Tx, workspaceID, approvalID string) (*Approval, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM proj_approvals
		WHERE workspace_id = $1 AND approval_id = $2 FOR UPDATE`,
		workspaceID, approvalID)
	return scanApproval(row)
}

// requestEventID recovers the originating approval.requested event for the
// causation link. The correlation id is stable across the approval's life.
func (s *Service) requestEventID(ctx context.Context, tx *sql.Tx, a *Approval) (string, error) {
	corr := a.CorrelationID
	if corr == "" {
		corr = correlationID(a.WorkspaceID, a.ApprovalID)
	}
	var eventID string
	err := tx.QueryRowContext(ctx, `
		SELECT event_id FROM evt_events
		WHERE workspace_id = $1 AND event_type = $2 AND correlation_id = $3
		ORDER BY recorded_at ASC LIMIT 1`,
		a.WorkspaceID, eventlog.TypeApprovalRequested, corr).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find request event: %w", err)
	}
	return eventID, nil
}

func streamFor(workspaceID string, scope Scope) (string, string) {
	if scope.ScopeType == ScopeRoom {
		return eventlog.StreamRoom, scope.RoomID
	}
	return eventlog.StreamWorkspace, workspaceID
}

func statusFor(decision string) (string, bool) {
	switch decision {
	case DecisionApprove:
		return StatusApproved, true
	case DecisionDeny:
		return StatusDenied, true
	case DecisionHold:
		return StatusHeld, true
	}
	return "", false
}

func correlationID(workspaceID, approvalID string) string {
	return "approval:" + workspaceID + ":" + approvalID
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*Approval, error) {
	var (
		a                        Approval
		roomID, requestedBy      sql.NullString
		decidedBy, correlationID sql.NullString
		expiresAt, decidedAt     sql.NullTime
		request, decision        []byte
	)
	err := row.Scan(&a.ApprovalID, &a.WorkspaceID, &a.Status, &a.ScopeType, &roomID, &a.Action,
		&a.TTLSeconds, &expiresAt, &requestedBy, &request, &decision,
		&decidedBy, &decidedAt, &correlationID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	a.RoomID = roomID.String
	a.RequestedByPrincipalID = requestedBy.String
	a.DecidedByPrincipalID = decidedBy.String
	a.CorrelationID = correlationID.String
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		a.ExpiresAt = &t
	}
	if decidedAt.Valid {
		t := decidedAt.Time.UTC()
		a.DecidedAt = &t
	}
	a.Request = request
	a.Decision = decision
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}
