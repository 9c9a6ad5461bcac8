// Package incident tracks operational incidents from open to close. Closing
// is gated: an incident cannot close until an RCA and at least one learning
// entry are attached, whatever its severity.
package incident

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
	StatusOpen   = "open"
	StatusClosed = "closed"

	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var (
	// ErrMissingRCA blocks closing an incident with no RCA attached.
	ErrMissingRCA = errors.New("incident_close_blocked_missing_rca")
	// ErrMissingLearning blocks closing an incident with no learning entries.
	ErrMissingLearning = errors.New("incident_close_blocked_missing_learning")
	// ErrAlreadyClosed rejects updates and repeat closes on closed incidents.
	ErrAlreadyClosed = errors.New("incident_already_closed")
)

// Incident is the proj_incidents read model row.
type Incident struct {
	IncidentID    string            `json:"incident_id"`
	WorkspaceID   string            `json:"workspace_id"`
	Status        string            `json:"status"`
	Severity      string            `json:"severity,omitempty"`
	Title         string            `json:"title,omitempty"`
	Description   string            `json:"description,omitempty"`
	RCA           json.RawMessage   `json:"rca,omitempty"`
	Learnings     []json.RawMessage `json:"learnings"`
	RunID         string            `json:"run_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	OpenedAt      *time.Time        `json:"opened_at,omitempty"`
	ClosedAt      *time.Time        `json:"closed_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

const incidentColumns = `incident_id, workspace_id, status, severity, title, description,
	rca, learnings, run_id, correlation_id, opened_at, closed_at, created_at, updated_at`

// Service opens, documents, and closes incidents.
type Service struct {
	db     *sql.DB
	writer *eventlog.Writer
	logger *slog.Logger
}

func NewService(db *sql.DB, writer *eventlog.Writer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, writer: writer, logger: logger}
}

// OpenRequest opens a new incident. RunID and CorrelationID link the
// incident back to the run it concerns.
type OpenRequest struct {
	WorkspaceID    string
	Severity       string
	Title          string
	Description    string
	RunID          string
	CorrelationID  string
	Actor          eventlog.ActorRef
	IdempotencyKey string
}

// Receipt reports the outcome of an incident append.
type Receipt struct {
	IncidentID string `json:"incident_id"`
	EventID    string `json:"event_id"`
	Status     string `json:"status"`
	Deduped    bool   `json:"deduped,omitempty"`
}

// Open appends incident.opened on the workspace stream. A retry with the
// same idempotency key returns the original incident with deduped set.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Receipt, error) {
	if req.WorkspaceID == "" || req.Title == "" {
		return nil, errors.New("incident: workspace_id and title are required")
	}
	if req.Severity == "" {
		req.Severity = SeverityMedium
	}
	if !validSeverity(req.Severity) {
		return nil, fmt.Errorf("incident: unknown severity %q", req.Severity)
	}

	incidentID := uuid.NewString()
	res, err := s.writer.Append(ctx, eventlog.AppendRequest{
		EventType:   eventlog.TypeIncidentOpened,
		WorkspaceID: req.WorkspaceID,
		RunID:       req.RunID,
		Actor:       req.Actor,
		StreamType:  eventlog.StreamWorkspace,
		StreamID:    req.WorkspaceID,
		Data: map[string]any{
			"incident_id": incidentID,
			"severity":    req.Severity,
			"title":       req.Title,
			"description": req.Description,
		},
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		// The first open won; surface its incident id, not ours.
		var p struct {
			IncidentID string `json:"incident_id"`
		}
		if err := json.Unmarshal(res.Event.Data, &p); err != nil {
			return nil, fmt.Errorf("decode replayed incident: %w", err)
		}
		return &Receipt{IncidentID: p.IncidentID, EventID: res.Event.EventID, Status: StatusOpen, Deduped: true}, nil
	}
	s.logger.Info("incident opened",
		"incident_id", incidentID, "workspace_id", req.WorkspaceID, "severity", req.Severity)
	return &Receipt{IncidentID: incidentID, EventID: res.Event.EventID, Status: StatusOpen}, nil
}

// RCARequest attaches a root cause analysis document.
type RCARequest struct {
	WorkspaceID    string
	IncidentID     string
	RCA            map[string]any
	Actor          eventlog.ActorRef
	IdempotencyKey string
}

// AddRCA appends incident.updated carrying the RCA. A later RCA replaces
// an earlier one.
func (s *Service) AddRCA(ctx context.Context, req RCARequest) (*Receipt, error) {
	if len(req.RCA) == 0 {
		return nil, errors.New("incident: rca is required")
	}
	return s.update(ctx, req.WorkspaceID, req.IncidentID,
		map[string]any{"rca": req.RCA}, req.Actor, req.IdempotencyKey)
}

// LearningRequest attaches one learning entry.
type LearningRequest struct {
	WorkspaceID    string
	IncidentID     string
	Learning       map[string]any
	Actor          eventlog.ActorRef
	IdempotencyKey string
}

// AddLearning appends incident.updated carrying the learning. Learnings
// accumulate; every call adds an entry.
func (s *Service) AddLearning(ctx context.Context, req LearningRequest) (*Receipt, error) {
	if len(req.Learning) == 0 {
		return nil, errors.New("incident: learning is required")
	}
	return s.update(ctx, req.WorkspaceID, req.IncidentID,
		map[string]any{"learning": req.Learning}, req.Actor, req.IdempotencyKey)
}

func (s *Service) update(ctx context.Context, workspaceID, incidentID string, fields map[string]any, actor eventlog.ActorRef, idemKey string) (*Receipt, error) {
	var receipt *Receipt
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		i, err := s.lock(ctx, tx, workspaceID, incidentID)
		if err != nil {
			return err
		}
		if i.Status == StatusClosed {
			return ErrAlreadyClosed
		}
		data := map[string]any{"incident_id": i.IncidentID}
		for k, v := range fields {
			data[k] = v
		}
		res, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:      eventlog.TypeIncidentUpdated,
			WorkspaceID:    i.WorkspaceID,
			RunID:          i.RunID,
			Actor:          actor,
			StreamType:     eventlog.StreamWorkspace,
			StreamID:       i.WorkspaceID,
			Data:           data,
			CorrelationID:  i.CorrelationID,
			IdempotencyKey: idemKey,
		})
		if err != nil {
			return err
		}
		receipt = &Receipt{IncidentID: i.IncidentID, EventID: res.Event.EventID, Status: i.Status, Deduped: res.Replayed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// CloseRequest closes an incident.
type CloseRequest struct {
	WorkspaceID    string
	IncidentID     string
	Actor          eventlog.ActorRef
	IdempotencyKey string
}

// Close appends incident.closed once the close gate passes: the incident
// must carry an RCA and at least one learning entry.
func (s *Service) Close(ctx context.Context, req CloseRequest) (*Receipt, error) {
	var receipt *Receipt
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		i, err := s.lock(ctx, tx, req.WorkspaceID, req.IncidentID)
		if err != nil {
			return err
		}
		if i.Status == StatusClosed {
			return ErrAlreadyClosed
		}
		if len(i.RCA) == 0 {
			return ErrMissingRCA
		}
		if len(i.Learnings) == 0 {
			return ErrMissingLearning
		}
		res, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:      eventlog.TypeIncidentClosed,
			WorkspaceID:    i.WorkspaceID,
			RunID:          i.RunID,
			Actor:          req.Actor,
			StreamType:     eventlog.StreamWorkspace,
			StreamID:       i.WorkspaceID,
			Data:           map[string]any{"incident_id": i.IncidentID},
			CorrelationID:  i.CorrelationID,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		receipt = &Receipt{IncidentID: i.IncidentID, EventID: res.Event.EventID, Status: StatusClosed, Deduped: res.Replayed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("incident closed", "incident_id", receipt.IncidentID, "workspace_id", req.WorkspaceID)
	return receipt, nil
}

// Get returns one incident.
func (s *Service) Get(ctx context.Context, workspaceID, incidentID string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM proj_incidents WHERE workspace_id = $1 AND incident_id = $2`,
		workspaceID, incidentID)
	return scanIncident(row)
}

// ListFilter narrows List.
type ListFilter struct {
	Status   string
	Severity string
	Limit    int
}

// List returns incidents newest first.
func (s *Service) List(ctx context.Context, workspaceID string, f ListFilter) ([]*Incident, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	query := `SELECT ` + incidentColumns + ` FROM proj_incidents WHERE workspace_id = $1`
	args := []any{workspaceID}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Severity != "" {
		args = append(args, f.Severity)
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []*Incident
	for rows.Next() {
		i, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *Service) lock(ctx context.Context, tx *sql.Tx, workspaceID, incidentID string) (*Incident, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM proj_incidents
		WHERE workspace_id = $1 AND incident_id = $2 FOR UPDATE`,
		workspaceID, incidentID)
	return scanIncident(row)
}

func validSeverity(s string) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*Incident, error) {
	var (
		i                            Incident
		severity, title, description sql.NullString
		runID, correlationID         sql.NullString
		openedAt, closedAt           sql.NullTime
		rca, learnings               []byte
	)
	err := row.Scan(&i.IncidentID, &i.WorkspaceID, &i.Status, &severity, &title, &description,
		&rca, &learnings, &runID, &correlationID, &openedAt, &closedAt, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	i.Severity = severity.String
	i.Title = title.String
	i.Description = description.String
	i.RunID = runID.String
	i.CorrelationID = correlationID.String
	if len(rca) > 0 {
		i.RCA = rca
	}
	if len(learnings) > 0 {
		if err := json.Unmarshal(learnings, &i.Learnings); err != nil {
			return nil, fmt.Errorf("decode learnings: %w", err)
		}
	}
	if openedAt.Valid {
		t := openedAt.Time.UTC()
		i.OpenedAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		i.ClosedAt = &t
	}
	i.CreatedAt = i.CreatedAt.UTC()
	i.UpdatedAt = i.UpdatedAt.UTC()
	return &i, nil
}
