// Package agent implements the agent registry: registration with principal
// binding, quarantine state, and trust-gated autonomy levels.
package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenlabs/warden/pkg/capability"
	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/growth"
	"github.com/wardenlabs/warden/pkg/identity"
	"github.com/wardenlabs/warden/pkg/store"
)

// Agent is the proj_agents read model row.
type Agent struct {
	AgentID          string     `json:"agent_id"`
	WorkspaceID      string     `json:"workspace_id"`
	PrincipalID      string     `json:"principal_id"`
	Name             string     `json:"name,omitempty"`
	AutonomyLevel    string     `json:"autonomy_level,omitempty"`
	QuarantinedAt    *time.Time `json:"quarantined_at,omitempty"`
	QuarantineReason string     `json:"quarantine_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Quarantined reports whether the agent is currently quarantined.
func (a *Agent) Quarantined() bool { return a.QuarantinedAt != nil }

const agentColumns = `agent_id, workspace_id, principal_id, name, quarantined_at,
	quarantine_reason, autonomy_level, created_at, updated_at`

// Service manages the agent registry.
type Service struct {
	db           *sql.DB
	writer       *eventlog.Writer
	resolver     *identity.Resolver
	trust        *growth.Service
	capabilities *capability.Service
	clock        func() time.Time
	logger       *slog.Logger
}

func NewService(db *sql.DB, writer *eventlog.Writer, resolver *identity.Resolver, trust *growth.Service, capabilities *capability.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:           db,
		writer:       writer,
		resolver:     resolver,
		trust:        trust,
		capabilities: capabilities,
		clock:        time.Now,
		logger:       logger,
	}
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// RegisterRequest enrolls a new agent.
type RegisterRequest struct {
	WorkspaceID   string
	AgentID       string
	Name          string
	AutonomyLevel string
	Actor         eventlog.ActorRef
}

// Register creates the agent's principal, inserts the registry row, and
// appends agent.registered on the agent's stream. The principal is bound to
// the agent id, so the gate's binding check holds from the first event.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Agent, error) {
	if req.WorkspaceID == "" || req.Name == "" {
		return nil, errors.New("agent: workspace_id and name are required")
	}
	if req.AutonomyLevel == "" {
		req.AutonomyLevel = AutonomySupervised
	}
	if !validLevel(req.AutonomyLevel) {
		return nil, fmt.Errorf("agent: unknown autonomy level %q", req.AutonomyLevel)
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = uuid.NewString()
	}

	now := s.clock().UTC()
	var out *Agent
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		p, err := s.resolver.EnsureForLegacyActor(ctx, tx, req.WorkspaceID, string(eventlog.ActorAgent), agentID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO proj_agents (agent_id, workspace_id, principal_id, name, autonomy_level, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)`,
			agentID, req.WorkspaceID, p.PrincipalID, req.Name, req.AutonomyLevel, now,
		); err != nil {
			if store.IsUniqueViolation(err) {
				return fmt.Errorf("agent: %q already registered", agentID)
			}
			return fmt.Errorf("insert agent: %w", err)
		}

		if _, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:   eventlog.TypeAgentRegistered,
			WorkspaceID: req.WorkspaceID,
			Actor:       req.Actor,
			StreamType:  eventlog.StreamAgent,
			StreamID:    agentID,
			Data: map[string]any{
				"agent_id":       agentID,
				"principal_id":   p.PrincipalID,
				"name":           req.Name,
				"autonomy_level": req.AutonomyLevel,
			},
			IdempotencyKey: "agent-register:" + agentID,
		}); err != nil {
			return err
		}

		out = &Agent{
			AgentID:       agentID,
			WorkspaceID:   req.WorkspaceID,
			PrincipalID:   p.PrincipalID,
			Name:          req.Name,
			AutonomyLevel: req.AutonomyLevel,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("agent registered",
		"agent_id", out.AgentID, "workspace_id", out.WorkspaceID, "principal_id", out.PrincipalID)
	return out, nil
}

// QuarantineRequest takes an agent out of circulation.
type QuarantineRequest struct {
	WorkspaceID string
	AgentID     string
	Reason      string
	Actor       eventlog.ActorRef
}

// Quarantine sets quarantined_at once and appends agent.quarantined. An
// already quarantined agent is returned unchanged without a second event.
func (s *Service) Quarantine(ctx context.Context, req QuarantineRequest) (*Agent, error) {
	if req.Reason == "" {
		return nil, errors.New("agent: quarantine reason is required")
	}
	now := s.clock().UTC()
	var out *Agent
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := s.lock(ctx, tx, req.WorkspaceID, req.AgentID)
		if err != nil {
			return err
		}
		if a.Quarantined() {
			out = a
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE proj_agents
			SET quarantined_at = $3, quarantine_reason = $4, updated_at = $3
			WHERE workspace_id = $1 AND agent_id = $2 AND quarantined_at IS NULL`,
			req.WorkspaceID, req.AgentID, now, req.Reason,
		); err != nil {
			return fmt.Errorf("quarantine agent: %w", err)
		}

		if _, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:   eventlog.TypeAgentQuarantined,
			WorkspaceID: req.WorkspaceID,
			Actor:       req.Actor,
			StreamType:  eventlog.StreamAgent,
			StreamID:    req.AgentID,
			Data: map[string]any{
				"agent_id":     a.AgentID,
				"principal_id": a.PrincipalID,
				"reason":       req.Reason,
			},
		}); err != nil {
			return err
		}

		a.QuarantinedAt = &now
		a.QuarantineReason = req.Reason
		a.UpdatedAt = now
		out = a
		s.logger.Warn("agent quarantined",
			"agent_id", a.AgentID, "workspace_id", req.WorkspaceID, "reason", req.Reason)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unquarantine clears quarantine state and appends agent.unquarantined. An
// agent that is not quarantined is returned unchanged.
func (s *Service) Unquarantine(ctx context.Context, workspaceID, agentID string, actor eventlog.ActorRef) (*Agent, error) {
	now := s.clock().UTC()
	var out *Agent
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := s.lock(ctx, tx, workspaceID, agentID)
		if err != nil {
			return err
		}
		if !a.Quarantined() {
			out = a
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE proj_agents
			SET quarantined_at = NULL, quarantine_reason = NULL, updated_at = $3
			WHERE workspace_id = $1 AND agent_id = $2 AND quarantined_at IS NOT NULL`,
			workspaceID, agentID, now,
		); err != nil {
			return fmt.Errorf("unquarantine agent: %w", err)
		}

		if _, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:   eventlog.TypeAgentUnquarantined,
			WorkspaceID: workspaceID,
			Actor:       actor,
			StreamType:  eventlog.StreamAgent,
			StreamID:    agentID,
			Data: map[string]any{
				"agent_id":     a.AgentID,
				"principal_id": a.PrincipalID,
			},
		}); err != nil {
			return err
		}

		a.QuarantinedAt = nil
		a.QuarantineReason = ""
		a.UpdatedAt = now
		out = a
		s.logger.Info("agent unquarantined", "agent_id", a.AgentID, "workspace_id", workspaceID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one agent.
func (s *Service) Get(ctx context.Context, workspaceID, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM proj_agents WHERE workspace_id = $1 AND agent_id = $2`,
		workspaceID, agentID)
	return scanAgent(row)
}

// List returns the workspace's agents, newest first.
func (s *Service) List(ctx context.Context, workspaceID string, limit int) ([]*Agent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM proj_agents
		WHERE workspace_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Service) lock(ctx context.Context, tx *sql.Tx, workspaceID, agentID string) (*Agent, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM proj_agents
		WHERE workspace_id = $1 AND agent_id = $2 FOR UPDATE`,
		workspaceID, agentID)
	return scanAgent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a             Agent
		name, reason  sql.NullString
		level         sql.NullString
		quarantinedAt sql.NullTime
	)
	err := row.Scan(&a.AgentID, &a.WorkspaceID, &a.PrincipalID, &name, &quarantinedAt,
		&reason, &level, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Name = name.String
	a.QuarantineReason = reason.String
	a.AutonomyLevel = level.String
	if quarantinedAt.Valid {
		t := quarantinedAt.Time.UTC()
		a.QuarantinedAt = &t
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}
