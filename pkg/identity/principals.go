// Package identity resolves principals from legacy actor pairs and mints
// workspace session tokens.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wardenlabs/warden/pkg/store"
)

// PrincipalType mirrors the actor taxonomy.
type PrincipalType string

const (
	PrincipalUser    PrincipalType = "user"
	PrincipalAgent   PrincipalType = "agent"
	PrincipalService PrincipalType = "service"
)

// Principal is a durable identity row that outlives legacy
// (actor_type, actor_id) tuples.
type Principal struct {
	PrincipalID     string        `json:"principal_id"`
	WorkspaceID     string        `json:"workspace_id"`
	Type            PrincipalType `json:"principal_type"`
	DisplayName     string        `json:"display_name,omitempty"`
	LegacyActorType string        `json:"legacy_actor_type,omitempty"`
	LegacyActorID   string        `json:"legacy_actor_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Resolver looks up and auto-provisions principals.
type Resolver struct {
	db *sql.DB
}

func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

const principalColumns = `principal_id, workspace_id, principal_type, display_name, legacy_actor_type, legacy_actor_id, created_at, updated_at`

// EnsureForLegacyActor returns the principal registered for
// (legacy_actor_type, legacy_actor_id) in the workspace, creating it when
// absent. Safe under concurrent callers: a losing insert falls back to the
// winner's row.
func (r *Resolver) EnsureForLegacyActor(ctx context.Context, q store.Querier, workspaceID, actorType, actorID string) (*Principal, error) {
	if workspaceID == "" || actorType == "" || actorID == "" {
		return nil, errors.New("identity: workspace, actor type and actor id are required")
	}

	p, err := r.getByLegacyActor(ctx, q, workspaceID, actorType, actorID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	created := &Principal{
		PrincipalID:     uuid.NewString(),
		WorkspaceID:     workspaceID,
		Type:            PrincipalType(actorType),
		DisplayName:     actorID,
		LegacyActorType: actorType,
		LegacyActorID:   actorID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO principals (`+principalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		created.PrincipalID, created.WorkspaceID, created.Type, created.DisplayName,
		created.LegacyActorType, created.LegacyActorID, created.CreatedAt, created.UpdatedAt,
	)
	if err != nil {
		if store.IsUniqueViolation(err) {
			// Concurrent caller won the insert.
			return r.getByLegacyActor(ctx, q, workspaceID, actorType, actorID)
		}
		return nil, fmt.Errorf("insert principal: %w", err)
	}
	return created, nil
}

// Get returns a principal by id.
func (r *Resolver) Get(ctx context.Context, q store.Querier, principalID string) (*Principal, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE principal_id = $1`, principalID)
	return scanPrincipal(row)
}

// ValidateAgentBinding checks that an agent actor's principal exists and is
// bound to the same actor id. Returns the reason code usable by the policy
// gate on failure.
func (r *Resolver) ValidateAgentBinding(ctx context.Context, q store.Querier, principalID, actorID string) (string, error) {
	if principalID == "" {
		return "agent_principal_required", nil
	}
	p, err := r.Get(ctx, q, principalID)
	if errors.Is(err, store.ErrNotFound) {
		return "agent_principal_not_found", nil
	}
	if err != nil {
		return "", err
	}
	if p.Type == PrincipalAgent && p.LegacyActorID != "" && p.LegacyActorID != actorID {
		return "agent_actor_id_mismatch", nil
	}
	return "", nil
}

func (r *Resolver) getByLegacyActor(ctx context.Context, q store.Querier, workspaceID, actorType, actorID string) (*Principal, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+principalColumns+` FROM principals
		WHERE workspace_id = $1 AND legacy_actor_type = $2 AND legacy_actor_id = $3`,
		workspaceID, actorType, actorID)
	return scanPrincipal(row)
}

func scanPrincipal(row *sql.Row) (*Principal, error) {
	var p Principal
	var displayName, legacyType, legacyID sql.NullString
	err := row.Scan(&p.PrincipalID, &p.WorkspaceID, &p.Type, &displayName,
		&legacyType, &legacyID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.DisplayName = displayName.String
	p.LegacyActorType = legacyType.String
	p.LegacyActorID = legacyID.String
	return &p, nil
}
