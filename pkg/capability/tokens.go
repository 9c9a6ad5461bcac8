package capability

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

// Reason codes surfaced by token introspection, scope checks, and
// delegation. The engine_* codes come from the in-gate capability check;
// the capability_token_* codes come from token introspection.
const (
	ReasonTokenInvalid      = "capability_token_invalid"
	ReasonTokenRevoked      = "capability_token_revoked"
	ReasonTokenExpired      = "capability_token_expired"
	ReasonPrincipalMismatch = "capability_principal_mismatch"
	ReasonScopeMissing      = "capability_scope_missing"

	ReasonEngineInactive          = "engine_inactive"
	ReasonEngineTokenExpired      = "engine_token_expired"
	ReasonEngineActionNotAllowed  = "engine_action_not_allowed"
	ReasonEngineRoomNotAllowed    = "engine_room_not_allowed"
	ReasonEngineRoomScopeRequired = "engine_room_scope_required"

	ReasonDepthExceeded         = "delegation_depth_exceeded"
	ReasonGrantorNotParentOwner = "grantor_not_parent_owner"
)

// MaxDelegationDepth bounds re-delegation chains.
const MaxDelegationDepth = 3

const defaultGrantTTL = 24 * time.Hour

// Token is one capability grant.
type Token struct {
	TokenID         string     `json:"token_id"`
	WorkspaceID     string     `json:"workspace_id"`
	IssuedTo        string     `json:"issued_to_principal_id"`
	GrantedBy       string     `json:"granted_by_principal_id"`
	ParentTokenID   string     `json:"parent_token_id,omitempty"`
	DelegationDepth int        `json:"delegation_depth"`
	Scopes          Scopes     `json:"scopes"`
	ValidUntil      time.Time  `json:"valid_until"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

const tokenColumns = `token_id, workspace_id, issued_to_principal_id, granted_by_principal_id,
	parent_token_id, delegation_depth, scopes, valid_until, revoked_at, created_at, updated_at`

// Service manages capability tokens.
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

// GrantRequest issues a root token.
type GrantRequest struct {
	WorkspaceID          string
	IssuedToPrincipalID  string
	GrantedByPrincipalID string
	Scopes               Scopes
	TTL                  time.Duration
	ValidUntil           time.Time
	Actor                eventlog.ActorRef
	CorrelationID        string
}

// Grant issues a new root capability token and records
// agent.capability.granted on the workspace stream.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*Token, error) {
	var tok *Token
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		tok, err = s.GrantInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// GrantInTx issues a root token inside the caller's transaction, so a grant
// can ride along with the decision that caused it.
func (s *Service) GrantInTx(ctx context.Context, tx *sql.Tx, req GrantRequest) (*Token, error) {
	if req.WorkspaceID == "" || req.IssuedToPrincipalID == "" {
		return nil, errors.New("capability: workspace and issued_to principal are required")
	}
	now := s.clock().UTC()
	validUntil := req.ValidUntil
	if validUntil.IsZero() {
		ttl := req.TTL
		if ttl <= 0 {
			ttl = defaultGrantTTL
		}
		validUntil = now.Add(ttl)
	}

	tok := &Token{
		TokenID:     uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		IssuedTo:    req.IssuedToPrincipalID,
		GrantedBy:   req.GrantedByPrincipalID,
		Scopes:      req.Scopes.Normalize(),
		ValidUntil:  validUntil,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.insertToken(ctx, tx, tok); err != nil {
		return nil, err
	}
	_, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
		EventType:   eventlog.TypeCapabilityGranted,
		WorkspaceID: req.WorkspaceID,
		Actor:       req.Actor,
		StreamType:  eventlog.StreamWorkspace,
		StreamID:    req.WorkspaceID,
		Data: map[string]any{
			"token_id":                tok.TokenID,
			"issued_to_principal_id":  tok.IssuedTo,
			"granted_by_principal_id": tok.GrantedBy,
			"scopes":                  tok.Scopes,
			"valid_until":             tok.ValidUntil.Format(time.RFC3339),
			"delegation_depth":        tok.DelegationDepth,
		},
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: "cap-grant:" + tok.TokenID,
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// DelegateRequest attenuates a parent token into a child grant.
type DelegateRequest struct {
	WorkspaceID         string
	ParentTokenID       string
	GrantorPrincipalID  string
	IssuedToPrincipalID string
	Scopes              Scopes
	TTL                 time.Duration
	Actor               eventlog.ActorRef
	CorrelationID       string
}

// Delegate issues a child token whose scopes are the intersection of the
// parent's and the requested set. Every attempt, allowed or denied, records
// agent.delegation.attempted. The denied reason is returned as the second
// value; storage failures come back as the error.
func (s *Service) Delegate(ctx context.Context, req DelegateRequest) (*Token, string, error) {
	if req.ParentTokenID == "" || req.IssuedToPrincipalID == "" {
		return nil, "", errors.New("capability: parent token and issued_to principal are required")
	}

	var (
		child  *Token
		denied string
	)
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		now := s.clock().UTC()
		parent, err := s.lockToken(ctx, tx, req.WorkspaceID, req.ParentTokenID)

		switch {
		case errors.Is(err, store.ErrNotFound):
			denied = ReasonTokenInvalid
		case err != nil:
			return err
		case parent.RevokedAt != nil:
			denied = ReasonTokenRevoked
		case now.After(parent.ValidUntil):
			denied = ReasonTokenExpired
		case req.GrantorPrincipalID != parent.IssuedTo:
			denied = ReasonGrantorNotParentOwner
		case parent.DelegationDepth+1 > MaxDelegationDepth:
			denied = ReasonDepthExceeded
		}

		attempt := map[string]any{
			"parent_token_id":        req.ParentTokenID,
			"grantor_principal_id":   req.GrantorPrincipalID,
			"issued_to_principal_id": req.IssuedToPrincipalID,
			"requested_scopes":       req.Scopes.Normalize(),
		}

		if denied != "" {
			attempt["result"] = "denied"
			attempt["denied_reason"] = denied
			_, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
				EventType:     eventlog.TypeDelegationAttempted,
				WorkspaceID:   req.WorkspaceID,
				Actor:         req.Actor,
				StreamType:    eventlog.StreamWorkspace,
				StreamID:      req.WorkspaceID,
				Data:          attempt,
				CorrelationID: req.CorrelationID,
			})
			return err
		}

		validUntil := parent.ValidUntil
		if req.TTL > 0 {
			if until := now.Add(req.TTL); until.Before(validUntil) {
				validUntil = until
			}
		}

		child = &Token{
			TokenID:         uuid.NewString(),
			WorkspaceID:     parent.WorkspaceID,
			IssuedTo:        req.IssuedToPrincipalID,
			GrantedBy:       req.GrantorPrincipalID,
			ParentTokenID:   parent.TokenID,
			DelegationDepth: parent.DelegationDepth + 1,
			Scopes:          Intersect(parent.Scopes, req.Scopes),
			ValidUntil:      validUntil,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.insertToken(ctx, tx, child); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cap_delegation_edges (edge_id, workspace_id, parent_token_id, child_token_id, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), parent.WorkspaceID, parent.TokenID, child.TokenID, now,
		); err != nil {
			return fmt.Errorf("insert delegation edge: %w", err)
		}

		attempt["result"] = "allowed"
		attempt["child_token_id"] = child.TokenID
		attempt["granted_scopes"] = child.Scopes
		if _, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:      eventlog.TypeDelegationAttempted,
			WorkspaceID:    req.WorkspaceID,
			Actor:          req.Actor,
			StreamType:     eventlog.StreamWorkspace,
			StreamID:       req.WorkspaceID,
			Data:           attempt,
			CorrelationID:  req.CorrelationID,
			IdempotencyKey: "cap-delegate:" + child.TokenID,
		}); err != nil {
			return err
		}
		_, err = s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:   eventlog.TypeCapabilityGranted,
			WorkspaceID: req.WorkspaceID,
			Actor:       req.Actor,
			StreamType:  eventlog.StreamWorkspace,
			StreamID:    req.WorkspaceID,
			Data: map[string]any{
				"token_id":                child.TokenID,
				"issued_to_principal_id":  child.IssuedTo,
				"granted_by_principal_id": child.GrantedBy,
				"parent_token_id":         child.ParentTokenID,
				"scopes":                  child.Scopes,
				"valid_until":             child.ValidUntil.Format(time.RFC3339),
				"delegation_depth":        child.DelegationDepth,
			},
			CorrelationID:  req.CorrelationID,
			IdempotencyKey: "cap-grant:" + child.TokenID,
		})
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return child, denied, nil
}

// RevokeRequest revokes a token and its whole delegation subtree.
type RevokeRequest struct {
	WorkspaceID   string
	TokenID       string
	Reason        string
	Actor         eventlog.ActorRef
	CorrelationID string
}

// Revoke marks the token and every descendant revoked, appending
// agent.capability.revoked per affected token. Revoking an already revoked
// token is a no-op.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) ([]string, error) {
	var revoked []string
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		now := s.clock().UTC()
		rows, err := tx.QueryContext(ctx, `
			WITH RECURSIVE chain AS (
				SELECT token_id FROM cap_tokens WHERE token_id = $1 AND workspace_id = $2
				UNION ALL
				SELECT t.token_id FROM cap_tokens t JOIN chain c ON t.parent_token_id = c.token_id
			)
			UPDATE cap_tokens SET revoked_at = $3, updated_at = $3
			WHERE token_id IN (SELECT token_id FROM chain) AND revoked_at IS NULL
			RETURNING token_id, issued_to_principal_id`,
			req.TokenID, req.WorkspaceID, now)
		if err != nil {
			return fmt.Errorf("revoke chain: %w", err)
		}
		type hit struct{ tokenID, issuedTo string }
		var hits []hit
		for rows.Next() {
			var h hit
			if err := rows.Scan(&h.tokenID, &h.issuedTo); err != nil {
				rows.Close()
				return err
			}
			hits = append(hits, h)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(hits) == 0 {
			// Idempotent when the token exists but is already revoked.
			_, err := s.lockToken(ctx, tx, req.WorkspaceID, req.TokenID)
			return err
		}

		for _, h := range hits {
			revoked = append(revoked, h.tokenID)
			if _, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
				EventType:   eventlog.TypeCapabilityRevoked,
				WorkspaceID: req.WorkspaceID,
				Actor:       req.Actor,
				StreamType:  eventlog.StreamWorkspace,
				StreamID:    req.WorkspaceID,
				Data: map[string]any{
					"token_id":               h.tokenID,
					"issued_to_principal_id": h.issuedTo,
					"reason":                 req.Reason,
					"root_token_id":          req.TokenID,
				},
				CorrelationID:  req.CorrelationID,
				IdempotencyKey: "cap-revoke:" + h.tokenID,
			}); err != nil {
				return err
			}
		}
		s.logger.Info("capability tokens revoked", "root_token_id", req.TokenID, "count", len(hits))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return revoked, nil
}

// CheckRequest asks whether a token authorizes a concrete action. Empty
// fields are not checked.
type CheckRequest struct {
	TokenID        string
	PrincipalID    string
	Action         string
	RoomID         string
	Tool           string
	Domain         string
	ReadResources  []string
	WriteResources []string
}

// Check evaluates a token against a request. The reason code is empty when
// the token authorizes everything asked. Pass a transaction to read inside
// one, or nil to read from the pool.
func (s *Service) Check(ctx context.Context, q store.Querier, req CheckRequest) (*Token, string, error) {
	if q == nil {
		q = s.db
	}
	tok, err := s.get(ctx, q, req.TokenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ReasonTokenInvalid, nil
	}
	if err != nil {
		return nil, "", err
	}

	now := s.clock().UTC()
	if tok.RevokedAt != nil {
		return tok, ReasonEngineInactive, nil
	}
	if now.After(tok.ValidUntil) {
		return tok, ReasonEngineTokenExpired, nil
	}
	if req.PrincipalID != "" && tok.IssuedTo != req.PrincipalID {
		return tok, ReasonPrincipalMismatch, nil
	}
	if req.Action != "" && !tok.Scopes.AllowsAction(req.Action) {
		return tok, ReasonEngineActionNotAllowed, nil
	}
	if req.RoomID != "" {
		if !tok.Scopes.AllowsRoom(req.RoomID) {
			return tok, ReasonEngineRoomNotAllowed, nil
		}
	} else if tok.Scopes.RoomRestricted() {
		return tok, ReasonEngineRoomScopeRequired, nil
	}
	if req.Tool != "" && !tok.Scopes.AllowsTool(req.Tool) {
		return tok, ReasonScopeMissing, nil
	}
	if req.Domain != "" && !tok.Scopes.AllowsDomain(req.Domain) {
		return tok, ReasonScopeMissing, nil
	}
	for _, r := range req.ReadResources {
		if !tok.Scopes.AllowsRead(r) {
			return tok, ReasonScopeMissing, nil
		}
	}
	for _, r := range req.WriteResources {
		if !tok.Scopes.AllowsWrite(r) {
			return tok, ReasonScopeMissing, nil
		}
	}
	return tok, "", nil
}

// Validate introspects a token's liveness without a scope check.
func (s *Service) Validate(ctx context.Context, workspaceID, tokenID string) (*Token, string, error) {
	tok, err := s.get(ctx, s.db, tokenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ReasonTokenInvalid, nil
	}
	if err != nil {
		return nil, "", err
	}
	if workspaceID != "" && tok.WorkspaceID != workspaceID {
		return nil, ReasonTokenInvalid, nil
	}
	if tok.RevokedAt != nil {
		return tok, ReasonTokenRevoked, nil
	}
	if s.clock().UTC().After(tok.ValidUntil) {
		return tok, ReasonTokenExpired, nil
	}
	return tok, "", nil
}

// Get returns a token by id within the workspace.
func (s *Service) Get(ctx context.Context, workspaceID, tokenID string) (*Token, error) {
	tok, err := s.get(ctx, s.db, tokenID)
	if err != nil {
		return nil, err
	}
	if workspaceID != "" && tok.WorkspaceID != workspaceID {
		return nil, store.ErrNotFound
	}
	return tok, nil
}

// ListForPrincipal returns a principal's tokens, newest first.
func (s *Service) ListForPrincipal(ctx context.Context, workspaceID, principalID string, limit int) ([]*Token, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM cap_tokens
		WHERE workspace_id = $1 AND issued_to_principal_id = $2
		ORDER BY created_at DESC
		LIMIT $3`,
		workspaceID, principalID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []*Token
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

func (s *Service) insertToken(ctx context.Context, tx *sql.Tx, tok *Token) error {
	scopes, err := json.Marshal(tok.Scopes)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cap_tokens (token_id, workspace_id, issued_to_principal_id, granted_by_principal_id,
			parent_token_id, delegation_depth, scopes, valid_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tok.TokenID, tok.WorkspaceID, tok.IssuedTo, tok.GrantedBy,
		nullString(tok.ParentTokenID), tok.DelegationDepth, scopes, tok.ValidUntil, tok.CreatedAt, tok.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert capability token: %w", err)
	}
	return nil
}

func (s *Service) get(ctx context.Context, q store.Querier, tokenID string) (*Token, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM cap_tokens WHERE token_id = $1`, tokenID)
	return scanToken(row)
}

func (s *Service) lockToken(ctx context.Context, tx *sql.Tx, workspaceID, tokenID string) (*Token, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM cap_tokens
		WHERE token_id = $1 AND workspace_id = $2
		FOR UPDATE`,
		tokenID, workspaceID)
	return scanToken(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*Token, error) {
	var (
		tok       Token
		parent    sql.NullString
		scopesRaw []byte
		revokedAt sql.NullTime
	)
	err := row.Scan(&tok.TokenID, &tok.WorkspaceID, &tok.IssuedTo, &tok.GrantedBy,
		&parent, &tok.DelegationDepth, &scopesRaw, &tok.ValidUntil, &revokedAt, &tok.CreatedAt, &tok.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	tok.ParentTokenID = parent.String
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		tok.RevokedAt = &t
	}
	if len(scopesRaw) > 0 {
		if err := json.Unmarshal(scopesRaw, &tok.Scopes); err != nil {
			return nil, fmt.Errorf("decode scopes: %w", err)
		}
	}
	tok.ValidUntil = tok.ValidUntil.UTC()
	tok.CreatedAt = tok.CreatedAt.UTC()
	tok.UpdatedAt = tok.UpdatedAt.UTC()
	return &tok, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
