// Package egress is the single outbound decision substrate. Every outbound
// request, whether it arrives over HTTP or from the runtime worker, flows
// through the broker: normalize the domain, run the policy gate, enforce
// the allowlist, persist the decision, and emit egress events.
package egress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/idna"

	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/identity"
	"github.com/wardenlabs/warden/pkg/policy"
	"github.com/wardenlabs/warden/pkg/store"
)

// BrokerDeps wires the broker's collaborators.
type BrokerDeps struct {
	DB        *sql.DB
	Config    *config.Config
	Gate      *policy.Gate
	Writer    *eventlog.Writer
	Resolver  *identity.Resolver
	Allowlist []string
	Logger    *slog.Logger
}

// Broker evaluates and records outbound requests.
type Broker struct {
	db        *sql.DB
	cfg       *config.Config
	gate      *policy.Gate
	writer    *eventlog.Writer
	resolver  *identity.Resolver
	allowlist []string
	clock     func() time.Time
	logger    *slog.Logger
}

func NewBroker(deps BrokerDeps) *Broker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	normalized := make([]string, 0, len(deps.Allowlist))
	for _, a := range deps.Allowlist {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			normalized = append(normalized, a)
		}
	}
	return &Broker{
		db:        deps.DB,
		cfg:       deps.Config,
		gate:      deps.Gate,
		writer:    deps.Writer,
		resolver:  deps.Resolver,
		allowlist: normalized,
		clock:     time.Now,
		logger:    logger,
	}
}

// WithClock overrides the time source for tests.
func (b *Broker) WithClock(clock func() time.Time) *Broker {
	b.clock = clock
	return b
}

// Request is one outbound attempt.
type Request struct {
	WorkspaceID       string            `json:"workspace_id"`
	Actor             eventlog.ActorRef `json:"actor"`
	Zone              string            `json:"zone,omitempty"`
	Method            string            `json:"method,omitempty"`
	URL               string            `json:"url"`
	RoomID            string            `json:"room_id,omitempty"`
	RunID             string            `json:"run_id,omitempty"`
	Justification     string            `json:"justification,omitempty"`
	CapabilityTokenID string            `json:"capability_token_id,omitempty"`
	CorrelationID     string            `json:"correlation_id,omitempty"`
}

// Result is the persisted decision.
type Result struct {
	EgressID   string `json:"egress_id"`
	Domain     string `json:"domain"`
	Decision   string `json:"decision"`
	ReasonCode string `json:"reason_code,omitempty"`
	Blocked    bool   `json:"blocked"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// Evaluate runs the full broker flow in one transaction.
func (b *Broker) Evaluate(ctx context.Context, req Request) (*Result, error) {
	domain, err := NormalizeDomain(req.URL)
	if err != nil {
		return nil, err
	}

	var result *Result
	err = store.WithTx(ctx, b.db, func(tx *sql.Tx) error {
		// Resolve the principal up front so the quarantine check, the quota,
		// and the request row all see the same identity.
		if req.Actor.PrincipalID == "" {
			p, err := b.resolver.EnsureForLegacyActor(ctx, tx, req.WorkspaceID, string(req.Actor.Type), req.Actor.ID)
			if err != nil {
				return err
			}
			req.Actor.PrincipalID = p.PrincipalID
		}

		dec, err := b.gate.EvaluateInTx(ctx, tx, policy.Request{
			WorkspaceID:       req.WorkspaceID,
			Category:          policy.CategoryEgress,
			Action:            policy.ActionExternalWrite,
			Actor:             req.Actor,
			Zone:              req.Zone,
			RoomID:            req.RoomID,
			RunID:             req.RunID,
			CapabilityTokenID: req.CapabilityTokenID,
			Domain:            domain,
			Justification:     req.Justification,
			CorrelationID:     req.CorrelationID,
		})
		if err != nil {
			return err
		}

		// The allowlist is an infrastructure guard layered over the gate;
		// misses do not feed constraint learning.
		if dec.Allowed() && !b.domainAllowed(domain) {
			dec = &policy.Decision{
				Decision:   policy.DecisionDeny,
				ReasonCode: policy.ReasonPolicyDenied,
				Blocked:    !b.cfg.Shadow(),
			}
		}

		egressID := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sec_egress_requests (egress_id, workspace_id, principal_id, zone, method, url,
				domain, room_id, decision, reason_code, blocked, approval_id, justification, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			egressID, req.WorkspaceID, req.Actor.PrincipalID, zoneOrDefault(req.Zone),
			nullIfEmpty(req.Method), nullIfEmpty(req.URL), domain, nullIfEmpty(req.RoomID),
			dec.Decision, nullIfEmpty(dec.ReasonCode), dec.Blocked,
			nullIfEmpty(dec.ApprovalID), nullIfEmpty(req.Justification), b.clock().UTC(),
		); err != nil {
			return fmt.Errorf("record egress request: %w", err)
		}

		if err := b.emit(ctx, tx, req, dec, egressID, domain); err != nil {
			return err
		}

		result = &Result{
			EgressID:   egressID,
			Domain:     domain,
			Decision:   dec.Decision,
			ReasonCode: dec.ReasonCode,
			Blocked:    dec.Blocked,
			ApprovalID: dec.ApprovalID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.logger.Info("egress decision",
		"egress_id", result.EgressID, "domain", result.Domain,
		"decision", result.Decision, "blocked", result.Blocked)
	return result, nil
}

func (b *Broker) emit(ctx context.Context, tx *sql.Tx, req Request, dec *policy.Decision, egressID, domain string) error {
	base := eventlog.AppendRequest{
		WorkspaceID:   req.WorkspaceID,
		RoomID:        req.RoomID,
		RunID:         req.RunID,
		Actor:         req.Actor,
		Zone:          req.Zone,
		StreamType:    eventlog.StreamWorkspace,
		StreamID:      req.WorkspaceID,
		CorrelationID: req.CorrelationID,
	}

	requested := base
	requested.EventType = eventlog.TypeEgressRequested
	requested.IdempotencyKey = "egress-req:" + egressID
	requested.Data = map[string]any{
		"egress_id":     egressID,
		"domain":        domain,
		"method":        req.Method,
		"url":           req.URL,
		"justification": req.Justification,
	}
	if _, err := b.writer.AppendInTx(ctx, tx, requested); err != nil {
		return err
	}

	outcome := base
	outcome.IdempotencyKey = "egress-dec:" + egressID
	if dec.Blocked {
		outcome.EventType = eventlog.TypeEgressBlocked
	} else {
		outcome.EventType = eventlog.TypeEgressAllowed
	}
	outcome.Data = map[string]any{
		"egress_id":   egressID,
		"domain":      domain,
		"decision":    dec.Decision,
		"reason_code": dec.ReasonCode,
	}
	if dec.ApprovalID != "" {
		outcome.Data["approval_id"] = dec.ApprovalID
	}
	_, err := b.writer.AppendInTx(ctx, tx, outcome)
	return err
}

func (b *Broker) domainAllowed(domain string) bool {
	if len(b.allowlist) == 0 {
		return true
	}
	for _, a := range b.allowlist {
		if strings.HasPrefix(a, "*.") {
			if strings.HasSuffix(domain, a[1:]) {
				return true
			}
			continue
		}
		if domain == a {
			return true
		}
	}
	return false
}

// EgressRecord is one sec_egress_requests row.
type EgressRecord struct {
	EgressID      string    `json:"egress_id"`
	WorkspaceID   string    `json:"workspace_id"`
	PrincipalID   string    `json:"principal_id"`
	Zone          string    `json:"zone"`
	Method        string    `json:"method,omitempty"`
	URL           string    `json:"url,omitempty"`
	Domain        string    `json:"domain"`
	RoomID        string    `json:"room_id,omitempty"`
	Decision      string    `json:"decision"`
	ReasonCode    string    `json:"reason_code,omitempty"`
	Blocked       bool      `json:"blocked"`
	ApprovalID    string    `json:"approval_id,omitempty"`
	Justification string    `json:"justification,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListFilter narrows List.
type ListFilter struct {
	PrincipalID string
	Domain      string
	Blocked     *bool
	Limit       int
}

// List returns recorded egress decisions newest first.
func (b *Broker) List(ctx context.Context, workspaceID string, f ListFilter) ([]*EgressRecord, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	query := `SELECT egress_id, workspace_id, principal_id, zone, method, url, domain, room_id,
		decision, reason_code, blocked, approval_id, justification, created_at
		FROM sec_egress_requests WHERE workspace_id = $1`
	args := []any{workspaceID}
	if f.PrincipalID != "" {
		args = append(args, f.PrincipalID)
		query += fmt.Sprintf(" AND principal_id = $%d", len(args))
	}
	if f.Domain != "" {
		args = append(args, f.Domain)
		query += fmt.Sprintf(" AND domain = $%d", len(args))
	}
	if f.Blocked != nil {
		args = append(args, *f.Blocked)
		query += fmt.Sprintf(" AND blocked = $%d", len(args))
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list egress requests: %w", err)
	}
	defer rows.Close()

	var out []*EgressRecord
	for rows.Next() {
		var (
			r                          EgressRecord
			method, rawURL, roomID     sql.NullString
			reason, approvalID, justif sql.NullString
		)
		if err := rows.Scan(&r.EgressID, &r.WorkspaceID, &r.PrincipalID, &r.Zone, &method, &rawURL,
			&r.Domain, &roomID, &r.Decision, &reason, &r.Blocked, &approvalID, &justif, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan egress request: %w", err)
		}
		r.Method = method.String
		r.URL = rawURL.String
		r.RoomID = roomID.String
		r.ReasonCode = reason.String
		r.ApprovalID = approvalID.String
		r.Justification = justif.String
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}

// NormalizeDomain lowercases the host, strips port and path, and converts
// internationalized names to their punycode form.
func NormalizeDomain(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("egress: url is required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("egress: parse url: %w", err)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return "", errors.New("egress: url has no host")
	}
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	return host, nil
}

func zoneOrDefault(zone string) string {
	if zone == "" {
		return eventlog.ZoneSupervised
	}
	return zone
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
