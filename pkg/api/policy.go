package api

import (
	"net/http"
	"time"

	"github.com/wardenlabs/warden/pkg/capability"
	"github.com/wardenlabs/warden/pkg/egress"
	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/policy"
)

func (s *Server) handlePolicyEvaluate(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var req policy.Request
	if err := decodeBody(r, &req); err != nil {
		respondError(w, s.logger, err)
		return
	}
	req.WorkspaceID = ac.WorkspaceID
	if req.Actor.ID == "" {
		req.Actor = ac.Actor
	}
	if req.Category == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	decision, err := s.gate.Evaluate(r.Context(), req)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleGrantCapability(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		IssuedToPrincipalID  string            `json:"issued_to_principal_id"`
		GrantedByPrincipalID string            `json:"granted_by_principal_id,omitempty"`
		Scopes               capability.Scopes `json:"scopes"`
		TTLSeconds           int               `json:"ttl_seconds,omitempty"`
		ValidUntil           *time.Time        `json:"valid_until,omitempty"`
		CorrelationID        string            `json:"correlation_id,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.IssuedToPrincipalID == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	grantedBy := body.GrantedByPrincipalID
	if grantedBy == "" {
		grantedBy = ac.Actor.PrincipalID
	}
	req := capability.GrantRequest{
		WorkspaceID:          ac.WorkspaceID,
		IssuedToPrincipalID:  body.IssuedToPrincipalID,
		GrantedByPrincipalID: grantedBy,
		Scopes:               body.Scopes,
		TTL:                  time.Duration(body.TTLSeconds) * time.Second,
		Actor:                ac.Actor,
		CorrelationID:        body.CorrelationID,
	}
	if body.ValidUntil != nil {
		req.ValidUntil = *body.ValidUntil
	}
	tok, err := s.capabilities.Grant(r.Context(), req)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) handleDelegateCapability(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		ParentTokenID       string            `json:"parent_token_id"`
		GrantorPrincipalID  string            `json:"grantor_principal_id,omitempty"`
		IssuedToPrincipalID string            `json:"issued_to_principal_id"`
		Scopes              capability.Scopes `json:"scopes"`
		TTLSeconds          int               `json:"ttl_seconds,omitempty"`
		CorrelationID       string            `json:"correlation_id,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.ParentTokenID == "" || body.IssuedToPrincipalID == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	grantor := body.GrantorPrincipalID
	if grantor == "" {
		grantor = ac.Actor.PrincipalID
	}
	child, deniedReason, err := s.capabilities.Delegate(r.Context(), capability.DelegateRequest{
		WorkspaceID:         ac.WorkspaceID,
		ParentTokenID:       body.ParentTokenID,
		GrantorPrincipalID:  grantor,
		IssuedToPrincipalID: body.IssuedToPrincipalID,
		Scopes:              body.Scopes,
		TTL:                 time.Duration(body.TTLSeconds) * time.Second,
		Actor:               ac.Actor,
		CorrelationID:       body.CorrelationID,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	if deniedReason != "" {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":         "delegation_denied",
			"denied_reason": deniedReason,
		})
		return
	}
	writeJSON(w, http.StatusCreated, child)
}

func (s *Server) handleRevokeCapability(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		TokenID       string `json:"token_id"`
		Reason        string `json:"reason,omitempty"`
		CorrelationID string `json:"correlation_id,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.TokenID == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	revoked, err := s.capabilities.Revoke(r.Context(), capability.RevokeRequest{
		WorkspaceID:   ac.WorkspaceID,
		TokenID:       body.TokenID,
		Reason:        body.Reason,
		Actor:         ac.Actor,
		CorrelationID: body.CorrelationID,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	principalID := r.URL.Query().Get("principal_id")
	if principalID == "" {
		principalID = ac.Actor.PrincipalID
	}
	if principalID == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	tokens, err := s.capabilities.ListForPrincipal(r.Context(), ac.WorkspaceID, principalID,
		clampLimit(queryInt(r, "limit", 100)))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

// handleListDelegations surfaces delegation attempts straight from the
// event log, allowed and denied alike.
func (s *Server) handleListDelegations(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	events, err := s.events.List(r.Context(), eventlog.Filter{
		WorkspaceID: ac.WorkspaceID,
		EventTypes:  []string{eventlog.TypeDelegationAttempted},
		Limit:       queryInt(r, "limit", 0),
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delegations": events})
}

func (s *Server) handleEgressRequest(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var req egress.Request
	if err := decodeBody(r, &req); err != nil {
		respondError(w, s.logger, err)
		return
	}
	req.WorkspaceID = ac.WorkspaceID
	if req.Actor.ID == "" {
		req.Actor = ac.Actor
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	result, err := s.broker.Evaluate(r.Context(), req)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListEgress(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := egress.ListFilter{
		PrincipalID: q.Get("principal_id"),
		Domain:      q.Get("domain"),
		Limit:       queryInt(r, "limit", 0),
	}
	if raw := q.Get("blocked"); raw != "" {
		blocked := raw == "true" || raw == "1"
		f.Blocked = &blocked
	}
	records, err := s.broker.List(r.Context(), ac.WorkspaceID, f)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": records})
}
