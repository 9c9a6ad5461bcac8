package api

import (
	"net/http"

	"github.com/wardenlabs/warden/pkg/approval"
)

func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		Action         string         `json:"action"`
		ScopeType      string         `json:"scope_type,omitempty"`
		RoomID         string         `json:"room_id,omitempty"`
		TTLSeconds     int            `json:"ttl_seconds,omitempty"`
		Request        map[string]any `json:"request,omitempty"`
		CorrelationID  string         `json:"correlation_id,omitempty"`
		IdempotencyKey string         `json:"idempotency_key,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.Action == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	receipt, err := s.approvals.Request(r.Context(), approval.CreateRequest{
		WorkspaceID:    ac.WorkspaceID,
		Action:         body.Action,
		Scope:          approval.Scope{ScopeType: body.ScopeType, RoomID: body.RoomID},
		TTLSeconds:     body.TTLSeconds,
		Request:        body.Request,
		Actor:          ac.Actor,
		CorrelationID:  body.CorrelationID,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		Decision       string `json:"decision"`
		Reason         string `json:"reason,omitempty"`
		IdempotencyKey string `json:"idempotency_key,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.Decision == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	receipt, err := s.approvals.Decide(r.Context(), approval.DecideRequest{
		WorkspaceID:    ac.WorkspaceID,
		ApprovalID:     r.PathValue("approvalID"),
		Decision:       body.Decision,
		Reason:         body.Reason,
		Actor:          ac.Actor,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	approvals, err := s.approvals.List(r.Context(), ac.WorkspaceID, approval.ListFilter{
		Status: q.Get("status"),
		RoomID: q.Get("room_id"),
		Limit:  queryInt(r, "limit", 0),
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	ap, err := s.approvals.Get(r.Context(), ac.WorkspaceID, r.PathValue("approvalID"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ap)
}
