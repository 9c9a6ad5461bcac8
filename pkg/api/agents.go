package api

import (
	"net/http"
	"time"

	"github.com/wardenlabs/warden/pkg/agent"
	"github.com/wardenlabs/warden/pkg/growth"
)

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		AgentID       string `json:"agent_id,omitempty"`
		Name          string `json:"name"`
		AutonomyLevel string `json:"autonomy_level,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	a, err := s.agents.Register(r.Context(), agent.RegisterRequest{
		WorkspaceID:   ac.WorkspaceID,
		AgentID:       body.AgentID,
		Name:          body.Name,
		AutonomyLevel: body.AutonomyLevel,
		Actor:         ac.Actor,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	agents, err := s.agents.List(r.Context(), ac.WorkspaceID, clampLimit(queryInt(r, "limit", 100)))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	a, err := s.agents.Get(r.Context(), ac.WorkspaceID, r.PathValue("agentID"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleQuarantineAgent(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.Reason == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	a, err := s.agents.Quarantine(r.Context(), agent.QuarantineRequest{
		WorkspaceID: ac.WorkspaceID,
		AgentID:     r.PathValue("agentID"),
		Reason:      body.Reason,
		Actor:       ac.Actor,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUnquarantineAgent(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	a, err := s.agents.Unquarantine(r.Context(), ac.WorkspaceID, r.PathValue("agentID"), ac.Actor)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	score, err := s.growth.GetTrust(r.Context(), ac.WorkspaceID, r.PathValue("agentID"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleRecalculateTrust(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	score, err := s.growth.RecalculateTrust(r.Context(), growth.RecalculateTrustRequest{
		WorkspaceID: ac.WorkspaceID,
		AgentID:     r.PathValue("agentID"),
		Actor:       ac.Actor,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleApprovalRecommendation(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	rec, err := s.agents.Recommendation(r.Context(), ac.WorkspaceID, r.PathValue("agentID"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAutonomyRecommend(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	rec, err := s.agents.Recommend(r.Context(), ac.WorkspaceID, r.PathValue("agentID"), ac.Actor)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAutonomyApprove(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		Level           string `json:"level,omitempty"`
		TokenTTLSeconds int    `json:"token_ttl_seconds,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	result, err := s.agents.Approve(r.Context(), agent.ApproveRequest{
		WorkspaceID: ac.WorkspaceID,
		AgentID:     r.PathValue("agentID"),
		Level:       body.Level,
		TokenTTL:    time.Duration(body.TokenTTLSeconds) * time.Second,
		Actor:       ac.Actor,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
