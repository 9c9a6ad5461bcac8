package api

import (
	"net/http"

	"github.com/wardenlabs/warden/pkg/incident"
)

func (s *Server) handleOpenIncident(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		Severity       string `json:"severity"`
		Title          string `json:"title"`
		Description    string `json:"description,omitempty"`
		RunID          string `json:"run_id,omitempty"`
		CorrelationID  string `json:"correlation_id,omitempty"`
		IdempotencyKey string `json:"idempotency_key,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.Title == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	receipt, err := s.incidents.Open(r.Context(), incident.OpenRequest{
		WorkspaceID:    ac.WorkspaceID,
		Severity:       body.Severity,
		Title:          body.Title,
		Description:    body.Description,
		RunID:          body.RunID,
		CorrelationID:  body.CorrelationID,
		Actor:          ac.Actor,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	status := http.StatusCreated
	if receipt.Deduped {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

func (s *Server) handleIncidentRCA(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		RCA            map[string]any `json:"rca"`
		IdempotencyKey string         `json:"idempotency_key,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if len(body.RCA) == 0 {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	receipt, err := s.incidents.AddRCA(r.Context(), incident.RCARequest{
		WorkspaceID:    ac.WorkspaceID,
		IncidentID:     r.PathValue("incidentID"),
		RCA:            body.RCA,
		Actor:          ac.Actor,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleIncidentLearning(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		Learning       map[string]any `json:"learning"`
		IdempotencyKey string         `json:"idempotency_key,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if len(body.Learning) == 0 {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	receipt, err := s.incidents.AddLearning(r.Context(), incident.LearningRequest{
		WorkspaceID:    ac.WorkspaceID,
		IncidentID:     r.PathValue("incidentID"),
		Learning:       body.Learning,
		Actor:          ac.Actor,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleCloseIncident(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		IdempotencyKey string `json:"idempotency_key,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil && r.ContentLength > 0 {
		respondError(w, s.logger, err)
		return
	}
	receipt, err := s.incidents.Close(r.Context(), incident.CloseRequest{
		WorkspaceID:    ac.WorkspaceID,
		IncidentID:     r.PathValue("incidentID"),
		Actor:          ac.Actor,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	incidents, err := s.incidents.List(r.Context(), ac.WorkspaceID, incident.ListFilter{
		Status:   q.Get("status"),
		Severity: q.Get("severity"),
		Limit:    queryInt(r, "limit", 0),
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	inc, err := s.incidents.Get(r.Context(), ac.WorkspaceID, r.PathValue("incidentID"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}
