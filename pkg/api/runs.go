package api

import (
	"net/http"

	"github.com/wardenlabs/warden/pkg/run"
)

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		RoomID         string         `json:"room_id,omitempty"`
		MissionID      string         `json:"mission_id,omitempty"`
		AgentID        string         `json:"agent_id,omitempty"`
		Input          map[string]any `json:"input,omitempty"`
		ExperimentID   string         `json:"experiment_id,omitempty"`
		CorrelationID  string         `json:"correlation_id,omitempty"`
		IdempotencyKey string         `json:"idempotency_key,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	receipt, err := s.runs.Create(r.Context(), run.CreateRequest{
		WorkspaceID:    ac.WorkspaceID,
		RoomID:         body.RoomID,
		MissionID:      body.MissionID,
		AgentID:        body.AgentID,
		Input:          body.Input,
		ExperimentID:   body.ExperimentID,
		CorrelationID:  body.CorrelationID,
		Actor:          ac.Actor,
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

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	runs, err := s.runs.List(r.Context(), ac.WorkspaceID, run.ListFilter{
		Status:  q.Get("status"),
		RoomID:  q.Get("room_id"),
		AgentID: q.Get("agent_id"),
		Limit:   queryInt(r, "limit", 0),
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	rn, err := s.runs.Get(r.Context(), ac.WorkspaceID, r.PathValue("runID"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

func (s *Server) handleClaimRun(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		RoomID    string `json:"room_id,omitempty"`
		ClaimerID string `json:"claimer_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.ClaimerID == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	lease, err := s.runs.Claim(r.Context(), run.ClaimRequest{
		WorkspaceID: ac.WorkspaceID,
		RoomID:      body.RoomID,
		ClaimerID:   body.ClaimerID,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	receipt, err := s.runs.Start(r.Context(), run.StartRequest{
		WorkspaceID: ac.WorkspaceID,
		RunID:       r.PathValue("runID"),
		Actor:       ac.Actor,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		Output     map[string]any `json:"output,omitempty"`
		ClaimToken string         `json:"claim_token,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	receipt, err := s.runs.Complete(r.Context(), run.CompleteRequest{
		WorkspaceID: ac.WorkspaceID,
		RunID:       r.PathValue("runID"),
		Output:      body.Output,
		ClaimToken:  body.ClaimToken,
		Actor:       ac.Actor,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleFailRun(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		Error      run.RunError `json:"error"`
		ClaimToken string       `json:"claim_token,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	receipt, err := s.runs.Fail(r.Context(), run.FailRequest{
		WorkspaceID: ac.WorkspaceID,
		RunID:       r.PathValue("runID"),
		Error:       body.Error,
		ClaimToken:  body.ClaimToken,
		Actor:       ac.Actor,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleAddStep(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		Name  string         `json:"name,omitempty"`
		Input map[string]any `json:"input,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	stepID, err := s.runs.AddStep(r.Context(), run.StepRequest{
		WorkspaceID: ac.WorkspaceID,
		RunID:       r.PathValue("runID"),
		Name:        body.Name,
		Input:       body.Input,
		Actor:       ac.Actor,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"step_id": stepID})
}

func (s *Server) handleFinishStep(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		Output map[string]any `json:"output,omitempty"`
		Error  *run.RunError  `json:"error,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	err := s.runs.FinishStep(r.Context(), run.FinishStepRequest{
		WorkspaceID: ac.WorkspaceID,
		RunID:       r.PathValue("runID"),
		StepID:      r.PathValue("stepID"),
		Output:      body.Output,
		Error:       body.Error,
		Actor:       ac.Actor,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"step_id": r.PathValue("stepID")})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		ClaimToken string `json:"claim_token"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	expiresAt, err := s.runs.Heartbeat(r.Context(), run.LeaseToken{
		WorkspaceID: ac.WorkspaceID,
		RunID:       r.PathValue("runID"),
		ClaimToken:  body.ClaimToken,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lease_expires_at": expiresAt})
}

func (s *Server) handleReleaseLease(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		ClaimToken string `json:"claim_token"`
		Reason     string `json:"reason,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	err := s.runs.Release(r.Context(), run.LeaseToken{
		WorkspaceID: ac.WorkspaceID,
		RunID:       r.PathValue("runID"),
		ClaimToken:  body.ClaimToken,
	}, body.Reason)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": r.PathValue("runID"), "status": "queued"})
}

func (s *Server) handleRunEvidence(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	manifest, err := s.evidence.BuildManifest(r.Context(), ac.WorkspaceID, r.PathValue("runID"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleFinalizeEvidence(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	receipt, err := s.evidence.Finalize(r.Context(), ac.WorkspaceID, r.PathValue("runID"), ac.Actor)
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
