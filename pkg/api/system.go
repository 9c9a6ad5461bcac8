package api

import (
	"net/http"

	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/identity"
	"github.com/wardenlabs/warden/pkg/secrets"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleCreateSession mints a workspace-scoped session token for a
// principal, resolving legacy actors on the fly. The endpoint itself is
// auth-exempt; the workspace comes from the header.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions_unavailable")
		return
	}
	var body struct {
		WorkspaceID string `json:"workspace_id,omitempty"`
		PrincipalID string `json:"principal_id,omitempty"`
		ActorType   string `json:"actor_type,omitempty"`
		ActorID     string `json:"actor_id,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	ws := body.WorkspaceID
	if ws == "" {
		ws = r.Header.Get("x-workspace-id")
	}
	if ws == "" {
		writeError(w, http.StatusBadRequest, errWorkspaceMissing.code)
		return
	}

	var (
		principal *identity.Principal
		err       error
	)
	if body.PrincipalID != "" {
		principal, err = s.resolver.Get(r.Context(), s.db, body.PrincipalID)
	} else if body.ActorType != "" && body.ActorID != "" {
		principal, err = s.resolver.EnsureForLegacyActor(r.Context(), s.db, ws, body.ActorType, body.ActorID)
	} else {
		err = errBadRequest
	}
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	token, expiresAt, err := s.sessions.Mint(ws, principal)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":        token,
		"expires_at":   expiresAt,
		"principal_id": principal.PrincipalID,
	})
}

func (s *Server) handleEnsurePrincipal(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		ActorType string `json:"actor_type"`
		ActorID   string `json:"actor_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.ActorType == "" || body.ActorID == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	p, err := s.resolver.EnsureForLegacyActor(r.Context(), s.db, ac.WorkspaceID, body.ActorType, body.ActorID)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleVerifyHashChain(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := int64(queryInt(r, "limit", 0))

	streamType := q.Get("stream_type")
	streamID := q.Get("stream_id")
	if streamType != "" && streamID != "" {
		report, err := s.audit.VerifyStream(r.Context(), streamType, streamID, limit)
		if err != nil {
			respondError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}
	report, err := s.audit.VerifyWorkspace(r.Context(), ac.WorkspaceID, limit)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListRedactions(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	redactions, err := s.audit.Redactions(r.Context(), eventlog.RedactionFilter{
		WorkspaceID: ac.WorkspaceID,
		EventID:     q.Get("event_id"),
		RuleID:      q.Get("rule_id"),
		Action:      q.Get("action"),
		StreamType:  q.Get("stream_type"),
		StreamID:    q.Get("stream_id"),
		Limit:       queryInt(r, "limit", 0),
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"redactions": redactions})
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	snapshot, err := s.pipeline.Build(r.Context(), ac.WorkspaceID, queryInt(r, "limit", 0))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) vault(w http.ResponseWriter) (*secrets.Vault, bool) {
	if s.secrets == nil || !s.secrets.Enabled() {
		writeError(w, http.StatusServiceUnavailable, secrets.ErrUnavailable.Error())
		return nil, false
	}
	return s.secrets, true
}

func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	vault, ok := s.vault(w)
	if !ok {
		return
	}
	var body struct {
		Value string `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.Value == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	if err := vault.Put(r.Context(), ac.WorkspaceID, r.PathValue("name"), body.Value); err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": r.PathValue("name")})
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	vault, ok := s.vault(w)
	if !ok {
		return
	}
	value, err := vault.Get(r.Context(), ac.WorkspaceID, r.PathValue("name"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": r.PathValue("name"), "value": value})
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	vault, ok := s.vault(w)
	if !ok {
		return
	}
	if err := vault.Delete(r.Context(), ac.WorkspaceID, r.PathValue("name")); err != nil {
		respondError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	vault, ok := s.vault(w)
	if !ok {
		return
	}
	entries, err := vault.List(r.Context(), ac.WorkspaceID)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": entries})
}
