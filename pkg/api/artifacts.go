package api

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/store"
)

// Artifact is a proj_artifacts row.
type Artifact struct {
	ArtifactID  string          `json:"artifact_id"`
	StepID      string          `json:"step_id,omitempty"`
	RunID       string          `json:"run_id,omitempty"`
	WorkspaceID string          `json:"workspace_id"`
	Kind        string          `json:"kind,omitempty"`
	URI         string          `json:"uri,omitempty"`
	ContentHash string          `json:"content_hash,omitempty"`
	SizeBytes   int64           `json:"size_bytes"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

const artifactColumns = `artifact_id, COALESCE(step_id, ''), COALESCE(run_id, ''), workspace_id,
	COALESCE(kind, ''), COALESCE(uri, ''), COALESCE(content_hash, ''),
	COALESCE(size_bytes, 0), metadata, created_at`

func scanArtifact(scanner interface{ Scan(...any) error }) (*Artifact, error) {
	a := &Artifact{}
	var metadata []byte
	err := scanner.Scan(&a.ArtifactID, &a.StepID, &a.RunID, &a.WorkspaceID,
		&a.Kind, &a.URI, &a.ContentHash, &a.SizeBytes, &metadata, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Metadata = metadata
	return a, nil
}

// handleCreateArtifact stores the (base64) content in the blob store and
// appends artifact.created on the run stream; the projection materializes
// the row. Metadata-only artifacts skip the blob write.
func (s *Server) handleCreateArtifact(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		RunID    string         `json:"run_id"`
		Kind     string         `json:"kind,omitempty"`
		URI      string         `json:"uri,omitempty"`
		Content  string         `json:"content,omitempty"` // base64
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.RunID == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}

	var (
		digest string
		size   int64
	)
	if body.Content != "" {
		raw, err := base64.StdEncoding.DecodeString(body.Content)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed_content")
			return
		}
		if s.blobs == nil {
			writeError(w, http.StatusServiceUnavailable, "artifact_store_unavailable")
			return
		}
		digest, err = s.blobs.Put(r.Context(), raw)
		if err != nil {
			respondError(w, s.logger, err)
			return
		}
		size = int64(len(raw))
		if body.URI == "" {
			body.URI = "blob://" + digest
		}
	}

	artifactID := uuid.NewString()
	data := map[string]any{
		"artifact_id":  artifactID,
		"kind":         body.Kind,
		"uri":          body.URI,
		"content_hash": digest,
		"size_bytes":   size,
	}
	if body.Metadata != nil {
		data["metadata"] = body.Metadata
	}
	res, err := s.writer.Append(r.Context(), eventlog.AppendRequest{
		EventType:   eventlog.TypeArtifactCreated,
		WorkspaceID: ac.WorkspaceID,
		RunID:       body.RunID,
		StepID:      r.PathValue("stepID"),
		Actor:       ac.Actor,
		StreamType:  eventlog.StreamRun,
		StreamID:    body.RunID,
		Data:        data,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"artifact_id":  artifactID,
		"content_hash": digest,
		"size_bytes":   size,
		"event_id":     res.Event.EventID,
	})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	limit := clampLimit(queryInt(r, "limit", 100))

	query := `SELECT ` + artifactColumns + ` FROM proj_artifacts WHERE workspace_id = $1`
	args := []any{ac.WorkspaceID}
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		args = append(args, runID)
		query += ` AND run_id = $2`
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	defer rows.Close()

	artifactsOut := []*Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			respondError(w, s.logger, err)
			return
		}
		artifactsOut = append(artifactsOut, a)
	}
	if err := rows.Err(); err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifactsOut})
}

func (s *Server) getArtifact(r *http.Request, workspaceID, artifactID string) (*Artifact, error) {
	row := s.db.QueryRowContext(r.Context(),
		`SELECT `+artifactColumns+` FROM proj_artifacts WHERE workspace_id = $1 AND artifact_id = $2`,
		workspaceID, artifactID)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return a, err
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	a, err := s.getArtifact(r, ac.WorkspaceID, r.PathValue("artifactID"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleArtifactContent(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	a, err := s.getArtifact(r, ac.WorkspaceID, r.PathValue("artifactID"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	if a.ContentHash == "" || s.blobs == nil {
		respondError(w, s.logger, store.ErrNotFound)
		return
	}
	raw, err := s.blobs.Get(r.Context(), a.ContentHash)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
