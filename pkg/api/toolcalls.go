package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/wardenlabs/warden/pkg/run"
	"github.com/wardenlabs/warden/pkg/store"
)

// ToolCall is a proj_tool_calls row.
type ToolCall struct {
	ToolCallID  string          `json:"tool_call_id"`
	StepID      string          `json:"step_id,omitempty"`
	RunID       string          `json:"run_id,omitempty"`
	WorkspaceID string          `json:"workspace_id"`
	ToolName    string          `json:"tool_name"`
	Status      string          `json:"status"`
	Args        json.RawMessage `json:"args,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Blocked     bool            `json:"blocked"`
	ReasonCode  string          `json:"reason_code,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

const toolCallColumns = `tool_call_id, COALESCE(step_id, ''), COALESCE(run_id, ''), workspace_id,
	tool_name, status, args, result, error, blocked, COALESCE(reason_code, ''),
	created_at, updated_at`

func scanToolCall(scanner interface{ Scan(...any) error }) (*ToolCall, error) {
	tc := &ToolCall{}
	var args, result, errJSON []byte
	err := scanner.Scan(&tc.ToolCallID, &tc.StepID, &tc.RunID, &tc.WorkspaceID,
		&tc.ToolName, &tc.Status, &args, &result, &errJSON, &tc.Blocked, &tc.ReasonCode,
		&tc.CreatedAt, &tc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tc.Args = args
	tc.Result = result
	tc.Error = errJSON
	return tc, nil
}

func (s *Server) handleRecordToolCall(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		RunID    string         `json:"run_id"`
		ToolName string         `json:"tool_name"`
		Args     map[string]any `json:"args,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.RunID == "" || body.ToolName == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	toolCallID, err := s.runs.RecordToolInvocation(r.Context(), run.ToolCallRequest{
		WorkspaceID: ac.WorkspaceID,
		RunID:       body.RunID,
		StepID:      r.PathValue("stepID"),
		ToolName:    body.ToolName,
		Args:        body.Args,
		Actor:       ac.Actor,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"tool_call_id": toolCallID})
}

type toolResultBody struct {
	RunID      string         `json:"run_id"`
	StepID     string         `json:"step_id,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      *run.RunError  `json:"error,omitempty"`
	Blocked    bool           `json:"blocked,omitempty"`
	ReasonCode string         `json:"reason_code,omitempty"`
}

func (s *Server) recordToolResult(w http.ResponseWriter, r *http.Request, failed bool) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body toolResultBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.RunID == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	if failed && body.Error == nil {
		body.Error = &run.RunError{Code: "tool_failed"}
	}
	err := s.runs.RecordToolResult(r.Context(), run.ToolResultRequest{
		WorkspaceID: ac.WorkspaceID,
		RunID:       body.RunID,
		StepID:      body.StepID,
		ToolCallID:  r.PathValue("toolCallID"),
		Result:      body.Result,
		Error:       body.Error,
		Blocked:     body.Blocked,
		ReasonCode:  body.ReasonCode,
		Actor:       ac.Actor,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tool_call_id": r.PathValue("toolCallID")})
}

func (s *Server) handleToolCallSucceed(w http.ResponseWriter, r *http.Request) {
	s.recordToolResult(w, r, false)
}

func (s *Server) handleToolCallFail(w http.ResponseWriter, r *http.Request) {
	s.recordToolResult(w, r, true)
}

func (s *Server) handleListToolCalls(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := clampLimit(queryInt(r, "limit", 100))

	query := `SELECT ` + toolCallColumns + ` FROM proj_tool_calls WHERE workspace_id = $1`
	args := []any{ac.WorkspaceID}
	if runID := q.Get("run_id"); runID != "" {
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

	calls := []*ToolCall{}
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			respondError(w, s.logger, err)
			return
		}
		calls = append(calls, tc)
	}
	if err := rows.Err(); err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool_calls": calls})
}

func (s *Server) handleGetToolCall(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	row := s.db.QueryRowContext(r.Context(),
		`SELECT `+toolCallColumns+` FROM proj_tool_calls WHERE workspace_id = $1 AND tool_call_id = $2`,
		ac.WorkspaceID, r.PathValue("toolCallID"))
	tc, err := scanToolCall(row)
	if err == sql.ErrNoRows {
		respondError(w, s.logger, store.ErrNotFound)
		return
	}
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}
