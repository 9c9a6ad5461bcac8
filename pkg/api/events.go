package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wardenlabs/warden/pkg/eventlog"
)

type appendEventRequest struct {
	EventType      string             `json:"event_type"`
	EventVersion   int                `json:"event_version,omitempty"`
	OccurredAt     *time.Time         `json:"occurred_at,omitempty"`
	MissionID      string             `json:"mission_id,omitempty"`
	RoomID         string             `json:"room_id,omitempty"`
	ThreadID       string             `json:"thread_id,omitempty"`
	RunID          string             `json:"run_id,omitempty"`
	StepID         string             `json:"step_id,omitempty"`
	Zone           string             `json:"zone,omitempty"`
	StreamType     string             `json:"stream_type"`
	StreamID       string             `json:"stream_id"`
	Data           map[string]any     `json:"data,omitempty"`
	PolicyContext  map[string]any     `json:"policy_context,omitempty"`
	ModelContext   map[string]any     `json:"model_context,omitempty"`
	Display        map[string]any     `json:"display,omitempty"`
	CorrelationID  string             `json:"correlation_id,omitempty"`
	CausationID    string             `json:"causation_id,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	Actor          *eventlog.ActorRef `json:"actor,omitempty"`
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body appendEventRequest
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.EventType == "" || body.StreamType == "" || body.StreamID == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	actor := ac.Actor
	if body.Actor != nil {
		actor = *body.Actor
	}
	var occurredAt time.Time
	if body.OccurredAt != nil {
		occurredAt = *body.OccurredAt
	}
	res, err := s.writer.Append(r.Context(), eventlog.AppendRequest{
		EventType:      body.EventType,
		EventVersion:   body.EventVersion,
		OccurredAt:     occurredAt,
		WorkspaceID:    ac.WorkspaceID,
		MissionID:      body.MissionID,
		RoomID:         body.RoomID,
		ThreadID:       body.ThreadID,
		RunID:          body.RunID,
		StepID:         body.StepID,
		Actor:          actor,
		Zone:           body.Zone,
		StreamType:     body.StreamType,
		StreamID:       body.StreamID,
		Data:           body.Data,
		PolicyContext:  body.PolicyContext,
		ModelContext:   body.ModelContext,
		Display:        body.Display,
		CorrelationID:  body.CorrelationID,
		CausationID:    body.CausationID,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"event":    res.Event,
		"replayed": res.Replayed,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := eventlog.Filter{
		WorkspaceID:        ac.WorkspaceID,
		StreamType:         q.Get("stream_type"),
		StreamID:           q.Get("stream_id"),
		RunID:              q.Get("run_id"),
		CorrelationID:      q.Get("correlation_id"),
		SubjectAgentID:     q.Get("subject_agent_id"),
		SubjectPrincipalID: q.Get("subject_principal_id"),
		Limit:              queryInt(r, "limit", 0),
	}
	if raw := q.Get("event_type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.EventTypes = append(f.EventTypes, t)
			}
		}
	}
	events, err := s.events.List(r.Context(), f)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	ev, err := s.events.Get(r.Context(), ac.WorkspaceID, r.PathValue("eventID"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// queryInt parses an optional integer query parameter; absent or malformed
// values fall back to def.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
