package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/store"
)

// Room is a proj_rooms row.
type Room struct {
	RoomID      string    `json:"room_id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name,omitempty"`
	Purpose     string    `json:"purpose,omitempty"`
	CreatedBy   string    `json:"created_by_principal_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Thread is a proj_threads row.
type Thread struct {
	ThreadID    string    `json:"thread_id"`
	RoomID      string    `json:"room_id"`
	WorkspaceID string    `json:"workspace_id"`
	Title       string    `json:"title,omitempty"`
	CreatedBy   string    `json:"created_by_principal_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Message is a proj_messages row. Content is stored post-masking, so this
// surface never returns raw secret material.
type Message struct {
	MessageID       string    `json:"message_id"`
	ThreadID        string    `json:"thread_id"`
	RoomID          string    `json:"room_id,omitempty"`
	WorkspaceID     string    `json:"workspace_id"`
	AuthorType      string    `json:"author_type"`
	AuthorID        string    `json:"author_id"`
	AuthorPrincipal string    `json:"author_principal_id,omitempty"`
	Content         string    `json:"content"`
	ContainsSecrets bool      `json:"contains_secrets"`
	RedactionLevel  string    `json:"redaction_level"`
	CreatedAt       time.Time `json:"created_at"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		RoomID  string `json:"room_id,omitempty"`
		Name    string `json:"name"`
		Purpose string `json:"purpose,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	roomID := body.RoomID
	if roomID == "" {
		roomID = uuid.NewString()
	}
	res, err := s.writer.Append(r.Context(), eventlog.AppendRequest{
		EventType:   eventlog.TypeRoomCreated,
		WorkspaceID: ac.WorkspaceID,
		RoomID:      roomID,
		Actor:       ac.Actor,
		StreamType:  eventlog.StreamRoom,
		StreamID:    roomID,
		Data:        map[string]any{"name": body.Name, "purpose": body.Purpose},
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"room_id":  roomID,
		"event_id": res.Event.EventID,
	})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	limit := clampLimit(queryInt(r, "limit", 100))
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT room_id, workspace_id, COALESCE(name, ''), COALESCE(purpose, ''),
			COALESCE(created_by_principal_id, ''), created_at, updated_at
		FROM proj_rooms WHERE workspace_id = $1
		ORDER BY created_at DESC LIMIT $2`, ac.WorkspaceID, limit)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	defer rows.Close()

	rooms := []*Room{}
	for rows.Next() {
		room := &Room{}
		if err := rows.Scan(&room.RoomID, &room.WorkspaceID, &room.Name, &room.Purpose,
			&room.CreatedBy, &room.CreatedAt, &room.UpdatedAt); err != nil {
			respondError(w, s.logger, err)
			return
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	room, err := s.getRoom(r.Context(), ac.WorkspaceID, r.PathValue("roomID"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) getRoom(ctx context.Context, workspaceID, roomID string) (*Room, error) {
	room := &Room{}
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, workspace_id, COALESCE(name, ''), COALESCE(purpose, ''),
			COALESCE(created_by_principal_id, ''), created_at, updated_at
		FROM proj_rooms WHERE workspace_id = $1 AND room_id = $2`,
		workspaceID, roomID).Scan(
		&room.RoomID, &room.WorkspaceID, &room.Name, &room.Purpose,
		&room.CreatedBy, &room.CreatedAt, &room.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	roomID := r.PathValue("roomID")
	if _, err := s.getRoom(r.Context(), ac.WorkspaceID, roomID); err != nil {
		respondError(w, s.logger, err)
		return
	}
	var body struct {
		ThreadID string `json:"thread_id,omitempty"`
		Title    string `json:"title,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	threadID := body.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	res, err := s.writer.Append(r.Context(), eventlog.AppendRequest{
		EventType:   eventlog.TypeThreadCreated,
		WorkspaceID: ac.WorkspaceID,
		RoomID:      roomID,
		ThreadID:    threadID,
		Actor:       ac.Actor,
		StreamType:  eventlog.StreamRoom,
		StreamID:    roomID,
		Data:        map[string]any{"title": body.Title},
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"thread_id": threadID,
		"room_id":   roomID,
		"event_id":  res.Event.EventID,
	})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	limit := clampLimit(queryInt(r, "limit", 100))
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT thread_id, room_id, workspace_id, COALESCE(title, ''),
			COALESCE(created_by_principal_id, ''), created_at, updated_at
		FROM proj_threads WHERE workspace_id = $1 AND room_id = $2
		ORDER BY created_at ASC LIMIT $3`,
		ac.WorkspaceID, r.PathValue("roomID"), limit)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	defer rows.Close()

	threads := []*Thread{}
	for rows.Next() {
		t := &Thread{}
		if err := rows.Scan(&t.ThreadID, &t.RoomID, &t.WorkspaceID, &t.Title,
			&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
			respondError(w, s.logger, err)
			return
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	threadID := r.PathValue("threadID")

	var roomID string
	err := s.db.QueryRowContext(r.Context(), `
		SELECT room_id FROM proj_threads WHERE workspace_id = $1 AND thread_id = $2`,
		ac.WorkspaceID, threadID).Scan(&roomID)
	if err == sql.ErrNoRows {
		respondError(w, s.logger, store.ErrNotFound)
		return
	}
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	var body struct {
		Content        string `json:"content"`
		IdempotencyKey string `json:"idempotency_key,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.Content == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	res, err := s.writer.Append(r.Context(), eventlog.AppendRequest{
		EventType:      eventlog.TypeMessagePosted,
		WorkspaceID:    ac.WorkspaceID,
		RoomID:         roomID,
		ThreadID:       threadID,
		Actor:          ac.Actor,
		StreamType:     eventlog.StreamRoom,
		StreamID:       roomID,
		Data:           map[string]any{"content": body.Content},
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
		"message_id":       res.Event.EventID,
		"thread_id":        threadID,
		"room_id":          roomID,
		"event_id":         res.Event.EventID,
		"contains_secrets": res.Event.ContainsSecrets,
		"replayed":         res.Replayed,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	limit := clampLimit(queryInt(r, "limit", 100))
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT message_id, thread_id, COALESCE(room_id, ''), workspace_id,
			author_type, author_id, COALESCE(author_principal_id, ''),
			content, contains_secrets, redaction_level, created_at
		FROM proj_messages WHERE workspace_id = $1 AND thread_id = $2
		ORDER BY created_at ASC LIMIT $3`,
		ac.WorkspaceID, r.PathValue("threadID"), limit)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.MessageID, &m.ThreadID, &m.RoomID, &m.WorkspaceID,
			&m.AuthorType, &m.AuthorID, &m.AuthorPrincipal,
			&m.Content, &m.ContainsSecrets, &m.RedactionLevel, &m.CreatedAt); err != nil {
			respondError(w, s.logger, err)
			return
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func clampLimit(n int) int {
	if n <= 0 {
		return 100
	}
	if n > 500 {
		return 500
	}
	return n
}
