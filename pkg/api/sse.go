package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/wardenlabs/warden/pkg/eventlog"
)

const (
	ssePollInterval = 500 * time.Millisecond
	sseBatchLimit   = 100
)

// handleRoomStream serves the room's event stream over SSE. Replay starts
// at from_seq (inclusive), then the handler tails the log, sleeping briefly
// when no new events arrive. Payloads are the persisted events, so DLP
// masking has already been applied.
func (s *Server) handleRoomStream(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	roomID := r.PathValue("roomID")
	if _, err := s.getRoom(r.Context(), ac.WorkspaceID, roomID); err != nil {
		respondError(w, s.logger, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}

	fromSeq := int64(1)
	if raw := r.URL.Query().Get("from_seq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errBadRequest.code)
			return
		}
		fromSeq = n
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		events, err := s.events.Stream(ctx, eventlog.StreamRoom, roomID, fromSeq, sseBatchLimit)
		if err != nil {
			// The subscribe already succeeded; all we can do is end
			// the stream.
			s.logger.Error("room stream read failed", "room_id", roomID, "error", err)
			return
		}
		for _, ev := range events {
			if ev.WorkspaceID != ac.WorkspaceID {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("room stream encode failed", "event_id", ev.EventID, "error", err)
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
		if len(events) > 0 {
			fromSeq = events[len(events)-1].StreamSeq + 1
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(ssePollInterval):
		}
	}
}
