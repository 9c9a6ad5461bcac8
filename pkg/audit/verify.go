// Package audit verifies the integrity invariants the event log promises:
// unbroken per-stream hash chains, contiguous sequence numbers, and a
// queryable redaction trail. Events themselves are guarded by the
// append-only trigger on evt_events; this package proves after the fact
// that nothing slipped past it.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/wardenlabs/warden/pkg/canonical"
	"github.com/wardenlabs/warden/pkg/eventlog"
)

const verifyPageSize = 500

// Mismatch pinpoints the first broken link found on a stream.
type Mismatch struct {
	StreamType string `json:"stream_type"`
	StreamID   string `json:"stream_id"`
	StreamSeq  int64  `json:"stream_seq"`
	EventID    string `json:"event_id"`
	Field      string `json:"field"`
	Expect     string `json:"expect"`
	Got        string `json:"got"`
}

// ChainReport is the outcome of verifying one stream. Checked counts events
// that passed; verification stops at the first mismatch, so a broken stream
// reports the prefix length that still holds.
type ChainReport struct {
	StreamType    string    `json:"stream_type"`
	StreamID      string    `json:"stream_id"`
	Valid         bool      `json:"valid"`
	Checked       int64     `json:"checked"`
	LastEventHash string    `json:"last_event_hash,omitempty"`
	FirstMismatch *Mismatch `json:"first_mismatch,omitempty"`
}

// WorkspaceReport aggregates chain verification across every stream that
// has events in the workspace.
type WorkspaceReport struct {
	WorkspaceID string         `json:"workspace_id"`
	Valid       bool           `json:"valid"`
	Streams     int            `json:"streams"`
	Checked     int64          `json:"checked"`
	Broken      []*ChainReport `json:"broken,omitempty"`
}

// Service implements hash-chain verification and the redaction log surface.
type Service struct {
	db     *sql.DB
	query  *eventlog.Query
	logger *slog.Logger
}

func NewService(db *sql.DB, query *eventlog.Query, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, query: query, logger: logger}
}

// VerifyStream walks one stream in sequence order, recomputing every chain
// hash and checking each row's prev_event_hash against its predecessor's
// stored hash. limit <= 0 checks the whole stream; otherwise only the first
// limit events.
func (s *Service) VerifyStream(ctx context.Context, streamType, streamID string, limit int64) (*ChainReport, error) {
	if streamType == "" || streamID == "" {
		return nil, errors.New("audit: stream_type and stream_id are required")
	}
	rep := &ChainReport{StreamType: streamType, StreamID: streamID, Valid: true}

	prevHash := canonical.GenesisHash
	nextSeq := int64(1)
	for {
		page := verifyPageSize
		if limit > 0 {
			remaining := limit - rep.Checked
			if remaining <= 0 {
				return rep, nil
			}
			if remaining < int64(page) {
				page = int(remaining)
			}
		}

		events, err := s.query.Stream(ctx, streamType, streamID, nextSeq, page)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return rep, nil
		}

		for _, ev := range events {
			if ev.StreamSeq != nextSeq {
				return s.brokenAt(rep, ev, "stream_seq",
					strconv.FormatInt(nextSeq, 10), strconv.FormatInt(ev.StreamSeq, 10)), nil
			}
			if ev.PrevEventHash != prevHash {
				return s.brokenAt(rep, ev, "prev_event_hash", prevHash, ev.PrevEventHash), nil
			}
			hash, err := eventlog.ComputeEventHash(ev)
			if err != nil {
				return nil, fmt.Errorf("recompute hash at seq %d: %w", ev.StreamSeq, err)
			}
			if hash != ev.EventHash {
				return s.brokenAt(rep, ev, "event_hash", hash, ev.EventHash), nil
			}

			rep.Checked++
			rep.LastEventHash = ev.EventHash
			prevHash = ev.EventHash
			nextSeq++
		}

		if len(events) < page {
			return rep, nil
		}
	}
}

func (s *Service) brokenAt(rep *ChainReport, ev *eventlog.Event, field, expect, got string) *ChainReport {
	rep.Valid = false
	rep.FirstMismatch = &Mismatch{
		StreamType: ev.StreamType,
		StreamID:   ev.StreamID,
		StreamSeq:  ev.StreamSeq,
		EventID:    ev.EventID,
		Field:      field,
		Expect:     expect,
		Got:        got,
	}
	s.logger.Warn("hash chain broken",
		"stream", ev.StreamType+"/"+ev.StreamID, "stream_seq", ev.StreamSeq, "field", field)
	return rep
}

// VerifyWorkspace verifies every stream that has at least one event in the
// workspace. limitPerStream bounds how deep each stream is walked.
func (s *Service) VerifyWorkspace(ctx context.Context, workspaceID string, limitPerStream int64) (*WorkspaceReport, error) {
	if workspaceID == "" {
		return nil, errors.New("audit: workspace_id is required")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT stream_type, stream_id FROM evt_events
		WHERE workspace_id = $1
		ORDER BY stream_type, stream_id`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	type streamKey struct{ streamType, streamID string }
	var streams []streamKey
	for rows.Next() {
		var k streamKey
		if err := rows.Scan(&k.streamType, &k.streamID); err != nil {
			rows.Close()
			return nil, err
		}
		streams = append(streams, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rep := &WorkspaceReport{WorkspaceID: workspaceID, Valid: true}
	for _, k := range streams {
		cr, err := s.VerifyStream(ctx, k.streamType, k.streamID, limitPerStream)
		if err != nil {
			return nil, err
		}
		rep.Streams++
		rep.Checked += cr.Checked
		if !cr.Valid {
			rep.Valid = false
			rep.Broken = append(rep.Broken, cr)
		}
	}

	s.logger.Info("workspace chain verified",
		"workspace_id", workspaceID, "streams", rep.Streams, "checked", rep.Checked, "valid", rep.Valid)
	return rep, nil
}

// Redactions lists the redaction log, newest first.
func (s *Service) Redactions(ctx context.Context, f eventlog.RedactionFilter) ([]*eventlog.Redaction, error) {
	return s.query.ListRedactions(ctx, f)
}
