package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/wardenlabs/warden/pkg/canonical"
	"github.com/wardenlabs/warden/pkg/identity"
	"github.com/wardenlabs/warden/pkg/store"
)

var (
	// ErrIdempotencyConflictUnresolved means a unique violation fired but the
	// winning row could not be read back.
	ErrIdempotencyConflictUnresolved = errors.New("idempotency_conflict_unresolved")
	// ErrAppendOnlyViolation propagates the immutability trigger on evt_events.
	ErrAppendOnlyViolation = errors.New("append_only_violation")
)

// ApplyFunc receives every event inside the append transaction, in append
// order, so projections stay consistent with the log.
type ApplyFunc func(ctx context.Context, tx *sql.Tx, ev *Event) error

// AppendResult reports one append_to_stream outcome.
type AppendResult struct {
	Event     *Event
	Replayed  bool
	Findings  []Finding
	Auxiliary []*Event
}

// Writer implements append_to_stream.
type Writer struct {
	db        *sql.DB
	resolver  *identity.Resolver
	dlp       *Scanner
	projector ApplyFunc
	clock     func() time.Time
	logger    *slog.Logger
}

func NewWriter(db *sql.DB, resolver *identity.Resolver, dlp *Scanner, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{db: db, resolver: resolver, dlp: dlp, clock: time.Now, logger: logger}
}

// WithClock overrides the time source for tests.
func (w *Writer) WithClock(clock func() time.Time) *Writer {
	w.clock = clock
	return w
}

// SetProjector wires the projection engine. Set once at startup.
func (w *Writer) SetProjector(fn ApplyFunc) {
	w.projector = fn
}

// Append runs append_to_stream in its own transaction.
func (w *Writer) Append(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	var res *AppendResult
	err := store.WithTx(ctx, w.db, func(tx *sql.Tx) error {
		var err error
		res, err = w.AppendInTx(ctx, tx, req)
		return err
	})
	return res, err
}

// AppendInTx runs append_to_stream inside the caller's transaction so a
// command can combine policy writes, the append, and projections atomically.
func (w *Writer) AppendInTx(ctx context.Context, tx *sql.Tx, req AppendRequest) (*AppendResult, error) {
	return w.append(ctx, tx, req, false)
}

func (w *Writer) append(ctx context.Context, tx *sql.Tx, req AppendRequest, skipDLP bool) (*AppendResult, error) {
	if err := w.normalize(&req); err != nil {
		return nil, err
	}

	// Principal binding.
	if req.Actor.PrincipalID == "" {
		p, err := w.resolver.EnsureForLegacyActor(ctx, tx, req.WorkspaceID, string(req.Actor.Type), req.Actor.ID)
		if err != nil {
			return nil, fmt.Errorf("ensure principal: %w", err)
		}
		req.Actor.PrincipalID = p.PrincipalID
	}

	// Idempotency short-circuit.
	if req.IdempotencyKey != "" {
		existing, err := w.findByIdempotencyKey(ctx, tx, req.StreamType, req.StreamID, req.IdempotencyKey)
		if err == nil {
			return &AppendResult{Event: existing, Replayed: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	// DLP scan before hashing so the chain covers the persisted payload.
	data := req.Data
	var findings []Finding
	redactionLevel := RedactionNone
	containsSecrets := false
	if !skipDLP && w.dlp != nil {
		data, findings = w.dlp.Scan(req.Data)
		if len(findings) > 0 {
			redactionLevel = RedactionPartial
			containsSecrets = true
		}
	}

	dataBytes, err := canonical.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("canonicalize data: %w", err)
	}

	ev := &Event{
		EventID:          uuid.NewString(),
		EventType:        req.EventType,
		EventVersion:     req.EventVersion,
		OccurredAt:       req.OccurredAt,
		RecordedAt:       w.clock().UTC().Truncate(time.Microsecond),
		WorkspaceID:      req.WorkspaceID,
		MissionID:        req.MissionID,
		RoomID:           req.RoomID,
		ThreadID:         req.ThreadID,
		RunID:            req.RunID,
		StepID:           req.StepID,
		ActorType:        req.Actor.Type,
		ActorID:          req.Actor.ID,
		ActorPrincipalID: req.Actor.PrincipalID,
		Zone:             req.Zone,
		StreamType:       req.StreamType,
		StreamID:         req.StreamID,
		RedactionLevel:   redactionLevel,
		ContainsSecrets:  containsSecrets,
		Data:             dataBytes,
		PolicyContext:    marshalOptional(req.PolicyContext),
		ModelContext:     marshalOptional(req.ModelContext),
		Display:          marshalOptional(req.Display),
		CorrelationID:    req.CorrelationID,
		CausationID:      req.CausationID,
		IdempotencyKey:   req.IdempotencyKey,
	}

	// Sequence allocation and insert share a savepoint: an idempotent replay
	// rolls back the allocation too, leaving no gap in stream_seq.
	insertErr := store.WithSavepoint(ctx, tx, "append_event", func() error {
		seq, err := w.allocateSeq(ctx, tx, req.StreamType, req.StreamID)
		if err != nil {
			return err
		}
		ev.StreamSeq = seq

		prev, err := w.prevHash(ctx, tx, req.StreamType, req.StreamID, seq)
		if err != nil {
			return err
		}
		ev.PrevEventHash = prev

		hash, err := ComputeEventHash(ev)
		if err != nil {
			return fmt.Errorf("hash event: %w", err)
		}
		ev.EventHash = hash

		return w.insertEvent(ctx, tx, ev)
	})
	if insertErr != nil {
		if store.IsUniqueViolation(insertErr) && req.IdempotencyKey != "" {
			existing, err := w.findByIdempotencyKey(ctx, tx, req.StreamType, req.StreamID, req.IdempotencyKey)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrIdempotencyConflictUnresolved, err)
			}
			return &AppendResult{Event: existing, Replayed: true}, nil
		}
		if store.IsRaisedException(insertErr) {
			return nil, fmt.Errorf("%w: %v", ErrAppendOnlyViolation, insertErr)
		}
		return nil, insertErr
	}

	res := &AppendResult{Event: ev, Findings: findings}

	if len(findings) > 0 {
		aux, err := w.recordRedaction(ctx, tx, ev, findings)
		if err != nil {
			return nil, err
		}
		res.Auxiliary = aux
	}

	if w.projector != nil {
		if err := w.projector(ctx, tx, ev); err != nil {
			return nil, fmt.Errorf("project %s: %w", ev.EventType, err)
		}
		for _, aux := range res.Auxiliary {
			if err := w.projector(ctx, tx, aux); err != nil {
				return nil, fmt.Errorf("project %s: %w", aux.EventType, err)
			}
		}
	}

	w.logger.Debug("event appended",
		"event_type", ev.EventType, "stream", ev.StreamType+"/"+ev.StreamID,
		"stream_seq", ev.StreamSeq, "contains_secrets", ev.ContainsSecrets)

	return res, nil
}

func (w *Writer) normalize(req *AppendRequest) error {
	if req.WorkspaceID == "" {
		return errors.New("eventlog: workspace_id is required")
	}
	if req.EventType == "" {
		return errors.New("eventlog: event_type is required")
	}
	if req.StreamType == "" || req.StreamID == "" {
		return errors.New("eventlog: stream_type and stream_id are required")
	}
	if req.Actor.Type == "" || req.Actor.ID == "" {
		return errors.New("eventlog: actor is required")
	}
	if req.EventVersion == 0 {
		req.EventVersion = 1
	}
	if req.Zone == "" {
		req.Zone = ZoneSupervised
	}
	if req.OccurredAt.IsZero() {
		req.OccurredAt = w.clock()
	}
	// Timestamps are chain-hashed; keep them at Postgres precision so the
	// stored row recomputes to the same hash.
	req.OccurredAt = req.OccurredAt.UTC().Truncate(time.Microsecond)
	return nil
}

// recordRedaction writes the redaction log rows and appends the two
// auxiliary events with deterministic idempotency keys so replays cannot
// duplicate them.
func (w *Writer) recordRedaction(ctx context.Context, tx *sql.Tx, ev *Event, findings []Finding) ([]*Event, error) {
	for _, f := range findings {
		detail, err := json.Marshal(map[string]any{"path": f.Path, "count": f.Count})
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evt_redaction_log (redaction_id, workspace_id, event_id, stream_type, stream_id, rule_id, action, detail)
			VALUES ($1, $2, $3, $4, $5, $6, 'masked', $7)`,
			uuid.NewString(), ev.WorkspaceID, ev.EventID, ev.StreamType, ev.StreamID, f.RuleID, detail,
		); err != nil {
			return nil, fmt.Errorf("insert redaction log: %w", err)
		}
	}

	ruleIDs := make([]string, 0, len(findings))
	paths := make([]string, 0, len(findings))
	for _, f := range findings {
		ruleIDs = append(ruleIDs, f.RuleID)
		paths = append(paths, f.Path)
	}

	dlpActor := ActorRef{Type: ActorService, ID: "dlp-scanner"}

	leak, err := w.append(ctx, tx, AppendRequest{
		EventType:   TypeSecretLeakDetected,
		WorkspaceID: ev.WorkspaceID,
		RoomID:      ev.RoomID,
		ThreadID:    ev.ThreadID,
		RunID:       ev.RunID,
		Actor:       dlpActor,
		Zone:        ev.Zone,
		StreamType:  ev.StreamType,
		StreamID:    ev.StreamID,
		Data: map[string]any{
			"target_event_id": ev.EventID,
			"rule_ids":        ruleIDs,
			"paths":           paths,
		},
		CorrelationID:  ev.CorrelationID,
		CausationID:    ev.EventID,
		IdempotencyKey: "leak:" + ev.EventID,
	}, true)
	if err != nil {
		return nil, fmt.Errorf("append secret.leaked.detected: %w", err)
	}

	redacted, err := w.append(ctx, tx, AppendRequest{
		EventType:   TypeEventRedacted,
		WorkspaceID: ev.WorkspaceID,
		RoomID:      ev.RoomID,
		ThreadID:    ev.ThreadID,
		RunID:       ev.RunID,
		Actor:       dlpActor,
		Zone:        ev.Zone,
		StreamType:  ev.StreamType,
		StreamID:    ev.StreamID,
		Data: map[string]any{
			"target_event_id": ev.EventID,
			"reason":          "dlp_finding",
			"redaction_level": RedactionPartial,
		},
		CorrelationID:  ev.CorrelationID,
		CausationID:    ev.EventID,
		IdempotencyKey: "redact:" + ev.EventID,
	}, true)
	if err != nil {
		return nil, fmt.Errorf("append event.redacted: %w", err)
	}

	return []*Event{leak.Event, redacted.Event}, nil
}

func (w *Writer) allocateSeq(ctx context.Context, tx *sql.Tx, streamType, streamID string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO evt_stream_heads (stream_type, stream_id, next_seq)
		VALUES ($1, $2, 1)
		ON CONFLICT (stream_type, stream_id) DO NOTHING`,
		streamType, streamID,
	); err != nil {
		return 0, fmt.Errorf("ensure stream head: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT next_seq FROM evt_stream_heads
		WHERE stream_type = $1 AND stream_id = $2
		FOR UPDATE`,
		streamType, streamID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("lock stream head: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE evt_stream_heads SET next_seq = next_seq + 1, updated_at = now()
		WHERE stream_type = $1 AND stream_id = $2`,
		streamType, streamID,
	); err != nil {
		return 0, fmt.Errorf("advance stream head: %w", err)
	}
	return seq, nil
}

func (w *Writer) prevHash(ctx context.Context, tx *sql.Tx, streamType, streamID string, seq int64) (string, error) {
	if seq == 1 {
		return canonical.GenesisHash, nil
	}
	var h string
	err := tx.QueryRowContext(ctx, `
		SELECT event_hash FROM evt_events
		WHERE stream_type = $1 AND stream_id = $2 AND stream_seq = $3`,
		streamType, streamID, seq-1,
	).Scan(&h)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("stream %s/%s has a gap before seq %d", streamType, streamID, seq)
		}
		return "", err
	}
	return h, nil
}

func (w *Writer) insertEvent(ctx context.Context, tx *sql.Tx, ev *Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO evt_events (
			event_id, event_type, event_version, occurred_at, recorded_at, workspace_id,
			mission_id, room_id, thread_id, run_id, step_id,
			actor_type, actor_id, actor_principal_id, zone,
			stream_type, stream_id, stream_seq,
			redaction_level, contains_secrets, data, policy_context, model_context, display,
			correlation_id, causation_id, idempotency_key, prev_event_hash, event_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)`,
		ev.EventID, ev.EventType, ev.EventVersion, ev.OccurredAt, ev.RecordedAt, ev.WorkspaceID,
		nullIfEmpty(ev.MissionID), nullIfEmpty(ev.RoomID), nullIfEmpty(ev.ThreadID), nullIfEmpty(ev.RunID), nullIfEmpty(ev.StepID),
		ev.ActorType, ev.ActorID, nullIfEmpty(ev.ActorPrincipalID), ev.Zone,
		ev.StreamType, ev.StreamID, ev.StreamSeq,
		ev.RedactionLevel, ev.ContainsSecrets, []byte(ev.Data), rawOrNil(ev.PolicyContext), rawOrNil(ev.ModelContext), rawOrNil(ev.Display),
		nullIfEmpty(ev.CorrelationID), nullIfEmpty(ev.CausationID), nullIfEmpty(ev.IdempotencyKey), ev.PrevEventHash, ev.EventHash,
	)
	return err
}

func (w *Writer) findByIdempotencyKey(ctx context.Context, tx *sql.Tx, streamType, streamID, key string) (*Event, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM evt_events
		WHERE stream_type = $1 AND stream_id = $2 AND idempotency_key = $3`,
		streamType, streamID, key)
	return scanEvent(row)
}

// hashEnvelope fixes the field set and encoding that feed the chain hash.
// occurred_at enters as unix microseconds so the stored TIMESTAMPTZ
// round-trips exactly.
type hashEnvelope struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	EventVersion     int             `json:"event_version"`
	OccurredAtUS     int64           `json:"occurred_at_us"`
	WorkspaceID      string          `json:"workspace_id"`
	ActorType        ActorType       `json:"actor_type"`
	ActorID          string          `json:"actor_id"`
	ActorPrincipalID string          `json:"actor_principal_id"`
	Zone             string          `json:"zone"`
	StreamType       string          `json:"stream_type"`
	StreamID         string          `json:"stream_id"`
	StreamSeq        int64           `json:"stream_seq"`
	RedactionLevel   string          `json:"redaction_level"`
	ContainsSecrets  bool            `json:"contains_secrets"`
	Data             json.RawMessage `json:"data"`
	CorrelationID    string          `json:"correlation_id"`
	CausationID      string          `json:"causation_id"`
	IdempotencyKey   string          `json:"idempotency_key"`
}

// ComputeEventHash recomputes an event's chain hash from its persisted
// fields. Used at write time and by audit verification.
func ComputeEventHash(ev *Event) (string, error) {
	env := hashEnvelope{
		EventID:          ev.EventID,
		EventType:        ev.EventType,
		EventVersion:     ev.EventVersion,
		OccurredAtUS:     ev.OccurredAt.UTC().UnixMicro(),
		WorkspaceID:      ev.WorkspaceID,
		ActorType:        ev.ActorType,
		ActorID:          ev.ActorID,
		ActorPrincipalID: ev.ActorPrincipalID,
		Zone:             ev.Zone,
		StreamType:       ev.StreamType,
		StreamID:         ev.StreamID,
		StreamSeq:        ev.StreamSeq,
		RedactionLevel:   ev.RedactionLevel,
		ContainsSecrets:  ev.ContainsSecrets,
		Data:             ev.Data,
		CorrelationID:    ev.CorrelationID,
		CausationID:      ev.CausationID,
		IdempotencyKey:   ev.IdempotencyKey,
	}
	b, err := canonical.Marshal(env)
	if err != nil {
		return "", err
	}
	return canonical.ChainHash(b, ev.PrevEventHash), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func marshalOptional(m map[string]any) json.RawMessage {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}
