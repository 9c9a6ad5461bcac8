// Package projection maintains the read models under proj_* from the event
// log. Every handler is idempotent: applied events are recorded in
// evt_applied_events and row updates carry a stream_seq staleness guard, so
// replays and rebuilds converge on the same state.
package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/store"
)

const (
	projectorName    = "core"
	rebuildBatchSize = 500
)

// projectionTables lists every table Rebuild wipes, in delete order.
var projectionTables = []string{
	"proj_messages",
	"proj_threads",
	"proj_rooms",
	"proj_tool_calls",
	"proj_artifacts",
	"proj_steps",
	"proj_runs",
	"proj_approvals",
	"proj_incidents",
	"proj_agents",
}

type handlerFunc func(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error

// Engine folds events into the read models.
type Engine struct {
	db       *sql.DB
	events   *eventlog.Query
	handlers map[string]handlerFunc
	logger   *slog.Logger
}

func NewEngine(db *sql.DB, events *eventlog.Query, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{db: db, events: events, logger: logger}
	e.handlers = map[string]handlerFunc{
		eventlog.TypeRoomCreated:   e.applyRoomCreated,
		eventlog.TypeThreadCreated: e.applyThreadCreated,
		eventlog.TypeMessagePosted: e.applyMessagePosted,

		eventlog.TypeRunCreated:      e.applyRunCreated,
		eventlog.TypeRunStarted:      e.applyRunStarted,
		eventlog.TypeRunSucceeded:    e.applyRunFinished,
		eventlog.TypeRunFailed:       e.applyRunFinished,
		eventlog.TypeRunReleased:     e.applyRunReleased,
		eventlog.TypeStepCreated:     e.applyStepCreated,
		eventlog.TypeStepSucceeded:   e.applyStepFinished,
		eventlog.TypeStepFailed:      e.applyStepFinished,
		eventlog.TypeToolInvoked:     e.applyToolInvoked,
		eventlog.TypeToolSucceeded:   e.applyToolFinished,
		eventlog.TypeToolFailed:      e.applyToolFinished,
		eventlog.TypeArtifactCreated: e.applyArtifactCreated,

		eventlog.TypeApprovalRequested: e.applyApprovalRequested,
		eventlog.TypeApprovalDecided:   e.applyApprovalDecided,

		eventlog.TypeIncidentOpened:  e.applyIncidentOpened,
		eventlog.TypeIncidentUpdated: e.applyIncidentUpdated,
		eventlog.TypeIncidentClosed:  e.applyIncidentClosed,

		eventlog.TypeAgentRegistered:    e.applyAgentRegistered,
		eventlog.TypeAgentQuarantined:   e.applyAgentQuarantined,
		eventlog.TypeAgentUnquarantined: e.applyAgentUnquarantined,
		eventlog.TypeAutonomyApproved:   e.applyAutonomyApproved,
	}
	return e
}

// Apply projects one event inside the caller's transaction. Events already
// applied, and event types without a read model, are skipped.
func (e *Engine) Apply(ctx context.Context, tx *sql.Tx, ev *eventlog.Event) error {
	first, err := e.markApplied(ctx, tx, ev.EventID)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	h, ok := e.handlers[ev.EventType]
	if !ok {
		return nil
	}
	if err := h(ctx, tx, ev); err != nil {
		return fmt.Errorf("project %s: %w", ev.EventType, err)
	}
	return nil
}

func (e *Engine) markApplied(ctx context.Context, tx *sql.Tx, eventID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO evt_applied_events (projector, event_id)
		VALUES ($1, $2)
		ON CONFLICT (projector, event_id) DO NOTHING`,
		projectorName, eventID)
	if err != nil {
		return false, fmt.Errorf("mark applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Rebuild wipes the read models and refolds the whole log. Lease columns on
// proj_runs are operational state outside the log, so in-flight claims do
// not survive a rebuild; expired leases are re-claimable anyway.
func (e *Engine) Rebuild(ctx context.Context) (int, error) {
	err := store.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		for _, table := range projectionTables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("wipe %s: %w", table, err)
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM evt_applied_events WHERE projector = $1`, projectorName)
		return err
	})
	if err != nil {
		return 0, err
	}

	var (
		total         int
		afterRecorded time.Time
		afterSeq      int64
		afterID       string
	)
	for {
		batch, err := e.events.PageAll(ctx, afterRecorded, afterSeq, afterID, rebuildBatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}
		err = store.WithTx(ctx, e.db, func(tx *sql.Tx) error {
			for _, ev := range batch {
				if err := e.Apply(ctx, tx, ev); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += len(batch)
		last := batch[len(batch)-1]
		afterRecorded, afterSeq, afterID = last.RecordedAt, last.StreamSeq, last.EventID
		if len(batch) < rebuildBatchSize {
			break
		}
	}
	e.logger.Info("projection rebuild complete", "projector", projectorName, "events", total)
	return total, nil
}
