package growth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/store"
)

// Lifecycle states. SUNSET is terminal.
const (
	LifecycleActive    = "ACTIVE"
	LifecycleProbation = "PROBATION"
	LifecycleSunset    = "SUNSET"
)

// lifecycleStreak is the hysteresis width: a state only flips after this
// many consecutive qualifying days.
const lifecycleStreak = 2

const dateLayout = "2006-01-02"

// SnapshotRequest names the workspace and UTC day for a batch rollup.
// A zero Date means the previous UTC day, the last complete one.
type SnapshotRequest struct {
	WorkspaceID string
	Date        time.Time
	Actor       eventlog.ActorRef
}

// rollingStats is the rolling_7d payload of a daily snapshot.
type rollingStats struct {
	Events     int `json:"events"`
	Runs       int `json:"runs"`
	Violations int `json:"violations"`
}

type snapshotRow struct {
	Events     int
	Runs       int
	Succeeded  int
	Failed     int
	Violations int
	Trust      sql.NullFloat64
	Rolling    rollingStats
}

// SnapshotDaily computes per-agent activity aggregates for one UTC day,
// windows [date, date+1d) and [date-6d, date+1d), and upserts them into
// grw_daily_snapshots. It is idempotent per (agent, date): unchanged
// rows are skipped and emit nothing. Returns how many rows changed.
func (s *Service) SnapshotDaily(ctx context.Context, req SnapshotRequest) (int, error) {
	if req.WorkspaceID == "" {
		return 0, errors.New("growth: workspace_id is required")
	}
	day, dayEnd, weekStart := snapshotWindows(req.Date, s.clock)

	changed := 0
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		agents, err := listWorkspaceAgents(ctx, tx, req.WorkspaceID)
		if err != nil {
			return err
		}
		for _, ag := range agents {
			row, err := s.collectSnapshot(ctx, tx, req.WorkspaceID, ag, day, dayEnd, weekStart)
			if err != nil {
				return err
			}
			same, err := snapshotUnchanged(ctx, tx, req.WorkspaceID, ag.AgentID, day, row)
			if err != nil {
				return err
			}
			if same {
				continue
			}
			if err := s.upsertSnapshot(ctx, tx, req, ag.AgentID, day, row); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("daily snapshot finished",
		"workspace_id", req.WorkspaceID,
		"snapshot_date", day.Format(dateLayout),
		"changed", changed)
	return changed, nil
}

type workspaceAgent struct {
	AgentID     string
	PrincipalID string
}

func listWorkspaceAgents(ctx context.Context, tx *sql.Tx, workspaceID string) ([]workspaceAgent, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT agent_id, principal_id FROM proj_agents
		WHERE workspace_id = $1
		ORDER BY agent_id`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []workspaceAgent
	for rows.Next() {
		var ag workspaceAgent
		if err := rows.Scan(&ag.AgentID, &ag.PrincipalID); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, ag)
	}
	return out, rows.Err()
}

func (s *Service) collectSnapshot(ctx context.Context, tx *sql.Tx, workspaceID string, ag workspaceAgent, day, dayEnd, weekStart time.Time) (snapshotRow, error) {
	var row snapshotRow

	// One scan over the 7d window; the day counts fall out of FILTERs
	// since [day, dayEnd) is the tail of [weekStart, dayEnd).
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE recorded_at >= $4),
			COUNT(*) FILTER (WHERE recorded_at >= $4 AND event_type = $5 AND data->>'blocked' = 'true'),
			COUNT(*),
			COUNT(*) FILTER (WHERE event_type = $5 AND data->>'blocked' = 'true')
		FROM evt_events
		WHERE workspace_id = $1 AND actor_principal_id = $2 AND recorded_at >= $3 AND recorded_at < $6`,
		workspaceID, ag.PrincipalID, weekStart, day, eventlog.TypePolicyDenied, dayEnd,
	).Scan(&row.Events, &row.Violations, &row.Rolling.Events, &row.Rolling.Violations)
	if err != nil {
		return row, fmt.Errorf("count agent events: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE created_at >= $3 AND created_at < $4),
			COUNT(*) FILTER (WHERE status = 'succeeded' AND finished_at >= $3 AND finished_at < $4),
			COUNT(*) FILTER (WHERE status = 'failed' AND finished_at >= $3 AND finished_at < $4),
			COUNT(*) FILTER (WHERE created_at >= $5 AND created_at < $4)
		FROM proj_runs
		WHERE workspace_id = $1 AND agent_id = $2`,
		workspaceID, ag.AgentID, day, dayEnd, weekStart,
	).Scan(&row.Runs, &row.Succeeded, &row.Failed, &row.Rolling.Runs)
	if err != nil {
		return row, fmt.Errorf("count agent runs: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT score FROM grw_trust_scores WHERE workspace_id = $1 AND agent_id = $2`,
		workspaceID, ag.AgentID,
	).Scan(&row.Trust)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("load trust score: %w", err)
	}
	return row, nil
}

func snapshotUnchanged(ctx context.Context, tx *sql.Tx, workspaceID, agentID string, day time.Time, row snapshotRow) (bool, error) {
	var (
		prev        snapshotRow
		rollingJSON []byte
	)
	err := tx.QueryRowContext(ctx, `
		SELECT events_count, runs_count, runs_succeeded, runs_failed, violations_count, trust_score, rolling_7d
		FROM grw_daily_snapshots
		WHERE workspace_id = $1 AND agent_id = $2 AND snapshot_date = $3`,
		workspaceID, agentID, day,
	).Scan(&prev.Events, &prev.Runs, &prev.Succeeded, &prev.Failed, &prev.Violations, &prev.Trust, &rollingJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}
	if len(rollingJSON) > 0 {
		if err := json.Unmarshal(rollingJSON, &prev.Rolling); err != nil {
			return false, fmt.Errorf("decode rolling stats: %w", err)
		}
	}
	return prev == row, nil
}

func (s *Service) upsertSnapshot(ctx context.Context, tx *sql.Tx, req SnapshotRequest, agentID string, day time.Time, row snapshotRow) error {
	rolling, err := json.Marshal(row.Rolling)
	if err != nil {
		return fmt.Errorf("marshal rolling stats: %w", err)
	}
	now := s.clock().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO grw_daily_snapshots (workspace_id, agent_id, snapshot_date, events_count,
			runs_count, runs_succeeded, runs_failed, violations_count, trust_score, rolling_7d,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (workspace_id, agent_id, snapshot_date)
		DO UPDATE SET events_count = EXCLUDED.events_count, runs_count = EXCLUDED.runs_count,
			runs_succeeded = EXCLUDED.runs_succeeded, runs_failed = EXCLUDED.runs_failed,
			violations_count = EXCLUDED.violations_count, trust_score = EXCLUDED.trust_score,
			rolling_7d = EXCLUDED.rolling_7d, updated_at = EXCLUDED.updated_at`,
		req.WorkspaceID, agentID, day, row.Events, row.Runs, row.Succeeded, row.Failed,
		row.Violations, row.Trust, rolling, now,
	); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	data := map[string]any{
		"agent_id":       agentID,
		"snapshot_date":  day.Format(dateLayout),
		"events":         row.Events,
		"runs":           row.Runs,
		"runs_succeeded": row.Succeeded,
		"runs_failed":    row.Failed,
		"violations":     row.Violations,
		"rolling_7d":     row.Rolling,
	}
	if row.Trust.Valid {
		data["trust_score"] = row.Trust.Float64
	}
	_, err = s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
		EventType:   eventlog.TypeDailyAgentSnapshot,
		WorkspaceID: req.WorkspaceID,
		Actor:       req.Actor,
		StreamType:  eventlog.StreamAgent,
		StreamID:    agentID,
		Data:        data,
	})
	return err
}

// SurvivalRollup folds the day's run economics (cost_cents and
// value_cents reported in run output) into grw_survival_ledger, one row
// per agent plus a workspace aggregate. Idempotent per (target, date);
// only changed rows emit survival.rollup. Returns changed row count.
func (s *Service) SurvivalRollup(ctx context.Context, req SnapshotRequest) (int, error) {
	if req.WorkspaceID == "" {
		return 0, errors.New("growth: workspace_id is required")
	}
	day, dayEnd, _ := snapshotWindows(req.Date, s.clock)

	changed := 0
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		agents, err := listWorkspaceAgents(ctx, tx, req.WorkspaceID)
		if err != nil {
			return err
		}
		for _, ag := range agents {
			n, err := s.rollupTarget(ctx, tx, req, "agent", ag.AgentID, day, dayEnd)
			if err != nil {
				return err
			}
			changed += n
		}
		n, err := s.rollupTarget(ctx, tx, req, "workspace", req.WorkspaceID, day, dayEnd)
		if err != nil {
			return err
		}
		changed += n
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("survival rollup finished",
		"workspace_id", req.WorkspaceID,
		"entry_date", day.Format(dateLayout),
		"changed", changed)
	return changed, nil
}

func (s *Service) rollupTarget(ctx context.Context, tx *sql.Tx, req SnapshotRequest, targetType, targetID string, day, dayEnd time.Time) (int, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(NULLIF(output->>'cost_cents', '')::bigint), 0),
			COALESCE(SUM(NULLIF(output->>'value_cents', '')::bigint), 0)
		FROM proj_runs
		WHERE workspace_id = $1 AND finished_at >= $2 AND finished_at < $3`
	args := []any{req.WorkspaceID, day, dayEnd}
	if targetType == "agent" {
		args = append(args, targetID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}

	var (
		runs  int
		cost  int64
		value int64
	)
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&runs, &cost, &value); err != nil {
		return 0, fmt.Errorf("sum run economics: %w", err)
	}
	net := value - cost

	var prevCost, prevValue sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT cost_cents, value_cents FROM grw_survival_ledger
		WHERE workspace_id = $1 AND target_type = $2 AND target_id = $3 AND entry_date = $4`,
		req.WorkspaceID, targetType, targetID, day,
	).Scan(&prevCost, &prevValue)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("load survival entry: %w", err)
	}
	if err == nil && prevCost.Int64 == cost && prevValue.Int64 == value {
		return 0, nil
	}

	detail, err := json.Marshal(map[string]any{"runs": runs})
	if err != nil {
		return 0, fmt.Errorf("marshal survival detail: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO grw_survival_ledger (workspace_id, target_type, target_id, entry_date,
			cost_cents, value_cents, net_cents, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workspace_id, target_type, target_id, entry_date)
		DO UPDATE SET cost_cents = EXCLUDED.cost_cents, value_cents = EXCLUDED.value_cents,
			net_cents = EXCLUDED.net_cents, detail = EXCLUDED.detail`,
		req.WorkspaceID, targetType, targetID, day, cost, value, net, detail,
	); err != nil {
		return 0, fmt.Errorf("upsert survival entry: %w", err)
	}

	streamType := eventlog.StreamWorkspace
	streamID := req.WorkspaceID
	if targetType == "agent" {
		streamType = eventlog.StreamAgent
		streamID = targetID
	}
	if _, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
		EventType:   eventlog.TypeSurvivalRollup,
		WorkspaceID: req.WorkspaceID,
		Actor:       req.Actor,
		StreamType:  streamType,
		StreamID:    streamID,
		Data: map[string]any{
			"target_type": targetType,
			"target_id":   targetID,
			"entry_date":  day.Format(dateLayout),
			"cost_cents":  cost,
			"value_cents": value,
			"net_cents":   net,
			"runs":        runs,
		},
	}); err != nil {
		return 0, err
	}
	return 1, nil
}

// Transition is one lifecycle state change.
type Transition struct {
	AgentID string `json:"agent_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason"`
}

// LifecycleAutomation consumes the day's agent survival entries and
// advances the ACTIVE / PROBATION / SUNSET machine. A day with negative
// net grows the probation streak, a non-negative one grows recovery;
// states flip only after two consecutive qualifying days, and SUNSET is
// terminal.
func (s *Service) LifecycleAutomation(ctx context.Context, req SnapshotRequest) ([]Transition, error) {
	if req.WorkspaceID == "" {
		return nil, errors.New("growth: workspace_id is required")
	}
	day, _, _ := snapshotWindows(req.Date, s.clock)

	var transitions []Transition
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT target_id, net_cents FROM grw_survival_ledger
			WHERE workspace_id = $1 AND target_type = 'agent' AND entry_date = $2
			ORDER BY target_id`,
			req.WorkspaceID, day)
		if err != nil {
			return fmt.Errorf("list survival entries: %w", err)
		}
		type entry struct {
			agentID string
			net     int64
		}
		var entries []entry
		for rows.Next() {
			var e entry
			if err := rows.Scan(&e.agentID, &e.net); err != nil {
				rows.Close()
				return fmt.Errorf("scan survival entry: %w", err)
			}
			entries = append(entries, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range entries {
			tr, err := s.advanceLifecycle(ctx, tx, req, e.agentID, e.net, day)
			if err != nil {
				return err
			}
			if tr != nil {
				transitions = append(transitions, *tr)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("lifecycle automation finished",
		"workspace_id", req.WorkspaceID,
		"entry_date", day.Format(dateLayout),
		"transitions", len(transitions))
	return transitions, nil
}

func (s *Service) advanceLifecycle(ctx context.Context, tx *sql.Tx, req SnapshotRequest, agentID string, net int64, day time.Time) (*Transition, error) {
	state := LifecycleActive
	probation, recovery := 0, 0
	err := tx.QueryRowContext(ctx, `
		SELECT state, probation_streak, recovery_streak FROM grw_lifecycle_states
		WHERE workspace_id = $1 AND agent_id = $2`,
		req.WorkspaceID, agentID,
	).Scan(&state, &probation, &recovery)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load lifecycle state: %w", err)
	}
	if state == LifecycleSunset {
		return nil, nil
	}

	if net < 0 {
		probation++
		recovery = 0
	} else {
		recovery++
		probation = 0
	}

	next := state
	reason := ""
	switch {
	case state == LifecycleActive && probation >= lifecycleStreak:
		next, reason = LifecycleProbation, "sustained_negative_net"
	case state == LifecycleProbation && probation >= lifecycleStreak:
		next, reason = LifecycleSunset, "sustained_negative_net"
	case state == LifecycleProbation && recovery >= lifecycleStreak:
		next, reason = LifecycleActive, "sustained_recovery"
	}
	transitioned := next != state
	if transitioned {
		probation, recovery = 0, 0
	}

	now := s.clock().UTC()
	var tr *Transition
	var lastEventID any
	if transitioned {
		receipt, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:   eventlog.TypeLifecycleTransition,
			WorkspaceID: req.WorkspaceID,
			Actor:       req.Actor,
			StreamType:  eventlog.StreamAgent,
			StreamID:    agentID,
			Data: map[string]any{
				"agent_id":   agentID,
				"from":       state,
				"to":         next,
				"reason":     reason,
				"entry_date": day.Format(dateLayout),
			},
		})
		if err != nil {
			return nil, err
		}
		lastEventID = receipt.Event.EventID
		tr = &Transition{AgentID: agentID, From: state, To: next, Reason: reason}
		s.logger.Warn("agent lifecycle transition",
			"workspace_id", req.WorkspaceID,
			"agent_id", agentID,
			"from", state, "to", next, "reason", reason)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO grw_lifecycle_states (workspace_id, agent_id, state, probation_streak,
			recovery_streak, last_transition_at, last_event_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, CASE WHEN $6 THEN $7 END, $8, $7)
		ON CONFLICT (workspace_id, agent_id)
		DO UPDATE SET state = EXCLUDED.state, probation_streak = EXCLUDED.probation_streak,
			recovery_streak = EXCLUDED.recovery_streak,
			last_transition_at = CASE WHEN $6 THEN $7 ELSE grw_lifecycle_states.last_transition_at END,
			last_event_id = CASE WHEN $6 THEN $8 ELSE grw_lifecycle_states.last_event_id END,
			updated_at = EXCLUDED.updated_at`,
		req.WorkspaceID, agentID, next, probation, recovery, transitioned, now, lastEventID,
	); err != nil {
		return nil, fmt.Errorf("upsert lifecycle state: %w", err)
	}
	return tr, nil
}

// snapshotWindows resolves the UTC day bounds for a rollup. Date zero
// means the previous UTC day.
func snapshotWindows(date time.Time, clock func() time.Time) (day, dayEnd, weekStart time.Time) {
	if date.IsZero() {
		date = clock().UTC().AddDate(0, 0, -1)
	}
	t := date.UTC()
	day = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day, day.AddDate(0, 0, 1), day.AddDate(0, 0, -6)
}
