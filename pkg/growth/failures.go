package growth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wardenlabs/warden/pkg/canonical"
	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/policy"
)

const (
	// mistakeWindow bounds a repeat streak. Counters older than this
	// restart at 1 instead of incrementing.
	mistakeWindow = 24 * time.Hour

	// quarantineRepeats is how many blocked violations of the same kind
	// inside the window put an agent into quarantine.
	quarantineRepeats = 3

	quarantineReason = "repeated_violations"
)

// RecordFailureFromPolicy folds one negative gate decision into the
// learning tables inside the decision's own transaction. It dedupes the
// failure into sec_constraints, bumps the windowed mistake counter, and
// quarantines the agent when the same blocked violation keeps repeating.
func (s *Service) RecordFailureFromPolicy(ctx context.Context, tx *sql.Tx, f policy.Failure) error {
	if f.PrincipalID == "" {
		return nil
	}
	now := s.clock().UTC()

	occurrences, patternHash, err := s.upsertConstraint(ctx, tx, f, now)
	if err != nil {
		return err
	}
	if occurrences == 1 {
		if err := s.emitConstraintLearned(ctx, tx, f, patternHash); err != nil {
			return err
		}
	}

	repeat, err := s.bumpMistakeCounter(ctx, tx, f, now)
	if err != nil {
		return err
	}
	if repeat >= 2 {
		if err := s.emitMistakeRepeated(ctx, tx, f, repeat); err != nil {
			return err
		}
	}

	// The kill switch denies everyone; tripping it is operator state,
	// not agent misbehavior, so it never feeds the quarantine rule.
	if f.Blocked && repeat >= quarantineRepeats &&
		f.ActorType == string(eventlog.ActorAgent) && f.ReasonCode != policy.ReasonKillSwitch {
		if err := s.quarantineOnRepeats(ctx, tx, f, repeat, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) upsertConstraint(ctx context.Context, tx *sql.Tx, f policy.Failure, now time.Time) (int, string, error) {
	patternHash, err := canonical.ParamsHash(map[string]any{
		"category":    f.Category,
		"action":      f.Action,
		"reason_code": f.ReasonCode,
	})
	if err != nil {
		return 0, "", fmt.Errorf("constraint pattern hash: %w", err)
	}
	rule, err := json.Marshal(map[string]any{
		"action":      f.Action,
		"reason_code": f.ReasonCode,
		"blocked":     f.Blocked,
	})
	if err != nil {
		return 0, "", fmt.Errorf("marshal constraint rule: %w", err)
	}

	var occurrences int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sec_constraints (constraint_id, workspace_id, principal_id, category,
			pattern_hash, rule, occurrences, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)
		ON CONFLICT (principal_id, category, pattern_hash)
		DO UPDATE SET occurrences = sec_constraints.occurrences + 1, last_seen = EXCLUDED.last_seen
		RETURNING occurrences`,
		uuid.NewString(), f.WorkspaceID, f.PrincipalID, f.Category, patternHash, rule, now,
	).Scan(&occurrences)
	if err != nil {
		return 0, "", fmt.Errorf("upsert constraint: %w", err)
	}
	return occurrences, patternHash, nil
}

func (s *Service) bumpMistakeCounter(ctx context.Context, tx *sql.Tx, f policy.Failure, now time.Time) (int, error) {
	var repeat int
	err := tx.QueryRowContext(ctx, `
		INSERT INTO sec_mistake_counters (counter_id, workspace_id, principal_id, category,
			reason_code, repeat_count, window_started_at, last_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
		ON CONFLICT (principal_id, category, reason_code)
		DO UPDATE SET
			repeat_count = CASE WHEN sec_mistake_counters.window_started_at < $7
				THEN 1 ELSE sec_mistake_counters.repeat_count + 1 END,
			window_started_at = CASE WHEN sec_mistake_counters.window_started_at < $7
				THEN EXCLUDED.window_started_at ELSE sec_mistake_counters.window_started_at END,
			last_at = EXCLUDED.last_at
		RETURNING repeat_count`,
		uuid.NewString(), f.WorkspaceID, f.PrincipalID, f.Category, f.ReasonCode,
		now, now.Add(-mistakeWindow),
	).Scan(&repeat)
	if err != nil {
		return 0, fmt.Errorf("bump mistake counter: %w", err)
	}
	return repeat, nil
}

func (s *Service) emitConstraintLearned(ctx context.Context, tx *sql.Tx, f policy.Failure, patternHash string) error {
	_, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
		EventType:   eventlog.TypeConstraintLearned,
		WorkspaceID: f.WorkspaceID,
		Actor:       failureActor(f),
		RoomID:      f.RoomID,
		StreamType:  eventlog.StreamWorkspace,
		StreamID:    f.WorkspaceID,
		Data: map[string]any{
			"principal_id": f.PrincipalID,
			"category":     f.Category,
			"pattern_hash": patternHash,
			"action":       f.Action,
			"reason_code":  f.ReasonCode,
		},
	})
	return err
}

func (s *Service) emitMistakeRepeated(ctx context.Context, tx *sql.Tx, f policy.Failure, repeat int) error {
	_, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
		EventType:   eventlog.TypeMistakeRepeated,
		WorkspaceID: f.WorkspaceID,
		Actor:       failureActor(f),
		RoomID:      f.RoomID,
		StreamType:  eventlog.StreamWorkspace,
		StreamID:    f.WorkspaceID,
		Data: map[string]any{
			"principal_id": f.PrincipalID,
			"category":     f.Category,
			"reason_code":  f.ReasonCode,
			"repeat_count": repeat,
		},
	})
	return err
}

// quarantineOnRepeats flips proj_agents in place and only emits
// agent.quarantined when this call made the transition, so concurrent
// failures cannot double-announce it.
func (s *Service) quarantineOnRepeats(ctx context.Context, tx *sql.Tx, f policy.Failure, repeat int, now time.Time) error {
	var agentID string
	err := tx.QueryRowContext(ctx, `
		UPDATE proj_agents
		SET quarantined_at = $2, quarantine_reason = $3, updated_at = $2
		WHERE principal_id = $1 AND quarantined_at IS NULL
		RETURNING agent_id`,
		f.PrincipalID, now, quarantineReason,
	).Scan(&agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("quarantine agent: %w", err)
	}

	s.logger.Warn("agent quarantined on repeated violations",
		"agent_id", agentID,
		"principal_id", f.PrincipalID,
		"category", f.Category,
		"reason_code", f.ReasonCode,
		"repeat_count", repeat)

	_, err = s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
		EventType:   eventlog.TypeAgentQuarantined,
		WorkspaceID: f.WorkspaceID,
		Actor:       failureActor(f),
		StreamType:  eventlog.StreamAgent,
		StreamID:    agentID,
		Data: map[string]any{
			"agent_id":     agentID,
			"principal_id": f.PrincipalID,
			"reason":       quarantineReason,
			"repeat_count": repeat,
		},
	})
	return err
}

func failureActor(f policy.Failure) eventlog.ActorRef {
	return eventlog.ActorRef{
		Type:        eventlog.ActorType(f.ActorType),
		ID:          f.ActorID,
		PrincipalID: f.PrincipalID,
	}
}
