package run

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/store"
)

// ClaimRequest asks for the oldest claimable run in a workspace. Claimable
// means queued, or running with an expired lease.
type ClaimRequest struct {
	WorkspaceID string
	RoomID      string
	ClaimerID   string
	LeaseTTL    time.Duration
}

// Lease is a successful claim. The token authenticates heartbeat, release,
// and completion for this claim only.
type Lease struct {
	Run            *Run      `json:"run"`
	ClaimToken     string    `json:"claim_token"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// Claim atomically hands one run to an execution engine. The per-workspace
// advisory lock plus FOR UPDATE SKIP LOCKED keeps concurrent claimers from
// ever holding the same run.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (*Lease, error) {
	if req.ClaimerID == "" {
		return nil, errors.New("run: claimer_id is required")
	}
	ttl := req.LeaseTTL
	if ttl <= 0 {
		ttl = s.leaseTTL
	}

	var lease *Lease
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := store.LockWorkspace(ctx, tx, req.WorkspaceID); err != nil {
			return err
		}
		now := s.clock().UTC()

		r, err := s.selectClaimable(ctx, tx, req.WorkspaceID, req.RoomID, now)
		if err != nil {
			return err
		}

		token := uuid.NewString()
		expiresAt := now.Add(ttl)
		if _, err := tx.ExecContext(ctx, `
			UPDATE proj_runs
			SET claimed_by_actor_id = $2, claim_token = $3,
				lease_expires_at = $4, lease_heartbeat_at = $5, updated_at = $5
			WHERE run_id = $1`,
			r.RunID, req.ClaimerID, token, expiresAt, now); err != nil {
			return fmt.Errorf("lease run %s: %w", r.RunID, err)
		}

		// The event carries the claimer, never the token.
		if _, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:     eventlog.TypeRunStarted,
			WorkspaceID:   r.WorkspaceID,
			RoomID:        r.RoomID,
			RunID:         r.RunID,
			Actor:         eventlog.ActorRef{Type: eventlog.ActorService, ID: req.ClaimerID},
			StreamType:    eventlog.StreamRun,
			StreamID:      r.RunID,
			Data:          map[string]any{"claimed_by_actor_id": req.ClaimerID},
			CorrelationID: r.CorrelationID,
		}); err != nil {
			return err
		}

		r.Status = StatusRunning
		r.ClaimedByActorID = req.ClaimerID
		r.ClaimToken = token
		r.LeaseExpiresAt = &expiresAt
		r.LeaseHeartbeatAt = &now
		lease = &Lease{Run: r, ClaimToken: token, LeaseExpiresAt: expiresAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("run claimed",
		"run_id", lease.Run.RunID, "claimed_by", req.ClaimerID, "lease_expires_at", lease.LeaseExpiresAt)
	return lease, nil
}

func (s *Service) selectClaimable(ctx context.Context, tx *sql.Tx, workspaceID, roomID string, now time.Time) (*Run, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM proj_runs
		WHERE workspace_id = $1
			AND (status = 'queued'
				OR (status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < $2))
			AND ($3 = '' OR room_id = $3)
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		workspaceID, now, roomID)
	r, err := scanRun(row)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoRun
	}
	return r, err
}

// LeaseToken identifies one claim.
type LeaseToken struct {
	WorkspaceID string
	RunID       string
	ClaimToken  string
}

// Heartbeat extends an active lease. A stale token, a reclaimed run, or a
// finished run all fail with ErrLeaseTokenMismatch.
func (s *Service) Heartbeat(ctx context.Context, req LeaseToken) (time.Time, error) {
	now := s.clock().UTC()
	expiresAt := now.Add(s.leaseTTL)

	var got time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE proj_runs
		SET lease_heartbeat_at = $4, lease_expires_at = $5, updated_at = $4
		WHERE workspace_id = $1 AND run_id = $2 AND claim_token = $3 AND status = 'running'
		RETURNING lease_expires_at`,
		req.WorkspaceID, req.RunID, req.ClaimToken, now, expiresAt).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, s.diagnoseLeaseFailure(ctx, req)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("heartbeat run %s: %w", req.RunID, err)
	}
	return got.UTC(), nil
}

// Release gives a claimed run back to the queue before completion.
func (s *Service) Release(ctx context.Context, req LeaseToken, reason string) error {
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		r, err := s.lockRun(ctx, tx, req.WorkspaceID, req.RunID)
		if err != nil {
			return err
		}
		if r.ClaimToken == "" || r.ClaimToken != req.ClaimToken {
			return ErrLeaseTokenMismatch
		}
		if r.Status != StatusRunning {
			return ErrLeaseTokenMismatch
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE proj_runs
			SET claim_token = NULL, lease_expires_at = NULL, lease_heartbeat_at = NULL, updated_at = $2
			WHERE run_id = $1`,
			r.RunID, s.clock().UTC()); err != nil {
			return fmt.Errorf("clear lease: %w", err)
		}

		data := map[string]any{}
		if reason != "" {
			data["reason"] = reason
		}
		_, err = s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:     eventlog.TypeRunReleased,
			WorkspaceID:   r.WorkspaceID,
			RoomID:        r.RoomID,
			RunID:         r.RunID,
			Actor:         eventlog.ActorRef{Type: eventlog.ActorService, ID: r.ClaimedByActorID},
			StreamType:    eventlog.StreamRun,
			StreamID:      r.RunID,
			Data:          data,
			CorrelationID: r.CorrelationID,
		})
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Info("run released", "run_id", req.RunID, "reason", reason)
	return nil
}

// ReclaimExpired releases running runs whose lease has lapsed back to the
// queue. The claim path can also hand an expired run straight to the next
// claimer; this sweep covers workspaces with no active claimers so stalled
// work shows up as queued again.
func (s *Service) ReclaimExpired(ctx context.Context, workspaceID string, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	var reclaimed int
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := store.LockWorkspace(ctx, tx, workspaceID); err != nil {
			return err
		}
		now := s.clock().UTC()

		rows, err := tx.QueryContext(ctx, `
			SELECT `+runColumns+` FROM proj_runs
			WHERE workspace_id = $1 AND status = 'running'
				AND lease_expires_at IS NOT NULL AND lease_expires_at < $2
			ORDER BY lease_expires_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED`,
			workspaceID, now, limit)
		if err != nil {
			return fmt.Errorf("select expired leases: %w", err)
		}
		var expired []*Run
		for rows.Next() {
			r, err := scanRun(rows)
			if err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, r)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		for _, r := range expired {
			if _, err := tx.ExecContext(ctx, `
				UPDATE proj_runs
				SET claim_token = NULL, lease_expires_at = NULL, lease_heartbeat_at = NULL, updated_at = $2
				WHERE run_id = $1`,
				r.RunID, now); err != nil {
				return fmt.Errorf("clear expired lease: %w", err)
			}
			if _, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
				EventType:     eventlog.TypeRunReleased,
				WorkspaceID:   r.WorkspaceID,
				RoomID:        r.RoomID,
				RunID:         r.RunID,
				Actor:         eventlog.ActorRef{Type: eventlog.ActorService, ID: r.ClaimedByActorID},
				StreamType:    eventlog.StreamRun,
				StreamID:      r.RunID,
				Data:          map[string]any{"reason": "lease_expired"},
				CorrelationID: r.CorrelationID,
			}); err != nil {
				return err
			}
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		s.logger.Info("expired leases reclaimed", "workspace_id", workspaceID, "count", reclaimed)
	}
	return reclaimed, nil
}

func (s *Service) diagnoseLeaseFailure(ctx context.Context, req LeaseToken) error {
	var token sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT claim_token FROM proj_runs WHERE workspace_id = $1 AND run_id = $2`,
		req.WorkspaceID, req.RunID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect lease for run %s: %w", req.RunID, err)
	}
	return ErrLeaseTokenMismatch
}
