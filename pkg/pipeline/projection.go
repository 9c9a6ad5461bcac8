// Package pipeline derives the stable six-stage snapshot external mirrors
// consume. It is a pure read over the proj_* tables: stages are always
// present, ordering is deterministic, and lease fields never serialize.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// SchemaVersion tags the snapshot layout.
const SchemaVersion = "pipeline_projection.v0.1"

// Stage names. All six appear in every snapshot, empty or not.
const (
	StageInbox           = "1_inbox"
	StagePendingApproval = "2_pending_approval"
	StageExecute         = "3_execute_workspace"
	StageReviewEvidence  = "4_review_evidence"
	StagePromoted        = "5_promoted"
	StageDemoted         = "6_demoted"
)

// Stages in display order.
var Stages = []string{
	StageInbox, StagePendingApproval, StageExecute,
	StageReviewEvidence, StagePromoted, StageDemoted,
}

// reviewWorthyCodes marks failed runs that still deserve evidence review.
var reviewWorthyCodes = []string{
	"policy_denied", "approval_required", "permission_denied", "external_write_kill_switch",
}

const defaultLimit = 500

// Item is one snapshot entry. Claim and lease fields are deliberately not
// part of this shape.
type Item struct {
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Status      string          `json:"status"`
	RoomID      string          `json:"room_id,omitempty"`
	Action      string          `json:"action,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
	LastEventID string          `json:"last_event_id,omitempty"`
}

// StageStat reports per-stage truncation.
type StageStat struct {
	Returned  int  `json:"returned"`
	Truncated bool `json:"truncated"`
}

// Meta describes a snapshot.
type Meta struct {
	SchemaVersion    string               `json:"schema_version"`
	GeneratedAt      time.Time            `json:"generated_at"`
	WatermarkEventID string               `json:"watermark_event_id,omitempty"`
	StageStats       map[string]StageStat `json:"stage_stats"`
}

// Snapshot is the full six-stage view.
type Snapshot struct {
	Stages map[string][]Item `json:"stages"`
	Meta   Meta              `json:"meta"`
}

// Service reads snapshots.
type Service struct {
	db     *sql.DB
	clock  func() time.Time
	logger *slog.Logger
}

func NewService(db *sql.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, clock: time.Now, logger: logger}
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Build assembles the snapshot. It always succeeds with all six stages;
// per-stage overflow is reported through stage_stats, never an error. Each
// stage fetches limit+1 rows and truncates, so overflow detection costs one
// extra row instead of a count.
func (s *Service) Build(ctx context.Context, workspaceID string, limit int) (*Snapshot, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	snap := &Snapshot{
		Stages: map[string][]Item{},
		Meta: Meta{
			SchemaVersion: SchemaVersion,
			GeneratedAt:   s.clock().UTC(),
			StageStats:    map[string]StageStat{},
		},
	}
	for _, stage := range Stages {
		snap.Stages[stage] = []Item{}
	}

	approvals, err := s.pendingApprovals(ctx, workspaceID, limit+1)
	if err != nil {
		return nil, err
	}
	executing, err := s.executingRuns(ctx, workspaceID, limit+1)
	if err != nil {
		return nil, err
	}
	review, err := s.reviewRuns(ctx, workspaceID, limit+1, true)
	if err != nil {
		return nil, err
	}
	demoted, err := s.reviewRuns(ctx, workspaceID, limit+1, false)
	if err != nil {
		return nil, err
	}

	fill := func(stage string, items []Item) {
		truncated := len(items) > limit
		if truncated {
			items = items[:limit]
		}
		snap.Stages[stage] = items
		snap.Meta.StageStats[stage] = StageStat{Returned: len(items), Truncated: truncated}
	}
	fill(StageInbox, []Item{})
	fill(StagePendingApproval, approvals)
	fill(StageExecute, executing)
	fill(StageReviewEvidence, review)
	fill(StagePromoted, []Item{})
	fill(StageDemoted, demoted)

	snap.Meta.WatermarkEventID = watermark(snap.Stages)
	return snap, nil
}

func (s *Service) pendingApprovals(ctx context.Context, workspaceID string, fetch int) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT approval_id, status, room_id, action, updated_at, last_event_id
		FROM proj_approvals
		WHERE workspace_id = $1 AND status IN ('pending', 'held')
		ORDER BY updated_at DESC, approval_id ASC
		LIMIT $2`,
		workspaceID, fetch)
	if err != nil {
		return nil, fmt.Errorf("pipeline: pending approvals: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var (
			it          Item
			roomID      sql.NullString
			lastEventID sql.NullString
		)
		if err := rows.Scan(&it.EntityID, &it.Status, &roomID, &it.Action, &it.UpdatedAt, &lastEventID); err != nil {
			return nil, err
		}
		it.EntityType = "approval"
		it.RoomID = roomID.String
		it.LastEventID = lastEventID.String
		it.UpdatedAt = it.UpdatedAt.UTC()
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Service) executingRuns(ctx context.Context, workspaceID string, fetch int) ([]Item, error) {
	return s.runItems(ctx, `
		SELECT run_id, status, room_id, error, updated_at, last_event_id
		FROM proj_runs
		WHERE workspace_id = $1 AND status IN ('queued', 'running')
		ORDER BY updated_at DESC, run_id ASC
		LIMIT $2`,
		workspaceID, fetch)
}

// reviewRuns selects terminal runs: with worthy=true the succeeded runs
// plus review-worthy failures, with worthy=false the remaining failures.
// A failure is review-worthy when an open incident links to it or its
// error code names a governance cutoff.
func (s *Service) reviewRuns(ctx context.Context, workspaceID string, fetch int, worthy bool) ([]Item, error) {
	cond := `r.status = 'succeeded' OR (r.status = 'failed' AND %s)`
	if !worthy {
		cond = `r.status = 'failed' AND NOT (%s)`
	}
	reviewable := `(
		COALESCE(r.error->>'code', '') = ANY($3)
		OR EXISTS (
			SELECT 1 FROM proj_incidents i
			WHERE i.workspace_id = r.workspace_id AND i.status = 'open'
			AND (i.run_id = r.run_id
				OR (i.correlation_id IS NOT NULL AND i.correlation_id = r.correlation_id))
		)
	)`
	query := fmt.Sprintf(`
		SELECT r.run_id, r.status, r.room_id, r.error, r.updated_at, r.last_event_id
		FROM proj_runs r
		WHERE r.workspace_id = $1 AND (`+cond+`)
		ORDER BY r.updated_at DESC, r.run_id ASC
		LIMIT $2`, reviewable)
	return s.runItems(ctx, query, workspaceID, fetch, pq.Array(reviewWorthyCodes))
}

func (s *Service) runItems(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: runs: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var (
			it          Item
			roomID      sql.NullString
			errJSON     []byte
			lastEventID sql.NullString
		)
		if err := rows.Scan(&it.EntityID, &it.Status, &roomID, &errJSON, &it.UpdatedAt, &lastEventID); err != nil {
			return nil, err
		}
		it.EntityType = "run"
		it.RoomID = roomID.String
		it.Error = errJSON
		it.LastEventID = lastEventID.String
		it.UpdatedAt = it.UpdatedAt.UTC()
		out = append(out, it)
	}
	return out, rows.Err()
}

// watermark picks the last_event_id of the most recently updated returned
// item, ties broken by entity id ascending to stay deterministic.
func watermark(stages map[string][]Item) string {
	var (
		best  Item
		found bool
	)
	for _, items := range stages {
		for _, it := range items {
			if it.LastEventID == "" {
				continue
			}
			if !found || it.UpdatedAt.After(best.UpdatedAt) ||
				(it.UpdatedAt.Equal(best.UpdatedAt) && it.EntityID < best.EntityID) {
				best = it
				found = true
			}
		}
	}
	return best.LastEventID
}
