package growth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/store"
)

// Agent skill statuses. Imported skills are claims; certification is
// earned through review and assessment, or granted explicitly.
const (
	SkillStatusImported      = "imported"
	SkillStatusPendingReview = "pending_review"
	SkillStatusCertified     = "certified"
)

// Assessment statuses.
const (
	AssessmentStarted = "started"
	AssessmentPassed  = "passed"
	AssessmentFailed  = "failed"
)

// SkillImport is one claimed skill in an import batch.
type SkillImport struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Level    string `json:"level,omitempty"`
}

// ImportSkillsRequest registers a batch of claimed skills for an agent.
type ImportSkillsRequest struct {
	WorkspaceID string
	AgentID     string
	PackageID   string
	Source      string
	Skills      []SkillImport
	Actor       eventlog.ActorRef
}

// SkillReceipt reports which skills an operation touched.
type SkillReceipt struct {
	AgentID string   `json:"agent_id"`
	Skills  []string `json:"skills"`
}

// Skill is a grw_skills catalog row.
type Skill struct {
	SkillID     string    `json:"skill_id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Category    string    `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AgentSkill is a grw_agent_skills row joined with its catalog entry.
type AgentSkill struct {
	AgentID    string    `json:"agent_id"`
	SkillID    string    `json:"skill_id"`
	Name       string    `json:"name"`
	Category   string    `json:"category,omitempty"`
	Level      string    `json:"level,omitempty"`
	Source     string    `json:"source,omitempty"`
	Status     string    `json:"status"`
	PackageID  string    `json:"package_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OnboardingStatus summarizes how far an agent's skills have moved
// through the pipeline.
type OnboardingStatus struct {
	AgentID       string `json:"agent_id"`
	Total         int    `json:"total"`
	Imported      int    `json:"imported"`
	PendingReview int    `json:"pending_review"`
	Certified     int    `json:"certified"`
	Complete      bool   `json:"complete"`
}

// ImportSkills records claimed skills in status imported and appends one
// skill.imported event for the batch.
func (s *Service) ImportSkills(ctx context.Context, req ImportSkillsRequest) (*SkillReceipt, error) {
	if err := validateImport(req); err != nil {
		return nil, err
	}
	var receipt *SkillReceipt
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		names, err := s.importSkillsTx(ctx, tx, req)
		if err != nil {
			return err
		}
		receipt = &SkillReceipt{AgentID: req.AgentID, Skills: names}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("skills imported", "agent_id", req.AgentID, "count", len(receipt.Skills))
	return receipt, nil
}

// ImportCertify imports the batch and walks it through review and
// auto-assessment in one transaction. The resulting rows, assessments,
// and events match running import, review-pending, and assess-imported
// back to back.
func (s *Service) ImportCertify(ctx context.Context, req ImportSkillsRequest) (*SkillReceipt, error) {
	if err := validateImport(req); err != nil {
		return nil, err
	}
	var receipt *SkillReceipt
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := s.importSkillsTx(ctx, tx, req); err != nil {
			return err
		}
		if _, err := s.reviewPendingTx(ctx, tx, req.WorkspaceID, req.AgentID); err != nil {
			return err
		}
		names, err := s.assessImportedTx(ctx, tx, req.WorkspaceID, req.AgentID, req.Actor)
		if err != nil {
			return err
		}
		receipt = &SkillReceipt{AgentID: req.AgentID, Skills: names}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("skills imported and certified", "agent_id", req.AgentID, "count", len(receipt.Skills))
	return receipt, nil
}

// ReviewPending moves the agent's imported skills into pending_review
// and reports how many moved.
func (s *Service) ReviewPending(ctx context.Context, workspaceID, agentID string) (int, error) {
	var moved int
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		n, err := s.reviewPendingTx(ctx, tx, workspaceID, agentID)
		if err != nil {
			return err
		}
		moved = n
		return nil
	})
	return moved, err
}

// AssessImported auto-assesses every pending_review skill: a passed
// assessment row per skill, then certification for the batch.
func (s *Service) AssessImported(ctx context.Context, workspaceID, agentID string, actor eventlog.ActorRef) (*SkillReceipt, error) {
	var receipt *SkillReceipt
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		names, err := s.assessImportedTx(ctx, tx, workspaceID, agentID, actor)
		if err != nil {
			return err
		}
		receipt = &SkillReceipt{AgentID: agentID, Skills: names}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// CertifyImported certifies the agent's imported and pending_review
// skills directly, with no assessment rows. This is the operator
// override for skills vouched for out of band.
func (s *Service) CertifyImported(ctx context.Context, workspaceID, agentID string, actor eventlog.ActorRef) (*SkillReceipt, error) {
	var receipt *SkillReceipt
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		names, skillIDs, err := listAgentSkillsIn(ctx, tx, workspaceID, agentID,
			[]string{SkillStatusImported, SkillStatusPendingReview})
		if err != nil {
			return err
		}
		if len(skillIDs) == 0 {
			receipt = &SkillReceipt{AgentID: agentID}
			return nil
		}
		if err := certifySkillsTx(ctx, tx, s.clock().UTC(), workspaceID, agentID,
			[]string{SkillStatusImported, SkillStatusPendingReview}); err != nil {
			return err
		}
		if err := s.emitCertified(ctx, tx, workspaceID, agentID, actor, names); err != nil {
			return err
		}
		receipt = &SkillReceipt{AgentID: agentID, Skills: names}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func validateImport(req ImportSkillsRequest) error {
	if req.WorkspaceID == "" || req.AgentID == "" {
		return errors.New("growth: workspace_id and agent_id are required")
	}
	if len(req.Skills) == 0 {
		return errors.New("growth: at least one skill is required")
	}
	for _, sk := range req.Skills {
		if sk.Name == "" {
			return errors.New("growth: skill name is required")
		}
	}
	return nil
}

func (s *Service) importSkillsTx(ctx context.Context, tx *sql.Tx, req ImportSkillsRequest) ([]string, error) {
	now := s.clock().UTC()
	source := req.Source
	if source == "" {
		source = "import"
	}

	names := make([]string, 0, len(req.Skills))
	for _, sk := range req.Skills {
		var skillID string
		err := tx.QueryRowContext(ctx, `
			INSERT INTO grw_skills (skill_id, workspace_id, name, category, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (workspace_id, name)
			DO UPDATE SET category = COALESCE(NULLIF(EXCLUDED.category, ''), grw_skills.category)
			RETURNING skill_id`,
			uuid.NewString(), req.WorkspaceID, sk.Name, sk.Category, now,
		).Scan(&skillID)
		if err != nil {
			return nil, fmt.Errorf("ensure skill %q: %w", sk.Name, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO grw_agent_skills (agent_id, skill_id, workspace_id, level, source, status, package_id, acquired_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			ON CONFLICT (agent_id, skill_id)
			DO UPDATE SET level = EXCLUDED.level, source = EXCLUDED.source,
				status = $6, package_id = EXCLUDED.package_id, updated_at = EXCLUDED.updated_at`,
			req.AgentID, skillID, req.WorkspaceID, sk.Level, source, SkillStatusImported,
			nullIfEmpty(req.PackageID), now,
		); err != nil {
			return nil, fmt.Errorf("upsert agent skill %q: %w", sk.Name, err)
		}
		names = append(names, sk.Name)
	}

	data := map[string]any{"agent_id": req.AgentID, "skills": names, "source": source}
	if req.PackageID != "" {
		data["package_id"] = req.PackageID
	}
	if _, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
		EventType:   eventlog.TypeSkillImported,
		WorkspaceID: req.WorkspaceID,
		Actor:       req.Actor,
		StreamType:  eventlog.StreamAgent,
		StreamID:    req.AgentID,
		Data:        data,
	}); err != nil {
		return nil, err
	}
	return names, nil
}

func (s *Service) reviewPendingTx(ctx context.Context, tx *sql.Tx, workspaceID, agentID string) (int, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE grw_agent_skills SET status = $4, updated_at = $3
		WHERE workspace_id = $1 AND agent_id = $2 AND status = $5`,
		workspaceID, agentID, s.clock().UTC(), SkillStatusPendingReview, SkillStatusImported)
	if err != nil {
		return 0, fmt.Errorf("mark skills pending review: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark skills pending review: %w", err)
	}
	return int(moved), nil
}

func (s *Service) assessImportedTx(ctx context.Context, tx *sql.Tx, workspaceID, agentID string, actor eventlog.ActorRef) ([]string, error) {
	now := s.clock().UTC()
	names, skillIDs, err := listAgentSkillsIn(ctx, tx, workspaceID, agentID, []string{SkillStatusPendingReview})
	if err != nil {
		return nil, err
	}
	if len(skillIDs) == 0 {
		return nil, nil
	}

	detail, err := json.Marshal(map[string]any{"mode": "auto"})
	if err != nil {
		return nil, fmt.Errorf("marshal assessment detail: %w", err)
	}
	for i, skillID := range skillIDs {
		assessmentID := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO grw_skill_assessments (assessment_id, workspace_id, agent_id, skill_id, status, score, detail, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			assessmentID, workspaceID, agentID, skillID, AssessmentPassed, 100.0, detail, now,
		); err != nil {
			return nil, fmt.Errorf("insert assessment: %w", err)
		}
		if _, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:   eventlog.TypeSkillAssessmentPassed,
			WorkspaceID: workspaceID,
			Actor:       actor,
			StreamType:  eventlog.StreamAgent,
			StreamID:    agentID,
			Data: map[string]any{
				"agent_id":      agentID,
				"assessment_id": assessmentID,
				"skill_id":      skillID,
				"skill":         names[i],
				"score":         100.0,
			},
		}); err != nil {
			return nil, err
		}
	}

	if err := certifySkillsTx(ctx, tx, now, workspaceID, agentID, []string{SkillStatusPendingReview}); err != nil {
		return nil, err
	}
	if err := s.emitCertified(ctx, tx, workspaceID, agentID, actor, names); err != nil {
		return nil, err
	}
	return names, nil
}

func certifySkillsTx(ctx context.Context, tx *sql.Tx, now time.Time, workspaceID, agentID string, fromStatuses []string) error {
	args := []any{workspaceID, agentID, now, SkillStatusCertified}
	where := ""
	for _, st := range fromStatuses {
		if where != "" {
			where += ", "
		}
		args = append(args, st)
		where += fmt.Sprintf("$%d", len(args))
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE grw_agent_skills SET status = $4, updated_at = $3
		WHERE workspace_id = $1 AND agent_id = $2 AND status IN (`+where+`)`, args...)
	if err != nil {
		return fmt.Errorf("certify skills: %w", err)
	}
	return nil
}

func (s *Service) emitCertified(ctx context.Context, tx *sql.Tx, workspaceID, agentID string, actor eventlog.ActorRef, names []string) error {
	_, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
		EventType:   eventlog.TypeSkillCertified,
		WorkspaceID: workspaceID,
		Actor:       actor,
		StreamType:  eventlog.StreamAgent,
		StreamID:    agentID,
		Data:        map[string]any{"agent_id": agentID, "skills": names},
	})
	return err
}

func listAgentSkillsIn(ctx context.Context, tx *sql.Tx, workspaceID, agentID string, statuses []string) (names []string, skillIDs []string, err error) {
	args := []any{workspaceID, agentID}
	where := ""
	for _, st := range statuses {
		if where != "" {
			where += ", "
		}
		args = append(args, st)
		where += fmt.Sprintf("$%d", len(args))
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT sk.name, ags.skill_id
		FROM grw_agent_skills ags
		JOIN grw_skills sk ON sk.skill_id = ags.skill_id
		WHERE ags.workspace_id = $1 AND ags.agent_id = $2 AND ags.status IN (`+where+`)
		ORDER BY sk.name`, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list agent skills: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, nil, fmt.Errorf("scan agent skill: %w", err)
		}
		names = append(names, name)
		skillIDs = append(skillIDs, id)
	}
	return names, skillIDs, rows.Err()
}

// AssessmentRequest records one assessment of one skill.
type AssessmentRequest struct {
	WorkspaceID string
	AgentID     string
	SkillID     string
	Status      string
	Score       float64
	Detail      map[string]any
	Actor       eventlog.ActorRef
}

// Assessment is a grw_skill_assessments row.
type Assessment struct {
	AssessmentID string          `json:"assessment_id"`
	WorkspaceID  string          `json:"workspace_id"`
	AgentID      string          `json:"agent_id"`
	SkillID      string          `json:"skill_id"`
	Status       string          `json:"status"`
	Score        float64         `json:"score"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// RecordAssessment persists an assessment outcome and its event. A
// passed assessment certifies the skill.
func (s *Service) RecordAssessment(ctx context.Context, req AssessmentRequest) (*Assessment, error) {
	if req.WorkspaceID == "" || req.AgentID == "" || req.SkillID == "" {
		return nil, errors.New("growth: workspace_id, agent_id and skill_id are required")
	}
	var eventType string
	switch req.Status {
	case AssessmentStarted:
		eventType = eventlog.TypeSkillAssessmentStarted
	case AssessmentPassed:
		eventType = eventlog.TypeSkillAssessmentPassed
	case AssessmentFailed:
		eventType = eventlog.TypeSkillAssessmentFailed
	default:
		return nil, fmt.Errorf("growth: unknown assessment status %q", req.Status)
	}

	now := s.clock().UTC()
	detail, err := json.Marshal(orEmptyMap(req.Detail))
	if err != nil {
		return nil, fmt.Errorf("marshal assessment detail: %w", err)
	}
	assessment := &Assessment{
		AssessmentID: uuid.NewString(),
		WorkspaceID:  req.WorkspaceID,
		AgentID:      req.AgentID,
		SkillID:      req.SkillID,
		Status:       req.Status,
		Score:        req.Score,
		Detail:       detail,
		CreatedAt:    now,
	}

	err = store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var skillName string
		err := tx.QueryRowContext(ctx, `
			SELECT name FROM grw_skills WHERE workspace_id = $1 AND skill_id = $2`,
			req.WorkspaceID, req.SkillID,
		).Scan(&skillName)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load skill: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO grw_skill_assessments (assessment_id, workspace_id, agent_id, skill_id, status, score, detail, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			assessment.AssessmentID, req.WorkspaceID, req.AgentID, req.SkillID,
			req.Status, req.Score, detail, now,
		); err != nil {
			return fmt.Errorf("insert assessment: %w", err)
		}

		if _, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:   eventType,
			WorkspaceID: req.WorkspaceID,
			Actor:       req.Actor,
			StreamType:  eventlog.StreamAgent,
			StreamID:    req.AgentID,
			Data: map[string]any{
				"agent_id":      req.AgentID,
				"assessment_id": assessment.AssessmentID,
				"skill_id":      req.SkillID,
				"skill":         skillName,
				"status":        req.Status,
				"score":         req.Score,
			},
		}); err != nil {
			return err
		}

		if req.Status != AssessmentPassed {
			return nil
		}
		if err := certifySkillsOne(ctx, tx, now, req.WorkspaceID, req.AgentID, req.SkillID); err != nil {
			return err
		}
		return s.emitCertified(ctx, tx, req.WorkspaceID, req.AgentID, req.Actor, []string{skillName})
	})
	if err != nil {
		return nil, err
	}
	return assessment, nil
}

func certifySkillsOne(ctx context.Context, tx *sql.Tx, now time.Time, workspaceID, agentID, skillID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE grw_agent_skills SET status = $4, updated_at = $3
		WHERE workspace_id = $1 AND agent_id = $2 AND skill_id = $5`,
		workspaceID, agentID, now, SkillStatusCertified, skillID)
	if err != nil {
		return fmt.Errorf("certify skill: %w", err)
	}
	return nil
}

// OnboardingStatus reports skill pipeline progress for one agent.
func (s *Service) OnboardingStatus(ctx context.Context, workspaceID, agentID string) (*OnboardingStatus, error) {
	st := OnboardingStatus{AgentID: agentID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'imported'),
			COUNT(*) FILTER (WHERE status = 'pending_review'),
			COUNT(*) FILTER (WHERE status = 'certified')
		FROM grw_agent_skills
		WHERE workspace_id = $1 AND agent_id = $2`,
		workspaceID, agentID,
	).Scan(&st.Total, &st.Imported, &st.PendingReview, &st.Certified)
	if err != nil {
		return nil, fmt.Errorf("onboarding status: %w", err)
	}
	st.Complete = st.Total > 0 && st.Certified == st.Total
	return &st, nil
}

// OnboardingStatuses reports skill pipeline progress for every agent
// with at least one skill.
func (s *Service) OnboardingStatuses(ctx context.Context, workspaceID string) ([]OnboardingStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, COUNT(*),
			COUNT(*) FILTER (WHERE status = 'imported'),
			COUNT(*) FILTER (WHERE status = 'pending_review'),
			COUNT(*) FILTER (WHERE status = 'certified')
		FROM grw_agent_skills
		WHERE workspace_id = $1
		GROUP BY agent_id
		ORDER BY agent_id`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("onboarding statuses: %w", err)
	}
	defer rows.Close()

	var out []OnboardingStatus
	for rows.Next() {
		var st OnboardingStatus
		if err := rows.Scan(&st.AgentID, &st.Total, &st.Imported, &st.PendingReview, &st.Certified); err != nil {
			return nil, fmt.Errorf("scan onboarding status: %w", err)
		}
		st.Complete = st.Total > 0 && st.Certified == st.Total
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListAgentSkills returns the agent's skills joined with the catalog.
func (s *Service) ListAgentSkills(ctx context.Context, workspaceID, agentID string) ([]AgentSkill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ags.agent_id, ags.skill_id, sk.name, COALESCE(sk.category, ''),
			COALESCE(ags.level, ''), COALESCE(ags.source, ''), ags.status,
			COALESCE(ags.package_id, ''), ags.acquired_at, ags.updated_at
		FROM grw_agent_skills ags
		JOIN grw_skills sk ON sk.skill_id = ags.skill_id
		WHERE ags.workspace_id = $1 AND ags.agent_id = $2
		ORDER BY sk.name`,
		workspaceID, agentID)
	if err != nil {
		return nil, fmt.Errorf("list agent skills: %w", err)
	}
	defer rows.Close()

	var out []AgentSkill
	for rows.Next() {
		var as AgentSkill
		if err := rows.Scan(&as.AgentID, &as.SkillID, &as.Name, &as.Category, &as.Level,
			&as.Source, &as.Status, &as.PackageID, &as.AcquiredAt, &as.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent skill: %w", err)
		}
		as.AcquiredAt = as.AcquiredAt.UTC()
		as.UpdatedAt = as.UpdatedAt.UTC()
		out = append(out, as)
	}
	return out, rows.Err()
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
