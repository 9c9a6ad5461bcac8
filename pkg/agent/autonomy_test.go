package agent

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/capability"
	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/growth"
)

func trustScoreRow(score float64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"workspace_id", "agent_id", "score", "model_version", "components", "computed_at",
	}).AddRow("ws-1", "agent-1", score, growth.TrustModelVersion, []byte(`{"base":50}`), agentClock())
}

func TestRecommendationDerivesFromTier(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectQuery("FROM proj_agents").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(agentRow(nil, nil, AutonomySupervised))
	h.mock.ExpectQuery("FROM grw_trust_scores").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(trustScoreRow(80))

	rec, err := h.svc.Recommendation(context.Background(), "ws-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, AutonomyAutonomous, rec.RecommendedLevel)
	assert.Equal(t, growth.TierAutonomous, rec.Tier)
	assert.Equal(t, AutonomySupervised, rec.CurrentLevel)
	assert.Equal(t, 80.0, rec.Score)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRecommendationWithoutScoreIsManual(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectQuery("FROM proj_agents").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(agentRow(nil, nil, AutonomySupervised))
	h.mock.ExpectQuery("FROM grw_trust_scores").
		WithArgs("ws-1", "agent-1").
		WillReturnError(sql.ErrNoRows)

	rec, err := h.svc.Recommendation(context.Background(), "ws-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, AutonomyManual, rec.RecommendedLevel)
	assert.Equal(t, growth.TierUntrusted, rec.Tier)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRecommendationQuarantineCapsAtManual(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectQuery("FROM proj_agents").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(agentRow(agentClock(), "compromised", AutonomyAutonomous))
	h.mock.ExpectQuery("FROM grw_trust_scores").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(trustScoreRow(90))

	rec, err := h.svc.Recommendation(context.Background(), "ws-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, AutonomyManual, rec.RecommendedLevel)
	assert.Equal(t, growth.TierAutonomous, rec.Tier)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRecommendRecordsEvent(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectQuery("FROM proj_agents").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(agentRow(nil, nil, AutonomySupervised))
	h.mock.ExpectQuery("FROM grw_trust_scores").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(trustScoreRow(60))
	h.mock.ExpectBegin()
	expectAppend(h.mock, 4)
	h.mock.ExpectCommit()

	rec, err := h.svc.Recommend(context.Background(), "ws-1", "agent-1", operator())
	require.NoError(t, err)
	assert.Equal(t, AutonomySupervised, rec.RecommendedLevel)
	assert.Equal(t, growth.TierTrusted, rec.Tier)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestApproveRequiresHumanDecider(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	_, err := h.svc.Approve(context.Background(), ApproveRequest{
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		Actor:       eventlog.ActorRef{Type: eventlog.ActorAgent, ID: "a-2", PrincipalID: "prn-a2"},
	})
	require.ErrorIs(t, err, ErrApproverNotHuman)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestApproveGrantsTokenMatchingLevel(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_agents").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(agentRow(nil, nil, AutonomySupervised))
	h.mock.ExpectQuery("FROM grw_trust_scores").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(trustScoreRow(80))
	h.mock.ExpectExec("UPDATE proj_agents").
		WithArgs("ws-1", "agent-1", AutonomyAutonomous, agentClock()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAppend(h.mock, 5)
	h.mock.ExpectExec("INSERT INTO cap_tokens").
		WithArgs(sqlmock.AnyArg(), "ws-1", "prn-a1", "prn-u1", nil, 0,
			sqlmock.AnyArg(), agentClock().Add(24*time.Hour), agentClock(), agentClock()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectQuery("idempotency_key").WillReturnError(sql.ErrNoRows)
	expectAppend(h.mock, 1)
	h.mock.ExpectCommit()

	res, err := h.svc.Approve(context.Background(), ApproveRequest{
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		Actor:       operator(),
	})
	require.NoError(t, err)
	assert.Equal(t, AutonomyAutonomous, res.Level)
	require.NotNil(t, res.Token)
	assert.Equal(t, "prn-a1", res.Token.IssuedTo)
	assert.Equal(t, []string{capability.Wildcard}, res.Token.Scopes.EgressDomains)
	assert.Equal(t, []string{capability.Wildcard}, res.Token.Scopes.DataAccess.Write)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestApproveCapsAtRecommendation(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_agents").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(agentRow(nil, nil, AutonomySupervised))
	h.mock.ExpectQuery("FROM grw_trust_scores").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(trustScoreRow(60))
	h.mock.ExpectRollback()

	_, err := h.svc.Approve(context.Background(), ApproveRequest{
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		Level:       AutonomyAutonomous,
		Actor:       operator(),
	})
	require.ErrorIs(t, err, ErrExceedsRecommendation)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestApproveManualGrantsNoToken(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_agents").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(agentRow(nil, nil, AutonomySupervised))
	h.mock.ExpectQuery("FROM grw_trust_scores").
		WithArgs("ws-1", "agent-1").
		WillReturnError(sql.ErrNoRows)
	h.mock.ExpectExec("UPDATE proj_agents").
		WithArgs("ws-1", "agent-1", AutonomyManual, agentClock()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAppend(h.mock, 2)
	h.mock.ExpectCommit()

	res, err := h.svc.Approve(context.Background(), ApproveRequest{
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		Actor:       operator(),
	})
	require.NoError(t, err)
	assert.Equal(t, AutonomyManual, res.Level)
	assert.Nil(t, res.Token)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestApproveQuarantinedRejected(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_agents").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(agentRow(agentClock(), "compromised", AutonomySupervised))
	h.mock.ExpectRollback()

	_, err := h.svc.Approve(context.Background(), ApproveRequest{
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		Actor:       operator(),
	})
	require.ErrorIs(t, err, ErrQuarantined)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}
