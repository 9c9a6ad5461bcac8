package growth

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/store"
)

func TestRecalculateTrustPersistsAndEmitsDelta(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_agents").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"principal_id", "autonomy_level"}).
			AddRow("prn-a1", "supervised"))
	h.mock.ExpectQuery("FROM proj_runs").
		WithArgs("ws-1", "agent-1", growthClock().Add(-successWindow)).
		WillReturnRows(sqlmock.NewRows([]string{"succeeded", "finished"}).AddRow(5, 10))
	h.mock.ExpectQuery("FROM evt_events").
		WithArgs("ws-1", "prn-a1", eventlog.TypePolicyDenied, growthClock().Add(-violationWindow)).
		WillReturnRows(sqlmock.NewRows([]string{"hours"}).AddRow(2))
	h.mock.ExpectQuery("FROM sec_mistake_counters").
		WithArgs("ws-1", "prn-a1").
		WillReturnRows(sqlmock.NewRows([]string{"repeated"}).AddRow(1))
	h.mock.ExpectQuery("SELECT score FROM grw_trust_scores").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"score"}).AddRow(50.0))
	h.mock.ExpectExec("INSERT INTO grw_trust_scores").
		WithArgs("ws-1", "agent-1", 54.0, TrustModelVersion, sqlmock.AnyArg(), growthClock()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAppend(h.mock, 1) // trust.increased
	h.mock.ExpectCommit()

	ts, err := h.svc.RecalculateTrust(context.Background(), RecalculateTrustRequest{
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		Actor:       opsActor(),
	})
	require.NoError(t, err)

	// 50 base + 15 success + 5 supervised - 12 violations - 4 mistakes.
	assert.Equal(t, 54.0, ts.Score)
	assert.Equal(t, TierTrusted, ts.Tier)
	assert.Equal(t, TrustModelVersion, ts.ModelVersion)
	assert.Equal(t, 15.0, ts.Components.TaskSuccess)
	assert.Equal(t, -12.0, ts.Components.ViolationPenalty)
	assert.Equal(t, -4.0, ts.Components.MistakePenalty)
	assert.Equal(t, 5.0, ts.Components.ApprovalAutonomy)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRecalculateTrustFirstComputationStaysQuiet(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_agents").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"principal_id", "autonomy_level"}).
			AddRow("prn-a1", "autonomous"))
	h.mock.ExpectQuery("FROM proj_runs").
		WillReturnRows(sqlmock.NewRows([]string{"succeeded", "finished"}).AddRow(0, 0))
	h.mock.ExpectQuery("FROM evt_events").
		WillReturnRows(sqlmock.NewRows([]string{"hours"}).AddRow(0))
	h.mock.ExpectQuery("FROM sec_mistake_counters").
		WillReturnRows(sqlmock.NewRows([]string{"repeated"}).AddRow(0))
	h.mock.ExpectQuery("SELECT score FROM grw_trust_scores").
		WillReturnError(sql.ErrNoRows)
	h.mock.ExpectExec("INSERT INTO grw_trust_scores").
		WithArgs("ws-1", "agent-1", 60.0, TrustModelVersion, sqlmock.AnyArg(), growthClock()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	ts, err := h.svc.RecalculateTrust(context.Background(), RecalculateTrustRequest{
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		Actor:       opsActor(),
	})
	require.NoError(t, err)
	assert.Equal(t, 60.0, ts.Score)
	assert.Equal(t, TierTrusted, ts.Tier)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRecalculateTrustUnknownAgent(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_agents").WillReturnError(sql.ErrNoRows)
	h.mock.ExpectRollback()

	_, err := h.svc.RecalculateTrust(context.Background(), RecalculateTrustRequest{
		WorkspaceID: "ws-1",
		AgentID:     "ghost",
		Actor:       opsActor(),
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestTierBands(t *testing.T) {
	cases := []struct {
		score float64
		tier  string
	}{
		{0, TierUntrusted},
		{24.9, TierUntrusted},
		{25, TierProbation},
		{49.9, TierProbation},
		{50, TierTrusted},
		{74.9, TierTrusted},
		{75, TierAutonomous},
		{100, TierAutonomous},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.tier, TierFor(tc.score), "score %v", tc.score)
	}
}

func TestGetTrustReturnsPersistedScore(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	comps := []byte(`{"base":50,"task_success":15,"violation_penalty":-12,"mistake_penalty":-4,"approval_autonomy":5}`)
	h.mock.ExpectQuery("FROM grw_trust_scores").
		WithArgs("ws-1", "agent-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"workspace_id", "agent_id", "score", "model_version", "components", "computed_at",
		}).AddRow("ws-1", "agent-1", 54.0, TrustModelVersion, comps, growthClock()))

	ts, err := h.svc.GetTrust(context.Background(), "ws-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 54.0, ts.Score)
	assert.Equal(t, TierTrusted, ts.Tier)
	assert.Equal(t, 15.0, ts.Components.TaskSuccess)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestGetTrustNotFound(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectQuery("FROM grw_trust_scores").WillReturnError(sql.ErrNoRows)

	_, err := h.svc.GetTrust(context.Background(), "ws-1", "agent-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
