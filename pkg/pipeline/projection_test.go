package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pipelineClock = func() time.Time {
	return time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	svc := NewService(db, nil).WithClock(pipelineClock)
	return svc, mock, func() { db.Close() }
}

func approvalColumns() []string {
	return []string{"approval_id", "status", "room_id", "action", "updated_at", "last_event_id"}
}

func runColumns() []string {
	return []string{"run_id", "status", "room_id", "error", "updated_at", "last_event_id"}
}

func TestBuildFillsAllStages(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	now := pipelineClock()
	mock.ExpectQuery("FROM proj_approvals").
		WithArgs("ws-1", 501).
		WillReturnRows(sqlmock.NewRows(approvalColumns()).
			AddRow("apr-2", "pending", "room-1", "external.message.send", now, "ev-9").
			AddRow("apr-1", "held", "room-1", "payments.charge", now.Add(-time.Minute), "ev-5"))
	mock.ExpectQuery("FROM proj_runs").
		WithArgs("ws-1", 501).
		WillReturnRows(sqlmock.NewRows(runColumns()).
			AddRow("run-3", "running", "room-1", nil, now.Add(-2*time.Minute), "ev-7"))
	mock.ExpectQuery("FROM proj_runs r").
		WithArgs("ws-1", 501, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(runColumns()).
			AddRow("run-2", "succeeded", "room-1", nil, now.Add(-3*time.Minute), "ev-6").
			AddRow("run-1", "failed", "room-1", []byte(`{"code":"policy_denied"}`), now.Add(-4*time.Minute), "ev-4"))
	mock.ExpectQuery("FROM proj_runs r").
		WithArgs("ws-1", 501, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(runColumns()).
			AddRow("run-0", "failed", "room-1", []byte(`{"code":"tool_error"}`), now.Add(-5*time.Minute), "ev-2"))

	snap, err := svc.Build(context.Background(), "ws-1", 0)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, snap.Stages, len(Stages))
	for _, stage := range Stages {
		_, ok := snap.Stages[stage]
		assert.True(t, ok, stage)
	}

	assert.Empty(t, snap.Stages[StageInbox])
	assert.Empty(t, snap.Stages[StagePromoted])
	require.Len(t, snap.Stages[StagePendingApproval], 2)
	assert.Equal(t, "apr-2", snap.Stages[StagePendingApproval][0].EntityID)
	assert.Equal(t, "approval", snap.Stages[StagePendingApproval][0].EntityType)
	require.Len(t, snap.Stages[StageExecute], 1)
	require.Len(t, snap.Stages[StageReviewEvidence], 2)
	assert.Equal(t, "run-1", snap.Stages[StageReviewEvidence][1].EntityID)
	require.Len(t, snap.Stages[StageDemoted], 1)
	assert.Equal(t, "run-0", snap.Stages[StageDemoted][0].EntityID)

	assert.Equal(t, SchemaVersion, snap.Meta.SchemaVersion)
	assert.Equal(t, pipelineClock(), snap.Meta.GeneratedAt)
	// Watermark follows the newest returned item.
	assert.Equal(t, "ev-9", snap.Meta.WatermarkEventID)
	assert.Equal(t, StageStat{Returned: 2, Truncated: false}, snap.Meta.StageStats[StagePendingApproval])
	assert.Equal(t, StageStat{Returned: 0, Truncated: false}, snap.Meta.StageStats[StageInbox])
}

func TestBuildTruncatesPerStage(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	now := pipelineClock()
	approvals := sqlmock.NewRows(approvalColumns())
	// limit 2 fetches 3; the extra row flips the truncation flag.
	approvals.AddRow("apr-3", "pending", "room-1", "a", now, "ev-3")
	approvals.AddRow("apr-2", "pending", "room-1", "b", now.Add(-time.Second), "ev-2")
	approvals.AddRow("apr-1", "pending", "room-1", "c", now.Add(-2*time.Second), "ev-1")
	mock.ExpectQuery("FROM proj_approvals").WithArgs("ws-1", 3).WillReturnRows(approvals)
	mock.ExpectQuery("FROM proj_runs").WithArgs("ws-1", 3).
		WillReturnRows(sqlmock.NewRows(runColumns()))
	mock.ExpectQuery("FROM proj_runs r").WithArgs("ws-1", 3, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(runColumns()))
	mock.ExpectQuery("FROM proj_runs r").WithArgs("ws-1", 3, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(runColumns()))

	snap, err := svc.Build(context.Background(), "ws-1", 2)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, snap.Stages[StagePendingApproval], 2)
	assert.Equal(t, "apr-3", snap.Stages[StagePendingApproval][0].EntityID)
	assert.Equal(t, StageStat{Returned: 2, Truncated: true}, snap.Meta.StageStats[StagePendingApproval])
	assert.Equal(t, StageStat{Returned: 0, Truncated: false}, snap.Meta.StageStats[StageExecute])
}

func TestBuildEmptyWorkspace(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	mock.ExpectQuery("FROM proj_approvals").WillReturnRows(sqlmock.NewRows(approvalColumns()))
	mock.ExpectQuery("FROM proj_runs").WillReturnRows(sqlmock.NewRows(runColumns()))
	mock.ExpectQuery("FROM proj_runs r").WillReturnRows(sqlmock.NewRows(runColumns()))
	mock.ExpectQuery("FROM proj_runs r").WillReturnRows(sqlmock.NewRows(runColumns()))

	snap, err := svc.Build(context.Background(), "ws-1", 0)
	require.NoError(t, err)

	require.Len(t, snap.Stages, 6)
	for _, stage := range Stages {
		assert.Empty(t, snap.Stages[stage])
	}
	assert.Empty(t, snap.Meta.WatermarkEventID)
}

func TestSnapshotNeverSerializesLeaseFields(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	now := pipelineClock()
	mock.ExpectQuery("FROM proj_approvals").WillReturnRows(sqlmock.NewRows(approvalColumns()))
	mock.ExpectQuery("FROM proj_runs").
		WillReturnRows(sqlmock.NewRows(runColumns()).
			AddRow("run-1", "running", "room-1", nil, now, "ev-1"))
	mock.ExpectQuery("FROM proj_runs r").WillReturnRows(sqlmock.NewRows(runColumns()))
	mock.ExpectQuery("FROM proj_runs r").WillReturnRows(sqlmock.NewRows(runColumns()))

	snap, err := svc.Build(context.Background(), "ws-1", 0)
	require.NoError(t, err)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "claim_token")
	assert.NotContains(t, string(data), "claimed_by")
	assert.NotContains(t, string(data), "lease_expires_at")
	assert.NotContains(t, string(data), "lease_heartbeat_at")
}
