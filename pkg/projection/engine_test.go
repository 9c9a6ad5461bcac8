package projection

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/eventlog"
)

func testEngine(t *testing.T) (*Engine, *sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewEngine(db, eventlog.NewQuery(db), nil), db, mock
}

func runCreatedEvent(seq int64) *eventlog.Event {
	return &eventlog.Event{
		EventID:     "evt-1",
		EventType:   eventlog.TypeRunCreated,
		WorkspaceID: "ws-1",
		RoomID:      "room-1",
		RunID:       "run-1",
		ActorType:   eventlog.ActorUser,
		ActorID:     "user-1",
		Zone:        eventlog.ZoneSupervised,
		StreamType:  eventlog.StreamRun,
		StreamID:    "run-1",
		StreamSeq:   seq,
		OccurredAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		RecordedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Data:        []byte(`{"agent_id":"agent-7","input":{"goal":"x"}}`),
	}
}

func expectMarkApplied(mock sqlmock.Sqlmock, rowsAffected int64) {
	mock.ExpectExec("INSERT INTO evt_applied_events").
		WillReturnResult(sqlmock.NewResult(0, rowsAffected))
}

func TestApplyProjectsRunCreated(t *testing.T) {
	e, db, mock := testEngine(t)

	mock.ExpectBegin()
	expectMarkApplied(mock, 1)
	mock.ExpectExec("INSERT INTO proj_runs").WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Apply(context.Background(), tx, runCreatedEvent(1)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySkipsAlreadyAppliedEvent(t *testing.T) {
	e, db, mock := testEngine(t)

	mock.ExpectBegin()
	expectMarkApplied(mock, 0)

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Apply(context.Background(), tx, runCreatedEvent(1)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyIgnoresTypesWithoutReadModel(t *testing.T) {
	e, db, mock := testEngine(t)

	mock.ExpectBegin()
	expectMarkApplied(mock, 1)

	ev := runCreatedEvent(1)
	ev.EventType = eventlog.TypePolicyDenied

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Apply(context.Background(), tx, ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRunLifecycleUpdates(t *testing.T) {
	e, db, mock := testEngine(t)

	mock.ExpectBegin()
	expectMarkApplied(mock, 1)
	mock.ExpectExec("UPDATE proj_runs").WillReturnResult(sqlmock.NewResult(0, 1))
	expectMarkApplied(mock, 1)
	mock.ExpectExec("UPDATE proj_runs").WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := db.Begin()
	require.NoError(t, err)

	started := runCreatedEvent(2)
	started.EventID = "evt-2"
	started.EventType = eventlog.TypeRunStarted
	started.Data = []byte(`{"claimed_by_actor_id":"worker-1"}`)
	require.NoError(t, e.Apply(context.Background(), tx, started))

	finished := runCreatedEvent(3)
	finished.EventID = "evt-3"
	finished.EventType = eventlog.TypeRunFailed
	finished.Data = []byte(`{"error":{"code":"tool_error"}}`)
	require.NoError(t, e.Apply(context.Background(), tx, finished))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyIncidentUpdateAccumulatesLearnings(t *testing.T) {
	e, db, mock := testEngine(t)

	mock.ExpectBegin()
	expectMarkApplied(mock, 1)
	mock.ExpectExec("jsonb_build_array").WillReturnResult(sqlmock.NewResult(0, 1))

	ev := runCreatedEvent(4)
	ev.EventID = "evt-4"
	ev.EventType = eventlog.TypeIncidentUpdated
	ev.Data = []byte(`{"incident_id":"inc-1","rca":{"cause":"timeout"},"learning":{"note":"retry"}}`)

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Apply(context.Background(), tx, ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuildWipesAndReplaysLog(t *testing.T) {
	e, _, mock := testEngine(t)

	mock.ExpectBegin()
	for range projectionTables {
		mock.ExpectExec("DELETE FROM").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec("DELETE FROM evt_applied_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{
		"event_id", "event_type", "event_version", "occurred_at", "recorded_at", "workspace_id",
		"mission_id", "room_id", "thread_id", "run_id", "step_id",
		"actor_type", "actor_id", "actor_principal_id", "zone",
		"stream_type", "stream_id", "stream_seq",
		"redaction_level", "contains_secrets", "data", "policy_context", "model_context", "display",
		"correlation_id", "causation_id", "idempotency_key", "prev_event_hash", "event_hash",
	}
	mock.ExpectQuery("ORDER BY recorded_at ASC").WillReturnRows(
		sqlmock.NewRows(cols).AddRow(
			"evt-1", eventlog.TypeRunCreated, 1, now, now, "ws-1",
			nil, "room-1", nil, "run-1", nil,
			"user", "user-1", "prn-1", "supervised",
			"run", "run-1", int64(1),
			"none", false, []byte(`{"agent_id":"agent-7"}`), nil, nil, nil,
			nil, nil, nil, "genesis", "hash-1",
		))

	mock.ExpectBegin()
	expectMarkApplied(mock, 1)
	mock.ExpectExec("INSERT INTO proj_runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := e.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
