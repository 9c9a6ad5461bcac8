package incident

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/canonical"
	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/identity"
	"github.com/wardenlabs/warden/pkg/store"
)

var incidentClock = func() time.Time {
	return time.Date(2025, 6, 3, 8, 15, 0, 0, time.UTC)
}

type harness struct {
	svc   *Service
	db    *sql.DB
	mock  sqlmock.Sqlmock
	close func()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	scanner, err := eventlog.NewScanner(nil)
	require.NoError(t, err)
	writer := eventlog.NewWriter(db, identity.NewResolver(db), scanner, nil).WithClock(incidentClock)
	svc := NewService(db, writer, nil)
	return &harness{svc: svc, db: db, mock: mock, close: func() { db.Close() }}
}

func opsActor() eventlog.ActorRef {
	return eventlog.ActorRef{Type: eventlog.ActorUser, ID: "u-1", PrincipalID: "prn-u1"}
}

func expectAppend(mock sqlmock.Sqlmock, seq int64) {
	mock.ExpectExec("SAVEPOINT append_event").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO evt_stream_heads").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT next_seq FROM evt_stream_heads").
		WillReturnRows(sqlmock.NewRows([]string{"next_seq"}).AddRow(seq))
	mock.ExpectExec("UPDATE evt_stream_heads SET next_seq").WillReturnResult(sqlmock.NewResult(0, 1))
	if seq > 1 {
		mock.ExpectQuery("SELECT event_hash FROM evt_events").
			WillReturnRows(sqlmock.NewRows([]string{"event_hash"}).AddRow("f00d"))
	}
	mock.ExpectExec("INSERT INTO evt_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("RELEASE SAVEPOINT append_event").WillReturnResult(sqlmock.NewResult(0, 0))
}

func incidentColumnNames() []string {
	return []string{
		"incident_id", "workspace_id", "status", "severity", "title", "description",
		"rca", "learnings", "run_id", "correlation_id", "opened_at", "closed_at",
		"created_at", "updated_at",
	}
}

// incidentRow builds a lock-query result. rca and learnings arrive as the
// raw JSONB bytes the projection stored, nil when absent.
func incidentRow(status string, rca, learnings any) *sqlmock.Rows {
	now := incidentClock()
	var closedAt any
	if status == StatusClosed {
		closedAt = now
	}
	return sqlmock.NewRows(incidentColumnNames()).AddRow(
		"inc-1", "ws-1", status, SeverityHigh, "db outage", "primary unreachable",
		rca, learnings, "run-9", "corr-9", now, closedAt, now, now,
	)
}

// storedOpenedRow is the evt_events row an idempotency probe returns for a
// previously appended incident.opened.
func storedOpenedRow(key string) *sqlmock.Rows {
	now := incidentClock()
	return sqlmock.NewRows([]string{
		"event_id", "event_type", "event_version", "occurred_at", "recorded_at", "workspace_id",
		"mission_id", "room_id", "thread_id", "run_id", "step_id",
		"actor_type", "actor_id", "actor_principal_id", "zone",
		"stream_type", "stream_id", "stream_seq",
		"redaction_level", "contains_secrets", "data", "policy_context", "model_context", "display",
		"correlation_id", "causation_id", "idempotency_key", "prev_event_hash", "event_hash",
	}).AddRow(
		"evt-1", eventlog.TypeIncidentOpened, 1, now, now, "ws-1",
		nil, nil, nil, "run-9", nil,
		"user", "u-1", "prn-u1", eventlog.ZoneSupervised,
		eventlog.StreamWorkspace, "ws-1", int64(3),
		eventlog.RedactionNone, false, []byte(`{"incident_id":"inc-1","severity":"high","title":"db outage"}`), nil, nil, nil,
		nil, nil, key, canonical.GenesisHash, "aaaa",
	)
}

func TestOpenAppendsWorkspaceEvent(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("idempotency_key").WillReturnError(sql.ErrNoRows)
	expectAppend(h.mock, 1)
	h.mock.ExpectCommit()

	receipt, err := h.svc.Open(context.Background(), OpenRequest{
		WorkspaceID:    "ws-1",
		Severity:       SeverityHigh,
		Title:          "db outage",
		Description:    "primary unreachable",
		RunID:          "run-9",
		Actor:          opsActor(),
		IdempotencyKey: "open-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.IncidentID)
	assert.NotEmpty(t, receipt.EventID)
	assert.Equal(t, StatusOpen, receipt.Status)
	assert.False(t, receipt.Deduped)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestOpenDedupesOnIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("idempotency_key").WillReturnRows(storedOpenedRow("open-1"))
	h.mock.ExpectCommit()

	receipt, err := h.svc.Open(context.Background(), OpenRequest{
		WorkspaceID:    "ws-1",
		Severity:       SeverityHigh,
		Title:          "db outage",
		Actor:          opsActor(),
		IdempotencyKey: "open-1",
	})
	require.NoError(t, err)
	assert.True(t, receipt.Deduped)
	assert.Equal(t, "inc-1", receipt.IncidentID)
	assert.Equal(t, "evt-1", receipt.EventID)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestOpenRejectsUnknownSeverity(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	_, err := h.svc.Open(context.Background(), OpenRequest{
		WorkspaceID: "ws-1",
		Severity:    "catastrophic",
		Title:       "db outage",
		Actor:       opsActor(),
	})
	require.ErrorContains(t, err, "unknown severity")
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestAddRCAAppendsUpdate(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_incidents").
		WithArgs("ws-1", "inc-1").
		WillReturnRows(incidentRow(StatusOpen, nil, []byte(`[]`)))
	expectAppend(h.mock, 4)
	h.mock.ExpectCommit()

	receipt, err := h.svc.AddRCA(context.Background(), RCARequest{
		WorkspaceID: "ws-1",
		IncidentID:  "inc-1",
		RCA:         map[string]any{"cause": "missing index on proj_runs"},
		Actor:       opsActor(),
	})
	require.NoError(t, err)
	assert.Equal(t, "inc-1", receipt.IncidentID)
	assert.Equal(t, StatusOpen, receipt.Status)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestAddLearningRejectedAfterClose(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_incidents").
		WithArgs("ws-1", "inc-1").
		WillReturnRows(incidentRow(StatusClosed, []byte(`{"cause":"x"}`), []byte(`[{"note":"y"}]`)))
	h.mock.ExpectRollback()

	_, err := h.svc.AddLearning(context.Background(), LearningRequest{
		WorkspaceID: "ws-1",
		IncidentID:  "inc-1",
		Learning:    map[string]any{"note": "add index"},
		Actor:       opsActor(),
	})
	require.ErrorIs(t, err, ErrAlreadyClosed)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestCloseBlockedWithoutRCA(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_incidents").
		WithArgs("ws-1", "inc-1").
		WillReturnRows(incidentRow(StatusOpen, nil, []byte(`[{"note":"add index"}]`)))
	h.mock.ExpectRollback()

	_, err := h.svc.Close(context.Background(), CloseRequest{
		WorkspaceID: "ws-1",
		IncidentID:  "inc-1",
		Actor:       opsActor(),
	})
	require.ErrorIs(t, err, ErrMissingRCA)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestCloseBlockedWithoutLearning(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_incidents").
		WithArgs("ws-1", "inc-1").
		WillReturnRows(incidentRow(StatusOpen, []byte(`{"cause":"missing index"}`), []byte(`[]`)))
	h.mock.ExpectRollback()

	_, err := h.svc.Close(context.Background(), CloseRequest{
		WorkspaceID: "ws-1",
		IncidentID:  "inc-1",
		Actor:       opsActor(),
	})
	require.ErrorIs(t, err, ErrMissingLearning)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestCloseAppendsWhenDocumented(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_incidents").
		WithArgs("ws-1", "inc-1").
		WillReturnRows(incidentRow(StatusOpen, []byte(`{"cause":"missing index"}`), []byte(`[{"note":"add index"}]`)))
	expectAppend(h.mock, 5)
	h.mock.ExpectCommit()

	receipt, err := h.svc.Close(context.Background(), CloseRequest{
		WorkspaceID: "ws-1",
		IncidentID:  "inc-1",
		Actor:       opsActor(),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, receipt.Status)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestCloseIsTerminal(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_incidents").
		WithArgs("ws-1", "inc-1").
		WillReturnRows(incidentRow(StatusClosed, []byte(`{"cause":"x"}`), []byte(`[{"note":"y"}]`)))
	h.mock.ExpectRollback()

	_, err := h.svc.Close(context.Background(), CloseRequest{
		WorkspaceID: "ws-1",
		IncidentID:  "inc-1",
		Actor:       opsActor(),
	})
	require.ErrorIs(t, err, ErrAlreadyClosed)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectQuery("FROM proj_incidents").
		WithArgs("ws-1", "inc-404").
		WillReturnError(sql.ErrNoRows)

	_, err := h.svc.Get(context.Background(), "ws-1", "inc-404")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestListFiltersByStatus(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectQuery("FROM proj_incidents").
		WithArgs("ws-1", StatusOpen, 100).
		WillReturnRows(incidentRow(StatusOpen, nil, []byte(`[]`)))

	out, err := h.svc.List(context.Background(), "ws-1", ListFilter{Status: StatusOpen})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "inc-1", out[0].IncidentID)
	assert.Empty(t, out[0].Learnings)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}
