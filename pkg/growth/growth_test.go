package growth

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/identity"
)

var growthClock = func() time.Time {
	return time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
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
	writer := eventlog.NewWriter(db, identity.NewResolver(db), scanner, nil).WithClock(growthClock)
	svc := NewService(db, writer, nil).WithClock(growthClock)
	return &harness{svc: svc, db: db, mock: mock, close: func() { db.Close() }}
}

func agentActor() eventlog.ActorRef {
	return eventlog.ActorRef{Type: eventlog.ActorAgent, ID: "a-1", PrincipalID: "prn-a1"}
}

func opsActor() eventlog.ActorRef {
	return eventlog.ActorRef{Type: eventlog.ActorUser, ID: "u-1", PrincipalID: "prn-u1"}
}

// expectAppend scripts one unkeyed append. Growth events carry no
// idempotency key, so the writer goes straight to sequence allocation.
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
