package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/canonical"
	"github.com/wardenlabs/warden/pkg/eventlog"
)

func auditClock() time.Time {
	return time.Date(2025, 6, 5, 9, 0, 0, 0, time.UTC)
}

func newService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	svc := NewService(db, eventlog.NewQuery(db), nil)
	return svc, mock, func() { db.Close() }
}

// buildChain fabricates a valid hash chain the way the writer would have
// persisted it.
func buildChain(t *testing.T, streamID string, n int) []*eventlog.Event {
	t.Helper()
	prev := canonical.GenesisHash
	out := make([]*eventlog.Event, 0, n)
	for i := 1; i <= n; i++ {
		ev := &eventlog.Event{
			EventID:          fmt.Sprintf("evt-%s-%d", streamID, i),
			EventType:        "room.message.created",
			EventVersion:     1,
			OccurredAt:       auditClock(),
			RecordedAt:       auditClock(),
			WorkspaceID:      "ws-1",
			ActorType:        eventlog.ActorAgent,
			ActorID:          "a-1",
			ActorPrincipalID: "prn-a1",
			Zone:             eventlog.ZoneSupervised,
			StreamType:       eventlog.StreamRoom,
			StreamID:         streamID,
			StreamSeq:        int64(i),
			RedactionLevel:   eventlog.RedactionNone,
			Data:             json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			PrevEventHash:    prev,
		}
		hash, err := eventlog.ComputeEventHash(ev)
		require.NoError(t, err)
		ev.EventHash = hash
		prev = hash
		out = append(out, ev)
	}
	return out
}

func eventColumnNames() []string {
	return []string{
		"event_id", "event_type", "event_version", "occurred_at", "recorded_at", "workspace_id",
		"mission_id", "room_id", "thread_id", "run_id", "step_id",
		"actor_type", "actor_id", "actor_principal_id", "zone",
		"stream_type", "stream_id", "stream_seq",
		"redaction_level", "contains_secrets", "data", "policy_context", "model_context", "display",
		"correlation_id", "causation_id", "idempotency_key", "prev_event_hash", "event_hash",
	}
}

func eventRows(events ...*eventlog.Event) *sqlmock.Rows {
	rows := sqlmock.NewRows(eventColumnNames())
	for _, ev := range events {
		rows.AddRow(
			ev.EventID, ev.EventType, ev.EventVersion, ev.OccurredAt, ev.RecordedAt, ev.WorkspaceID,
			nil, nil, nil, nil, nil,
			string(ev.ActorType), ev.ActorID, ev.ActorPrincipalID, ev.Zone,
			ev.StreamType, ev.StreamID, ev.StreamSeq,
			ev.RedactionLevel, ev.ContainsSecrets, []byte(ev.Data), nil, nil, nil,
			nil, nil, nil, ev.PrevEventHash, ev.EventHash,
		)
	}
	return rows
}

func TestVerifyStreamCleanChain(t *testing.T) {
	svc, mock, done := newService(t)
	defer done()

	chain := buildChain(t, "room-1", 3)
	mock.ExpectQuery("FROM evt_events").
		WithArgs(eventlog.StreamRoom, "room-1", int64(1), 500).
		WillReturnRows(eventRows(chain...))

	rep, err := svc.VerifyStream(context.Background(), eventlog.StreamRoom, "room-1", 0)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.Equal(t, int64(3), rep.Checked)
	assert.Equal(t, chain[2].EventHash, rep.LastEventHash)
	assert.Nil(t, rep.FirstMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyStreamFlagsTamperedPayload(t *testing.T) {
	svc, mock, done := newService(t)
	defer done()

	chain := buildChain(t, "room-1", 3)
	tampered := *chain[1]
	tampered.Data = json.RawMessage(`{"n":999}`)
	mock.ExpectQuery("FROM evt_events").
		WithArgs(eventlog.StreamRoom, "room-1", int64(1), 500).
		WillReturnRows(eventRows(chain[0], &tampered, chain[2]))

	rep, err := svc.VerifyStream(context.Background(), eventlog.StreamRoom, "room-1", 0)
	require.NoError(t, err)
	assert.False(t, rep.Valid)
	assert.Equal(t, int64(1), rep.Checked)
	assert.Equal(t, chain[0].EventHash, rep.LastEventHash)
	require.NotNil(t, rep.FirstMismatch)
	assert.Equal(t, "event_hash", rep.FirstMismatch.Field)
	assert.Equal(t, int64(2), rep.FirstMismatch.StreamSeq)
	assert.Equal(t, chain[1].EventHash, rep.FirstMismatch.Got)
	assert.NotEqual(t, rep.FirstMismatch.Expect, rep.FirstMismatch.Got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyStreamFlagsBrokenLink(t *testing.T) {
	svc, mock, done := newService(t)
	defer done()

	chain := buildChain(t, "room-1", 2)
	forged := *chain[1]
	forged.PrevEventHash = "beef"
	mock.ExpectQuery("FROM evt_events").
		WithArgs(eventlog.StreamRoom, "room-1", int64(1), 500).
		WillReturnRows(eventRows(chain[0], &forged))

	rep, err := svc.VerifyStream(context.Background(), eventlog.StreamRoom, "room-1", 0)
	require.NoError(t, err)
	assert.False(t, rep.Valid)
	assert.Equal(t, int64(1), rep.Checked)
	require.NotNil(t, rep.FirstMismatch)
	assert.Equal(t, "prev_event_hash", rep.FirstMismatch.Field)
	assert.Equal(t, chain[0].EventHash, rep.FirstMismatch.Expect)
	assert.Equal(t, "beef", rep.FirstMismatch.Got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyStreamFlagsSequenceGap(t *testing.T) {
	svc, mock, done := newService(t)
	defer done()

	chain := buildChain(t, "room-1", 3)
	mock.ExpectQuery("FROM evt_events").
		WithArgs(eventlog.StreamRoom, "room-1", int64(1), 500).
		WillReturnRows(eventRows(chain[0], chain[2]))

	rep, err := svc.VerifyStream(context.Background(), eventlog.StreamRoom, "room-1", 0)
	require.NoError(t, err)
	assert.False(t, rep.Valid)
	require.NotNil(t, rep.FirstMismatch)
	assert.Equal(t, "stream_seq", rep.FirstMismatch.Field)
	assert.Equal(t, "2", rep.FirstMismatch.Expect)
	assert.Equal(t, "3", rep.FirstMismatch.Got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyStreamHonorsLimit(t *testing.T) {
	svc, mock, done := newService(t)
	defer done()

	chain := buildChain(t, "room-1", 2)
	mock.ExpectQuery("FROM evt_events").
		WithArgs(eventlog.StreamRoom, "room-1", int64(1), 2).
		WillReturnRows(eventRows(chain...))

	rep, err := svc.VerifyStream(context.Background(), eventlog.StreamRoom, "room-1", 2)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.Equal(t, int64(2), rep.Checked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyStreamEmptyStream(t *testing.T) {
	svc, mock, done := newService(t)
	defer done()

	mock.ExpectQuery("FROM evt_events").
		WithArgs(eventlog.StreamRoom, "room-9", int64(1), 500).
		WillReturnRows(eventRows())

	rep, err := svc.VerifyStream(context.Background(), eventlog.StreamRoom, "room-9", 0)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.Equal(t, int64(0), rep.Checked)
	assert.Empty(t, rep.LastEventHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyWorkspaceAggregates(t *testing.T) {
	svc, mock, done := newService(t)
	defer done()

	mock.ExpectQuery("SELECT DISTINCT stream_type, stream_id FROM evt_events").
		WithArgs("ws-1").
		WillReturnRows(sqlmock.NewRows([]string{"stream_type", "stream_id"}).
			AddRow("room", "room-1").
			AddRow("room", "room-2"))

	good := buildChain(t, "room-1", 1)
	mock.ExpectQuery("FROM evt_events").
		WithArgs("room", "room-1", int64(1), 500).
		WillReturnRows(eventRows(good...))

	bad := buildChain(t, "room-2", 1)
	tampered := *bad[0]
	tampered.Data = json.RawMessage(`{"n":999}`)
	mock.ExpectQuery("FROM evt_events").
		WithArgs("room", "room-2", int64(1), 500).
		WillReturnRows(eventRows(&tampered))

	rep, err := svc.VerifyWorkspace(context.Background(), "ws-1", 0)
	require.NoError(t, err)
	assert.False(t, rep.Valid)
	assert.Equal(t, 2, rep.Streams)
	assert.Equal(t, int64(1), rep.Checked)
	require.Len(t, rep.Broken, 1)
	assert.Equal(t, "room-2", rep.Broken[0].StreamID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedactionsFilterByRule(t *testing.T) {
	svc, mock, done := newService(t)
	defer done()

	mock.ExpectQuery("FROM evt_redaction_log").
		WithArgs("ws-1", "rule-aws-key", 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"redaction_id", "workspace_id", "event_id", "stream_type", "stream_id",
			"rule_id", "action", "detail", "created_at",
		}).AddRow("red-1", "ws-1", "evt-1", "room", "room-1",
			"rule-aws-key", "masked", []byte(`{"path":"note","count":1}`), auditClock()))

	out, err := svc.Redactions(context.Background(), eventlog.RedactionFilter{
		WorkspaceID: "ws-1",
		RuleID:      "rule-aws-key",
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "evt-1", out[0].EventID)
	assert.Equal(t, "masked", out[0].Action)
	assert.NoError(t, mock.ExpectationsWereMet())
}
