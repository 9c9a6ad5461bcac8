package evidence

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/run"
)

var evidenceClock = func() time.Time {
	return time.Date(2025, 6, 3, 8, 15, 0, 0, time.UTC)
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	runs := run.NewService(db, nil, 30*time.Second, nil).WithClock(evidenceClock)
	svc := NewService(db, nil, eventlog.NewQuery(db), runs, nil, nil)
	return svc, mock, func() { db.Close() }
}

func eventColumnsList() []string {
	return []string{"event_id", "event_type", "event_version", "occurred_at", "recorded_at", "workspace_id",
		"mission_id", "room_id", "thread_id", "run_id", "step_id",
		"actor_type", "actor_id", "actor_principal_id", "zone",
		"stream_type", "stream_id", "stream_seq",
		"redaction_level", "contains_secrets", "data", "policy_context", "model_context", "display",
		"correlation_id", "causation_id", "idempotency_key", "prev_event_hash", "event_hash"}
}

func runEventRow(rows *sqlmock.Rows, eventID, eventType string, seq int64, hash string) *sqlmock.Rows {
	now := evidenceClock()
	return rows.AddRow(
		eventID, eventType, 1, now, now, "ws-1",
		nil, nil, nil, "run-1", nil,
		"service", "engine-1", "prn-eng", "supervised",
		"run", "run-1", seq,
		"none", false, []byte(`{}`), nil, nil, nil,
		"corr-1", nil, nil, "genesis", hash)
}

func expectManifestQueries(mock sqlmock.Sqlmock) {
	now := evidenceClock()
	mock.ExpectQuery("FROM proj_runs").
		WithArgs("ws-1", "run-1").
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "workspace_id", "room_id", "mission_id", "agent_id", "status",
			"input", "output", "error", "correlation_id", "experiment_id",
			"claimed_by_actor_id", "claim_token", "lease_expires_at", "lease_heartbeat_at",
			"started_at", "finished_at", "created_at", "updated_at"}).
			AddRow("run-1", "ws-1", "room-1", nil, "agent-1", "succeeded",
				nil, []byte(`{"ok":true}`), nil, "corr-1", nil,
				nil, nil, nil, nil,
				now, now, now, now))

	events := sqlmock.NewRows(eventColumnsList())
	events = runEventRow(events, "ev-1", "run.created", 1, "hash-1")
	events = runEventRow(events, "ev-2", "run.started", 2, "hash-2")
	events = runEventRow(events, "ev-3", "run.succeeded", 3, "hash-3")
	mock.ExpectQuery("FROM evt_events").
		WillReturnRows(events)

	mock.ExpectQuery("SELECT artifact_id, kind, content_hash, size_bytes FROM proj_artifacts").
		WithArgs("ws-1", "run-1").
		WillReturnRows(sqlmock.NewRows([]string{"artifact_id", "kind", "content_hash", "size_bytes"}).
			AddRow("art-1", "report", "sha256:abc", int64(128)))
}

func TestBuildManifestCollectsChainAndArtifacts(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectManifestQueries(mock)

	m, err := svc.BuildManifest(context.Background(), "ws-1", "run-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, SchemaVersion, m.SchemaVersion)
	assert.Equal(t, "succeeded", m.RunStatus)
	assert.Equal(t, int64(1), m.FirstSeq)
	assert.Equal(t, int64(3), m.LastSeq)
	assert.Equal(t, "hash-3", m.LastEventHash)
	require.Len(t, m.Events, 3)
	assert.Equal(t, "run.started", m.Events[1].EventType)
	require.Len(t, m.Artifacts, 1)
	assert.Equal(t, "sha256:abc", m.Artifacts[0].ContentHash)
}

func TestManifestHashDeterministic(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	expectManifestQueries(mock)
	first, err := svc.BuildManifest(context.Background(), "ws-1", "run-1")
	require.NoError(t, err)

	expectManifestQueries(mock)
	second, err := svc.BuildManifest(context.Background(), "ws-1", "run-1")
	require.NoError(t, err)

	h1, err := first.Hash()
	require.NoError(t, err)
	h2, err := second.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.NotEmpty(t, h1)
}

func TestManifestHashChangesWithChain(t *testing.T) {
	base := &Manifest{
		SchemaVersion: SchemaVersion,
		WorkspaceID:   "ws-1",
		RunID:         "run-1",
		RunStatus:     "succeeded",
		FirstSeq:      1,
		LastSeq:       2,
		LastEventHash: "hash-2",
		Events: []EventRef{
			{EventID: "ev-1", EventType: "run.created", StreamSeq: 1, EventHash: "hash-1"},
			{EventID: "ev-2", EventType: "run.succeeded", StreamSeq: 2, EventHash: "hash-2"},
		},
		Artifacts: []ArtifactRef{},
	}
	grown := *base
	grown.Events = append(grown.Events[:len(grown.Events):len(grown.Events)],
		EventRef{EventID: "ev-3", EventType: "evidence.manifest.created", StreamSeq: 3, EventHash: "hash-3"})
	grown.LastSeq = 3
	grown.LastEventHash = "hash-3"

	h1, err := base.Hash()
	require.NoError(t, err)
	h2, err := grown.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestBuildManifestRequiresEvents(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	now := evidenceClock()
	mock.ExpectQuery("FROM proj_runs").
		WithArgs("ws-1", "run-1").
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "workspace_id", "room_id", "mission_id", "agent_id", "status",
			"input", "output", "error", "correlation_id", "experiment_id",
			"claimed_by_actor_id", "claim_token", "lease_expires_at", "lease_heartbeat_at",
			"started_at", "finished_at", "created_at", "updated_at"}).
			AddRow("run-1", "ws-1", nil, nil, nil, "queued",
				nil, nil, nil, nil, nil,
				nil, nil, nil, nil,
				nil, nil, now, now))
	mock.ExpectQuery("FROM evt_events").
		WillReturnRows(sqlmock.NewRows(eventColumnsList()))

	_, err := svc.BuildManifest(context.Background(), "ws-1", "run-1")
	assert.ErrorContains(t, err, "no events")
}
