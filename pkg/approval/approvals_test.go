package approval

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/identity"
	"github.com/wardenlabs/warden/pkg/store"
)

var apClock = func() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	scanner, err := eventlog.NewScanner(nil)
	require.NoError(t, err)
	writer := eventlog.NewWriter(db, identity.NewResolver(db), scanner, nil).WithClock(apClock)
	s := NewService(db, writer, nil).WithClock(apClock)
	return s, mock, func() { db.Close() }
}

func approvalColumnsList() []string {
	return []string{"approval_id", "workspace_id", "status", "scope_type", "room_id", "action",
		"ttl_seconds", "expires_at", "requested_by_principal_id", "request", "decision",
		"decided_by_principal_id", "decided_at", "correlation_id", "created_at", "updated_at"}
}

func pendingApprovalRow(status string, expiresAt time.Time) *sqlmock.Rows {
	now := apClock()
	return sqlmock.NewRows(approvalColumnsList()).AddRow(
		"ap-1", "ws-1", status, ScopeRoom, "room-1", "external.write",
		3600, expiresAt, "prn-u1", []byte(`{"summary":"send the report"}`), nil,
		nil, nil, "approval:ws-1:ap-1", now, now)
}

func expectAppend(mock sqlmock.Sqlmock, seq int64) {
	mock.ExpectExec("SAVEPOINT append_event").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO evt_stream_heads").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT next_seq FROM evt_stream_heads").
		WillReturnRows(sqlmock.NewRows([]string{"next_seq"}).AddRow(seq))
	mock.ExpectExec("UPDATE evt_stream_heads SET next_seq").WillReturnResult(sqlmock.NewResult(0, 1))
	if seq > 1 {
		mock.ExpectQuery("SELECT event_hash FROM evt_events").
			WillReturnRows(sqlmock.NewRows([]string{"event_hash"}).AddRow("beef"))
	}
	mock.ExpectExec("INSERT INTO evt_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("RELEASE SAVEPOINT append_event").WillReturnResult(sqlmock.NewResult(0, 0))
}

func actor() eventlog.ActorRef {
	return eventlog.ActorRef{Type: eventlog.ActorUser, ID: "u-1", PrincipalID: "prn-u1"}
}

func TestRequestDefaultsToWorkspaceScope(t *testing.T) {
	s, mock, done := newTestService(t)
	defer done()

	mock.ExpectBegin()
	expectAppend(mock, 1)
	mock.ExpectCommit()

	receipt, err := s.Request(context.Background(), CreateRequest{
		WorkspaceID: "ws-1",
		Action:      "external.write",
		Actor:       actor(),
		Request:     map[string]any{"summary": "send the report"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ApprovalID)
	assert.NotEmpty(t, receipt.EventID)
	assert.Equal(t, StatusPending, receipt.Status)
	assert.False(t, receipt.Replayed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestRoomScopeNeedsRoomID(t *testing.T) {
	s, mock, done := newTestService(t)
	defer done()

	_, err := s.Request(context.Background(), CreateRequest{
		WorkspaceID: "ws-1",
		Action:      "external.write",
		Scope:       Scope{ScopeType: ScopeRoom},
		Actor:       actor(),
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideApprovesPendingApproval(t *testing.T) {
	s, mock, done := newTestService(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM proj_approvals").
		WillReturnRows(pendingApprovalRow(StatusPending, apClock().Add(time.Hour)))
	mock.ExpectQuery("SELECT event_id FROM evt_events").
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow("evt-req-1"))
	expectAppend(mock, 2)
	mock.ExpectCommit()

	receipt, err := s.Decide(context.Background(), DecideRequest{
		WorkspaceID: "ws-1",
		ApprovalID:  "ap-1",
		Decision:    DecisionApprove,
		Actor:       actor(),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, receipt.Status)
	assert.Equal(t, "ap-1", receipt.ApprovalID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideHeldApprovalCanStillBeApproved(t *testing.T) {
	s, mock, done := newTestService(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM proj_approvals").
		WillReturnRows(pendingApprovalRow(StatusHeld, apClock().Add(time.Hour)))
	mock.ExpectQuery("SELECT event_id FROM evt_events").
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow("evt-req-1"))
	expectAppend(mock, 3)
	mock.ExpectCommit()

	receipt, err := s.Decide(context.Background(), DecideRequest{
		WorkspaceID: "ws-1",
		ApprovalID:  "ap-1",
		Decision:    DecisionApprove,
		Actor:       actor(),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, receipt.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideRejectsAlreadyDecided(t *testing.T) {
	s, mock, done := newTestService(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM proj_approvals").
		WillReturnRows(pendingApprovalRow(StatusApproved, apClock().Add(time.Hour)))
	mock.ExpectRollback()

	_, err := s.Decide(context.Background(), DecideRequest{
		WorkspaceID: "ws-1",
		ApprovalID:  "ap-1",
		Decision:    DecisionDeny,
		Actor:       actor(),
	})
	assert.ErrorIs(t, err, ErrAlreadyDecided)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideRejectsExpiredApproval(t *testing.T) {
	s, mock, done := newTestService(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM proj_approvals").
		WillReturnRows(pendingApprovalRow(StatusPending, apClock().Add(-time.Minute)))
	mock.ExpectRollback()

	_, err := s.Decide(context.Background(), DecideRequest{
		WorkspaceID: "ws-1",
		ApprovalID:  "ap-1",
		Decision:    DecisionApprove,
		Actor:       actor(),
	})
	assert.ErrorIs(t, err, ErrExpired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideUnknownApproval(t *testing.T) {
	s, mock, done := newTestService(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM proj_approvals").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.Decide(context.Background(), DecideRequest{
		WorkspaceID: "ws-1",
		ApprovalID:  "ap-missing",
		Decision:    DecisionApprove,
		Actor:       actor(),
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideRejectsUnknownDecision(t *testing.T) {
	s, mock, done := newTestService(t)
	defer done()

	_, err := s.Decide(context.Background(), DecideRequest{
		WorkspaceID: "ws-1",
		ApprovalID:  "ap-1",
		Decision:    "maybe",
		Actor:       actor(),
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchApprovedHonorsScopeAndExpiry(t *testing.T) {
	s, mock, done := newTestService(t)
	defer done()
	now := apClock()

	mock.ExpectQuery("FROM proj_approvals").
		WithArgs("ws-1", "external.write", now, "room-1").
		WillReturnRows(sqlmock.NewRows([]string{"approval_id"}).AddRow("ap-1"))

	id, err := s.MatchApproved(context.Background(), nil, "ws-1", "external.write", "room-1", now)
	require.NoError(t, err)
	assert.Equal(t, "ap-1", id)

	mock.ExpectQuery("FROM proj_approvals").WillReturnError(sql.ErrNoRows)

	id, err = s.MatchApproved(context.Background(), nil, "ws-1", "external.write", "room-2", now)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}
