package identity

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func principalRows(id, ws, ptype, actorType, actorID string) *sqlmock.Rows {
	now := sqlmock.AnyArg()
	_ = now
	return sqlmock.NewRows([]string{
		"principal_id", "workspace_id", "principal_type", "display_name",
		"legacy_actor_type", "legacy_actor_id", "created_at", "updated_at",
	}).AddRow(id, ws, ptype, actorID, actorType, actorID, testTime(), testTime())
}

func TestEnsureForLegacyActor_ExistingRow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT (.+) FROM principals").
		WithArgs("ws1", "agent", "a-7").
		WillReturnRows(principalRows("p-1", "ws1", "agent", "agent", "a-7"))

	r := NewResolver(db)
	p, err := r.EnsureForLegacyActor(context.Background(), db, "ws1", "agent", "a-7")
	require.NoError(t, err)
	assert.Equal(t, "p-1", p.PrincipalID)
	assert.Equal(t, PrincipalAgent, p.Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureForLegacyActor_InsertsWhenMissing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT (.+) FROM principals").
		WithArgs("ws1", "user", "u-1").
		WillReturnRows(sqlmock.NewRows([]string{"principal_id"}))
	mock.ExpectExec("INSERT INTO principals").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := NewResolver(db)
	p, err := r.EnsureForLegacyActor(context.Background(), db, "ws1", "user", "u-1")
	require.NoError(t, err)
	assert.NotEmpty(t, p.PrincipalID)
	assert.Equal(t, "u-1", p.LegacyActorID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureForLegacyActor_ConcurrentInsertFallsBack(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT (.+) FROM principals").
		WillReturnRows(sqlmock.NewRows([]string{"principal_id"}))
	mock.ExpectExec("INSERT INTO principals").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery("SELECT (.+) FROM principals").
		WillReturnRows(principalRows("p-winner", "ws1", "user", "user", "u-1"))

	r := NewResolver(db)
	p, err := r.EnsureForLegacyActor(context.Background(), db, "ws1", "user", "u-1")
	require.NoError(t, err)
	assert.Equal(t, "p-winner", p.PrincipalID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureForLegacyActor_RejectsEmptyActor(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewResolver(db)
	_, err = r.EnsureForLegacyActor(context.Background(), db, "ws1", "", "")
	assert.Error(t, err)
}

func TestValidateAgentBinding(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewResolver(db)

	// Missing principal id.
	code, err := r.ValidateAgentBinding(context.Background(), db, "", "a-7")
	require.NoError(t, err)
	assert.Equal(t, "agent_principal_required", code)

	// Unknown principal.
	mock.ExpectQuery("SELECT (.+) FROM principals").
		WillReturnRows(sqlmock.NewRows([]string{"principal_id"}))
	code, err = r.ValidateAgentBinding(context.Background(), db, "p-unknown", "a-7")
	require.NoError(t, err)
	assert.Equal(t, "agent_principal_not_found", code)

	// Actor id mismatch.
	mock.ExpectQuery("SELECT (.+) FROM principals").
		WillReturnRows(principalRows("p-1", "ws1", "agent", "agent", "a-other"))
	code, err = r.ValidateAgentBinding(context.Background(), db, "p-1", "a-7")
	require.NoError(t, err)
	assert.Equal(t, "agent_actor_id_mismatch", code)

	// Bound correctly.
	mock.ExpectQuery("SELECT (.+) FROM principals").
		WillReturnRows(principalRows("p-1", "ws1", "agent", "agent", "a-7"))
	code, err = r.ValidateAgentBinding(context.Background(), db, "p-1", "a-7")
	require.NoError(t, err)
	assert.Empty(t, code)
}
