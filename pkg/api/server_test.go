package api

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/approval"
	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/identity"
	"github.com/wardenlabs/warden/pkg/run"
	"github.com/wardenlabs/warden/pkg/store"
)

func newTestServer(t *testing.T, cfg *config.Config) (*Server, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	if cfg == nil {
		cfg = &config.Config{AuthAllowLegacyHeader: true}
	}
	sessions, err := identity.NewSessionManager("test-signing-key", time.Hour)
	require.NoError(t, err)
	srv := NewServer(Deps{
		DB:        db,
		Config:    cfg,
		Events:    eventlog.NewQuery(db),
		Resolver:  identity.NewResolver(db),
		Sessions:  sessions,
		Runs:      run.NewService(db, nil, 30*time.Second, nil),
		Approvals: approval.NewService(db, nil, nil),
		RateRPS:   1000,
		RateBurst: 1000,
	})
	return srv, mock, func() { db.Close() }
}

func doRequest(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func legacyRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.Header.Set("x-workspace-id", "ws-1")
	req.Header.Set("x-actor-type", "user")
	req.Header.Set("x-actor-id", "u-1")
	return req
}

func TestHealthzBypassesAuth(t *testing.T) {
	srv, _, done := newTestServer(t, nil)
	defer done()

	rr := doRequest(srv, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestAuthMissingWorkspaceHeader(t *testing.T) {
	srv, _, done := newTestServer(t, nil)
	defer done()

	rr := doRequest(srv, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.JSONEq(t, `{"error":"workspace_required"}`, rr.Body.String())
}

func TestAuthRequireSessionRejectsLegacyHeader(t *testing.T) {
	srv, _, done := newTestServer(t, &config.Config{
		AuthRequireSession:    true,
		AuthAllowLegacyHeader: true,
	})
	defer done()

	rr := doRequest(srv, legacyRequest(http.MethodGet, "/v1/runs", ""))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.JSONEq(t, `{"error":"session_required"}`, rr.Body.String())
}

func TestAuthSessionTokenScopesWorkspace(t *testing.T) {
	srv, mock, done := newTestServer(t, &config.Config{AuthRequireSession: true})
	defer done()

	token, _, err := srv.sessions.Mint("ws-jwt", &identity.Principal{
		PrincipalID:   "prn-1",
		Type:          identity.PrincipalUser,
		LegacyActorID: "u-1",
	})
	require.NoError(t, err)

	mock.ExpectQuery("FROM proj_runs").
		WithArgs("ws-jwt", 100).
		WillReturnRows(sqlmock.NewRows([]string{"run_id"}))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := doRequest(srv, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthRejectsGarbageBearerToken(t *testing.T) {
	srv, _, done := newTestServer(t, nil)
	defer done()

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr := doRequest(srv, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.JSONEq(t, `{"error":"session_invalid"}`, rr.Body.String())
}

func TestGetRunNotFound(t *testing.T) {
	srv, mock, done := newTestServer(t, nil)
	defer done()

	mock.ExpectQuery("FROM proj_runs").
		WithArgs("ws-1", "run-missing").
		WillReturnError(sql.ErrNoRows)

	rr := doRequest(srv, legacyRequest(http.MethodGet, "/v1/runs/run-missing", ""))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.JSONEq(t, `{"error":"not_found"}`, rr.Body.String())
}

func TestCreateRoomRequiresName(t *testing.T) {
	srv, _, done := newTestServer(t, nil)
	defer done()

	rr := doRequest(srv, legacyRequest(http.MethodPost, "/v1/rooms", `{"purpose":"ops"}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.JSONEq(t, `{"error":"validation_failed"}`, rr.Body.String())
}

func TestMalformedJSONBody(t *testing.T) {
	srv, _, done := newTestServer(t, nil)
	defer done()

	rr := doRequest(srv, legacyRequest(http.MethodPost, "/v1/runs", `{"room_id":`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.JSONEq(t, `{"error":"malformed_json"}`, rr.Body.String())
}

func TestRateLimitExceeded(t *testing.T) {
	srv, _, done := newTestServer(t, nil)
	defer done()
	srv.limiter = newRateLimiter(1, 1)

	first := doRequest(srv, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := doRequest(srv, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.JSONEq(t, `{"error":"rate_limited"}`, second.Body.String())
}

func TestSecretsUnavailableWithoutVault(t *testing.T) {
	srv, _, done := newTestServer(t, nil)
	defer done()

	rr := doRequest(srv, legacyRequest(http.MethodGet, "/v1/secrets", ""))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"error":"secrets_unavailable"}`, rr.Body.String())
}

func TestStatusForTaxonomy(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrNotFound, http.StatusNotFound, "not_found"},
		{run.ErrNoRun, http.StatusNotFound, "no_run"},
		{run.ErrLeaseTokenMismatch, http.StatusConflict, "lease_token_mismatch"},
		{run.ErrNotClaimable, http.StatusConflict, "run_not_claimable"},
		{approval.ErrAlreadyDecided, http.StatusConflict, "approval_already_decided"},
		{eventlog.ErrIdempotencyConflictUnresolved, http.StatusConflict, "idempotency_conflict_unresolved"},
		{eventlog.ErrAppendOnlyViolation, http.StatusConflict, "append_only_violation"},
		{assert.AnError, http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, code := statusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.code)
		assert.Equal(t, tc.code, code)
	}
}

func TestRequestIDAssignedAndEchoed(t *testing.T) {
	srv, _, done := newTestServer(t, nil)
	defer done()

	rr := doRequest(srv, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr = doRequest(srv, req)
	assert.Equal(t, "req-42", rr.Header().Get("X-Request-ID"))
}

func TestListEventsPassesFilters(t *testing.T) {
	srv, mock, done := newTestServer(t, nil)
	defer done()

	mock.ExpectQuery("FROM evt_events").
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}))

	rr := doRequest(srv, legacyRequest(http.MethodGet,
		"/v1/events?event_type=run.created,run.failed&run_id=run-1&limit=10", ""))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
