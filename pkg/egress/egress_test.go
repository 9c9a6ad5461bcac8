package egress

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/capability"
	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/identity"
	"github.com/wardenlabs/warden/pkg/policy"
	"github.com/wardenlabs/warden/pkg/store"
)

var egClock = func() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

type fakeApprovals struct {
	id    string
	calls int
}

func (f *fakeApprovals) MatchApproved(ctx context.Context, q store.Querier, workspaceID, action, roomID string, now time.Time) (string, error) {
	f.calls++
	return f.id, nil
}

type fakeQuota struct {
	allow bool
	calls int
}

func (f *fakeQuota) Allow(ctx context.Context, workspaceID, principalID string) (bool, error) {
	f.calls++
	return f.allow, nil
}

type brokerHarness struct {
	broker    *Broker
	mock      sqlmock.Sqlmock
	approvals *fakeApprovals
	quota     *fakeQuota
	close     func()
}

func newBrokerHarness(t *testing.T, cfg *config.Config, allowlist []string) *brokerHarness {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	registry, err := policy.NewRegistry(db)
	require.NoError(t, err)
	resolver := identity.NewResolver(db)
	scanner, err := eventlog.NewScanner(nil)
	require.NoError(t, err)
	writer := eventlog.NewWriter(db, resolver, scanner, nil).WithClock(egClock)

	h := &brokerHarness{
		mock:      mock,
		approvals: &fakeApprovals{id: "appr-1"},
		quota:     &fakeQuota{allow: true},
		close:     func() { db.Close() },
	}
	gate := policy.NewGate(policy.GateDeps{
		DB:           db,
		Config:       cfg,
		Resolver:     resolver,
		Capabilities: capability.NewService(db, writer, nil).WithClock(egClock),
		Registry:     registry,
		Writer:       writer,
		Approvals:    h.approvals,
		Quota:        h.quota,
	}).WithClock(egClock)
	h.broker = NewBroker(BrokerDeps{
		DB:        db,
		Config:    cfg,
		Gate:      gate,
		Writer:    writer,
		Resolver:  resolver,
		Allowlist: allowlist,
	}).WithClock(egClock)
	return h
}

func enforceConfig() *config.Config {
	return &config.Config{PolicyEnforcementMode: config.ModeEnforce, EgressMaxPerHour: 50}
}

func userActor() eventlog.ActorRef {
	return eventlog.ActorRef{Type: eventlog.ActorUser, ID: "u-1", PrincipalID: "prn-u1"}
}

func userPrincipalRows() *sqlmock.Rows {
	now := egClock()
	return sqlmock.NewRows([]string{
		"principal_id", "workspace_id", "principal_type", "display_name",
		"legacy_actor_type", "legacy_actor_id", "created_at", "updated_at",
	}).AddRow("prn-u1", "ws-1", "user", "ops@acme.io", "user", "ops@acme.io", now, now)
}

// expectEgressAppend scripts one keyed append. Egress events always carry an
// idempotency key, so the writer probes for a prior event first.
func expectEgressAppend(mock sqlmock.Sqlmock, seq int64) {
	mock.ExpectQuery("idempotency_key").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("SAVEPOINT append_event").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO evt_stream_heads").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT next_seq FROM evt_stream_heads").
		WillReturnRows(sqlmock.NewRows([]string{"next_seq"}).AddRow(seq))
	mock.ExpectExec("UPDATE evt_stream_heads SET next_seq").WillReturnResult(sqlmock.NewResult(0, 1))
	if seq > 1 {
		mock.ExpectQuery("SELECT event_hash FROM evt_events").
			WillReturnRows(sqlmock.NewRows([]string{"event_hash"}).AddRow("cafe"))
	}
	mock.ExpectExec("INSERT INTO evt_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("RELEASE SAVEPOINT append_event").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestNormalizeDomain(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"https://API.Example.COM:8443/v1/send?x=1", "api.example.com"},
		{"example.com/path", "example.com"},
		{"http://localhost:3000", "localhost"},
		{"https://example.com./health", "example.com"},
		{"https://192.168.4.10:8080/metrics", "192.168.4.10"},
		{"https://müller.de", "xn--mller-kva.de"},
	}
	for _, tc := range cases {
		got, err := NormalizeDomain(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}

	_, err := NormalizeDomain("")
	assert.Error(t, err)
	_, err = NormalizeDomain("https://")
	assert.Error(t, err)
}

func TestDomainAllowlist(t *testing.T) {
	b := NewBroker(BrokerDeps{Allowlist: []string{"api.stripe.com", "*.Internal.Acme.IO", " "}})
	assert.True(t, b.domainAllowed("api.stripe.com"))
	assert.True(t, b.domainAllowed("svc.internal.acme.io"))
	assert.False(t, b.domainAllowed("internal.acme.io"), "wildcard covers subdomains only")
	assert.False(t, b.domainAllowed("evil.example"))

	open := NewBroker(BrokerDeps{})
	assert.True(t, open.domainAllowed("anything.example"), "empty allowlist allows all")
}

func TestEvaluateAllowsAndRecordsDecision(t *testing.T) {
	h := newBrokerHarness(t, enforceConfig(), nil)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_agents").WillReturnError(sql.ErrNoRows)
	h.mock.ExpectQuery("FROM action_registry").WillReturnError(sql.ErrNoRows)
	h.mock.ExpectExec("INSERT INTO sec_egress_requests").
		WithArgs(sqlmock.AnyArg(), "ws-1", "prn-u1", "supervised", "POST", "https://API.example.com/v1/send",
			"api.example.com", nil, "allow", nil, false, "appr-1", nil, egClock()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectEgressAppend(h.mock, 1)
	expectEgressAppend(h.mock, 2)
	h.mock.ExpectCommit()

	res, err := h.broker.Evaluate(context.Background(), Request{
		WorkspaceID: "ws-1",
		Actor:       userActor(),
		Method:      "POST",
		URL:         "https://API.example.com/v1/send",
	})
	require.NoError(t, err)
	assert.Equal(t, "api.example.com", res.Domain)
	assert.Equal(t, policy.DecisionAllow, res.Decision)
	assert.False(t, res.Blocked)
	assert.Equal(t, "appr-1", res.ApprovalID)
	assert.Equal(t, 1, h.quota.calls)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestEvaluateBlocksDomainOffAllowlist(t *testing.T) {
	h := newBrokerHarness(t, enforceConfig(), []string{"api.example.com", "*.acme.io"})
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_agents").WillReturnError(sql.ErrNoRows)
	h.mock.ExpectQuery("FROM action_registry").WillReturnError(sql.ErrNoRows)
	h.mock.ExpectExec("INSERT INTO sec_egress_requests").WillReturnResult(sqlmock.NewResult(0, 1))
	expectEgressAppend(h.mock, 1)
	expectEgressAppend(h.mock, 2)
	h.mock.ExpectCommit()

	res, err := h.broker.Evaluate(context.Background(), Request{
		WorkspaceID: "ws-1",
		Actor:       userActor(),
		URL:         "https://exfil.example.net/upload",
	})
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionDeny, res.Decision)
	assert.Equal(t, policy.ReasonPolicyDenied, res.ReasonCode)
	assert.True(t, res.Blocked)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestEvaluateShadowAllowlistMissStaysUnblocked(t *testing.T) {
	cfg := enforceConfig()
	cfg.PolicyEnforcementMode = config.ModeShadow
	h := newBrokerHarness(t, cfg, []string{"api.example.com"})
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_agents").WillReturnError(sql.ErrNoRows)
	h.mock.ExpectQuery("FROM action_registry").WillReturnError(sql.ErrNoRows)
	h.mock.ExpectExec("INSERT INTO sec_egress_requests").WillReturnResult(sqlmock.NewResult(0, 1))
	expectEgressAppend(h.mock, 1)
	expectEgressAppend(h.mock, 2)
	h.mock.ExpectCommit()

	res, err := h.broker.Evaluate(context.Background(), Request{
		WorkspaceID: "ws-1",
		Actor:       userActor(),
		URL:         "https://exfil.example.net/upload",
	})
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionDeny, res.Decision)
	assert.False(t, res.Blocked)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestEvaluateRecordsGateDenial(t *testing.T) {
	cfg := enforceConfig()
	cfg.ExternalWriteKillSwitch = true
	h := newBrokerHarness(t, cfg, nil)
	defer h.close()

	h.mock.ExpectBegin()
	expectEgressAppend(h.mock, 1) // policy.denied from the gate
	h.mock.ExpectExec("INSERT INTO sec_egress_requests").WillReturnResult(sqlmock.NewResult(0, 1))
	expectEgressAppend(h.mock, 2)
	expectEgressAppend(h.mock, 3)
	h.mock.ExpectCommit()

	res, err := h.broker.Evaluate(context.Background(), Request{
		WorkspaceID: "ws-1",
		Actor:       userActor(),
		URL:         "https://api.example.com/v1/send",
	})
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionDeny, res.Decision)
	assert.Equal(t, policy.ReasonKillSwitch, res.ReasonCode)
	assert.True(t, res.Blocked)
	assert.Equal(t, 0, h.quota.calls)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestEvaluateQuotaExhaustedFlow(t *testing.T) {
	h := newBrokerHarness(t, enforceConfig(), nil)
	h.quota.allow = false
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM proj_agents").WillReturnError(sql.ErrNoRows)
	h.mock.ExpectQuery("FROM action_registry").WillReturnError(sql.ErrNoRows)
	expectEgressAppend(h.mock, 1) // policy.denied
	expectEgressAppend(h.mock, 2) // quota.exceeded
	h.mock.ExpectExec("INSERT INTO sec_egress_requests").WillReturnResult(sqlmock.NewResult(0, 1))
	expectEgressAppend(h.mock, 3)
	expectEgressAppend(h.mock, 4)
	h.mock.ExpectCommit()

	res, err := h.broker.Evaluate(context.Background(), Request{
		WorkspaceID: "ws-1",
		Actor:       userActor(),
		URL:         "https://api.example.com/v1/send",
	})
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionDeny, res.Decision)
	assert.Equal(t, policy.ReasonQuotaExceeded, res.ReasonCode)
	assert.True(t, res.Blocked)
	assert.Equal(t, 0, h.approvals.calls)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestEvaluateResolvesLegacyActor(t *testing.T) {
	h := newBrokerHarness(t, enforceConfig(), nil)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM principals").WillReturnRows(userPrincipalRows())
	h.mock.ExpectQuery("FROM proj_agents").WillReturnError(sql.ErrNoRows)
	h.mock.ExpectQuery("FROM action_registry").WillReturnError(sql.ErrNoRows)
	h.mock.ExpectExec("INSERT INTO sec_egress_requests").
		WithArgs(sqlmock.AnyArg(), "ws-1", "prn-u1", "supervised", nil, "https://api.example.com/v1/send",
			"api.example.com", nil, "allow", nil, false, "appr-1", nil, egClock()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectEgressAppend(h.mock, 1)
	expectEgressAppend(h.mock, 2)
	h.mock.ExpectCommit()

	res, err := h.broker.Evaluate(context.Background(), Request{
		WorkspaceID: "ws-1",
		Actor:       eventlog.ActorRef{Type: eventlog.ActorUser, ID: "ops@acme.io"},
		URL:         "https://api.example.com/v1/send",
	})
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionAllow, res.Decision)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestHourlyQuotaDisabledWithoutLimit(t *testing.T) {
	q := NewHourlyQuota(nil, nil, 0)
	ok, err := q.Allow(context.Background(), "ws-1", "prn-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHourlyQuotaPostgresWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := NewHourlyQuota(db, nil, 50).WithClock(egClock)
	since := egClock().Add(-time.Hour)

	mock.ExpectQuery("FROM sec_egress_requests").
		WithArgs("ws-1", "prn-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(49))
	ok, err := q.Allow(context.Background(), "ws-1", "prn-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery("FROM sec_egress_requests").
		WithArgs("ws-1", "prn-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(50))
	ok, err = q.Allow(context.Background(), "ws-1", "prn-1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListFiltersBlockedRequests(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	b := NewBroker(BrokerDeps{DB: db})

	rows := sqlmock.NewRows([]string{"egress_id", "workspace_id", "principal_id", "zone", "method", "url",
		"domain", "room_id", "decision", "reason_code", "blocked", "approval_id", "justification", "created_at"}).
		AddRow("eg-1", "ws-1", "prn-1", "supervised", "POST", "https://api.stripe.com/v1/charges",
			"api.stripe.com", nil, "deny", "quota_exceeded", true, nil, nil, egClock())
	mock.ExpectQuery("FROM sec_egress_requests").WithArgs("ws-1", true, 100).WillReturnRows(rows)

	blocked := true
	out, err := b.List(context.Background(), "ws-1", ListFilter{Blocked: &blocked})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "api.stripe.com", out[0].Domain)
	assert.Equal(t, "quota_exceeded", out[0].ReasonCode)
	assert.True(t, out[0].Blocked)
	assert.NoError(t, mock.ExpectationsWereMet())
}
