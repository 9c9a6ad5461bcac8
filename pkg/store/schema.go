package store

// Migrations is the ordered schema history. Append only; never edit an
// applied migration.
var Migrations = []Migration{
	{Version: "001_events_core", SQL: schemaEventsCore},
	{Version: "002_identity_capabilities", SQL: schemaIdentityCapabilities},
	{Version: "003_projections", SQL: schemaProjections},
	{Version: "004_growth_security", SQL: schemaGrowthSecurity},
	{Version: "005_secrets_vault", SQL: schemaSecretsVault},
}

const schemaEventsCore = `
CREATE TABLE IF NOT EXISTS evt_events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	event_version INTEGER NOT NULL DEFAULT 1,
	occurred_at TIMESTAMPTZ NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	workspace_id TEXT NOT NULL,
	mission_id TEXT,
	room_id TEXT,
	thread_id TEXT,
	run_id TEXT,
	step_id TEXT,
	actor_type TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	actor_principal_id TEXT,
	zone TEXT NOT NULL DEFAULT 'supervised',
	stream_type TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	stream_seq BIGINT NOT NULL,
	redaction_level TEXT NOT NULL DEFAULT 'none',
	contains_secrets BOOLEAN NOT NULL DEFAULT FALSE,
	data JSONB NOT NULL DEFAULT '{}'::jsonb,
	policy_context JSONB,
	model_context JSONB,
	display JSONB,
	correlation_id TEXT,
	causation_id TEXT,
	idempotency_key TEXT,
	prev_event_hash TEXT NOT NULL,
	event_hash TEXT NOT NULL,
	UNIQUE (stream_type, stream_id, stream_seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS evt_events_idempotency_uq
	ON evt_events (stream_type, stream_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS evt_events_workspace_recorded_idx
	ON evt_events (workspace_id, recorded_at);
CREATE INDEX IF NOT EXISTS evt_events_run_idx
	ON evt_events (run_id) WHERE run_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS evt_events_correlation_idx
	ON evt_events (correlation_id) WHERE correlation_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS evt_events_type_idx
	ON evt_events (workspace_id, event_type);

CREATE OR REPLACE FUNCTION evt_events_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'append_only_violation: evt_events rows are immutable';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS evt_events_append_only_guard ON evt_events;
CREATE TRIGGER evt_events_append_only_guard
	BEFORE UPDATE OR DELETE ON evt_events
	FOR EACH ROW EXECUTE FUNCTION evt_events_append_only();

CREATE TABLE IF NOT EXISTS evt_stream_heads (
	stream_type TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	next_seq BIGINT NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (stream_type, stream_id)
);

CREATE TABLE IF NOT EXISTS evt_applied_events (
	projector TEXT NOT NULL,
	event_id TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (projector, event_id)
);

CREATE TABLE IF NOT EXISTS evt_redaction_log (
	redaction_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	stream_type TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	rule_id TEXT NOT NULL,
	action TEXT NOT NULL,
	detail JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS evt_redaction_log_event_idx ON evt_redaction_log (event_id);
CREATE INDEX IF NOT EXISTS evt_redaction_log_rule_idx ON evt_redaction_log (workspace_id, rule_id);
`

const schemaIdentityCapabilities = `
CREATE TABLE IF NOT EXISTS principals (
	principal_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	principal_type TEXT NOT NULL,
	display_name TEXT,
	legacy_actor_type TEXT,
	legacy_actor_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS principals_legacy_uq
	ON principals (workspace_id, legacy_actor_type, legacy_actor_id)
	WHERE legacy_actor_type IS NOT NULL AND legacy_actor_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS cap_tokens (
	token_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	issued_to_principal_id TEXT NOT NULL,
	granted_by_principal_id TEXT NOT NULL,
	parent_token_id TEXT,
	delegation_depth INTEGER NOT NULL DEFAULT 0,
	scopes JSONB NOT NULL,
	valid_until TIMESTAMPTZ,
	revoked_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_event_id TEXT
);
CREATE INDEX IF NOT EXISTS cap_tokens_principal_idx
	ON cap_tokens (workspace_id, issued_to_principal_id);
CREATE INDEX IF NOT EXISTS cap_tokens_parent_idx
	ON cap_tokens (parent_token_id) WHERE parent_token_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS cap_delegation_edges (
	edge_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	parent_token_id TEXT NOT NULL,
	child_token_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS cap_delegation_edges_parent_idx
	ON cap_delegation_edges (parent_token_id);

CREATE TABLE IF NOT EXISTS action_registry (
	action_type TEXT PRIMARY KEY,
	reversible BOOLEAN NOT NULL DEFAULT TRUE,
	zone_required TEXT,
	requires_pre_approval BOOLEAN NOT NULL DEFAULT FALSE,
	post_review_required BOOLEAN NOT NULL DEFAULT FALSE,
	guard_expression TEXT,
	metadata JSONB,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const schemaProjections = `
CREATE TABLE IF NOT EXISTS proj_rooms (
	room_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	name TEXT,
	purpose TEXT,
	created_by_principal_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_event_id TEXT,
	last_stream_seq BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS proj_rooms_workspace_idx ON proj_rooms (workspace_id);

CREATE TABLE IF NOT EXISTS proj_threads (
	thread_id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	title TEXT,
	created_by_principal_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_event_id TEXT,
	last_stream_seq BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS proj_threads_room_idx ON proj_threads (room_id);

CREATE TABLE IF NOT EXISTS proj_messages (
	message_id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	room_id TEXT,
	workspace_id TEXT NOT NULL,
	author_type TEXT NOT NULL,
	author_id TEXT NOT NULL,
	author_principal_id TEXT,
	content TEXT NOT NULL DEFAULT '',
	contains_secrets BOOLEAN NOT NULL DEFAULT FALSE,
	redaction_level TEXT NOT NULL DEFAULT 'none',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_event_id TEXT,
	last_stream_seq BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS proj_messages_thread_idx ON proj_messages (thread_id, created_at);

CREATE TABLE IF NOT EXISTS proj_runs (
	run_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	room_id TEXT,
	mission_id TEXT,
	agent_id TEXT,
	status TEXT NOT NULL,
	input JSONB,
	output JSONB,
	error JSONB,
	correlation_id TEXT,
	experiment_id TEXT,
	claimed_by_actor_id TEXT,
	claim_token TEXT,
	lease_expires_at TIMESTAMPTZ,
	lease_heartbeat_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_event_id TEXT,
	last_stream_seq BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS proj_runs_queue_idx
	ON proj_runs (workspace_id, status, created_at);
CREATE INDEX IF NOT EXISTS proj_runs_correlation_idx
	ON proj_runs (correlation_id) WHERE correlation_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS proj_steps (
	step_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	name TEXT,
	status TEXT NOT NULL,
	input JSONB,
	output JSONB,
	error JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_event_id TEXT,
	last_stream_seq BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS proj_steps_run_idx ON proj_steps (run_id, created_at);

CREATE TABLE IF NOT EXISTS proj_tool_calls (
	tool_call_id TEXT PRIMARY KEY,
	step_id TEXT,
	run_id TEXT,
	workspace_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	status TEXT NOT NULL,
	args JSONB,
	result JSONB,
	error JSONB,
	blocked BOOLEAN NOT NULL DEFAULT FALSE,
	reason_code TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_event_id TEXT,
	last_stream_seq BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS proj_tool_calls_run_idx ON proj_tool_calls (run_id);
CREATE INDEX IF NOT EXISTS proj_tool_calls_step_idx ON proj_tool_calls (step_id);

CREATE TABLE IF NOT EXISTS proj_artifacts (
	artifact_id TEXT PRIMARY KEY,
	step_id TEXT,
	run_id TEXT,
	workspace_id TEXT NOT NULL,
	kind TEXT,
	uri TEXT,
	content_hash TEXT,
	size_bytes BIGINT,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_event_id TEXT,
	last_stream_seq BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS proj_artifacts_run_idx ON proj_artifacts (run_id);

CREATE TABLE IF NOT EXISTS proj_approvals (
	approval_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	status TEXT NOT NULL,
	scope_type TEXT NOT NULL,
	room_id TEXT,
	action TEXT NOT NULL,
	ttl_seconds INTEGER NOT NULL DEFAULT 86400,
	expires_at TIMESTAMPTZ,
	requested_by_principal_id TEXT,
	request JSONB,
	decision JSONB,
	decided_by_principal_id TEXT,
	decided_at TIMESTAMPTZ,
	correlation_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_event_id TEXT,
	last_stream_seq BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS proj_approvals_match_idx
	ON proj_approvals (workspace_id, action, status);

CREATE TABLE IF NOT EXISTS proj_incidents (
	incident_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	status TEXT NOT NULL,
	severity TEXT,
	title TEXT,
	description TEXT,
	rca JSONB,
	learnings JSONB NOT NULL DEFAULT '[]'::jsonb,
	run_id TEXT,
	correlation_id TEXT,
	opened_at TIMESTAMPTZ,
	closed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_event_id TEXT,
	last_stream_seq BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS proj_incidents_workspace_idx
	ON proj_incidents (workspace_id, status);
CREATE INDEX IF NOT EXISTS proj_incidents_run_idx
	ON proj_incidents (run_id) WHERE run_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS proj_agents (
	agent_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	principal_id TEXT NOT NULL,
	name TEXT,
	quarantined_at TIMESTAMPTZ,
	quarantine_reason TEXT,
	autonomy_level TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_event_id TEXT,
	last_stream_seq BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS proj_agents_workspace_idx ON proj_agents (workspace_id);
CREATE UNIQUE INDEX IF NOT EXISTS proj_agents_principal_uq ON proj_agents (principal_id);
`

const schemaGrowthSecurity = `
CREATE TABLE IF NOT EXISTS sec_egress_requests (
	egress_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	principal_id TEXT NOT NULL,
	zone TEXT NOT NULL,
	method TEXT,
	url TEXT,
	domain TEXT NOT NULL,
	room_id TEXT,
	decision TEXT NOT NULL,
	reason_code TEXT,
	blocked BOOLEAN NOT NULL DEFAULT FALSE,
	approval_id TEXT,
	justification TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sec_egress_requests_principal_idx
	ON sec_egress_requests (workspace_id, principal_id, created_at);

CREATE TABLE IF NOT EXISTS sec_constraints (
	constraint_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	principal_id TEXT NOT NULL,
	category TEXT NOT NULL,
	pattern_hash TEXT NOT NULL,
	rule JSONB,
	occurrences INTEGER NOT NULL DEFAULT 1,
	first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (principal_id, category, pattern_hash)
);

CREATE TABLE IF NOT EXISTS sec_mistake_counters (
	counter_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	principal_id TEXT NOT NULL,
	category TEXT NOT NULL,
	reason_code TEXT NOT NULL,
	repeat_count INTEGER NOT NULL DEFAULT 1,
	window_started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (principal_id, category, reason_code)
);

CREATE TABLE IF NOT EXISTS grw_trust_scores (
	workspace_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	score NUMERIC(5,2) NOT NULL,
	model_version TEXT NOT NULL,
	components JSONB NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (workspace_id, agent_id)
);

CREATE TABLE IF NOT EXISTS grw_skills (
	skill_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	name TEXT NOT NULL,
	category TEXT,
	description TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (workspace_id, name)
);

CREATE TABLE IF NOT EXISTS grw_agent_skills (
	agent_id TEXT NOT NULL,
	skill_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	level TEXT,
	source TEXT,
	status TEXT NOT NULL DEFAULT 'imported',
	package_id TEXT,
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (agent_id, skill_id)
);

CREATE TABLE IF NOT EXISTS grw_skill_assessments (
	assessment_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	skill_id TEXT NOT NULL,
	status TEXT NOT NULL,
	score NUMERIC(5,2),
	detail JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS grw_skill_assessments_agent_idx
	ON grw_skill_assessments (agent_id, skill_id);

CREATE TABLE IF NOT EXISTS skl_packages (
	package_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	source_uri TEXT,
	manifest JSONB NOT NULL,
	payload_hash TEXT,
	signature TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	quarantine_reason TEXT,
	installed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	verified_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (workspace_id, name, version)
);

CREATE TABLE IF NOT EXISTS grw_daily_snapshots (
	workspace_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	snapshot_date DATE NOT NULL,
	events_count INTEGER NOT NULL DEFAULT 0,
	runs_count INTEGER NOT NULL DEFAULT 0,
	runs_succeeded INTEGER NOT NULL DEFAULT 0,
	runs_failed INTEGER NOT NULL DEFAULT 0,
	violations_count INTEGER NOT NULL DEFAULT 0,
	trust_score NUMERIC(5,2),
	rolling_7d JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (workspace_id, agent_id, snapshot_date)
);

CREATE TABLE IF NOT EXISTS grw_survival_ledger (
	workspace_id TEXT NOT NULL,
	target_type TEXT NOT NULL,
	target_id TEXT NOT NULL,
	entry_date DATE NOT NULL,
	cost_cents BIGINT NOT NULL DEFAULT 0,
	value_cents BIGINT NOT NULL DEFAULT 0,
	net_cents BIGINT NOT NULL DEFAULT 0,
	detail JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (workspace_id, target_type, target_id, entry_date)
);

CREATE TABLE IF NOT EXISTS grw_lifecycle_states (
	workspace_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'ACTIVE',
	probation_streak INTEGER NOT NULL DEFAULT 0,
	recovery_streak INTEGER NOT NULL DEFAULT 0,
	last_transition_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_event_id TEXT,
	PRIMARY KEY (workspace_id, agent_id)
);
`

const schemaSecretsVault = `
CREATE TABLE IF NOT EXISTS sec_vault (
	workspace_id TEXT NOT NULL,
	name TEXT NOT NULL,
	ciphertext BYTEA NOT NULL,
	nonce BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (workspace_id, name)
);
`
