// Package api exposes the control plane over HTTP/1.1+JSON. Handlers are
// thin: decode, resolve the caller, call the owning service, map errors to
// the stable reason-code taxonomy.
package api

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/wardenlabs/warden/pkg/agent"
	"github.com/wardenlabs/warden/pkg/approval"
	"github.com/wardenlabs/warden/pkg/artifacts"
	"github.com/wardenlabs/warden/pkg/audit"
	"github.com/wardenlabs/warden/pkg/capability"
	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/egress"
	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/evidence"
	"github.com/wardenlabs/warden/pkg/growth"
	"github.com/wardenlabs/warden/pkg/identity"
	"github.com/wardenlabs/warden/pkg/incident"
	"github.com/wardenlabs/warden/pkg/observability"
	"github.com/wardenlabs/warden/pkg/pipeline"
	"github.com/wardenlabs/warden/pkg/policy"
	"github.com/wardenlabs/warden/pkg/run"
	"github.com/wardenlabs/warden/pkg/secrets"
)

// Deps carries every service the HTTP surface fronts. Optional members
// (Secrets, Telemetry, Sessions) may be nil; the affected endpoints then
// answer with their unavailability code.
type Deps struct {
	DB           *sql.DB
	Config       *config.Config
	Writer       *eventlog.Writer
	Events       *eventlog.Query
	Resolver     *identity.Resolver
	Sessions     *identity.SessionManager
	Runs         *run.Service
	Approvals    *approval.Service
	Gate         *policy.Gate
	Capabilities *capability.Service
	Broker       *egress.Broker
	Incidents    *incident.Service
	Agents       *agent.Service
	Growth       *growth.Service
	Audit        *audit.Service
	Evidence     *evidence.Service
	Secrets      *secrets.Vault
	Pipeline     *pipeline.Service
	Blobs        artifacts.BlobStore
	Telemetry    *observability.Provider
	Logger       *slog.Logger

	RateRPS   int
	RateBurst int
}

// Server is the HTTP front of the control plane.
type Server struct {
	db           *sql.DB
	cfg          *config.Config
	writer       *eventlog.Writer
	events       *eventlog.Query
	resolver     *identity.Resolver
	sessions     *identity.SessionManager
	runs         *run.Service
	approvals    *approval.Service
	gate         *policy.Gate
	capabilities *capability.Service
	broker       *egress.Broker
	incidents    *incident.Service
	agents       *agent.Service
	growth       *growth.Service
	audit        *audit.Service
	evidence     *evidence.Service
	secrets      *secrets.Vault
	pipeline     *pipeline.Service
	blobs        artifacts.BlobStore
	telemetry    *observability.Provider
	logger       *slog.Logger
	limiter      *rateLimiter
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := d.Config
	if cfg == nil {
		cfg = config.Load()
	}
	rps, burst := d.RateRPS, d.RateBurst
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}
	return &Server{
		db:           d.DB,
		cfg:          cfg,
		writer:       d.Writer,
		events:       d.Events,
		resolver:     d.Resolver,
		sessions:     d.Sessions,
		runs:         d.Runs,
		approvals:    d.Approvals,
		gate:         d.Gate,
		capabilities: d.Capabilities,
		broker:       d.Broker,
		incidents:    d.Incidents,
		agents:       d.Agents,
		growth:       d.Growth,
		audit:        d.Audit,
		evidence:     d.Evidence,
		secrets:      d.Secrets,
		pipeline:     d.Pipeline,
		blobs:        d.Blobs,
		telemetry:    d.Telemetry,
		logger:       logger.With("component", "api"),
		limiter:      newRateLimiter(rps, burst),
	}
}

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/readyz", s.handleReadyz)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("POST /v1/principals/legacy/ensure", s.handleEnsurePrincipal)

	mux.HandleFunc("GET /v1/events", s.handleListEvents)
	mux.HandleFunc("GET /v1/events/{eventID}", s.handleGetEvent)
	mux.HandleFunc("POST /v1/events", s.handleAppendEvent)

	mux.HandleFunc("POST /v1/rooms", s.handleCreateRoom)
	mux.HandleFunc("GET /v1/rooms", s.handleListRooms)
	mux.HandleFunc("GET /v1/rooms/{roomID}", s.handleGetRoom)
	mux.HandleFunc("POST /v1/rooms/{roomID}/threads", s.handleCreateThread)
	mux.HandleFunc("GET /v1/rooms/{roomID}/threads", s.handleListThreads)
	mux.HandleFunc("POST /v1/threads/{threadID}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /v1/threads/{threadID}/messages", s.handleListMessages)
	mux.HandleFunc("GET /v1/streams/rooms/{roomID}", s.handleRoomStream)

	mux.HandleFunc("POST /v1/runs", s.handleCreateRun)
	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("POST /v1/runs/claim", s.handleClaimRun)
	mux.HandleFunc("GET /v1/runs/{runID}", s.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{runID}/start", s.handleStartRun)
	mux.HandleFunc("POST /v1/runs/{runID}/complete", s.handleCompleteRun)
	mux.HandleFunc("POST /v1/runs/{runID}/fail", s.handleFailRun)
	mux.HandleFunc("POST /v1/runs/{runID}/steps", s.handleAddStep)
	mux.HandleFunc("POST /v1/runs/{runID}/steps/{stepID}/finish", s.handleFinishStep)
	mux.HandleFunc("POST /v1/runs/{runID}/lease/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /v1/runs/{runID}/lease/release", s.handleReleaseLease)
	mux.HandleFunc("GET /v1/runs/{runID}/evidence", s.handleRunEvidence)
	mux.HandleFunc("POST /v1/runs/{runID}/evidence/finalize", s.handleFinalizeEvidence)

	mux.HandleFunc("POST /v1/steps/{stepID}/toolcalls", s.handleRecordToolCall)
	mux.HandleFunc("POST /v1/toolcalls/{toolCallID}/succeed", s.handleToolCallSucceed)
	mux.HandleFunc("POST /v1/toolcalls/{toolCallID}/fail", s.handleToolCallFail)
	mux.HandleFunc("GET /v1/toolcalls", s.handleListToolCalls)
	mux.HandleFunc("GET /v1/toolcalls/{toolCallID}", s.handleGetToolCall)

	mux.HandleFunc("POST /v1/steps/{stepID}/artifacts", s.handleCreateArtifact)
	mux.HandleFunc("GET /v1/artifacts", s.handleListArtifacts)
	mux.HandleFunc("GET /v1/artifacts/{artifactID}", s.handleGetArtifact)
	mux.HandleFunc("GET /v1/artifacts/{artifactID}/content", s.handleArtifactContent)

	mux.HandleFunc("POST /v1/approvals", s.handleRequestApproval)
	mux.HandleFunc("POST /v1/approvals/{approvalID}/decide", s.handleDecideApproval)
	mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	mux.HandleFunc("GET /v1/approvals/{approvalID}", s.handleGetApproval)

	mux.HandleFunc("POST /v1/policy/evaluate", s.handlePolicyEvaluate)

	mux.HandleFunc("POST /v1/capabilities/grant", s.handleGrantCapability)
	mux.HandleFunc("POST /v1/capabilities/delegate", s.handleDelegateCapability)
	mux.HandleFunc("POST /v1/capabilities/revoke", s.handleRevokeCapability)
	mux.HandleFunc("GET /v1/capabilities", s.handleListCapabilities)
	mux.HandleFunc("GET /v1/capabilities/delegations", s.handleListDelegations)

	mux.HandleFunc("POST /v1/egress/requests", s.handleEgressRequest)
	mux.HandleFunc("GET /v1/egress/requests", s.handleListEgress)

	mux.HandleFunc("POST /v1/incidents", s.handleOpenIncident)
	mux.HandleFunc("POST /v1/incidents/{incidentID}/rca", s.handleIncidentRCA)
	mux.HandleFunc("POST /v1/incidents/{incidentID}/learning", s.handleIncidentLearning)
	mux.HandleFunc("POST /v1/incidents/{incidentID}/close", s.handleCloseIncident)
	mux.HandleFunc("GET /v1/incidents", s.handleListIncidents)
	mux.HandleFunc("GET /v1/incidents/{incidentID}", s.handleGetIncident)

	mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /v1/agents/skills/onboarding-statuses", s.handleOnboardingStatuses)
	mux.HandleFunc("GET /v1/agents/{agentID}", s.handleGetAgent)
	mux.HandleFunc("POST /v1/agents/{agentID}/quarantine", s.handleQuarantineAgent)
	mux.HandleFunc("POST /v1/agents/{agentID}/unquarantine", s.handleUnquarantineAgent)
	mux.HandleFunc("GET /v1/agents/{agentID}/trust", s.handleGetTrust)
	mux.HandleFunc("POST /v1/agents/{agentID}/trust/recalculate", s.handleRecalculateTrust)
	mux.HandleFunc("GET /v1/agents/{agentID}/approval-recommendation", s.handleApprovalRecommendation)
	mux.HandleFunc("POST /v1/agents/{agentID}/autonomy/recommend", s.handleAutonomyRecommend)
	mux.HandleFunc("POST /v1/agents/{agentID}/autonomy/approve", s.handleAutonomyApprove)
	mux.HandleFunc("POST /v1/agents/{agentID}/skills/import", s.handleImportSkills)
	mux.HandleFunc("POST /v1/agents/{agentID}/skills/import-certify", s.handleImportCertifySkills)
	mux.HandleFunc("POST /v1/agents/{agentID}/skills/review-pending", s.handleReviewPending)
	mux.HandleFunc("POST /v1/agents/{agentID}/skills/assess-imported", s.handleAssessImported)
	mux.HandleFunc("POST /v1/agents/{agentID}/skills/certify-imported", s.handleCertifyImported)
	mux.HandleFunc("GET /v1/agents/{agentID}/skills", s.handleListAgentSkills)
	mux.HandleFunc("GET /v1/agents/{agentID}/skills/onboarding-status", s.handleOnboardingStatus)

	mux.HandleFunc("GET /v1/skills/packages", s.handleListPackages)
	mux.HandleFunc("POST /v1/skills/packages/install", s.handleInstallPackage)
	mux.HandleFunc("GET /v1/skills/packages/{packageID}", s.handleGetPackage)
	mux.HandleFunc("POST /v1/skills/packages/{packageID}/verify", s.handleVerifyPackage)
	mux.HandleFunc("POST /v1/skills/packages/{packageID}/quarantine", s.handleQuarantinePackage)

	mux.HandleFunc("GET /v1/audit/hash-chain/verify", s.handleVerifyHashChain)
	mux.HandleFunc("GET /v1/audit/redactions", s.handleListRedactions)

	mux.HandleFunc("GET /v1/pipeline", s.handlePipeline)
	mux.HandleFunc("GET /v1/pipeline/projection", s.handlePipeline)

	mux.HandleFunc("PUT /v1/secrets/{name}", s.handlePutSecret)
	mux.HandleFunc("GET /v1/secrets", s.handleListSecrets)
	mux.HandleFunc("GET /v1/secrets/{name}", s.handleGetSecret)
	mux.HandleFunc("DELETE /v1/secrets/{name}", s.handleDeleteSecret)

	return mux
}

// Handler wraps the routes in the middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Routes()
	h = bodyLimitMiddleware(h)
	h = s.authMiddleware(h)
	h = s.limiter.middleware(h)
	h = s.loggingMiddleware(h)
	h = requestIDMiddleware(h)
	h = recoverMiddleware(s.logger, h)
	return h
}

// auth pulls the caller from the context; nil means the middleware never
// ran (a programming error) and the handler refuses.
func (s *Server) auth(w http.ResponseWriter, r *http.Request) (AuthContext, bool) {
	ac, ok := AuthFrom(r.Context())
	if !ok || ac.WorkspaceID == "" {
		writeError(w, http.StatusUnauthorized, errWorkspaceMissing.code)
		return AuthContext{}, false
	}
	return ac, true
}
