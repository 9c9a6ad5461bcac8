// Package worker is the embedded execution driver: it claims queued runs,
// walks their declared steps through the policy gate and the egress broker,
// heartbeats the lease between steps, and finishes or requeues the run. It
// exists so a workspace works end to end without an external engine; real
// engines use the same claim/lease HTTP surface.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/wardenlabs/warden/pkg/egress"
	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/policy"
	"github.com/wardenlabs/warden/pkg/run"
)

// Config tunes the claim loop.
type Config struct {
	WorkspaceID  string
	EngineID     string
	PollInterval time.Duration
	BatchLimit   int
	DrainTimeout time.Duration
}

// Worker drives runs for one workspace.
type Worker struct {
	cfg    Config
	runs   *run.Service
	gate   *policy.Gate
	broker *egress.Broker
	logger *slog.Logger

	stopping atomic.Bool
	inFlight atomic.Bool
}

func New(cfg Config, runs *run.Service, gate *policy.Gate, broker *egress.Broker, logger *slog.Logger) *Worker {
	if cfg.EngineID == "" {
		cfg.EngineID = "warden-worker"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 5
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, runs: runs, gate: gate, broker: broker, logger: logger}
}

// Run polls until ctx is cancelled. An in-flight run always finishes before
// the loop exits; the worker never walks away holding a claim.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("run worker started",
		"workspace_id", w.cfg.WorkspaceID, "engine_id", w.cfg.EngineID,
		"poll_interval", w.cfg.PollInterval)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.stopping.Store(true)
			w.drain()
			w.logger.Info("run worker stopped")
			return nil
		case <-ticker.C:
			// Shutdown is only observed between ticks; the tick itself runs on
			// an uncancellable context so SQL work is never cut mid-run.
			w.tick(context.WithoutCancel(ctx))
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if _, err := w.runs.ReclaimExpired(ctx, w.cfg.WorkspaceID, w.cfg.BatchLimit); err != nil {
		w.logger.Error("reclaim expired leases", "error", err)
	}
	for range w.cfg.BatchLimit {
		if w.stopping.Load() {
			return
		}
		claimed, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("run execution failed", "error", err)
			return
		}
		if !claimed {
			return
		}
	}
}

// RunOnce claims and drives at most one run. It reports whether a run was
// claimed; ErrNoRun is not an error.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if w.stopping.Load() {
		return false, nil
	}
	if !w.inFlight.CompareAndSwap(false, true) {
		return false, nil
	}
	defer w.inFlight.Store(false)

	lease, err := w.runs.Claim(ctx, run.ClaimRequest{
		WorkspaceID: w.cfg.WorkspaceID,
		ClaimerID:   w.cfg.EngineID,
	})
	if errors.Is(err, run.ErrNoRun) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, w.execute(ctx, lease)
}

type stepOutcome int

const (
	stepOK stepOutcome = iota
	stepParked // run released back to the queue awaiting approval
	stepFailed // run failed terminally
)

func (w *Worker) execute(ctx context.Context, lease *run.Lease) error {
	r := lease.Run
	in := parseInput(r.Input)
	actor := w.actorFor(r, in)
	token := run.LeaseToken{WorkspaceID: r.WorkspaceID, RunID: r.RunID, ClaimToken: lease.ClaimToken}

	steps := in.plan()
	for i, st := range steps {
		if i > 0 {
			if _, err := w.runs.Heartbeat(ctx, token); err != nil {
				if errors.Is(err, run.ErrLeaseTokenMismatch) {
					// Someone reclaimed the run; it is theirs now.
					w.logger.Warn("lease lost mid-run", "run_id", r.RunID)
					return nil
				}
				return w.abort(ctx, r, actor, token, err)
			}
		}

		stepID, err := w.runs.AddStep(ctx, run.StepRequest{
			WorkspaceID: r.WorkspaceID,
			RunID:       r.RunID,
			Name:        st.name(),
			Input:       st.Args,
			Actor:       actor,
		})
		if err != nil {
			return w.abort(ctx, r, actor, token, err)
		}

		var outcome stepOutcome
		switch {
		case st.Tool != "":
			outcome, err = w.toolStep(ctx, r, in, actor, token, stepID, st)
		case st.egressURL(in) != "":
			outcome, err = w.egressStep(ctx, r, in, actor, token, stepID, st)
		default:
			err = w.runs.FinishStep(ctx, run.FinishStepRequest{
				WorkspaceID: r.WorkspaceID, RunID: r.RunID, StepID: stepID,
				Output: map[string]any{"status": "ok"}, Actor: actor,
			})
		}
		if err != nil {
			return w.abort(ctx, r, actor, token, err)
		}
		if outcome != stepOK {
			return nil
		}
	}

	_, err := w.runs.Complete(ctx, run.CompleteRequest{
		WorkspaceID: r.WorkspaceID,
		RunID:       r.RunID,
		Output:      map[string]any{"steps_completed": len(steps)},
		ClaimToken:  lease.ClaimToken,
		Actor:       actor,
	})
	if err != nil {
		return err
	}
	w.logger.Info("run completed", "run_id", r.RunID, "steps", len(steps))
	return nil
}

func (w *Worker) toolStep(ctx context.Context, r *run.Run, in *runInput, actor eventlog.ActorRef, token run.LeaseToken, stepID string, st stepSpec) (stepOutcome, error) {
	toolCallID, err := w.runs.RecordToolInvocation(ctx, run.ToolCallRequest{
		WorkspaceID: r.WorkspaceID,
		RunID:       r.RunID,
		StepID:      stepID,
		ToolName:    st.Tool,
		Args:        st.Args,
		Actor:       actor,
	})
	if err != nil {
		return stepFailed, err
	}

	dec, err := w.gate.AuthorizeToolCall(ctx, policy.Request{
		WorkspaceID:       r.WorkspaceID,
		Action:            st.action(),
		Actor:             actor,
		Zone:              in.Runtime.Policy.Zone,
		RoomID:            r.RoomID,
		RunID:             r.RunID,
		CapabilityTokenID: in.Runtime.Policy.CapabilityTokenID,
		Tool:              st.Tool,
		CorrelationID:     r.CorrelationID,
	})
	if err != nil {
		return stepFailed, err
	}

	if dec.Decision == policy.DecisionRequireApproval {
		if err := w.closeBlockedStep(ctx, r, actor, stepID, toolCallID, dec.ReasonCode); err != nil {
			return stepFailed, err
		}
		return w.park(ctx, r, token)
	}
	if dec.Blocked {
		if err := w.closeBlockedStep(ctx, r, actor, stepID, toolCallID, dec.ReasonCode); err != nil {
			return stepFailed, err
		}
		return w.failRun(ctx, r, actor, token, "policy_blocked", dec.ReasonCode)
	}

	// Allowed, or a shadow-mode denial that records but never cuts.
	result := map[string]any{"status": "ok"}
	if dec.ReasonCode != "" {
		result["shadow_reason_code"] = dec.ReasonCode
	}
	if err := w.runs.RecordToolResult(ctx, run.ToolResultRequest{
		WorkspaceID: r.WorkspaceID, RunID: r.RunID, StepID: stepID,
		ToolCallID: toolCallID, Result: result, Actor: actor,
	}); err != nil {
		return stepFailed, err
	}
	return stepOK, w.runs.FinishStep(ctx, run.FinishStepRequest{
		WorkspaceID: r.WorkspaceID, RunID: r.RunID, StepID: stepID,
		Output: map[string]any{"tool_call_id": toolCallID}, Actor: actor,
	})
}

func (w *Worker) egressStep(ctx context.Context, r *run.Run, in *runInput, actor eventlog.ActorRef, token run.LeaseToken, stepID string, st stepSpec) (stepOutcome, error) {
	res, err := w.broker.Evaluate(ctx, egress.Request{
		WorkspaceID:       r.WorkspaceID,
		Actor:             actor,
		Zone:              in.Runtime.Policy.Zone,
		Method:            st.Method,
		URL:               st.egressURL(in),
		RoomID:            r.RoomID,
		RunID:             r.RunID,
		CapabilityTokenID: in.Runtime.Policy.CapabilityTokenID,
		CorrelationID:     r.CorrelationID,
	})
	if err != nil {
		return stepFailed, err
	}

	if res.Decision == policy.DecisionRequireApproval {
		if err := w.runs.FinishStep(ctx, run.FinishStepRequest{
			WorkspaceID: r.WorkspaceID, RunID: r.RunID, StepID: stepID,
			Error: &run.RunError{Code: res.ReasonCode, Message: "egress requires approval"},
			Actor: actor,
		}); err != nil {
			return stepFailed, err
		}
		return w.park(ctx, r, token)
	}
	if res.Blocked {
		if err := w.runs.FinishStep(ctx, run.FinishStepRequest{
			WorkspaceID: r.WorkspaceID, RunID: r.RunID, StepID: stepID,
			Error: &run.RunError{Code: res.ReasonCode, Message: "egress blocked"},
			Actor: actor,
		}); err != nil {
			return stepFailed, err
		}
		return w.failRun(ctx, r, actor, token, "egress_blocked", res.ReasonCode)
	}

	return stepOK, w.runs.FinishStep(ctx, run.FinishStepRequest{
		WorkspaceID: r.WorkspaceID, RunID: r.RunID, StepID: stepID,
		Output: map[string]any{"egress_id": res.EgressID, "domain": res.Domain},
		Actor:  actor,
	})
}

func (w *Worker) closeBlockedStep(ctx context.Context, r *run.Run, actor eventlog.ActorRef, stepID, toolCallID, reason string) error {
	if err := w.runs.RecordToolResult(ctx, run.ToolResultRequest{
		WorkspaceID: r.WorkspaceID, RunID: r.RunID, StepID: stepID,
		ToolCallID: toolCallID, Blocked: true, ReasonCode: reason,
		Error: &run.RunError{Code: reason}, Actor: actor,
	}); err != nil {
		return err
	}
	return w.runs.FinishStep(ctx, run.FinishStepRequest{
		WorkspaceID: r.WorkspaceID, RunID: r.RunID, StepID: stepID,
		Error: &run.RunError{Code: reason}, Actor: actor,
	})
}

// park returns an approval-gated run to the queue so it can resume once an
// operator approves.
func (w *Worker) park(ctx context.Context, r *run.Run, token run.LeaseToken) (stepOutcome, error) {
	if err := w.runs.Release(ctx, token, "waiting_approval"); err != nil {
		return stepFailed, err
	}
	w.logger.Info("run parked awaiting approval", "run_id", r.RunID)
	return stepParked, nil
}

func (w *Worker) failRun(ctx context.Context, r *run.Run, actor eventlog.ActorRef, token run.LeaseToken, code, reason string) (stepOutcome, error) {
	_, err := w.runs.Fail(ctx, run.FailRequest{
		WorkspaceID: r.WorkspaceID,
		RunID:       r.RunID,
		Error:       run.RunError{Code: code, Message: reason},
		ClaimToken:  token.ClaimToken,
		Actor:       actor,
	})
	if err != nil {
		return stepFailed, err
	}
	w.logger.Info("run failed by policy", "run_id", r.RunID, "code", code, "reason", reason)
	return stepFailed, nil
}

// abort fails the run with worker_error on infrastructure failures. The
// original error is returned either way.
func (w *Worker) abort(ctx context.Context, r *run.Run, actor eventlog.ActorRef, token run.LeaseToken, cause error) error {
	_, err := w.runs.Fail(ctx, run.FailRequest{
		WorkspaceID: r.WorkspaceID,
		RunID:       r.RunID,
		Error:       run.RunError{Code: "worker_error", Message: cause.Error()},
		ClaimToken:  token.ClaimToken,
		Actor:       actor,
	})
	if err != nil && !errors.Is(err, run.ErrAlreadyFinished) {
		w.logger.Error("abort run", "run_id", r.RunID, "error", err)
	}
	return cause
}

func (w *Worker) actorFor(r *run.Run, in *runInput) eventlog.ActorRef {
	if r.AgentID != "" {
		return eventlog.ActorRef{
			Type:        eventlog.ActorAgent,
			ID:          r.AgentID,
			PrincipalID: in.Runtime.Policy.PrincipalID,
		}
	}
	return eventlog.ActorRef{
		Type:        eventlog.ActorService,
		ID:          w.cfg.EngineID,
		PrincipalID: in.Runtime.Policy.PrincipalID,
	}
}

func (w *Worker) drain() {
	deadline := time.Now().Add(w.cfg.DrainTimeout)
	for w.inFlight.Load() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}
