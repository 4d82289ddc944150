// Package runner implements the Generation Runner (spec.md §4.7): the
// lease-gated phase state machine that drives one generation from
// sandbox/session preparation through prompting, streaming ingestion,
// post-processing, and durable finalization. Generalized from
// runtime/agent/runtime.Runtime's Run/runLoop (Temporal-workflow-context
// execution) onto the explicit lease+queue+poll substrate spec.md
// mandates in place of a durable-execution engine.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/genorch/orchestrator/approval"
	"github.com/genorch/orchestrator/lease"
	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/providerevent"
	"github.com/genorch/orchestrator/queue"
	"github.com/genorch/orchestrator/sandbox"
	"github.com/genorch/orchestrator/store"
	"github.com/genorch/orchestrator/telemetry"
)

// Phase names the Generation Runner's state machine positions (spec.md
// §4.7). Phases are observability-only: durable state transitions happen
// through store.Status, these are the finer-grained steps logged/traced
// between them.
type Phase string

const (
	PhaseGenerationStarted       Phase = "generation_started"
	PhaseAgentInitStarted        Phase = "agent_init_started"
	PhaseAgentInitReady          Phase = "agent_init_ready"
	PhaseAgentInitFailed         Phase = "agent_init_failed"
	PhasePrePromptSetupStarted   Phase = "pre_prompt_setup_started"
	PhasePromptSent              Phase = "prompt_sent"
	PhaseFirstEventReceived      Phase = "first_event_received"
	PhaseSessionIdle             Phase = "session_idle"
	PhaseSessionError            Phase = "session_error"
	PhasePromptCompleted         Phase = "prompt_completed"
	PhasePostProcessingStarted   Phase = "post_processing_started"
	PhaseGenerationCompleted     Phase = "generation_completed"
	PhaseGenerationCancelled     Phase = "generation_cancelled"
	PhaseGenerationError         Phase = "generation_error"
)

// cancellationPollInterval bounds how often Run checks
// cancel_requested_at while a prompt is in flight (spec.md §4.7: "≥1s").
const cancellationPollInterval = 1 * time.Second

// Config bounds runner timeouts (spec.md §4.7).
type Config struct {
	LeaseTTL           time.Duration
	LeaseRenewInterval time.Duration
	PreparingTimeout   time.Duration
	PromptTimeout      time.Duration
	// ReuseSandboxForWorkflows (default true) is not read by the runner:
	// workflow and chat generations alike ask the sandbox.Provider for the
	// conversation's session, and the provider decides reuse.
	ReuseSandboxForWorkflows bool
}

// DefaultConfig matches spec.md §4.2/§4.7's named defaults.
func DefaultConfig() Config {
	return Config{
		LeaseTTL:                 120 * time.Second,
		LeaseRenewInterval:       30 * time.Second,
		PreparingTimeout:         300 * time.Second,
		PromptTimeout:            1500 * time.Second,
		ReuseSandboxForWorkflows: true,
	}
}

// Runner drives generations through the phase state machine.
type Runner struct {
	store    store.Store
	lease    lease.Service
	queue    queue.Client
	sandbox  sandbox.Provider
	approval *approval.Manager

	logger  telemetry.Logger
	tracer  telemetry.Tracer
	metrics telemetry.Metrics

	cfg Config
}

// Option configures a Runner.
type Option func(*Runner)

func WithConfig(c Config) Option           { return func(r *Runner) { r.cfg = c } }
func WithLogger(l telemetry.Logger) Option  { return func(r *Runner) { r.logger = l } }
func WithTracer(t telemetry.Tracer) Option  { return func(r *Runner) { r.tracer = t } }
func WithMetrics(m telemetry.Metrics) Option { return func(r *Runner) { r.metrics = m } }

// New constructs a Runner.
func New(st store.Store, ls lease.Service, q queue.Client, sp sandbox.Provider, am *approval.Manager, opts ...Option) *Runner {
	r := &Runner{
		store:    st,
		lease:    ls,
		queue:    q,
		sandbox:  sp,
		approval: am,
		logger:   telemetry.NoopLogger{},
		tracer:   telemetry.NoopTracer{},
		metrics:  telemetry.NoopMetrics{},
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ErrLeaseNotAcquired names the case where another process already holds
// the generation's lease. Run does not return it: it logs the case and
// returns nil, since the queue may redeliver a job at-least-once.
var ErrLeaseNotAcquired = errors.New("runner: lease not acquired")

// Run drives generationID from its current durable state through to a
// terminal status. It is the handler registered for the
// generation:run:chat and generation:run:workflow queue jobs.
func (r *Runner) Run(ctx context.Context, generationID string) error {
	ctx, span := r.tracer.Start(ctx, "runner.Run")
	defer span.End()

	key := lease.Key(generationID)
	token, acquired, err := r.lease.TryAcquire(ctx, key, r.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("runner: acquire lease: %w", err)
	}
	if !acquired {
		r.logger.Info(ctx, "lease already held, skipping", "generation_id", generationID)
		return nil
	}
	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()
	go r.renewLeaseLoop(renewCtx, key, token)
	defer func() {
		release, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.lease.Release(release, key, token); err != nil && !errors.Is(err, lease.ErrNotHeld) {
			r.logger.Warn(ctx, "failed to release lease", "generation_id", generationID, "error", err.Error())
		}
	}()

	g, err := r.store.FindGeneration(ctx, generationID, true)
	if err != nil {
		return fmt.Errorf("runner: load generation: %w", err)
	}
	if g.Status.Terminal() {
		return nil // already finished by a prior attempt
	}
	conv, err := r.store.FindConversation(ctx, g.ConversationID)
	if err != nil {
		return fmt.Errorf("runner: load conversation: %w", err)
	}

	r.phase(ctx, generationID, PhaseGenerationStarted)
	sess, userMessageText, err := r.prepare(ctx, g, conv)
	if err != nil {
		r.phase(ctx, generationID, PhaseAgentInitFailed)
		return r.finalizeError(ctx, generationID, err)
	}
	r.phase(ctx, generationID, PhaseAgentInitReady)

	norm := providerevent.NewNormalizer(userMessageText)
	outcome, err := r.runPrompt(ctx, g, conv, sess, norm)
	if err != nil {
		return r.finalizeError(ctx, generationID, err)
	}
	switch outcome {
	case promptOutcomeCancelled:
		return r.finalizeCancelled(ctx, generationID)
	case promptOutcomeApprovalPending, promptOutcomeAuthPending:
		return nil // status already transitioned; a later Run resumes
	}

	r.phase(ctx, generationID, PhasePostProcessingStarted)
	if err := r.postProcess(ctx, generationID, sess); err != nil {
		r.logger.Warn(ctx, "post-processing error", "generation_id", generationID, "error", err.Error())
	}
	return r.finalizeCompleted(ctx, generationID)
}

func (r *Runner) phase(ctx context.Context, generationID string, p Phase) {
	r.logger.Info(ctx, "phase transition", "generation_id", generationID, "phase", string(p))
	r.metrics.IncCounter("orchestrator_runner_phase_total", 1, "phase", string(p))
}

func (r *Runner) renewLeaseLoop(ctx context.Context, key, token string) {
	ticker := time.NewTicker(r.cfg.LeaseRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.lease.Renew(ctx, key, token, r.cfg.LeaseTTL); err != nil {
				r.logger.Warn(ctx, "lease renew failed", "key", key, "error", err.Error())
				return
			}
		}
	}
}

// prepare brings up the sandbox/session, enqueuing the preparing-stuck
// watchdog job and debug-logging the provider's lifecycle stages
// (spec.md §4.4, §4.7).
func (r *Runner) prepare(ctx context.Context, g model.Generation, conv model.Conversation) (sandbox.Session, string, error) {
	r.phase(ctx, g.ID, PhaseAgentInitStarted)
	if err := r.queue.Enqueue(ctx, queue.JobGenerationPreparingStuck, stuckCheckPayload{GenerationID: g.ID}, queue.EnqueueOptions{
		JobID: "preparing-stuck:" + g.ID,
		Delay: r.cfg.PreparingTimeout,
	}); err != nil {
		return sandbox.Session{}, "", err
	}

	req := sandbox.SessionRequest{
		ConversationID: conv.ID,
		GenerationID:   g.ID,
		UserID:         conv.OwnerUserID,
	}
	opts := sandbox.GetOrCreateSessionOptions{
		ReplayHistory: conv.CurrentGeneration != "",
		OnLifecycle: func(stage sandbox.LifecycleStage, _ map[string]any) {
			r.logger.Debug(ctx, "sandbox lifecycle", "generation_id", g.ID, "stage", string(stage))
		},
	}
	prepCtx, cancel := context.WithTimeout(ctx, r.cfg.PreparingTimeout)
	defer cancel()
	sess, err := r.sandbox.GetOrCreateSession(prepCtx, req, opts)
	if err != nil {
		return sandbox.Session{}, "", err
	}

	var userText string
	for _, p := range g.ContentParts {
		if p.Type == model.ContentPartText {
			userText = p.Text
		}
	}
	sandboxID := sess.Sandbox.ID()
	if err := r.store.UpdateGeneration(ctx, g.ID, store.GenerationPatch{SandboxID: &sandboxID}); err != nil {
		return sandbox.Session{}, "", err
	}
	return sess, userText, nil
}

type stuckCheckPayload struct {
	GenerationID string `json:"generation_id"`
}
