// Package orchestrator is the external-interface façade (spec.md §6):
// every operation callers invoke composes store, lease, queue, sandbox,
// approval, runner, subscription, and queued into one typed surface.
//
// Grounded on runtime/agent/runtime.Runtime's public surface (Run, RunAgent,
// StartRun, PauseRun, ResumeRun) — the same "one struct, one method per
// caller-visible verb" shape, generalized to spec.md §6's operation table.
package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/genorch/orchestrator/approval"
	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/queue"
	"github.com/genorch/orchestrator/queued"
	"github.com/genorch/orchestrator/runner"
	"github.com/genorch/orchestrator/sandbox"
	"github.com/genorch/orchestrator/store"
	"github.com/genorch/orchestrator/subscription"
	"github.com/genorch/orchestrator/telemetry"
)

// ErrAccessDenied is returned when the caller is not the owner of the
// conversation (spec.md §7, "AccessDenied"). A missing generation or
// conversation is not reported with it: CancelGeneration and
// ResumeGeneration return false for an unknown generation, and the other
// operations return store.ErrNotFound.
var ErrAccessDenied = errors.New("orchestrator: access denied")

// ErrModelNotAllowed is returned when the requested model fails the
// configured ModelValidator (spec.md §7, "ModelNotAllowed").
var ErrModelNotAllowed = errors.New("orchestrator: model not allowed")

// ModelValidator authorizes a (user, model) pair at admission time (spec.md
// §4.10 step 3: "Validate the chosen model against provider-specific
// rules"). AllowAllModels accepts anything; it exists for tests/demo where
// no real per-user subscription/credential check applies (spec.md's
// Non-goals exclude vendor API authentication).
type ModelValidator func(ctx context.Context, userID, modelID string) error

func AllowAllModels(context.Context, string, string) error { return nil }

// Config controls orchestrator-level behavior not owned by a sub-component.
type Config struct {
	// DeferToWorker enqueues the run job instead of running in-process
	// (spec.md §4.10 step 7, §6 "deferred-worker flag").
	DeferToWorker bool
}

// Orchestrator composes every Generation Orchestrator component behind the
// spec.md §6 operation table.
type Orchestrator struct {
	store    store.Store
	queue    queue.Client
	sandbox  sandbox.Provider
	approval *approval.Manager
	runner   *runner.Runner
	sub      *subscription.Subscriber
	queuedP  *queued.Processor

	validateModel ModelValidator
	logger        telemetry.Logger
	metrics       telemetry.Metrics
	cfg           Config
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithModelValidator(v ModelValidator) Option { return func(o *Orchestrator) { o.validateModel = v } }
func WithLogger(l telemetry.Logger) Option        { return func(o *Orchestrator) { o.logger = l } }
func WithMetrics(m telemetry.Metrics) Option       { return func(o *Orchestrator) { o.metrics = m } }
func WithOrchestratorConfig(c Config) Option       { return func(o *Orchestrator) { o.cfg = c } }

// New constructs an Orchestrator. r is the already-configured Generation
// Runner (package runner); it is also invoked directly here when
// Config.DeferToWorker is false.
func New(st store.Store, q queue.Client, sp sandbox.Provider, am *approval.Manager, r *runner.Runner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         st,
		queue:         q,
		sandbox:       sp,
		approval:      am,
		runner:        r,
		validateModel: AllowAllModels,
		logger:        telemetry.NoopLogger{},
		metrics:       telemetry.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.sub = subscription.New(st, subscription.WithLogger(o.logger), subscription.WithMetrics(o.metrics))
	o.queuedP = queued.New(st, o.startFromQueued, queued.WithLogger(o.logger), queued.WithMetrics(o.metrics))
	return o
}

// runGenerationJobName picks the queue job name for a conversation kind
// (spec.md §4.10: "Workflow variant ... analogous").
func runGenerationJobName(t model.ConversationType) string {
	if t == model.ConversationTypeWorkflow {
		return queue.JobGenerationRunWorkflow
	}
	return queue.JobGenerationRunChat
}

type runPayload struct {
	GenerationID string `json:"generation_id"`
}

// dispatch runs the generation now (DeferToWorker=false) or enqueues the
// run job (spec.md §4.10 step 7).
func (o *Orchestrator) dispatch(ctx context.Context, g model.Generation, convType model.ConversationType) error {
	if o.cfg.DeferToWorker {
		return o.queue.Enqueue(ctx, runGenerationJobName(convType), runPayload{GenerationID: g.ID}, queue.EnqueueOptions{
			JobID: "run:" + g.ID,
		})
	}
	go func() {
		bg := context.Background()
		if err := o.runner.Run(bg, g.ID); err != nil {
			o.logger.Error(bg, "in-process generation run failed", "generation_id", g.ID, "error", err.Error())
		}
	}()
	return nil
}

func newID() string { return uuid.NewString() }
