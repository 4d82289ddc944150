// Package queued implements the Queued-Message Processor (spec.md §4.9):
// the handler for the conversation:queued-message:process job, which drains
// buffered user turns one at a time as soon as a conversation's active
// generation frees up.
//
// Grounded on the same claim-and-dispatch shape as queue.Worker's job
// dispatch loop (claim, run, continue until empty), applied here to
// per-conversation rows in the store instead of the job queue itself.
package queued

import (
	"context"
	"errors"

	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/store"
	"github.com/genorch/orchestrator/telemetry"
)

// StartFunc attempts to start a generation for a claimed queued message. It
// must return store.ErrActiveGenerationExists if another generation won the
// race in the meantime, so Processor can revert the row to queued instead
// of failing it (spec.md §4.9: "on 'active generation' error, revert to
// queued").
type StartFunc func(ctx context.Context, qm model.QueuedMessage) (generationID string, err error)

// Processor drains a conversation's queued messages.
type Processor struct {
	store  store.Store
	start  StartFunc
	logger telemetry.Logger
	metrics telemetry.Metrics
}

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(l telemetry.Logger) Option   { return func(p *Processor) { p.logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(p *Processor) { p.metrics = m } }

// New constructs a Processor. start is typically
// orchestrator.Orchestrator.StartGeneration bound to the queued message's
// fields; it is injected rather than imported directly to avoid a import
// cycle (package orchestrator depends on queued, not the reverse).
func New(st store.Store, start StartFunc, opts ...Option) *Processor {
	p := &Processor{
		store:   st,
		start:   start,
		logger:  telemetry.NoopLogger{},
		metrics: telemetry.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process is the conversation:queued-message:process job handler. It drains
// every queued row for conversationID until none remain or one is
// successfully claimed and dispatched (at which point the conversation once
// again has an active generation, so draining stops there; the next
// finalize will re-enqueue this job — spec.md §4.9).
func (p *Processor) Process(ctx context.Context, conversationID string) error {
	for {
		if _, err := p.store.FindActiveForConversation(ctx, conversationID); err == nil {
			return nil // a generation is already running; nothing to do yet
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		qm, err := p.store.ClaimNextQueued(ctx, conversationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil // drained
			}
			return err
		}

		genID, startErr := p.start(ctx, qm)
		switch {
		case startErr == nil:
			status := model.QueuedMessageSent
			if err := p.store.UpdateQueuedMessage(ctx, qm.ID, store.QueuedMessagePatch{
				Status:       &status,
				GenerationID: &genID,
			}); err != nil {
				return err
			}
			p.metrics.IncCounter("orchestrator_queued_message_sent_total", 1)
			return nil // this conversation now has an active generation again

		case errors.Is(startErr, store.ErrActiveGenerationExists):
			reverted := model.QueuedMessageQueued
			if err := p.store.UpdateQueuedMessage(ctx, qm.ID, store.QueuedMessagePatch{Status: &reverted}); err != nil {
				return err
			}
			return nil // another process won the race; let its finalize re-trigger us

		default:
			failed := model.QueuedMessageFailed
			msg := startErr.Error()
			if err := p.store.UpdateQueuedMessage(ctx, qm.ID, store.QueuedMessagePatch{
				Status:       &failed,
				ErrorMessage: &msg,
			}); err != nil {
				return err
			}
			p.logger.Warn(ctx, "queued message failed to start", "conversation_id", conversationID, "queued_id", qm.ID, "error", msg)
			p.metrics.IncCounter("orchestrator_queued_message_failed_total", 1)
			// continue to the next row
		}
	}
}
