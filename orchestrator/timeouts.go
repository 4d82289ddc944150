package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/store"
)

// TimeoutKind discriminates processGenerationTimeout's target (spec.md §6).
type TimeoutKind string

const (
	TimeoutApproval TimeoutKind = "approval"
	TimeoutAuth     TimeoutKind = "auth"
)

// ProcessGenerationTimeout is the generation:timeout:{approval,auth} job
// handler (spec.md §6, "processGenerationTimeout").
func (o *Orchestrator) ProcessGenerationTimeout(ctx context.Context, generationID string, kind TimeoutKind) error {
	now := time.Now().UTC()
	switch kind {
	case TimeoutApproval:
		return o.approval.ProcessApprovalTimeout(ctx, generationID, now)
	case TimeoutAuth:
		return o.approval.ProcessAuthTimeout(ctx, generationID, now)
	default:
		return fmt.Errorf("orchestrator: unknown timeout kind %q", kind)
	}
}

// ProcessPreparingStuckCheck is the generation:preparing-stuck-check job
// handler (spec.md §6). It fires PreparingTimeout after the runner's
// prepare step starts; if the generation never left preparation (no sandbox assigned
// yet) by then, it is a stuck agent-init and finalizes as an error.
func (o *Orchestrator) ProcessPreparingStuckCheck(ctx context.Context, generationID string) error {
	g, err := o.store.FindGeneration(ctx, generationID, false)
	if err != nil {
		return err
	}
	if g.Status.Terminal() || g.Status != model.StatusRunning || g.SandboxID != "" {
		return nil // already progressed past preparation, or finished
	}
	status := model.StatusError
	msg := "sandbox/agent initialization did not complete in time"
	completedAt := time.Now().UTC()
	if err := o.store.UpdateGeneration(ctx, generationID, store.GenerationPatch{
		Status:       &status,
		CompletedAt:  &completedAt,
		ErrorMessage: &msg,
	}); err != nil {
		return err
	}
	genStatus := model.GenerationStatusError
	if err := o.store.UpdateConversation(ctx, g.ConversationID, store.ConversationPatch{GenerationStatus: &genStatus}); err != nil {
		return err
	}
	o.metrics.IncCounter("orchestrator_generation_completed_total", 1, "status", "error")
	return o.ProcessConversationQueuedMessages(ctx, g.ConversationID)
}

// ReapStaleGenerations is the periodic reaper (spec.md §5, "Stale
// generation reaper"; §6 "reapStaleGenerations").
func (o *Orchestrator) ReapStaleGenerations(ctx context.Context) (store.StaleReapCounts, error) {
	return o.store.ReapStale(ctx, store.DefaultStaleCutoffs(), time.Now().UTC())
}
