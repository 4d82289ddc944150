package approval

import (
	"context"
	"time"

	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/queue"
	"github.com/genorch/orchestrator/store"
)

// ProcessApprovalTimeout is the generation:timeout:approval job handler
// (spec.md §4.6, "Timeout handler"). It re-reads durable state, verifies
// the deadline has actually passed (guarding against a stale job firing
// after the request was already resolved and superseded), and pauses the
// generation.
func (m *Manager) ProcessApprovalTimeout(ctx context.Context, generationID string, now time.Time) error {
	g, err := m.store.FindGeneration(ctx, generationID, false)
	if err != nil {
		return err
	}
	if g.Status != model.StatusAwaitingApproval || g.PendingApproval == nil {
		return nil // already resolved by another path
	}
	if now.Before(g.PendingApproval.ExpiresAt) {
		return nil // stale firing
	}
	status := model.StatusPaused
	if err := m.store.UpdateGeneration(ctx, generationID, store.GenerationPatch{Status: &status}); err != nil {
		return err
	}
	genStatus := model.GenerationStatusPaused
	return m.store.UpdateConversation(ctx, g.ConversationID, store.ConversationPatch{GenerationStatus: &genStatus})
}

// ProcessAuthTimeout is the generation:timeout:auth job handler. On
// timeout it cancels the generation, clears pending_auth, and enqueues
// the conversation's queued-message processor so the next buffered turn
// can start.
func (m *Manager) ProcessAuthTimeout(ctx context.Context, generationID string, now time.Time) error {
	g, err := m.store.FindGeneration(ctx, generationID, false)
	if err != nil {
		return err
	}
	if g.Status != model.StatusAwaitingAuth || g.PendingAuth == nil {
		return nil
	}
	if now.Before(g.PendingAuth.ExpiresAt) {
		return nil
	}
	status := model.StatusCancelled
	var clearedAuth *model.PendingAuth
	completedAt := now
	if err := m.store.UpdateGeneration(ctx, generationID, store.GenerationPatch{
		Status:      &status,
		PendingAuth: &clearedAuth,
		CompletedAt: &completedAt,
	}); err != nil {
		return err
	}
	genStatus := model.GenerationStatusIdle
	if err := m.store.UpdateConversation(ctx, g.ConversationID, store.ConversationPatch{GenerationStatus: &genStatus}); err != nil {
		return err
	}
	return m.queue.Enqueue(ctx, queue.JobConversationQueuedMsgProcess, queuedProcessPayload{ConversationID: g.ConversationID}, queue.EnqueueOptions{
		JobID: "queued-process:" + g.ConversationID,
	})
}

type queuedProcessPayload struct {
	ConversationID string `json:"conversation_id"`
}
